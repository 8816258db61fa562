// Package gpt implements a minimal reader/writer for GUID Partition Tables,
// sufficient to carve a single echfs volume out of a larger image via the
// "-g -p N" CLI flags.
package gpt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/ech-fs/echfs/backend"
	"github.com/ech-fs/echfs/partition/part"
)

const (
	// BytesPerSector is the sector size assumed for every LBA field, matching
	// classic GPT's own independence from the backing device's physical geometry.
	BytesPerSector   = 512
	headerLBA        = 1
	partitionLBA     = 2
	headerSize       = 92
	partitionEntrySz = 128
	defaultNumEntries = 128
	signature        = "EFI PART"
)

var (
	ErrNoGPTSignature = errors.New("no valid GPT header signature found")
	ErrHeaderCRC      = errors.New("GPT header checksum mismatch")
)

// WellKnownGUID is the partition type GUID for a generic Linux filesystem data partition
var WellKnownGUID = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")

// Partition is a single GPT partition entry.
// First and Last are expressed in 512-byte LBA sectors, inclusive, matching
// the on-disk entry fields; Start holds the unique partition GUID.
type Partition struct {
	Start uuid.UUID
	Type  uuid.UUID
	Name  string
	First uint64
	Last  uint64

	index int
}

var _ part.Partition = (*Partition)(nil)

func (p *Partition) GetIndex() int    { return p.index }
func (p *Partition) GetSize() int64   { return int64(p.Last-p.First) + 1 }
func (p *Partition) GetStart() int64  { return int64(p.First) }
func (p *Partition) UUID() string     { return p.Start.String() }
func (p *Partition) Label() string    { return p.Name }

func (p *Partition) ReadContents(f backend.File, w io.Writer) (int64, error) {
	r := io.NewSectionReader(f, int64(p.First)*BytesPerSector, p.GetSize()*BytesPerSector)
	return io.Copy(w, r)
}

func (p *Partition) WriteContents(f backend.WritableFile, r io.Reader) (uint64, error) {
	limited := io.LimitReader(r, p.GetSize()*BytesPerSector)
	buf := make([]byte, 1024*1024)
	var written uint64
	offset := int64(p.First) * BytesPerSector
	for {
		n, err := limited.Read(buf)
		if n > 0 {
			if _, werr := f.WriteAt(buf[:n], offset); werr != nil {
				return written, werr
			}
			written += uint64(n)
			offset += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
	}
	if extra := make([]byte, 1); mustHaveMore(r, extra) {
		return written, part.NewIncompletePartitionWriteError(written, uint64(p.GetSize())*BytesPerSector)
	}
	return written, nil
}

func mustHaveMore(r io.Reader, probe []byte) bool {
	n, _ := r.Read(probe)
	return n > 0
}

// Table is a GUID partition table
type Table struct {
	LogicalSectorSize  int
	PhysicalSectorSize int
	GUID               string
	Partitions         []*Partition
}

func (t *Table) Type() string { return "gpt" }
func (t *Table) UUID() string { return t.GUID }

// GetPartitions returns the partitions, 1-indexed per part.Partition.GetIndex
func (t *Table) GetPartitions() []part.Partition {
	parts := make([]part.Partition, 0, len(t.Partitions))
	for i, p := range t.Partitions {
		p.index = i + 1
		parts = append(parts, p)
	}
	return parts
}

// Verify checks that every partition fits within diskSize
func (t *Table) Verify(_ backend.File, diskSize uint64) error {
	maxSectors := diskSize / BytesPerSector
	for i, p := range t.Partitions {
		if p.Last >= maxSectors {
			return fmt.Errorf("partition %d extends beyond end of disk (%d >= %d sectors)", i+1, p.Last, maxSectors)
		}
	}
	return nil
}

// Repair only re-validates extents: this minimal implementation maintains no
// backup header copy to recompute.
func (t *Table) Repair(diskSize uint64) error {
	return t.Verify(nil, diskSize)
}

// Read parses a GPT header and partition entry array from f
func Read(f backend.File, logicalSectorSize, physicalSectorSize int) (*Table, error) {
	hdr := make([]byte, BytesPerSector)
	if _, err := f.ReadAt(hdr, headerLBA*BytesPerSector); err != nil {
		return nil, fmt.Errorf("could not read GPT header: %w", err)
	}
	if string(hdr[0:8]) != signature {
		return nil, ErrNoGPTSignature
	}

	headerCRC := binary.LittleEndian.Uint32(hdr[16:20])
	crcCheck := make([]byte, headerSize)
	copy(crcCheck, hdr[:headerSize])
	binary.LittleEndian.PutUint32(crcCheck[16:20], 0)
	if crc32.ChecksumIEEE(crcCheck) != headerCRC {
		return nil, ErrHeaderCRC
	}

	diskGUIDBytes := hdr[56:72]
	diskGUID, _ := uuid.FromBytes(reverseGUIDBytes(diskGUIDBytes))

	entriesLBA := binary.LittleEndian.Uint64(hdr[72:80])
	numEntries := binary.LittleEndian.Uint32(hdr[80:84])
	entrySize := binary.LittleEndian.Uint32(hdr[84:88])
	if entrySize == 0 {
		entrySize = partitionEntrySz
	}

	entriesBytes := make([]byte, int(numEntries)*int(entrySize))
	if _, err := f.ReadAt(entriesBytes, int64(entriesLBA)*BytesPerSector); err != nil {
		return nil, fmt.Errorf("could not read GPT partition entries: %w", err)
	}

	table := &Table{
		LogicalSectorSize:  logicalSectorSize,
		PhysicalSectorSize: physicalSectorSize,
		GUID:               diskGUID.String(),
	}
	for i := uint32(0); i < numEntries; i++ {
		off := int(i) * int(entrySize)
		entry := entriesBytes[off : off+int(entrySize)]
		typeGUID, _ := uuid.FromBytes(reverseGUIDBytes(entry[0:16]))
		if typeGUID == uuid.Nil {
			continue
		}
		partGUID, _ := uuid.FromBytes(reverseGUIDBytes(entry[16:32]))
		first := binary.LittleEndian.Uint64(entry[32:40])
		last := binary.LittleEndian.Uint64(entry[40:48])
		name := utf16ToString(entry[56:128])
		table.Partitions = append(table.Partitions, &Partition{
			Start: partGUID,
			Type:  typeGUID,
			Name:  name,
			First: first,
			Last:  last,
			index: len(table.Partitions) + 1,
		})
	}
	return table, nil
}

// Write renders a protective MBR, GPT header and partition entry array, and
// writes them to f. Only a primary (not backup) copy is written: this tool
// only needs to be able to carve out one partition's window, never to repair
// a disk whose primary and backup tables have diverged.
func (t *Table) Write(f backend.WritableFile, diskSize int64) error {
	if err := t.Verify(nil, uint64(diskSize)); err != nil {
		return err
	}

	// protective MBR at LBA 0
	pmbr := make([]byte, BytesPerSector)
	pmbr[446+4] = 0xee // GPT protective type
	binary.LittleEndian.PutUint32(pmbr[446+8:446+12], 1)
	lastLBA := uint32(diskSize/BytesPerSector - 1)
	binary.LittleEndian.PutUint32(pmbr[446+12:446+16], lastLBA)
	binary.LittleEndian.PutUint16(pmbr[510:512], 0xaa55)
	if _, err := f.WriteAt(pmbr, 0); err != nil {
		return err
	}

	numEntries := uint32(defaultNumEntries)
	entriesBytes := make([]byte, int(numEntries)*partitionEntrySz)
	for i, p := range t.Partitions {
		off := i * partitionEntrySz
		entry := entriesBytes[off : off+partitionEntrySz]
		copy(entry[0:16], reverseGUIDBytes(mustGUIDBytes(p.Type)))
		partGUID := p.Start
		if partGUID == uuid.Nil {
			partGUID = uuid.New()
			p.Start = partGUID
		}
		copy(entry[16:32], reverseGUIDBytes(mustGUIDBytes(partGUID)))
		binary.LittleEndian.PutUint64(entry[32:40], p.First)
		binary.LittleEndian.PutUint64(entry[40:48], p.Last)
		copy(entry[56:128], stringToUTF16(p.Name))
	}
	if _, err := f.WriteAt(entriesBytes, partitionLBA*BytesPerSector); err != nil {
		return err
	}
	entriesCRC := crc32.ChecksumIEEE(entriesBytes)

	diskGUID := uuid.New()
	if t.GUID != "" {
		if parsed, err := uuid.Parse(t.GUID); err == nil {
			diskGUID = parsed
		}
	}
	t.GUID = diskGUID.String()

	hdr := make([]byte, BytesPerSector)
	copy(hdr[0:8], signature)
	binary.LittleEndian.PutUint32(hdr[8:12], 0x00010000)
	binary.LittleEndian.PutUint32(hdr[12:16], headerSize)
	binary.LittleEndian.PutUint64(hdr[24:32], headerLBA)
	binary.LittleEndian.PutUint64(hdr[32:40], uint64(lastLBA))
	binary.LittleEndian.PutUint64(hdr[40:48], partitionLBA+uint64(numEntries)*partitionEntrySz/BytesPerSector)
	binary.LittleEndian.PutUint64(hdr[48:56], uint64(lastLBA)-uint64(numEntries)*partitionEntrySz/BytesPerSector-1)
	copy(hdr[56:72], reverseGUIDBytes(mustGUIDBytes(diskGUID)))
	binary.LittleEndian.PutUint64(hdr[72:80], partitionLBA)
	binary.LittleEndian.PutUint32(hdr[80:84], numEntries)
	binary.LittleEndian.PutUint32(hdr[84:88], partitionEntrySz)
	binary.LittleEndian.PutUint32(hdr[88:92], entriesCRC)

	crcCheck := make([]byte, headerSize)
	copy(crcCheck, hdr[:headerSize])
	binary.LittleEndian.PutUint32(crcCheck[16:20], 0)
	binary.LittleEndian.PutUint32(hdr[16:20], crc32.ChecksumIEEE(crcCheck))

	_, err := f.WriteAt(hdr, headerLBA*BytesPerSector)
	return err
}

// GetValidTable returns a small, internally-consistent table, useful for tests.
func GetValidTable() *Table {
	return &Table{
		LogicalSectorSize:  BytesPerSector,
		PhysicalSectorSize: BytesPerSector,
		Partitions: []*Partition{
			{Type: WellKnownGUID, Name: "echfs", First: 2048, Last: 22527, index: 1},
		},
	}
}

func mustGUIDBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, u[:])
	return b
}

// reverseGUIDBytes converts between the GUID's mixed-endian on-disk form and
// google/uuid's big-endian-only byte order for the first three fields.
func reverseGUIDBytes(b []byte) []byte {
	out := make([]byte, 16)
	copy(out, b)
	out[0], out[1], out[2], out[3] = out[3], out[2], out[1], out[0]
	out[4], out[5] = out[5], out[4]
	out[6], out[7] = out[7], out[6]
	return out
}

func utf16ToString(b []byte) string {
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		v := binary.LittleEndian.Uint16(b[i : i+2])
		if v == 0 {
			break
		}
		u16 = append(u16, v)
	}
	return string(utf16.Decode(u16))
}

func stringToUTF16(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	var buf bytes.Buffer
	for _, v := range u16 {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}
