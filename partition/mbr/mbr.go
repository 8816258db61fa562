// Package mbr implements a minimal reader/writer for classic DOS/MBR
// partition tables, sufficient to carve a single echfs volume out of a
// larger image via the "-m -p N" CLI flags.
package mbr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ech-fs/echfs/backend"
	"github.com/ech-fs/echfs/partition/part"
)

// Type is the one-byte MBR partition type ID
type Type byte

const (
	Empty Type = 0x00
	Fat32 Type = 0x0c
	Linux Type = 0x83
	GPTProtective Type = 0xee
)

const (
	mbrSize           = 512
	partitionTableOff = 446
	partitionEntrySz  = 16
	maxPartitions     = 4
	bootSignatureOff  = 510
	bootSignature     = 0xaa55
	// BytesPerSector is the sector size assumed for every LBA field in a
	// classic MBR, independent of the underlying device's logical sector size.
	BytesPerSector = 512
)

var (
	ErrNoMBRSignature = errors.New("no valid MBR boot signature found")
	ErrTooManyParts   = errors.New("MBR tables support at most 4 primary partitions")
)

// Partition is a single primary partition entry in an MBR table.
// Start and Size are expressed in 512-byte sectors, matching the on-disk
// LBA fields, per spec's "(first_sector, sector_count)" collaborator contract.
type Partition struct {
	Bootable bool
	Type     Type
	Start    uint32
	Size     uint32

	index int
}

var _ part.Partition = (*Partition)(nil)

func (p *Partition) GetIndex() int { return p.index }
func (p *Partition) GetSize() int64 { return int64(p.Size) }
func (p *Partition) GetStart() int64 { return int64(p.Start) }
func (p *Partition) UUID() string { return "" }
func (p *Partition) Label() string { return "" }

func (p *Partition) ReadContents(f backend.File, w io.Writer) (int64, error) {
	r := io.NewSectionReader(f, int64(p.Start)*BytesPerSector, int64(p.Size)*BytesPerSector)
	return io.Copy(w, r)
}

func (p *Partition) WriteContents(f backend.WritableFile, r io.Reader) (uint64, error) {
	limited := io.LimitReader(r, int64(p.Size)*BytesPerSector)
	buf := make([]byte, 1024*1024)
	var written uint64
	offset := int64(p.Start) * BytesPerSector
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
	// if the source still has data beyond the partition's capacity, flag it
	if extra := make([]byte, 1); mustHaveMore(r, extra) {
		return written, part.NewIncompletePartitionWriteError(written, uint64(p.Size)*BytesPerSector)
	}
	return written, nil
}

func mustHaveMore(r io.Reader, probe []byte) bool {
	n, _ := r.Read(probe)
	return n > 0
}

// Table is a classic MBR partition table
type Table struct {
	LogicalSectorSize  int
	PhysicalSectorSize int
	Partitions         []*Partition
}

var _ interface {
	Type() string
	Write(backend.WritableFile, int64) error
	GetPartitions() []part.Partition
	Repair(diskSize uint64) error
	Verify(f backend.File, diskSize uint64) error
	UUID() string
} = (*Table)(nil)

func (t *Table) Type() string { return "mbr" }
func (t *Table) UUID() string { return "" }

// GetPartitions returns the primary partitions, 1-indexed per part.Partition.GetIndex
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
		end := uint64(p.Start) + uint64(p.Size)
		if end > maxSectors {
			return fmt.Errorf("partition %d extends beyond end of disk (%d > %d sectors)", i+1, end, maxSectors)
		}
	}
	return nil
}

// Repair is a no-op for MBR: there is no backup table to reconcile against
func (t *Table) Repair(_ uint64) error { return nil }

// Read parses an MBR partition table from the first 512 bytes of f
func Read(f backend.File, logicalSectorSize, physicalSectorSize int) (*Table, error) {
	b := make([]byte, mbrSize)
	if _, err := f.ReadAt(b, 0); err != nil {
		return nil, fmt.Errorf("could not read MBR: %w", err)
	}
	if binary.LittleEndian.Uint16(b[bootSignatureOff:bootSignatureOff+2]) != bootSignature {
		return nil, ErrNoMBRSignature
	}

	table := &Table{LogicalSectorSize: logicalSectorSize, PhysicalSectorSize: physicalSectorSize}
	for i := 0; i < maxPartitions; i++ {
		off := partitionTableOff + i*partitionEntrySz
		entry := b[off : off+partitionEntrySz]
		ptype := Type(entry[4])
		if ptype == Empty {
			continue
		}
		table.Partitions = append(table.Partitions, &Partition{
			Bootable: entry[0] == 0x80,
			Type:     ptype,
			Start:    binary.LittleEndian.Uint32(entry[8:12]),
			Size:     binary.LittleEndian.Uint32(entry[12:16]),
			index:    len(table.Partitions) + 1,
		})
	}
	return table, nil
}

// Write renders the table as an MBR and writes it to the first 512 bytes of f
func (t *Table) Write(f backend.WritableFile, diskSize int64) error {
	if len(t.Partitions) > maxPartitions {
		return ErrTooManyParts
	}
	if err := t.Verify(nil, uint64(diskSize)); err != nil {
		return err
	}

	b := make([]byte, mbrSize)
	for i, p := range t.Partitions {
		off := partitionTableOff + i*partitionEntrySz
		entry := b[off : off+partitionEntrySz]
		if p.Bootable {
			entry[0] = 0x80
		}
		entry[4] = byte(p.Type)
		binary.LittleEndian.PutUint32(entry[8:12], p.Start)
		binary.LittleEndian.PutUint32(entry[12:16], p.Size)
	}
	binary.LittleEndian.PutUint16(b[bootSignatureOff:bootSignatureOff+2], bootSignature)

	_, err := f.WriteAt(b, 0)
	return err
}

// GetValidTable returns a small, internally-consistent table, useful for tests
// and as a quick-start fixture (mirrors the teacher's mbr_test.GetValidTable helper).
func GetValidTable() *Table {
	return &Table{
		LogicalSectorSize:  BytesPerSector,
		PhysicalSectorSize: BytesPerSector,
		Partitions: []*Partition{
			{Bootable: true, Type: Linux, Start: 2048, Size: 20480, index: 1},
		},
	}
}
