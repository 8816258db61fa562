// Package disk provides utilities for working directly with a disk image or
// block device.
//
// Most of the provided functions are intelligent wrappers around
// implementations of github.com/ech-fs/echfs/partition and
// github.com/ech-fs/echfs/filesystem.
package disk

import (
	"fmt"
	"io"
	"os"

	"github.com/ech-fs/echfs/backend"
	backendfile "github.com/ech-fs/echfs/backend/file"
	"github.com/ech-fs/echfs/filesystem"
	"github.com/ech-fs/echfs/filesystem/echfs"
	"github.com/ech-fs/echfs/partition"
	"github.com/ech-fs/echfs/partition/gpt"
	"github.com/ech-fs/echfs/partition/mbr"
	"github.com/ech-fs/echfs/partition/part"
)

// Disk is a reference to a single disk block device or image that has been
// Create()'d or Open()'d.
type Disk struct {
	Backend           backend.Storage
	Info              os.FileInfo
	Type              Type
	Size              int64
	LogicalBlocksize  int64
	PhysicalBlocksize int64
	Table             partition.Table
}

// mbrMaxPartitions mirrors the primary-partition limit mbr.Table.Write
// itself enforces; checking it here lets Partition report a disk-level
// MaxPartitionsExceededError before ever touching the backend.
const mbrMaxPartitions = 4

// Type represents the type of disk this is
type Type int

const (
	// File is a file-based disk image
	File Type = iota
	// Device is an OS-managed block device
	Device
)

// Open opens an existing disk image or block device for reading and writing.
func Open(device string) (*Disk, error) {
	return open(device, false)
}

// OpenReadOnly opens an existing disk image or block device for reading only.
func OpenReadOnly(device string) (*Disk, error) {
	return open(device, true)
}

func open(device string, readOnly bool) (*Disk, error) {
	b, err := backendfile.OpenFromPath(device, readOnly)
	if err != nil {
		return nil, fmt.Errorf("could not open device %s: %v", device, err)
	}
	info, err := b.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat device %s: %v", device, err)
	}
	dt, err := DetermineDeviceType(b)
	if err != nil {
		return nil, err
	}
	diskType := File
	if dt == DeviceTypeBlockDevice {
		diskType = Device
	}
	return &Disk{
		Backend:           b,
		Info:              info,
		Type:              diskType,
		Size:              info.Size(),
		LogicalBlocksize:  mbr.BytesPerSector,
		PhysicalBlocksize: mbr.BytesPerSector,
	}, nil
}

// Create creates a new disk image of the given size at the given path.
func Create(device string, size int64) (*Disk, error) {
	b, err := backendfile.CreateFromPath(device, size)
	if err != nil {
		return nil, fmt.Errorf("could not create device %s: %v", device, err)
	}
	info, err := b.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat device %s: %v", device, err)
	}
	return &Disk{
		Backend:           b,
		Info:              info,
		Type:              File,
		Size:              size,
		LogicalBlocksize:  mbr.BytesPerSector,
		PhysicalBlocksize: mbr.BytesPerSector,
	}, nil
}

// GetPartitionTable retrieves a partition.Table for a Disk
//
// returns an error if the Disk is invalid or does not exist, or the
// partition table is unknown
func (d *Disk) GetPartitionTable() (partition.Table, error) {
	table, err := partition.Read(d.Backend, int(d.LogicalBlocksize), int(d.PhysicalBlocksize))
	if err != nil {
		return nil, &NoPartitionTableError{}
	}
	d.Table = table
	return table, nil
}

// Partition applies a partition.Table implementation to a Disk
//
// The table can have zero, one, or more partitions; each implementation
// (mbr.Table, gpt.Table) lays its entries out differently on disk, but
// writing is fully delegated to the implementation.
func (d *Disk) Partition(table partition.Table) error {
	if mbrTable, ok := table.(*mbr.Table); ok && len(mbrTable.Partitions) > mbrMaxPartitions {
		return NewMaxPartitionsExceededError(len(mbrTable.Partitions), mbrMaxPartitions)
	}
	writable, err := d.Backend.Writable()
	if err != nil {
		return fmt.Errorf("disk is not writable: %w", err)
	}
	if err := table.Write(writable, d.Size); err != nil {
		return fmt.Errorf("failed to write partition table: %v", err)
	}
	d.Table = table
	if err := d.ReReadPartitionTable(); err != nil {
		return fmt.Errorf("wrote partition table but failed to make the kernel re-read it: %w", err)
	}
	return nil
}

// partitionOffsetSize resolves the byte start and size of a 1-indexed
// partition, or the whole disk when partitionNum is 0.
func (d *Disk) partitionOffsetSize(partitionNum int) (start, size int64, err error) {
	if partitionNum == 0 {
		return 0, d.Size, nil
	}
	if d.Table == nil {
		return 0, 0, &NoPartitionTableError{}
	}
	parts := d.Table.GetPartitions()
	if partitionNum < 1 || partitionNum > len(parts) {
		return 0, 0, NewInvalidPartitionError(partitionNum)
	}
	p := parts[partitionNum-1]
	sectorSize := int64(mbr.BytesPerSector)
	if d.Table.Type() == "gpt" {
		sectorSize = gpt.BytesPerSector
	}
	return p.GetStart() * sectorSize, p.GetSize() * sectorSize, nil
}

// GetPartition returns the 1-indexed partition entry itself, for callers
// that need direct access to a single partition.Table entry (e.g. raw
// partition-to-partition duplication).
func (d *Disk) GetPartition(partitionNum int) (part.Partition, error) {
	if d.Table == nil {
		return nil, &NoPartitionTableError{}
	}
	parts := d.Table.GetPartitions()
	if partitionNum < 1 || partitionNum > len(parts) {
		return nil, NewInvalidPartitionError(partitionNum)
	}
	return parts[partitionNum-1], nil
}

// WritePartitionContents writes the contents of an io.Reader to a given
// partition (1-indexed), or the entire disk when partitionNum is 0.
//
// if successful, returns the number of bytes written
func (d *Disk) WritePartitionContents(partitionNum int, reader io.Reader) (int64, error) {
	if partitionNum == 0 {
		writable, err := d.Backend.Writable()
		if err != nil {
			return -1, err
		}
		buf := make([]byte, 1024*1024)
		var written int64
		var offset int64
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				if _, werr := writable.WriteAt(buf[:n], offset); werr != nil {
					return written, werr
				}
				written += int64(n)
				offset += int64(n)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return written, err
			}
		}
		return written, nil
	}
	if d.Table == nil {
		return -1, &NoPartitionTableError{}
	}
	parts := d.Table.GetPartitions()
	if partitionNum < 1 || partitionNum > len(parts) {
		return -1, NewInvalidPartitionError(partitionNum)
	}
	writable, err := d.Backend.Writable()
	if err != nil {
		return -1, err
	}
	written, err := parts[partitionNum-1].WriteContents(writable, reader)
	return int64(written), err
}

// ReadPartitionContents reads the contents of a partition (1-indexed) to an
// io.Writer, or the entire disk when partitionNum is 0.
func (d *Disk) ReadPartitionContents(partitionNum int, writer io.Writer) (int64, error) {
	if partitionNum == 0 {
		return io.Copy(writer, io.NewSectionReader(d.Backend, 0, d.Size))
	}
	if d.Table == nil {
		return -1, &NoPartitionTableError{}
	}
	parts := d.Table.GetPartitions()
	if partitionNum < 1 || partitionNum > len(parts) {
		return -1, NewInvalidPartitionError(partitionNum)
	}
	return parts[partitionNum-1].ReadContents(d.Backend, writer)
}

// FilesystemSpec represents the details of a filesystem to be created
type FilesystemSpec struct {
	Partition   int
	FSType      filesystem.Type
	BlockSize   int64
	QuickFormat bool
}

// CreateFilesystem creates an echfs filesystem on a disk image or partition,
// the equivalent of the original tool's "-m"/"-g" format actions.
//
// pass the desired partition number, or 0 to format the entire block device
// or disk image.
func (d *Disk) CreateFilesystem(spec FilesystemSpec) (filesystem.FileSystem, error) {
	if spec.FSType != filesystem.TypeEchFS {
		return nil, fmt.Errorf("unknown filesystem type requested")
	}
	start, size, err := d.partitionOffsetSize(spec.Partition)
	if err != nil {
		return nil, err
	}
	// window the backend down to exactly the target partition (or the whole
	// disk, when start is 0) so echfs never sees bytes outside its volume.
	sub := backend.Sub(d.Backend, start, size)
	writable, err := sub.Writable()
	if err != nil {
		return nil, err
	}
	if spec.QuickFormat {
		return echfs.QuickFormat(writable, 0, size, spec.BlockSize)
	}
	return echfs.Format(writable, 0, size, spec.BlockSize)
}

// GetFilesystem gets the echfs filesystem that already exists on a disk
// image or partition (1-indexed), or the entire disk when partitionNum is 0.
func (d *Disk) GetFilesystem(partitionNum int) (filesystem.FileSystem, error) {
	start, size, err := d.partitionOffsetSize(partitionNum)
	if err != nil {
		return nil, err
	}
	sub := backend.Sub(d.Backend, start, size)
	fs, err := echfs.Read(sub, 0, size)
	if err != nil {
		return nil, NewUnknownFilesystemError(partitionNum)
	}
	return fs, nil
}
