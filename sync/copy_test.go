package sync

import (
	"bytes"
	"crypto/rand"
	"os"
	"testing"

	backendfile "github.com/ech-fs/echfs/backend/file"
	"github.com/ech-fs/echfs/disk"
	"github.com/ech-fs/echfs/partition/mbr"
)

func tmpRawDisk(t *testing.T, size int64) *disk.Disk {
	t.Helper()
	f, err := os.CreateTemp("", "sync_copy_test")
	if err != nil {
		t.Fatalf("failed to create tempfile: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	t.Cleanup(func() { f.Close() })
	if err := f.Truncate(size); err != nil {
		t.Fatalf("failed to truncate tempfile: %v", err)
	}
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("failed to stat tempfile: %v", err)
	}
	return &disk.Disk{
		Backend:           backendfile.New(f, false),
		Info:              info,
		Type:              disk.File,
		Size:              info.Size(),
		LogicalBlocksize:  mbr.BytesPerSector,
		PhysicalBlocksize: mbr.BytesPerSector,
	}
}

func TestCopyPartitionRaw(t *testing.T) {
	d := tmpRawDisk(t, 10*1024*1024)
	table := &mbr.Table{
		Partitions: []*mbr.Partition{
			{Type: mbr.Linux, Start: 2048, Size: 4096},
			{Type: mbr.Linux, Start: 8192, Size: 4096},
		},
	}
	if err := d.Partition(table); err != nil {
		t.Fatalf("failed to partition: %v", err)
	}

	payload := make([]byte, 4096*mbr.BytesPerSector)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("failed to generate random payload: %v", err)
	}
	if _, err := d.WritePartitionContents(1, bytes.NewReader(payload)); err != nil {
		t.Fatalf("failed to write source partition: %v", err)
	}

	if err := CopyPartitionRaw(d, 1, 2); err != nil {
		t.Fatalf("CopyPartitionRaw failed: %v", err)
	}

	var out bytes.Buffer
	if _, err := d.ReadPartitionContents(2, &out); err != nil {
		t.Fatalf("failed to read destination partition: %v", err)
	}
	if !bytes.Equal(out.Bytes()[:len(payload)], payload) {
		t.Errorf("destination partition contents do not match source")
	}
}
