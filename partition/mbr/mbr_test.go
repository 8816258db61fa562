package mbr_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"testing"

	backendfile "github.com/ech-fs/echfs/backend/file"
	"github.com/ech-fs/echfs/partition/mbr"
	"github.com/ech-fs/echfs/partition/part"
)

func tmpBackend(t *testing.T, size int64) (*os.File, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "mbr_test")
	if err != nil {
		t.Fatalf("failed to create tempfile: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("failed to truncate tempfile: %v", err)
	}
	name := f.Name()
	return f, func() { f.Close(); os.Remove(name) }
}

func TestWriteAndReadTable(t *testing.T) {
	f, cleanup := tmpBackend(t, 10*1024*1024)
	defer cleanup()

	table := &mbr.Table{
		LogicalSectorSize:  mbr.BytesPerSector,
		PhysicalSectorSize: mbr.BytesPerSector,
		Partitions: []*mbr.Partition{
			{Bootable: true, Type: mbr.Linux, Start: 2048, Size: 4096},
			{Type: mbr.Fat32, Start: 6144, Size: 2048},
		},
	}
	if err := table.Write(f, 10*1024*1024); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	read, err := mbr.Read(f, mbr.BytesPerSector, mbr.BytesPerSector)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	parts := read.GetPartitions()
	if len(parts) != 2 {
		t.Fatalf("got %d partitions, want 2", len(parts))
	}
	if parts[0].GetStart() != 2048 || parts[0].GetSize() != 4096 {
		t.Errorf("partition 1 = (start=%d, size=%d), want (2048, 4096)", parts[0].GetStart(), parts[0].GetSize())
	}
	if parts[1].GetStart() != 6144 || parts[1].GetSize() != 2048 {
		t.Errorf("partition 2 = (start=%d, size=%d), want (6144, 2048)", parts[1].GetStart(), parts[1].GetSize())
	}
	if parts[0].GetIndex() != 1 || parts[1].GetIndex() != 2 {
		t.Errorf("partition indices = %d, %d, want 1, 2", parts[0].GetIndex(), parts[1].GetIndex())
	}
}

func TestReadRejectsMissingSignature(t *testing.T) {
	f, cleanup := tmpBackend(t, 1024*1024)
	defer cleanup()

	if _, err := mbr.Read(f, mbr.BytesPerSector, mbr.BytesPerSector); !errors.Is(err, mbr.ErrNoMBRSignature) {
		t.Errorf("got %v, want ErrNoMBRSignature", err)
	}
}

func TestPartitionReadWriteContentsRoundTrip(t *testing.T) {
	f, cleanup := tmpBackend(t, 10*1024*1024)
	defer cleanup()

	p := &mbr.Partition{Type: mbr.Linux, Start: 2048, Size: 4096}
	payload := make([]byte, 4096*mbr.BytesPerSector)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("failed to generate payload: %v", err)
	}

	storage := backendfile.New(f, false)
	writable, err := storage.Writable()
	if err != nil {
		t.Fatalf("Writable failed: %v", err)
	}
	written, err := p.WriteContents(writable, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("WriteContents failed: %v", err)
	}
	if written != uint64(len(payload)) {
		t.Errorf("wrote %d bytes, want %d", written, len(payload))
	}

	var out bytes.Buffer
	if _, err := p.ReadContents(storage, &out); err != nil {
		t.Fatalf("ReadContents failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Errorf("read-back contents do not match what was written")
	}
}

func TestPartitionWriteContentsOverflowFlagged(t *testing.T) {
	f, cleanup := tmpBackend(t, 10*1024*1024)
	defer cleanup()

	p := &mbr.Partition{Type: mbr.Linux, Start: 2048, Size: 1}
	payload := make([]byte, 2*mbr.BytesPerSector)

	storage := backendfile.New(f, false)
	writable, err := storage.Writable()
	if err != nil {
		t.Fatalf("Writable failed: %v", err)
	}
	_, err = p.WriteContents(writable, bytes.NewReader(payload))
	if err == nil {
		t.Fatalf("expected error writing more data than the partition can hold")
	}
	var incomplete *part.IncompletePartitionWriteError
	if !errors.As(err, &incomplete) {
		t.Errorf("got %T, want *part.IncompletePartitionWriteError", err)
	}
}
