package echfs

import (
	"io"
	"os"
	"testing"
)

func tmpInternalImage(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.CreateTemp("", "echfs_internal_test")
	if err != nil {
		t.Fatalf("failed to create tempfile: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	t.Cleanup(func() { f.Close() })
	if err := f.Truncate(size); err != nil {
		t.Fatalf("failed to truncate tempfile: %v", err)
	}
	return f
}

// P6: chains produced by importChain are strictly ascending in block index.
func TestChainManagerImportChainAscending(t *testing.T) {
	f := tmpInternalImage(t, 1048576)
	vol, err := Format(f, 0, 1048576, 512)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	src := make([]byte, 512*8)
	for i := range src {
		src[i] = byte(i)
	}
	hostSrc := tmpInternalImage(t, 0)
	if _, err := hostSrc.Write(src); err != nil {
		t.Fatalf("failed to write source tempfile: %v", err)
	}
	if _, err := hostSrc.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek failed: %v", err)
	}

	head, err := vol.cm.importChain(hostSrc)
	if err != nil {
		t.Fatalf("importChain failed: %v", err)
	}

	var blocks []uint64
	for b := head; b != atEndOfChain; b = vol.at.get(b) {
		blocks = append(blocks, b)
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i] <= blocks[i-1] {
			t.Errorf("chain not strictly ascending: block %d (%d) <= block %d (%d)", i, blocks[i], i-1, blocks[i-1])
		}
	}
	if len(blocks) != 8 {
		t.Errorf("chain length = %d, want 8", len(blocks))
	}
}

// P5: get_free_id returns a value not present as payload on any live
// directory entry, even when a tombstoned slot sits ahead of a live
// directory entry.
func TestDirectoryTableGetFreeIDSkipsTombstones(t *testing.T) {
	f := tmpInternalImage(t, 1048576)
	vol, err := Format(f, 0, 1048576, 512)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	if err := vol.Mkdir("/a"); err != nil {
		t.Fatalf("mkdir /a: %v", err)
	}
	if err := vol.Mkdir("/b"); err != nil {
		t.Fatalf("mkdir /b: %v", err)
	}

	// Tombstone slot 0 ("/a") without freeing its payload ID, simulating a
	// deleted directory whose ID must never be reissued while "/b" (payload
	// 2) remains live past it.
	entry := vol.dt.readEntry(0)
	entry.ParentID = deletedEntry
	vol.dt.writeEntry(0, entry)

	freeID := vol.dt.getFreeID()
	live := vol.dt.listChildren(RootID)
	for _, e := range live {
		if e.isDirectory() && e.Payload == freeID {
			t.Errorf("getFreeID returned %d, which collides with live directory %q", freeID, e.Name)
		}
	}
	if freeID <= 2 {
		t.Errorf("getFreeID returned %d, want > 2 (past /b's payload)", freeID)
	}
}
