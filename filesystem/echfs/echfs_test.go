package echfs_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/ech-fs/echfs/filesystem/echfs"
)

func tmpImage(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.CreateTemp("", "echfs_test")
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

// S1: a freshly formatted 1 MiB image at block size 512 has the documented
// superblock layout and reserved AT region.
func TestFormatSuperblockLayout(t *testing.T) {
	f := tmpImage(t, 1048576)
	if _, err := echfs.Format(f, 0, 1048576, 512); err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	readU64 := func(off int64) uint64 {
		var b [8]byte
		if _, err := f.ReadAt(b[:], off); err != nil {
			t.Fatalf("read at %d: %v", off, err)
		}
		return binary.LittleEndian.Uint64(b[:])
	}

	sig := make([]byte, 8)
	if _, err := f.ReadAt(sig, 4); err != nil {
		t.Fatalf("read signature: %v", err)
	}
	if string(sig) != "_ECH_FS_" {
		t.Errorf("signature = %q, want _ECH_FS_", sig)
	}
	if got := readU64(12); got != 2048 {
		t.Errorf("block count = %d, want 2048", got)
	}
	if got := readU64(20); got != 102 {
		t.Errorf("dir size = %d, want 102", got)
	}
	if got := readU64(28); got != 512 {
		t.Errorf("block size = %d, want 512", got)
	}

	// AT entries 0..149 (16 reserved + 32 AT + 102 DT) must read RESERVED_BLOCK.
	atStart := int64(16) * 512
	for b := int64(0); b < 150; b++ {
		var raw [8]byte
		if _, err := f.ReadAt(raw[:], atStart+b*8); err != nil {
			t.Fatalf("read AT entry %d: %v", b, err)
		}
		if got := binary.LittleEndian.Uint64(raw[:]); got != 0xFFFFFFFFFFFFFFF0 {
			t.Errorf("AT entry %d = %#x, want RESERVED_BLOCK", b, got)
		}
	}
}

// S2/S3: mkdir /a then /a/b builds a nested tree: /a is listed under root
// and /b under /a.
func TestMkdirEntries(t *testing.T) {
	f := tmpImage(t, 1048576)
	vol, err := echfs.Format(f, 0, 1048576, 512)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	if err := vol.Mkdir("/a"); err != nil {
		t.Fatalf("mkdir /a: %v", err)
	}
	if err := vol.Mkdir("/a/b"); err != nil {
		t.Fatalf("mkdir /a/b: %v", err)
	}

	root, err := vol.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir /: %v", err)
	}
	if len(root) != 1 || root[0].Name() != "a" {
		t.Fatalf("root entries = %v, want [a]", root)
	}

	children, err := vol.ReadDir("/a")
	if err != nil {
		t.Fatalf("ReadDir /a: %v", err)
	}
	if len(children) != 1 || children[0].Name() != "b" {
		t.Fatalf("children of /a = %v, want [b]", children)
	}
}

// S4/S5: round-trip import/export of a 1000-byte file at block size 512.
func TestImportExportRoundTrip(t *testing.T) {
	f := tmpImage(t, 1048576)
	vol, err := echfs.Format(f, 0, 1048576, 512)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	src := make([]byte, 1000)
	for i := range src {
		src[i] = byte(i % 256)
	}
	hostSrc, err := os.CreateTemp("", "echfs_src")
	if err != nil {
		t.Fatalf("failed to create source tempfile: %v", err)
	}
	defer os.Remove(hostSrc.Name())
	if _, err := hostSrc.Write(src); err != nil {
		t.Fatalf("failed to write source tempfile: %v", err)
	}
	hostSrc.Close()

	if err := vol.Import(hostSrc.Name(), "/hello", false); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	entries, err := vol.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "hello" || entries[0].Size() != 1000 {
		t.Fatalf("unexpected entries after import: %+v", entries)
	}

	outPath := hostSrc.Name() + ".out"
	defer os.Remove(outPath)
	if err := vol.Export("/hello", outPath); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("failed to read exported file: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Errorf("exported bytes do not match source (P2 round-trip)")
	}
}

// S6/P3: re-importing/re-mkdir'ing without force reports AlreadyExists.
func TestImportAndMkdirIdempotence(t *testing.T) {
	f := tmpImage(t, 1048576)
	vol, err := echfs.Format(f, 0, 1048576, 512)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	if err := vol.Mkdir("/d"); err != nil {
		t.Fatalf("mkdir /d: %v", err)
	}
	if err := vol.Mkdir("/d"); !errors.Is(err, echfs.ErrAlreadyExists) {
		t.Errorf("second mkdir /d: got %v, want ErrAlreadyExists", err)
	}

	hostSrc, err := os.CreateTemp("", "echfs_src")
	if err != nil {
		t.Fatalf("failed to create source tempfile: %v", err)
	}
	defer os.Remove(hostSrc.Name())
	if _, err := hostSrc.WriteString("hello"); err != nil {
		t.Fatalf("failed to write source tempfile: %v", err)
	}
	hostSrc.Close()

	if err := vol.Import(hostSrc.Name(), "/hello", false); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if err := vol.Import(hostSrc.Name(), "/hello", false); !errors.Is(err, echfs.ErrAlreadyExists) {
		t.Errorf("second import /hello without force: got %v, want ErrAlreadyExists", err)
	}
}

// P4: formatting twice with the same block size yields identical
// superblocks except for the UUID field.
func TestFormatTwiceDiffersOnlyByUUID(t *testing.T) {
	f1 := tmpImage(t, 1048576)
	vol1, err := echfs.Format(f1, 0, 1048576, 512)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	f2 := tmpImage(t, 1048576)
	vol2, err := echfs.Format(f2, 0, 1048576, 512)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	if vol1.BlockSize() != vol2.BlockSize() {
		t.Errorf("block sizes differ: %d vs %d", vol1.BlockSize(), vol2.BlockSize())
	}
	if vol1.UUID() == vol2.UUID() {
		t.Errorf("two independently formatted volumes produced the same UUID")
	}

	buf1 := make([]byte, 512)
	buf2 := make([]byte, 512)
	if _, err := f1.ReadAt(buf1, 0); err != nil {
		t.Fatalf("read f1 block 0: %v", err)
	}
	if _, err := f2.ReadAt(buf2, 0); err != nil {
		t.Fatalf("read f2 block 0: %v", err)
	}
	// bytes 40..55 are the UUID; everything else in the superblock header
	// (signature, block count, dir size, block size) must match exactly.
	for _, span := range [][2]int{{0, 40}, {56, 512}} {
		if !bytes.Equal(buf1[span[0]:span[1]], buf2[span[0]:span[1]]) {
			t.Errorf("superblock bytes [%d:%d] differ between two fresh formats", span[0], span[1])
		}
	}
}

// Exercises a multi-block import/export round trip (P2 over several
// blocks); the block-index ascending property itself (P6) needs white-box
// AT access and is covered in the internal test in internal_test.go.
func TestImportExportMultiBlock(t *testing.T) {
	f := tmpImage(t, 1048576)
	vol, err := echfs.Format(f, 0, 1048576, 512)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	payload := make([]byte, 512*10) // spans 10 blocks
	for i := range payload {
		payload[i] = byte(i)
	}
	hostSrc, err := os.CreateTemp("", "echfs_src")
	if err != nil {
		t.Fatalf("failed to create source tempfile: %v", err)
	}
	defer os.Remove(hostSrc.Name())
	if _, err := hostSrc.Write(payload); err != nil {
		t.Fatalf("failed to write source tempfile: %v", err)
	}
	hostSrc.Close()

	if err := vol.Import(hostSrc.Name(), "/big", false); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	outPath := hostSrc.Name() + ".out"
	defer os.Remove(outPath)
	if err := vol.Export("/big", outPath); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("failed to read exported file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("exported multi-block file does not match source")
	}
}
