// Package echfs implements the echidnaFS ("echfs") on-disk filesystem: a
// flat allocation table over fixed-size blocks, a linear directory table
// keyed by position, and a path resolver tying the two together. It
// operates on a single window of a backend.File/backend.Storage — the
// whole image, or one partition of it — established by the caller (see
// github.com/ech-fs/echfs/disk).
package echfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ech-fs/echfs/backend"
	"github.com/ech-fs/echfs/filesystem"
	"github.com/ech-fs/echfs/util/timestamp"
)

// defaultDirPerms is applied to every directory mkdir creates.
const defaultDirPerms = 0o644

// FileSystem is a reference to a single echfs volume.
type FileSystem struct {
	d  *blockDevice
	sb *superblock
	at *allocationTable
	dt *directoryTable
	cm *chainManager
}

var _ filesystem.FileSystem = (*FileSystem)(nil)

// Type implements filesystem.FileSystem.
func (fs *FileSystem) Type() filesystem.Type { return filesystem.TypeEchFS }

// Label returns "" always: the echfs on-disk format carries no volume
// label field, only a signature, block geometry, and a UUID.
func (fs *FileSystem) Label() string { return "" }

// SetLabel always fails: see Label.
func (fs *FileSystem) SetLabel(label string) error { return filesystem.ErrNotSupported }

// UUID returns the volume's UUID, stamped at format time.
func (fs *FileSystem) UUID() string { return fs.sb.volumeUUID.String() }

// BlockSize returns B, the volume's block size in bytes.
func (fs *FileSystem) BlockSize() int64 { return fs.d.blockSize }

func regionLayout(totalBlocks, blockSize, dirBlocks uint64) (atStart, dtStart, dataStart uint64) {
	f := atBlocks(totalBlocks, blockSize)
	atStart = reservedBlocks
	dtStart = reservedBlocks + f
	dataStart = reservedBlocks + f + dirBlocks
	return
}

func build(d *blockDevice, sb *superblock) *FileSystem {
	d.blockSize = int64(sb.blockSize)
	atStart, dtStart, dataStart := regionLayout(sb.declaredBlocks, sb.blockSize, sb.dirBlocks)
	at := newAllocationTable(d, atStart)
	dt := newDirectoryTable(d, dtStart, sb.dirBlocks)
	cm := newChainManager(d, at, dataStart, sb.declaredBlocks)
	return &FileSystem{d: d, sb: sb, at: at, dt: dt, cm: cm}
}

// Read opens an existing echfs volume occupying [start, start+size) of f.
func Read(f backend.File, start, size int64) (*FileSystem, error) {
	// blockSize is not yet known; readAt's bounds check only cares about
	// d.size, so any non-zero placeholder is safe until loadSuperblock
	// reports the real value below.
	d := newBlockDevice(f, start, size, 512)
	sb, err := loadSuperblock(d)
	if err != nil {
		return nil, err
	}
	return build(d, sb), nil
}

// Format performs a full format: it zeroes every byte from block 16
// through the end of the volume, then writes a fresh superblock and marks
// the reserved/AT/DT region as reserved in the AT. The resulting volume
// has no directory entries.
func Format(f backend.File, start, size, blockSize int64) (*FileSystem, error) {
	return format(f, start, size, blockSize, true)
}

// QuickFormat writes a fresh superblock and marks the reserved region,
// without zeroing data blocks first; every AT entry that matters is set
// explicitly by markReservedRegion and by subsequent allocations.
func QuickFormat(f backend.File, start, size, blockSize int64) (*FileSystem, error) {
	return format(f, start, size, blockSize, false)
}

func format(f backend.File, start, size, blockSize int64, zero bool) (*FileSystem, error) {
	if blockSize%512 != 0 {
		return nil, ErrInvalidBlockSize
	}
	if size%blockSize != 0 {
		return nil, ErrMisalignedImage
	}
	d := newBlockDevice(f, start, size, blockSize)
	if _, err := d.writable(); err != nil {
		return nil, fmt.Errorf("echfs: format requires a writable volume: %w", err)
	}

	if zero {
		zeroBuf := make([]byte, blockSize)
		for off := reservedBlocks * blockSize; off < size; off += blockSize {
			d.writeAt(zeroBuf, off)
		}
	}

	sb, err := createSuperblock(d, blockSize)
	if err != nil {
		return nil, err
	}
	fs := build(d, sb)
	_, _, dataStart := regionLayout(sb.declaredBlocks, sb.blockSize, sb.dirBlocks)
	fs.at.markReservedRegion(dataStart)
	return fs, nil
}

// Mkdir creates a directory at pathname, which must be absolute. It fails
// with ErrAlreadyExists if the directory is already present.
func (fs *FileSystem) Mkdir(pathname string) error {
	res := resolvePath(fs.dt, pathname, entryTypeDirectory)
	switch {
	case res.failure:
		return fmt.Errorf("echfs: mkdir %s: %w", pathname, ErrNotFound)
	case !res.notFound:
		return fmt.Errorf("echfs: mkdir %s: %w", pathname, ErrAlreadyExists)
	}

	slot, err := fs.dt.findEmptySlot()
	if err != nil {
		return err
	}
	now := uint64(timestamp.GetTime().Unix())
	entry := &dirEntry{
		ParentID: res.parentID,
		Type:     entryTypeDirectory,
		Name:     res.name,
		Atime:    now,
		Mtime:    now,
		Ctime:    now,
		Perms:    defaultDirPerms,
		Payload:  fs.dt.getFreeID(),
	}
	fs.dt.writeEntry(slot, entry)
	return nil
}

// mkdirAll ensures every parent directory component of fsPath exists,
// creating any missing ones; fsPath's own final component is not created.
func (fs *FileSystem) mkdirAll(fsPath string) error {
	parts := splitPath(fsPath)
	if len(parts) == 0 {
		return nil
	}
	cur := ""
	for _, part := range parts[:len(parts)-1] {
		cur += "/" + part
		res := resolvePath(fs.dt, cur, entryTypeDirectory)
		if res.failure {
			return fmt.Errorf("echfs: resolving %s: %w", cur, ErrNotFound)
		}
		if res.notFound {
			if err := fs.Mkdir(cur); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				parts = append(parts, p[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// Import copies the regular host file at srcHostPath into the volume at
// dstFSPath, creating missing parent directories along the way. If the
// destination already exists, Import fails unless force is set, in which
// case the destination's chain is replaced in place — its previous chain
// is not freed first and those blocks leak, matching the original tool's
// own documented behavior.
func (fs *FileSystem) Import(srcHostPath, dstFSPath string, force bool) error {
	info, err := os.Stat(srcHostPath)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("echfs: import %s: %w", srcHostPath, ErrNotARegularFile)
	}

	if err := fs.mkdirAll(dstFSPath); err != nil {
		return err
	}

	res := resolvePath(fs.dt, dstFSPath, entryTypeFile)
	if res.failure {
		return fmt.Errorf("echfs: import %s: %w", dstFSPath, ErrNotFound)
	}

	src, err := os.Open(srcHostPath)
	if err != nil {
		return err
	}
	defer src.Close()

	now := uint64(timestamp.GetTime().Unix())

	if !res.notFound {
		if !force {
			return fmt.Errorf("echfs: import %s: %w", dstFSPath, ErrAlreadyExists)
		}
		head, err := fs.cm.importChain(src)
		if err != nil {
			return err
		}
		entry := res.target
		entry.Payload = head
		entry.Size = uint64(info.Size())
		entry.Mtime = now
		fs.dt.writeEntry(res.targetIndex, entry)
		return nil
	}

	slot, err := fs.dt.findEmptySlot()
	if err != nil {
		return err
	}
	head, err := fs.cm.importChain(src)
	if err != nil {
		return err
	}
	atime, ctime := hostTimes(info)
	entry := &dirEntry{
		ParentID: res.parentID,
		Type:     entryTypeFile,
		Name:     res.name,
		Atime:    atime,
		Mtime:    uint64(info.ModTime().Unix()),
		Ctime:    ctime,
		Perms:    uint16(info.Mode().Perm()),
		Payload:  head,
		Size:     uint64(info.Size()),
	}
	fs.dt.writeEntry(slot, entry)
	return nil
}

// ImportTree recursively imports every regular file under srcDir into the
// volume under dstDir, creating directories as it goes. This is a host-side
// convenience built on Mkdir/Import, grounded on the walk the teacher's own
// sync package used to copy a host tree onto a volume; the original tool's
// import_cmd only ever handled one file at a time. Symlinks encountered
// during the walk are skipped with a warning: they are not representable in
// this on-disk format.
func (fs *FileSystem) ImportTree(srcDir, dstDir string, force bool) error {
	return fs.importTreeDir(srcDir, dstDir, ".", force)
}

// excludedTreeEntries are skipped by ImportTree regardless of type.
var excludedTreeEntries = map[string]bool{
	"lost+found":                true,
	".DS_Store":                 true,
	"System Volume Information": true,
}

func (fs *FileSystem) importTreeDir(srcDir, dstDir, rel string, force bool) error {
	entries, err := os.ReadDir(filepath.Join(srcDir, rel))
	if err != nil {
		return fmt.Errorf("echfs: read dir %s: %w", rel, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if excludedTreeEntries[name] {
			continue
		}

		relPath := name
		if rel != "." {
			relPath = filepath.Join(rel, name)
		}
		hostPath := filepath.Join(srcDir, relPath)
		fsPath := path.Join(dstDir, filepath.ToSlash(relPath))

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("echfs: stat %s: %w", relPath, err)
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			logrus.Warnf("echfs: skipping symlink %s: not representable on this filesystem", hostPath)
		case entry.IsDir():
			if err := fs.Mkdir(fsPath); err != nil && !errors.Is(err, ErrAlreadyExists) {
				return fmt.Errorf("echfs: mkdir %s: %w", fsPath, err)
			}
			if err := fs.importTreeDir(srcDir, dstDir, relPath, force); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := fs.Import(hostPath, fsPath, force); err != nil {
				return fmt.Errorf("echfs: import %s: %w", relPath, err)
			}
		}
	}
	return nil
}

// Export writes the volume file at srcFSPath to the host path dstHostPath,
// truncated to the entry's recorded size.
func (fs *FileSystem) Export(srcFSPath, dstHostPath string) error {
	res := resolvePath(fs.dt, srcFSPath, entryTypeFile)
	if res.failure || res.notFound {
		return fmt.Errorf("echfs: export %s: %w", srcFSPath, ErrNotFound)
	}

	dst, err := os.Create(dstHostPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	return fs.cm.exportChain(dst, res.target)
}

// ReadDir lists the contents of the directory at pathname (or root, if
// pathname is empty), implementing filesystem.FileSystem.
func (fs *FileSystem) ReadDir(pathname string) ([]os.FileInfo, error) {
	if pathname == "" {
		pathname = "/"
	}
	res := resolvePath(fs.dt, pathname, entryTypeDirectory)
	if res.failure || res.notFound {
		return nil, fmt.Errorf("echfs: ls %s: %w", pathname, ErrNotFound)
	}

	children := fs.dt.listChildren(res.target.Payload)
	out := make([]os.FileInfo, 0, len(children))
	for _, c := range children {
		out = append(out, entryFileInfo{c})
	}
	return out, nil
}

// entryFileInfo adapts a dirEntry to os.FileInfo for ReadDir's callers.
type entryFileInfo struct{ e *dirEntry }

func (i entryFileInfo) Name() string { return i.e.Name }
func (i entryFileInfo) Size() int64  { return int64(i.e.Size) }
func (i entryFileInfo) Mode() os.FileMode {
	m := os.FileMode(i.e.Perms & 0o777)
	if i.e.isDirectory() {
		m |= os.ModeDir
	}
	return m
}
func (i entryFileInfo) ModTime() time.Time { return time.Unix(int64(i.e.Mtime), 0).UTC() }
func (i entryFileInfo) IsDir() bool        { return i.e.isDirectory() }
func (i entryFileInfo) Sys() interface{}   { return i.e }

var _ fs.FS = (*FileSystem)(nil)

// Open implements fs.FS, letting a volume be walked and compared with
// fs.WalkDir/fs.Stat the way a host directory tree is. Regular files are
// read out in full at Open time via exportChain; there is no streaming
// fs.File for volume contents.
func (fs_ *FileSystem) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	fsPath := "/" + name
	if name == "." {
		fsPath = "/"
	}

	if dres := resolvePath(fs_.dt, fsPath, entryTypeDirectory); !dres.failure && !dres.notFound {
		children := fs_.dt.listChildren(dres.target.Payload)
		entries := make([]fs.DirEntry, 0, len(children))
		for _, c := range children {
			entries = append(entries, echfsDirEntry{c})
		}
		return &echfsOpenDir{info: entryFileInfo{dres.target}, entries: entries}, nil
	}

	fres := resolvePath(fs_.dt, fsPath, entryTypeFile)
	if fres.failure || fres.notFound {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	var buf bytes.Buffer
	if err := fs_.cm.exportChain(&buf, fres.target); err != nil {
		return nil, err
	}
	return &echfsOpenFile{info: entryFileInfo{fres.target}, r: bytes.NewReader(buf.Bytes())}, nil
}

// echfsDirEntry adapts a dirEntry to fs.DirEntry for Open's directory listings.
type echfsDirEntry struct{ e *dirEntry }

func (d echfsDirEntry) Name() string               { return d.e.Name }
func (d echfsDirEntry) IsDir() bool                 { return d.e.isDirectory() }
func (d echfsDirEntry) Type() fs.FileMode           { return entryFileInfo{d.e}.Mode().Type() }
func (d echfsDirEntry) Info() (fs.FileInfo, error)  { return entryFileInfo{d.e}, nil }

// echfsOpenFile is the fs.File returned by Open for a regular file; its
// entire exported contents are buffered at Open time.
type echfsOpenFile struct {
	info entryFileInfo
	r    *bytes.Reader
}

func (f *echfsOpenFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *echfsOpenFile) Read(b []byte) (int, error) { return f.r.Read(b) }
func (f *echfsOpenFile) Close() error                { return nil }

// echfsOpenDir is the fs.ReadDirFile returned by Open for a directory.
type echfsOpenDir struct {
	info    entryFileInfo
	entries []fs.DirEntry
	pos     int
}

func (d *echfsOpenDir) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *echfsOpenDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.Name(), Err: fmt.Errorf("is a directory")}
}
func (d *echfsOpenDir) Close() error { return nil }
func (d *echfsOpenDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if n <= 0 {
		out := d.entries[d.pos:]
		d.pos = len(d.entries)
		return out, nil
	}
	if d.pos >= len(d.entries) {
		return nil, io.EOF
	}
	end := d.pos + n
	if end > len(d.entries) {
		end = len(d.entries)
	}
	out := d.entries[d.pos:end]
	d.pos = end
	return out, nil
}
