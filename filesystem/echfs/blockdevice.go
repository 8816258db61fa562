package echfs

import (
	"encoding/binary"
	"fmt"

	"github.com/ech-fs/echfs/backend"
)

// blockDevice is the windowed, byte-addressable view over the backing
// image that every other layer reads and writes through. All offsets it
// is given are relative to the start of the volume; they are translated
// to absolute image offsets by adding start once, here, and nowhere else.
type blockDevice struct {
	f         backend.File
	w         backend.WritableFile // nil when the volume was opened read-only
	start     int64                // byte offset of the volume within the image
	size      int64                // byte length of the volume
	blockSize int64                // B, a multiple of 512; a placeholder until the superblock is loaded
}

// newBlockDevice wraps f as the volume occupying [start, start+size) of the
// underlying image. blockSize may be 0 if it is not yet known (e.g. before
// a superblock has been read or written). f may additionally implement
// backend.WritableFile or backend.Storage to make the volume writable.
func newBlockDevice(f backend.File, start, size, blockSize int64) *blockDevice {
	d := &blockDevice{f: f, start: start, size: size, blockSize: blockSize}
	if w, ok := f.(backend.WritableFile); ok {
		d.w = w
	} else if s, ok := f.(backend.Storage); ok {
		if w, err := s.Writable(); err == nil {
			d.w = w
		}
	}
	return d
}

func (d *blockDevice) writable() (backend.WritableFile, error) {
	if d.w == nil {
		return nil, backend.ErrIncorrectOpenMode
	}
	return d.w, nil
}

// readAt reads len(b) bytes starting at volume-relative offset off.
// Reads outside [0, size) are a programmer error: the caller asked for
// bytes that cannot belong to this volume.
func (d *blockDevice) readAt(b []byte, off int64) {
	if off < 0 || off+int64(len(b)) > d.size {
		panic(fmt.Sprintf("echfs: blockDevice read at %d..%d out of bounds (size %d)", off, off+int64(len(b)), d.size))
	}
	if _, err := d.f.ReadAt(b, d.start+off); err != nil {
		panic(fmt.Sprintf("echfs: blockDevice read at %d failed: %v", off, err))
	}
}

// writeAt writes b at volume-relative offset off. Same out-of-bounds policy as readAt.
func (d *blockDevice) writeAt(b []byte, off int64) {
	if off < 0 || off+int64(len(b)) > d.size {
		panic(fmt.Sprintf("echfs: blockDevice write at %d..%d out of bounds (size %d)", off, off+int64(len(b)), d.size))
	}
	w, err := d.writable()
	if err != nil {
		panic(fmt.Sprintf("echfs: blockDevice is not writable: %v", err))
	}
	if _, err := w.WriteAt(b, d.start+off); err != nil {
		panic(fmt.Sprintf("echfs: blockDevice write at %d failed: %v", off, err))
	}
}

func (d *blockDevice) readUint8(off int64) uint8 {
	var b [1]byte
	d.readAt(b[:], off)
	return b[0]
}

func (d *blockDevice) writeUint8(off int64, v uint8) {
	d.writeAt([]byte{v}, off)
}

func (d *blockDevice) readUint16(off int64) uint16 {
	var b [2]byte
	d.readAt(b[:], off)
	return binary.LittleEndian.Uint16(b[:])
}

func (d *blockDevice) writeUint16(off int64, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	d.writeAt(b[:], off)
}

func (d *blockDevice) readUint32(off int64) uint32 {
	var b [4]byte
	d.readAt(b[:], off)
	return binary.LittleEndian.Uint32(b[:])
}

func (d *blockDevice) writeUint32(off int64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	d.writeAt(b[:], off)
}

func (d *blockDevice) readUint64(off int64) uint64 {
	var b [8]byte
	d.readAt(b[:], off)
	return binary.LittleEndian.Uint64(b[:])
}

func (d *blockDevice) writeUint64(off int64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	d.writeAt(b[:], off)
}

// blockCount returns N, the number of whole blocks the volume holds.
func (d *blockDevice) blockCount() uint64 {
	return uint64(d.size) / uint64(d.blockSize)
}
