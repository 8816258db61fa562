package echfs

import (
	"bytes"
	"encoding/binary"
)

const (
	// dirEntrySize is the packed on-disk size of one directory entry.
	dirEntrySize = 256
	dirNameSize  = 201

	// RootID is the directory ID of the root directory. It shares its bit
	// pattern with atEndOfChain; the two are disambiguated purely by
	// context (directory payload vs. AT entry) and must never be conflated.
	RootID uint64 = 0xFFFFFFFFFFFFFFFF
	// deletedEntry marks a tombstoned (reusable) directory-table slot.
	deletedEntry uint64 = 0xFFFFFFFFFFFFFFFE
	// neverUsedEntry marks a slot that has never held data; it implicitly
	// terminates sequential DT iteration.
	neverUsedEntry uint64 = 0

	entryTypeFile      uint8 = 0
	entryTypeDirectory uint8 = 1
)

// dirEntry is the in-memory, value-type mirror of one 256-byte packed
// directory entry. It is always a copy: callers hold an index (the
// positional handle) alongside it rather than an alias into the on-disk
// mirror, per the source's own split of "entry value" vs "entry handle".
type dirEntry struct {
	ParentID uint64
	Type     uint8
	Name     string
	Atime    uint64
	Mtime    uint64
	Perms    uint16
	Owner    uint16
	Group    uint16
	Ctime    uint64
	Payload  uint64
	Size     uint64
}

func (e *dirEntry) isDirectory() bool { return e.Type == entryTypeDirectory }

func (e *dirEntry) toBytes() []byte {
	b := make([]byte, dirEntrySize)
	binary.LittleEndian.PutUint64(b[0:8], e.ParentID)
	b[8] = e.Type
	nameBytes := []byte(e.Name)
	if len(nameBytes) > dirNameSize-1 {
		nameBytes = nameBytes[:dirNameSize-1]
	}
	copy(b[9:9+dirNameSize], nameBytes) // remainder stays zero, NUL-terminating the name
	binary.LittleEndian.PutUint64(b[210:218], e.Atime)
	binary.LittleEndian.PutUint64(b[218:226], e.Mtime)
	binary.LittleEndian.PutUint16(b[226:228], e.Perms)
	binary.LittleEndian.PutUint16(b[228:230], e.Owner)
	binary.LittleEndian.PutUint16(b[230:232], e.Group)
	binary.LittleEndian.PutUint64(b[232:240], e.Ctime)
	binary.LittleEndian.PutUint64(b[240:248], e.Payload)
	binary.LittleEndian.PutUint64(b[248:256], e.Size)
	return b
}

func entryFromBytes(b []byte) *dirEntry {
	name := b[9 : 9+dirNameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return &dirEntry{
		ParentID: binary.LittleEndian.Uint64(b[0:8]),
		Type:     b[8],
		Name:     string(name),
		Atime:    binary.LittleEndian.Uint64(b[210:218]),
		Mtime:    binary.LittleEndian.Uint64(b[218:226]),
		Perms:    binary.LittleEndian.Uint16(b[226:228]),
		Owner:    binary.LittleEndian.Uint16(b[228:230]),
		Group:    binary.LittleEndian.Uint16(b[230:232]),
		Ctime:    binary.LittleEndian.Uint64(b[232:240]),
		Payload:  binary.LittleEndian.Uint64(b[240:248]),
		Size:     binary.LittleEndian.Uint64(b[248:256]),
	}
}

// directoryTable gives sequential-search and slot-management access to the DT.
type directoryTable struct {
	d          *blockDevice
	dtStart    int64 // byte offset of the DT region within the volume
	entryCount uint64
}

func newDirectoryTable(d *blockDevice, dtStartBlock, dirBlocks uint64) *directoryTable {
	entriesPerBlock := uint64((d.blockSize / 512) * 2)
	return &directoryTable{
		d:          d,
		dtStart:    int64(dtStartBlock) * d.blockSize,
		entryCount: dirBlocks * entriesPerBlock,
	}
}

func (t *directoryTable) readEntry(index uint64) *dirEntry {
	if index >= t.entryCount {
		panic((&OutOfBoundsDirectoryError{Index: int(index)}).Error())
	}
	b := make([]byte, dirEntrySize)
	t.d.readAt(b, t.dtStart+int64(index)*dirEntrySize)
	return entryFromBytes(b)
}

func (t *directoryTable) writeEntry(index uint64, e *dirEntry) {
	if index >= t.entryCount {
		panic((&OutOfBoundsDirectoryError{Index: int(index)}).Error())
	}
	t.d.writeAt(e.toBytes(), t.dtStart+int64(index)*dirEntrySize)
}

// search iterates the DT from entry 0 looking for a live entry with the
// given parentID, type and name. Iteration stops at the first never-used
// slot or at entryCount, whichever comes first.
func (t *directoryTable) search(parentID uint64, typ uint8, name string) (uint64, *dirEntry, bool) {
	for i := uint64(0); i < t.entryCount; i++ {
		e := t.readEntry(i)
		if e.ParentID == neverUsedEntry {
			break
		}
		if e.ParentID == deletedEntry {
			continue
		}
		if e.ParentID == parentID && e.Type == typ && e.Name == name {
			return i, e, true
		}
	}
	return 0, nil, false
}

// findEmptySlot returns the index of the first never-used or tombstoned slot.
func (t *directoryTable) findEmptySlot() (uint64, error) {
	for i := uint64(0); i < t.entryCount; i++ {
		e := t.readEntry(i)
		if e.ParentID == neverUsedEntry || e.ParentID == deletedEntry {
			return i, nil
		}
	}
	return 0, ErrAllocationFailure
}

// getFreeID scans the entire DT (not just up to the first never-used
// slot) and returns one past the highest payload among live directory
// entries, starting from 1. Scanning the full table, rather than stopping
// at the first never-used entry, avoids minting an ID that collides with
// a live directory that happens to sit after a tombstone.
func (t *directoryTable) getFreeID() uint64 {
	var maxID uint64
	for i := uint64(0); i < t.entryCount; i++ {
		e := t.readEntry(i)
		if e.ParentID == neverUsedEntry || e.ParentID == deletedEntry {
			continue
		}
		if e.isDirectory() && e.Payload > maxID {
			maxID = e.Payload
		}
	}
	return maxID + 1
}

// listChildren returns every live entry whose ParentID equals dirID.
func (t *directoryTable) listChildren(dirID uint64) []*dirEntry {
	var out []*dirEntry
	for i := uint64(0); i < t.entryCount; i++ {
		e := t.readEntry(i)
		if e.ParentID == neverUsedEntry {
			break
		}
		if e.ParentID == dirID {
			out = append(out, e)
		}
	}
	return out
}
