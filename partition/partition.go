// Package partition provides the ability to work with individual partitions.
// Concrete table implementations are subpackages of this package, e.g.
// github.com/ech-fs/echfs/partition/gpt and github.com/ech-fs/echfs/partition/mbr.
package partition

import (
	"fmt"

	"github.com/ech-fs/echfs/backend"
	"github.com/ech-fs/echfs/partition/gpt"
	"github.com/ech-fs/echfs/partition/mbr"
)

// Read reads a partition table from a disk, trying each known table type
func Read(f backend.File, logicalBlocksize, physicalBlocksize int) (Table, error) {
	// a GPT disk always starts with a protective MBR, so try GPT first
	gptTable, err := gpt.Read(f, logicalBlocksize, physicalBlocksize)
	if err == nil {
		return gptTable, nil
	}
	mbrTable, err := mbr.Read(f, logicalBlocksize, physicalBlocksize)
	if err == nil {
		return mbrTable, nil
	}
	return nil, fmt.Errorf("unknown disk partition type")
}
