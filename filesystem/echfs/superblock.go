package echfs

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	signature = "_ECH_FS_"

	sbSignatureOff = 4
	sbBlockCountOff = 12
	sbDirSizeOff    = 20
	sbBlockSizeOff  = 28
	sbUUIDOff       = 40
	sbBootSigOff    = 510

	bootSignatureMagic = 0xAA55

	// reservedBlocks is the fixed number of blocks (0..15) given to the boot
	// program and superblock, untouched by format beyond bytes 4-55.
	reservedBlocks = 16
)

// superblock mirrors the fixed-layout header at the start of block 0.
type superblock struct {
	blockSize      uint64
	declaredBlocks uint64
	dirBlocks      uint64
	volumeUUID     uuid.UUID
	bootable       bool
}

// atBlocks returns F, the number of blocks occupied by the allocation table:
// one u64 entry per data block, ceil-divided into blockSize-sized blocks.
func atBlocks(totalBlocks, blockSize uint64) uint64 {
	return (totalBlocks*8 + blockSize - 1) / blockSize
}

// loadSuperblock reads and validates the superblock at block 0 of d.
func loadSuperblock(d *blockDevice) (*superblock, error) {
	sig := make([]byte, 8)
	d.readAt(sig, sbSignatureOff)
	if string(sig) != signature {
		return nil, ErrBadSignature
	}

	sb := &superblock{
		declaredBlocks: d.readUint64(sbBlockCountOff),
		dirBlocks:      d.readUint64(sbDirSizeOff),
		blockSize:      d.readUint64(sbBlockSizeOff),
	}
	if sb.blockSize == 0 || uint64(d.size)%sb.blockSize != 0 {
		return nil, ErrMisalignedImage
	}
	var rawUUID [16]byte
	d.readAt(rawUUID[:], sbUUIDOff)
	sb.volumeUUID = uuid.UUID(rawUUID)
	sb.bootable = d.readUint16(sbBootSigOff) == bootSignatureMagic

	actual := uint64(d.size) / sb.blockSize
	if sb.declaredBlocks != actual {
		logrus.Warnf("echfs: declared block count %d does not match image size (%d blocks)", sb.declaredBlocks, actual)
	}
	return sb, nil
}

// createSuperblock writes a fresh superblock for a volume of the given
// block size, leaving the boot bytes (0-3, 36-39, 56-509) untouched.
func createSuperblock(d *blockDevice, blockSize int64) (*superblock, error) {
	if blockSize%512 != 0 {
		return nil, ErrInvalidBlockSize
	}
	if d.size%blockSize != 0 {
		return nil, ErrMisalignedImage
	}
	d.blockSize = blockSize

	total := uint64(d.size) / uint64(blockSize)
	dirBlocks := total / 20

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("echfs: generating volume UUID: %w", err)
	}

	d.writeAt([]byte(signature), sbSignatureOff)
	d.writeUint64(sbBlockCountOff, total)
	d.writeUint64(sbDirSizeOff, dirBlocks)
	d.writeUint64(sbBlockSizeOff, uint64(blockSize))
	raw := [16]byte(id)
	d.writeAt(raw[:], sbUUIDOff)

	logrus.Debugf("echfs: formatted volume: %d blocks of %d bytes, %d directory blocks, uuid %s", total, blockSize, dirBlocks, id)

	return &superblock{
		blockSize:      uint64(blockSize),
		declaredBlocks: total,
		dirBlocks:      dirBlocks,
		volumeUUID:     id,
	}, nil
}
