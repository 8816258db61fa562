package echfs

import "io"

// chainManager builds, walks, and frees linked chains of data blocks,
// copying bytes between host streams and the chains threaded through the AT.
type chainManager struct {
	d         *blockDevice
	at        *allocationTable
	dataStart uint64 // first data block index, 16+F+D
	total     uint64 // N, total block count
}

func newChainManager(d *blockDevice, at *allocationTable, dataStart, total uint64) *chainManager {
	return &chainManager{d: d, at: at, dataStart: dataStart, total: total}
}

func (c *chainManager) blockOffset(block uint64) int64 {
	return int64(block) * c.d.blockSize
}

// importChain reads all of src, allocating blocks as needed, and returns
// the head of the resulting chain (atEndOfChain for an empty source).
//
// Allocation is a single ascending linear AT scan claiming all K blocks
// needed, not K independent searches; this keeps chains strictly ascending
// in block index (P6) and is a deliberate performance choice preserved
// from the source. The final block is written with only the bytes
// actually read — no zero padding — so residual bytes on disk beyond
// src_size mod B are whatever the allocator left there.
func (c *chainManager) importChain(src io.ReadSeeker) (uint64, error) {
	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return atEndOfChain, nil
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	k := (uint64(size) + uint64(c.d.blockSize) - 1) / uint64(c.d.blockSize)
	blocks, err := c.at.scanFree(c.dataStart, k, c.total)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, c.d.blockSize)
	for i, block := range blocks {
		n, err := io.ReadFull(src, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return 0, err
		}
		c.d.writeAt(buf[:n], c.blockOffset(block))

		if i < len(blocks)-1 {
			c.at.set(block, blocks[i+1])
		} else {
			c.at.set(block, atEndOfChain)
		}
	}
	return blocks[0], nil
}

// exportChain walks the chain starting at entry.Payload, writing exactly
// entry.Size bytes to dst.
//
// For each block, if the bytes written so far plus one full block would
// meet or exceed entry.Size, only size%B bytes of that block are written
// and the walk stops. When size is an exact multiple of B, size%B is 0 and
// the final block is written in full, so such files are not truncated.
func (c *chainManager) exportChain(dst io.Writer, entry *dirEntry) error {
	if entry.Size == 0 {
		return nil
	}
	block := entry.Payload
	var written uint64
	b := uint64(c.d.blockSize)
	buf := make([]byte, c.d.blockSize)
	for {
		if written+b >= entry.Size {
			last := entry.Size % b
			if last == 0 {
				last = b
			}
			c.d.readAt(buf[:last], c.blockOffset(block))
			if _, err := dst.Write(buf[:last]); err != nil {
				return err
			}
			return nil
		}
		c.d.readAt(buf, c.blockOffset(block))
		if _, err := dst.Write(buf); err != nil {
			return err
		}
		written += b
		block = c.at.get(block)
	}
}

// freeChain reclaims every block in the chain starting at head.
func (c *chainManager) freeChain(head uint64) {
	c.at.freeChain(head)
}
