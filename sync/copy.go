// Package sync provides raw partition-to-partition duplication and
// fs.FS-based comparison helpers, built atop disk.Disk.
//
// Host-tree-to-volume import lives on echfs.FileSystem.ImportTree instead:
// it needs Mkdir/Import, which are echfs-specific operations no generic
// filesystem.FileSystem exposes.
package sync

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/ech-fs/echfs/disk"
	"github.com/ech-fs/echfs/partition/part"
)

type copyData struct {
	count int64
	err   error
}

// CopyPartitionRaw copies raw data from one partition to another and verifies the copy.
func CopyPartitionRaw(d *disk.Disk, from, to int) error {
	// copy raw data using a pipe so reads feed writes concurrently
	pr, pw := io.Pipe()
	ch := make(chan copyData, 1)

	go func() {
		defer func() { _ = pw.Close() }()
		read, err := d.ReadPartitionContents(from, pw)
		ch <- copyData{count: read, err: err}
	}()

	written, err := d.WritePartitionContents(to, pr)
	var ierr *part.IncompletePartitionWriteError
	if err != nil && !errors.As(err, &ierr) {
		return fmt.Errorf("failed to write raw data for partition %d: %v", to, err)
	}

	readData := <-ch
	if readData.err != nil {
		return fmt.Errorf("failed to read raw data for partition %d: %v", from, readData.err)
	}
	if readData.count != written {
		return fmt.Errorf("mismatched read/write sizes for partition %d: read %d bytes, wrote %d bytes", from, readData.count, written)
	}
	logrus.Infof("partition %d -> %d: contents copied byte for byte, %d bytes copied", from, to, written)
	if err := verifyBlockCopy(d, from, to, readData.count); err != nil {
		return fmt.Errorf("verification failed for partition %d: %v", from, err)
	}
	logrus.Infof("partition %d -> %d: block copy verified", from, to)
	return nil
}
