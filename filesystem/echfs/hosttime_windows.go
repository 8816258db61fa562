//go:build windows

package echfs

import (
	"os"
	"syscall"
)

// hostTimes extracts atime/ctime from the Win32 file attribute data behind
// info.Sys(); Windows has no POSIX ctime, so file creation time fills that role.
func hostTimes(info os.FileInfo) (atime, ctime uint64) {
	sys, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		mtime := uint64(info.ModTime().Unix())
		return mtime, mtime
	}
	return uint64(sys.LastAccessTime.Nanoseconds() / 1e9), uint64(sys.CreationTime.Nanoseconds() / 1e9)
}
