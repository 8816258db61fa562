//go:build linux || darwin || freebsd || netbsd || openbsd

package echfs

import (
	"os"

	"golang.org/x/sys/unix"
)

// hostTimes extracts atime/ctime from the platform-specific stat_t behind
// info.Sys(); mtime comes from info.ModTime() directly, which every
// platform's os.FileInfo already populates accurately.
func hostTimes(info os.FileInfo) (atime, ctime uint64) {
	sys, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		mtime := uint64(info.ModTime().Unix())
		return mtime, mtime
	}
	return uint64(sys.Atim.Sec), uint64(sys.Ctim.Sec)
}
