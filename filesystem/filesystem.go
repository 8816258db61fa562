// Package filesystem provides interfaces and constants required for filesystem implementations.
// The concrete implementation lives in the subpackage github.com/ech-fs/echfs/filesystem/echfs.
package filesystem

import (
	"errors"
	"os"
)

var (
	ErrNotSupported       = errors.New("method not supported by this filesystem")
	ErrNotImplemented     = errors.New("method not implemented (patches are welcome)")
	ErrReadonlyFilesystem = errors.New("read-only filesystem")
)

// FileSystem is a reference to a single filesystem on a disk
type FileSystem interface {
	// Type return the type of filesystem
	Type() Type
	// Mkdir make a directory
	Mkdir(pathname string) error
	// ReadDir read the contents of a directory
	ReadDir(pathname string) ([]os.FileInfo, error)
	// Label get the label for the filesystem, or "" if none.
	Label() string
	// SetLabel changes the label on the writable filesystem.
	SetLabel(label string) error
}

// Type represents the type of filesystem found (or to be created) on a disk or partition
type Type int

const (
	// TypeEchFS is the echidnaFS ("echfs") filesystem this module implements
	TypeEchFS Type = iota
)
