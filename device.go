package cryptodisk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// BlockDevice is a raw device an encrypted volume lives on
type BlockDevice interface {
	io.ReaderAt
	// Sectors returns device size in 512-byte sectors. ok is false if the size is unknown.
	Sectors() (n uint64, ok bool)
}

// FileDevice is a BlockDevice backed by a regular file or a block device node
type FileDevice struct {
	*os.File
	size uint64
}

// OpenDevice opens path for reading
func OpenDevice(path string) (*FileDevice, error) {
	return openDevice(path, os.O_RDONLY)
}

// OpenDeviceRW opens path for reading and writing so that Volume.WriteAt can be used
func OpenDeviceRW(path string) (*FileDevice, error) {
	return openDevice(path, os.O_RDWR)
}

func openDevice(path string, flag int) (*FileDevice, error) {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	size, err := fileSize(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{File: f, size: size}, nil
}

func (d *FileDevice) Sectors() (uint64, bool) {
	return d.size / storageSectorSize, true
}

// fileSize returns size of the file. This function works both with regular files and block devices
func fileSize(f *os.File) (uint64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}

	sys, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("unable to get stat for file %s", f.Name())
	}
	if sys.Mode&syscall.S_IFMT != syscall.S_IFBLK {
		return uint64(sys.Size), nil
	}

	sz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	return uint64(sz), err
}

// readSectors reads len(buf) bytes starting at the given 512-byte sector
func readSectors(dev BlockDevice, sector uint64, buf []byte) error {
	n, err := dev.ReadAt(buf, int64(sector*storageSectorSize))
	if n == len(buf) {
		// io.ReaderAt may report io.EOF together with a complete read at the end of device
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
