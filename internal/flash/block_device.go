//go:build linux

package flash

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// memErase is MEMERASE from Linux's <mtd/mtd-abi.h>:
// _IOW('M', 2, struct erase_info_user). Kept as a literal constant since
// this module doesn't import the C MTD headers; the value matches the
// kernel ABI and is what mtd-utils' flash erase tools issue.
const memErase = 0x40084d02

// mtdEraseInfo mirrors struct erase_info_user from mtd-abi.h.
type mtdEraseInfo struct {
	Start  uint32
	Length uint32
}

// BlockDevice backs an OTA slot with a raw MTD-style character device
// (e.g. /dev/mtd1), for targets that expose on-chip flash directly rather
// than through a filesystem. Erasing issues the MEMERASE ioctl; reads and
// writes are plain positioned I/O.
type BlockDevice struct {
	fd int
}

// OpenBlockDevice opens path for reading and writing.
func OpenBlockDevice(path string) (*BlockDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("flash: open block device %s: %w", path, err)
	}
	return &BlockDevice{fd: fd}, nil
}

// ErasePage issues MEMERASE for one SectorSize-aligned region.
func (d *BlockDevice) ErasePage(offset int64) error {
	info := mtdEraseInfo{Start: uint32(offset), Length: SectorSize}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), memErase, uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return fmt.Errorf("flash: MEMERASE at 0x%x: %w", offset, errno)
	}
	return nil
}

// WriteAt writes b at offset via pwrite.
func (d *BlockDevice) WriteAt(offset int64, b []byte) error {
	n, err := unix.Pwrite(d.fd, b, offset)
	if err != nil {
		return fmt.Errorf("flash: pwrite %d bytes at %d: %w", len(b), offset, err)
	}
	if n != len(b) {
		return fmt.Errorf("flash: short pwrite: wrote %d of %d bytes at %d", n, len(b), offset)
	}
	return nil
}

// ReadAt reads n bytes at offset via pread.
func (d *BlockDevice) ReadAt(offset int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := unix.Pread(d.fd, buf, offset)
	if err != nil {
		return nil, fmt.Errorf("flash: pread %d bytes at %d: %w", n, offset, err)
	}
	return buf[:read], nil
}

// Close closes the underlying file descriptor.
func (d *BlockDevice) Close() error {
	return unix.Close(d.fd)
}
