package flash

import (
	"bytes"
	"fmt"
	"os"
)

// FileDevice backs one or more OTA slots with a regular file, sized to
// hold every slot the caller configures. It is the default Device: most
// hosts this updater runs on can't address raw on-chip flash without
// root, but can always write a reserved file. Erasing fills the sector
// with 0xFF, the same "erased" sentinel value real NOR/NAND flash reads
// as, so FileDevice reproduces the same observable behavior (byte 0
// reads 0xFF until Finalize) that BlockDevice gets from real hardware.
type FileDevice struct {
	f        *os.File
	capacity int64
}

// OpenFileDevice opens (creating if necessary) path and truncates it to
// exactly capacity bytes, extending it as a sparse file when it is
// shorter and cutting it down when it is longer.
func OpenFileDevice(path string, capacity int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("flash: open %s: %w", path, err)
	}
	if err := f.Truncate(capacity); err != nil {
		f.Close()
		return nil, fmt.Errorf("flash: truncate %s to %d: %w", path, capacity, err)
	}
	return &FileDevice{f: f, capacity: capacity}, nil
}

// ErasePage fills one SectorSize-aligned sector with 0xFF.
func (d *FileDevice) ErasePage(offset int64) error {
	if offset%SectorSize != 0 {
		return fmt.Errorf("flash: erase offset %d is not sector-aligned", offset)
	}
	erased := bytes.Repeat([]byte{0xFF}, SectorSize)
	if _, err := d.f.WriteAt(erased, offset); err != nil {
		return fmt.Errorf("flash: erase at %d: %w", offset, err)
	}
	return nil
}

// WriteAt writes b at offset.
func (d *FileDevice) WriteAt(offset int64, b []byte) error {
	if _, err := d.f.WriteAt(b, offset); err != nil {
		return fmt.Errorf("flash: write %d bytes at %d: %w", len(b), offset, err)
	}
	return nil
}

// ReadAt reads n bytes at offset.
func (d *FileDevice) ReadAt(offset int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := d.f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("flash: read %d bytes at %d: %w", n, offset, err)
	}
	return buf, nil
}

// Close releases the backing file handle.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
