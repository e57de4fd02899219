// Package flash implements the flash-writing state machine: sector-aligned
// erase, sector-by-sector write, and the deferred-first-byte commit rule
// that keeps a partially-written or unverified image unbootable until
// Finalize is called.
package flash

import "errors"

// SectorSize is the smallest flash erase unit; 4096 is the common value
// the firmware targets.
const SectorSize = 4096

// Device is the raw read/erase/write surface a Writer drives. Two
// implementations exist: FileDevice (a regular file standing in for a
// slot, used by every test and the default runtime backend) and
// BlockDevice (a raw MTD-style block device, for targets that actually
// expose on-chip flash as a device node).
type Device interface {
	ErasePage(offset int64) error
	WriteAt(offset int64, b []byte) error
	ReadAt(offset int64, n int) ([]byte, error)
}

// Sentinel errors, one per distinct failure mode a caller needs to
// distinguish (erase-fail, write-fail, write-fail-first-sector).
var (
	ErrErase            = errors.New("flash: erase failed")
	ErrWrite            = errors.New("flash: write failed")
	ErrWriteFirstSector = errors.New("flash: write failed on first sector")
	ErrNotErased        = errors.New("flash: read attempted before first erase")
	ErrNotFinalizable   = errors.New("flash: finalize called with no held-back byte")
)

// Writer drives one OTA partition slot. It owns the held-back first byte
// (byte 0 is forced to 0xFF on flash and the true value is retained here
// until Finalize) and the writespace counter that decides when the next
// sector needs erasing.
type Writer struct {
	dev        Device
	base       int64
	writespace int64
	heldByte   byte
	heldSet    bool
	erasedOnce bool
}

// NewWriter returns a Writer for the slot starting at base on dev.
func NewWriter(dev Device, base int64) *Writer {
	return &Writer{dev: dev, base: base}
}

// Write writes b at the given offset within the slot. When offset is 0,
// byte 0 is held back in RAM (not written to flash) and the remainder is
// written starting at offset 1: a freshly erased sector reads as 0xFF,
// and leaving the slot's first byte at 0xFF is what a bootloader scanning
// for a valid image header reads as "no image here" -- so holding byte 0
// back keeps a partially-written or unverified image unbootable until
// Finalize writes the true value. Every other offset is written verbatim.
// When the current erased sector doesn't have enough room left for
// len(b), the next sector is erased automatically before writing.
func (w *Writer) Write(offset int64, b []byte) error {
	if int64(len(b)) > w.writespace {
		if err := w.dev.ErasePage(w.base + offset); err != nil {
			return ErrErase
		}
		w.erasedOnce = true
		w.writespace += SectorSize
	}

	if offset == 0 {
		if len(b) == 0 {
			return ErrWriteFirstSector
		}
		w.heldByte = b[0]
		w.heldSet = true
		if len(b) > 1 {
			if err := w.dev.WriteAt(w.base+1, b[1:]); err != nil {
				return ErrWriteFirstSector
			}
		}
	} else {
		if err := w.dev.WriteAt(w.base+offset, b); err != nil {
			return ErrWrite
		}
	}

	w.writespace -= int64(len(b))
	return nil
}

// Read reads n bytes at offset. It refuses to read before the slot
// has been erased at least once in the current attempt.
func (w *Writer) Read(offset int64, n int) ([]byte, error) {
	if !w.erasedOnce {
		return nil, ErrNotErased
	}
	return w.dev.ReadAt(w.base+offset, n)
}

// HeldByte returns the retained byte 0 and whether Write has ever been
// called with offset 0. internal/verify uses this to substitute the held
// byte for the still-0xFF flash byte while hashing.
func (w *Writer) HeldByte() (byte, bool) {
	return w.heldByte, w.heldSet
}

// Finalize writes the held-back byte 0, making the image bootable. This
// is the commit point; callers must not call it unless verification has
// already succeeded.
func (w *Writer) Finalize() error {
	if !w.heldSet {
		return ErrNotFinalizable
	}
	if err := w.dev.WriteAt(w.base, []byte{w.heldByte}); err != nil {
		return ErrWrite
	}
	return nil
}
