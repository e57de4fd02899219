// Package bootslot implements the boot-slot controller: it owns the
// two-entry bootloader config record (entry 0 is always the running
// image, entry 1 the candidate), ensures that layout is declared before
// any update attempt, arms entry 1 for the next boot only after a
// successful commit, and triggers the reboot.
package bootslot

import "errors"

// TempBootNone means no slot is armed for a one-shot next boot.
const TempBootNone = -1

// Record mirrors the bootloader's on-disk config record: slot count
// (always 2), each slot's base sector, the currently active index, and
// the "temp boot" index consulted on next reboot only.
type Record struct {
	SlotCount int   `json:"slot_count"`
	Slot0Base int64 `json:"slot0_base"`
	Slot1Base int64 `json:"slot1_base"`
	Current   int   `json:"current"`
	TempBoot  int   `json:"temp_boot"`
}

// ErrNoRecord is returned by Store.Load when no record has ever been
// written, signalling EnsureLayout to create the initial one.
var ErrNoRecord = errors.New("bootslot: no config record present")

// Store persists the bootloader config record. FileStore is the default
// implementation for a hosted Linux target; a real device would instead
// read/write a reserved flash region.
type Store interface {
	Load() (*Record, error)
	Save(*Record) error
}

// Rebooter triggers a system reset. UnixRebooter is the real
// implementation; tests substitute a recording fake.
type Rebooter interface {
	Reboot() error
}

// Controller drives the boot-slot lifecycle over a Store and a Rebooter.
type Controller struct {
	store     Store
	slot0Base int64
	slot1Base int64
	rebooter  Rebooter
}

// NewController returns a Controller for the two slot base offsets.
func NewController(store Store, slot0Base, slot1Base int64, rebooter Rebooter) *Controller {
	return &Controller{store: store, slot0Base: slot0Base, slot1Base: slot1Base, rebooter: rebooter}
}

// EnsureLayout declares the two-slot layout if it isn't already present,
// and is a no-op if it is: calling it twice in a row must not disturb an
// already-correct record. Any stored record whose layout doesn't match,
// or whose current index isn't 0, is rewritten with current forced back
// to 0 -- slot 0 is always the running image at boot.
func (c *Controller) EnsureLayout() error {
	rec, err := c.store.Load()
	if errors.Is(err, ErrNoRecord) {
		return c.store.Save(&Record{
			SlotCount: 2,
			Slot0Base: c.slot0Base,
			Slot1Base: c.slot1Base,
			Current:   0,
			TempBoot:  TempBootNone,
		})
	}
	if err != nil {
		return err
	}

	if rec.SlotCount == 2 && rec.Slot0Base == c.slot0Base && rec.Slot1Base == c.slot1Base &&
		rec.Current == 0 {
		return nil
	}

	rec.SlotCount = 2
	rec.Slot0Base = c.slot0Base
	rec.Slot1Base = c.slot1Base
	rec.Current = 0
	return c.store.Save(rec)
}

// Arm sets "next boot only" to entry 1, the candidate slot, once a
// commit has been verified and finalized.
func (c *Controller) Arm() error {
	rec, err := c.store.Load()
	if err != nil {
		return err
	}
	rec.TempBoot = 1
	return c.store.Save(rec)
}

// Reboot triggers the system reset.
func (c *Controller) Reboot() error {
	return c.rebooter.Reboot()
}

// ArmAndReboot arms entry 1 and reboots, the sequence a successful
// download and verification hand off to.
func (c *Controller) ArmAndReboot() error {
	if err := c.Arm(); err != nil {
		return err
	}
	return c.Reboot()
}
