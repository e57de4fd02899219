package bootslot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRebooter struct {
	calls int
}

func (f *fakeRebooter) Reboot() error {
	f.calls++
	return nil
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "bootconfig.json"))
}

func TestEnsureLayoutCreatesInitialRecord(t *testing.T) {
	store := newTestStore(t)
	c := NewController(store, 0x10000, 0x90000, &fakeRebooter{})

	require.NoError(t, c.EnsureLayout())

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, rec.SlotCount)
	assert.Equal(t, int64(0x10000), rec.Slot0Base)
	assert.Equal(t, int64(0x90000), rec.Slot1Base)
	assert.Equal(t, 0, rec.Current)
	assert.Equal(t, TempBootNone, rec.TempBoot)
}

func TestEnsureLayoutIsNoOpOnSecondCall(t *testing.T) {
	store := newTestStore(t)
	c := NewController(store, 0x10000, 0x90000, &fakeRebooter{})

	require.NoError(t, c.EnsureLayout())
	first, err := store.Load()
	require.NoError(t, err)

	require.NoError(t, c.EnsureLayout())
	second, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestEnsureLayoutRepairsWrongLayout(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(&Record{SlotCount: 1, Slot0Base: 0, Slot1Base: 0, Current: 5, TempBoot: 3}))

	c := NewController(store, 0x10000, 0x90000, &fakeRebooter{})
	require.NoError(t, c.EnsureLayout())

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, rec.SlotCount)
	assert.Equal(t, int64(0x10000), rec.Slot0Base)
	assert.Equal(t, int64(0x90000), rec.Slot1Base)
	assert.Equal(t, 0, rec.Current)
}

func TestEnsureLayoutForcesCurrentBackToZero(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(&Record{
		SlotCount: 2, Slot0Base: 0x10000, Slot1Base: 0x90000,
		Current: 1, TempBoot: 1,
	}))

	c := NewController(store, 0x10000, 0x90000, &fakeRebooter{})
	require.NoError(t, c.EnsureLayout())

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Current)
}

func TestArmAndRebootArmsEntryOneAndReboots(t *testing.T) {
	store := newTestStore(t)
	reb := &fakeRebooter{}
	c := NewController(store, 0x10000, 0x90000, reb)
	require.NoError(t, c.EnsureLayout())

	require.NoError(t, c.ArmAndReboot())

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TempBoot)
	assert.Equal(t, 1, reb.calls)
}

func TestLoadMissingRecordReturnsErrNoRecord(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load()
	require.ErrorIs(t, err, ErrNoRecord)
}
