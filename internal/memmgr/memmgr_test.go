package memmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFDEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		slot int
		sec  Section
	}{
		{0, SectionData},
		{0, SectionCode},
		{0, SectionMeta},
		{3, SectionData},
		{3, SectionMeta},
	}
	for _, c := range cases {
		fd := EncodeFD(c.slot, c.sec)
		gotSlot, gotSec, err := DecodeFD(fd)
		require.NoError(t, err)
		assert.Equal(t, c.slot, gotSlot)
		assert.Equal(t, c.sec, gotSec)
	}
}

func TestDecodeFDRejectsGarbage(t *testing.T) {
	_, _, err := DecodeFD(3)
	assert.ErrorIs(t, err, ErrInvalidFD)
}

func TestLoadingOrderEnforced(t *testing.T) {
	m := NewManager(DefaultLimits())
	slotID, err := m.NewContainer()
	require.NoError(t, err)

	// CODE cannot open before META is sealed.
	_, err = m.OpenForWrite(slotID, SectionCode)
	assert.ErrorIs(t, err, ErrNotWritable)

	metaFD, err := m.OpenForWrite(slotID, SectionMeta)
	require.NoError(t, err)
	_, err = m.Write(metaFD, []byte("meta-bytes"))
	require.NoError(t, err)
	require.NoError(t, m.Close(metaFD))

	// DATA cannot open before CODE is sealed.
	_, err = m.OpenForWrite(slotID, SectionData)
	assert.ErrorIs(t, err, ErrNotWritable)

	codeFD, err := m.OpenForWrite(slotID, SectionCode)
	require.NoError(t, err)
	require.NoError(t, m.Close(codeFD))

	dataFD, err := m.OpenForWrite(slotID, SectionData)
	require.NoError(t, err)
	require.NoError(t, m.Close(dataFD))

	state, err := m.State(slotID)
	require.NoError(t, err)
	assert.Equal(t, LoadingNone, state)
}

func TestSectionNotReadableUntilSealed(t *testing.T) {
	m := NewManager(DefaultLimits())
	slotID, err := m.NewContainer()
	require.NoError(t, err)

	metaFD, err := m.OpenForWrite(slotID, SectionMeta)
	require.NoError(t, err)

	_, err = m.OpenForRead(slotID, SectionMeta)
	assert.ErrorIs(t, err, ErrNotReadable)

	require.NoError(t, m.Close(metaFD))

	readFD, err := m.OpenForRead(slotID, SectionMeta)
	require.NoError(t, err)
	assert.Equal(t, metaFD, readFD)
}

func TestWriteClampsToCapacity(t *testing.T) {
	limits := DefaultLimits()
	limits.MetaMax = 4
	m := NewManager(limits)
	slotID, err := m.NewContainer()
	require.NoError(t, err)

	fd, err := m.OpenForWrite(slotID, SectionMeta)
	require.NoError(t, err)

	n, err := m.Write(fd, []byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	size, err := m.GetSize(fd)
	require.NoError(t, err)
	assert.Equal(t, 4, size)
}

func TestNewContainerExhaustion(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxSlots = 1
	m := NewManager(limits)

	_, err := m.NewContainer()
	require.NoError(t, err)

	_, err = m.NewContainer()
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestCodeAndDataShareOneBuffer(t *testing.T) {
	limits := DefaultLimits()
	limits.CodeMax = 16
	limits.DataMax = 16
	m := NewManager(limits)
	slotID, err := m.NewContainer()
	require.NoError(t, err)

	metaFD, err := m.OpenForWrite(slotID, SectionMeta)
	require.NoError(t, err)
	require.NoError(t, m.Close(metaFD))

	codeFD, err := m.OpenForWrite(slotID, SectionCode)
	require.NoError(t, err)
	_, err = m.Write(codeFD, make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, m.Close(codeFD))

	// code used 10 bytes, rounded up to 12, leaving 4 of the 16-byte
	// shared buffer for data — not a fresh independent 16-byte section.
	dataFD, err := m.OpenForWrite(slotID, SectionData)
	require.NoError(t, err)
	n, err := m.Write(dataFD, make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestEmptyCodeLeavesFullBufferForData(t *testing.T) {
	limits := DefaultLimits()
	limits.CodeMax = 16
	limits.DataMax = 16
	m := NewManager(limits)
	slotID, err := m.NewContainer()
	require.NoError(t, err)

	metaFD, err := m.OpenForWrite(slotID, SectionMeta)
	require.NoError(t, err)
	require.NoError(t, m.Close(metaFD))

	codeFD, err := m.OpenForWrite(slotID, SectionCode)
	require.NoError(t, err)
	require.NoError(t, m.Close(codeFD))

	dataFD, err := m.OpenForWrite(slotID, SectionData)
	require.NoError(t, err)
	n, err := m.Write(dataFD, make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}

func TestGetSlotIDByUID(t *testing.T) {
	m := NewManager(DefaultLimits())
	slotID, err := m.NewContainer()
	require.NoError(t, err)

	uid := []byte{1, 2, 3, 4}
	require.NoError(t, m.SetUID(slotID, uid))

	found, err := m.GetSlotID(uid)
	require.NoError(t, err)
	assert.Equal(t, slotID, found)

	_, err = m.GetSlotID([]byte{9, 9, 9, 9})
	assert.Error(t, err)
}
