package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFatPointerPackedLayout(t *testing.T) {
	fp := FatPointer{
		Tag:     ValidTag,
		Taint:   TaintNetworkData,
		Perms:   PermRead | PermWrite,
		Length:  0x1234_5678,
		Base:    0xAB_CDEF_0123,
		Address: 0x00AA_BBCC_DDEE_FF00 & ((1 << 56) - 1),
	}
	meta, addr := fp.Encode()

	// tag<<56 | taint<<48 | perms<<40 | length<<8 | base&0xFF
	assert.Equal(t, uint64(ValidTag), meta>>56)
	assert.Equal(t, uint64(TaintNetworkData), (meta>>48)&0xFF)
	assert.Equal(t, uint64(PermRead|PermWrite), (meta>>40)&0xFF)
	assert.Equal(t, uint64(0x1234_5678), (meta>>8)&0xFFFF_FFFF)
	assert.Equal(t, fp.Base&0xFF, meta&0xFF)
	assert.Equal(t, fp.Base>>8, addr>>56)

	got := DecodeFatPointer(meta, addr)
	assert.Equal(t, fp, got)
}

func TestFatPointerValidity(t *testing.T) {
	fp := NewFatPointer(0x100, 0x200, PermRead)
	assert.True(t, fp.Valid())
	assert.True(t, fp.CanRead())
	assert.False(t, fp.CanWrite())
	assert.False(t, fp.CanExec())

	fp.Tag = 0
	assert.False(t, fp.Valid())
}

func TestRestrictNarrows(t *testing.T) {
	parent := NewFatPointer(0x100, 0x200, PermRead|PermWrite)

	child, ok := parent.Restrict(0x180, 0x80, PermRead)
	require.True(t, ok)
	assert.Equal(t, uint64(0x180), child.Base)
	assert.Equal(t, uint32(0x80), child.Length)
	assert.Equal(t, byte(PermRead), child.Perms)
	assert.True(t, child.Valid())
}

func TestRestrictRejectsWidening(t *testing.T) {
	parent := NewFatPointer(0x100, 0x200, PermRead)

	// Lower bound below the parent.
	_, ok := parent.Restrict(0x80, 0x100, PermRead)
	assert.False(t, ok)

	// Upper bound beyond the parent.
	_, ok = parent.Restrict(0x280, 0x100, PermRead)
	assert.False(t, ok)

	// Permission escalation.
	_, ok = parent.Restrict(0x100, 0x100, PermRead|PermWrite)
	assert.False(t, ok)

	// Same bounds and perms are still a legal (trivial) narrowing.
	_, ok = parent.Restrict(0x100, 0x200, PermRead)
	assert.True(t, ok)
}

func TestMaxTaint(t *testing.T) {
	assert.Equal(t, TaintNetworkData, MaxTaint(TaintUserInput, TaintNetworkData))
	assert.Equal(t, TaintToxic, MaxTaint(TaintToxic, TaintClean))
	assert.Equal(t, TaintClean, MaxTaint(TaintClean, TaintClean))
}
