package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeStoreRoundtrip(t *testing.T) {
	s, err := NewMemoryCodeStore()
	require.NoError(t, err)
	defer s.Close()

	key := Key([]byte("program-bytes"))
	_, ok, err := s.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(key, []byte("compiled")))
	val, ok, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("compiled"), val)

	require.NoError(t, s.Delete(key))
	_, ok, err = s.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCodeStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codecache")
	s, err := NewCodeStore(path)
	require.NoError(t, err)
	key := Key([]byte("p"))
	require.NoError(t, s.Put(key, []byte("v")))
	require.NoError(t, s.Close())

	s, err = NewCodeStore(path)
	require.NoError(t, err)
	defer s.Close()
	val, ok, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
}

func TestKeyIsStable(t *testing.T) {
	assert.Equal(t, Key([]byte("a")), Key([]byte("a")))
	assert.NotEqual(t, Key([]byte("a")), Key([]byte("b")))
	assert.Len(t, Key([]byte("a")), 32)
}
