package archive

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolagi/perspectivedb/item"
)

func TestNullSinkDiscards(t *testing.T) {
	s := NullSink{}
	require.NoError(t, s.Archive(&item.Item{Header: item.Header{ID: "x", V: "v"}}))
}

func TestHookPassesItemThroughUnchanged(t *testing.T) {
	it := &item.Item{Header: item.Header{ID: "x", V: "v"}, Body: map[string]interface{}{"a": 1}}
	h := Hook(NullSink{})
	out := h(nil, it, nil)
	assert.Same(t, it, out)
}

func TestDiskSinkArchiveAndFetch(t *testing.T) {
	dir := t.TempDir()
	s := NewDiskSink(dir)
	it := &item.Item{Header: item.Header{ID: "x", V: "abcd"}, Body: map[string]interface{}{"a": float64(1)}}
	require.NoError(t, s.Archive(it))

	got, err := s.Fetch("x", "abcd")
	require.NoError(t, err)
	assert.Equal(t, it.ID, got.ID)
	assert.Equal(t, it.V, got.V)
	assert.Equal(t, it.Body["a"], got.Body["a"])

	_, err = s.Fetch("x", "zzzz")
	assert.True(t, errors.Is(err, ErrNotFound))
}
