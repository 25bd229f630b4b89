package tree

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolagi/perspectivedb/item"
)

func TestInsertionOrderStreamForward(t *testing.T) {
	tr := newTestTree(t)
	var versions []string
	for i := 0; i < 3; i++ {
		it := root("id"+string(rune('a'+i)), map[string]interface{}{"n": i})
		_, err := tr.Append(it)
		require.NoError(t, err)
		versions = append(versions, it.V)
	}

	s, err := tr.InsertionOrderStream(StreamOptions{})
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for {
		it, err := s.Next()
		require.NoError(t, err)
		if it == nil {
			break
		}
		got = append(got, it.V)
	}
	assert.Equal(t, versions, got)
}

func TestInsertionOrderStreamReverse(t *testing.T) {
	tr := newTestTree(t)
	var versions []string
	for i := 0; i < 3; i++ {
		it := root("r"+string(rune('a'+i)), map[string]interface{}{"n": i})
		_, err := tr.Append(it)
		require.NoError(t, err)
		versions = append(versions, it.V)
	}

	s, err := tr.InsertionOrderStream(StreamOptions{Reverse: true})
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for {
		it, err := s.Next()
		require.NoError(t, err)
		if it == nil {
			break
		}
		got = append(got, it.V)
	}
	require.Len(t, got, 3)
	assert.Equal(t, versions[2], got[0])
	assert.Equal(t, versions[0], got[2])
}

func TestInsertionOrderStreamFirstLast(t *testing.T) {
	tr := newTestTree(t)
	var versions []string
	for i := 0; i < 4; i++ {
		it := root("id"+string(rune('a'+i)), map[string]interface{}{"n": i})
		_, err := tr.Append(it)
		require.NoError(t, err)
		versions = append(versions, it.V)
	}

	s, err := tr.InsertionOrderStream(StreamOptions{First: versions[1], Last: versions[2]})
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for {
		it, err := s.Next()
		require.NoError(t, err)
		if it == nil {
			break
		}
		got = append(got, it.V)
	}
	assert.Equal(t, versions[1:3], got)
}

func TestInsertionOrderStreamExcludeFirstLast(t *testing.T) {
	tr := newTestTree(t)
	var versions []string
	for i := 0; i < 4; i++ {
		it := root("id"+string(rune('a'+i)), map[string]interface{}{"n": i})
		_, err := tr.Append(it)
		require.NoError(t, err)
		versions = append(versions, it.V)
	}

	s, err := tr.InsertionOrderStream(StreamOptions{
		First: versions[0], Last: versions[3],
		ExcludeFirst: true, ExcludeLast: true,
	})
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for {
		it, err := s.Next()
		require.NoError(t, err)
		if it == nil {
			break
		}
		got = append(got, it.V)
	}
	assert.Equal(t, versions[1:3], got)
}

func TestTailMutualExclusionValidation(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.InsertionOrderStream(StreamOptions{Tail: true, Reverse: true})
	assert.Error(t, err)
	_, err = tr.InsertionOrderStream(StreamOptions{Tail: true, Last: "x"})
	assert.Error(t, err)
	_, err = tr.InsertionOrderStream(StreamOptions{Tail: true, ExcludeLast: true})
	assert.Error(t, err)
}

func TestTailReadStreamEmitsAppendedItemsAndClosesPromptly(t *testing.T) {
	defer leaktest.Check(t)()

	tr := newTestTree(t)
	s, err := tr.InsertionOrderStream(StreamOptions{Tail: true, TailRetryMS: 5})
	require.NoError(t, err)

	first := root("first", map[string]interface{}{"n": 1})
	_, err = tr.Append(first)
	require.NoError(t, err)

	it, err := readWithTimeout(t, s, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, first.V, it.V)

	time.Sleep(50 * time.Millisecond)
	second := root("second", map[string]interface{}{"n": 2})
	_, err = tr.Append(second)
	require.NoError(t, err)

	it, err = readWithTimeout(t, s, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, second.V, it.V)

	require.NoError(t, s.Close())
}

func readWithTimeout(t *testing.T, s *Stream, timeout time.Duration) (*item.Item, error) {
	t.Helper()
	type result struct {
		it  *item.Item
		err error
	}
	ch := make(chan result, 1)
	go func() {
		it, err := s.Next()
		ch <- result{it, err}
	}()
	select {
	case r := <-ch:
		return r.it, r.err
	case <-time.After(timeout):
		t.Fatal("timed out waiting for stream item")
		return nil, nil
	}
}
