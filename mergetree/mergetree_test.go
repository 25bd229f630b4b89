package mergetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolagi/perspectivedb/hook"
	"github.com/nicolagi/perspectivedb/item"
	"github.com/nicolagi/perspectivedb/kv"
	"github.com/nicolagi/perspectivedb/tree"
)

func newTestMergeTree(t *testing.T, perspectives ...string) *MergeTree {
	t.Helper()
	store := kv.NewMemoryStore()
	mt, err := Open(store, Config{Perspectives: perspectives, VSize: 4, ISize: 4, TailRetryMS: 5})
	require.NoError(t, err)
	return mt
}

func TestLocalWriteAssignsParentFromHead(t *testing.T) {
	mt := newTestMergeTree(t)
	s := mt.CreateLocalWriteStream()

	root, err := s.Write(&item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"a": 1}})
	require.NoError(t, err)
	assert.Empty(t, root.PA)

	child, err := s.Write(&item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"a": 2}})
	require.NoError(t, err)
	assert.Equal(t, []string{root.V}, child.PA)
}

func TestLocalWriteAmbiguousHeadFails(t *testing.T) {
	mt := newTestMergeTree(t)
	s := mt.CreateLocalWriteStream()
	first, err := s.Write(&item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"a": 1}})
	require.NoError(t, err)

	// Fork the root directly via the underlying local tree, bypassing the
	// write stream's head bookkeeping, into two children of the same
	// parent, so the id ends up with two heads — the ambiguous-heads
	// state a real concurrent merge promotion could also produce.
	forkA := &item.Item{Header: item.Header{ID: "x", PA: []string{first.V}}, Body: map[string]interface{}{"a": 2}}
	_, err = mt.local.Append(forkA)
	require.NoError(t, err)
	forkB := &item.Item{Header: item.Header{ID: "x", PA: []string{first.V}}, Body: map[string]interface{}{"a": 3}}
	_, err = mt.local.Append(forkB)
	require.NoError(t, err)
	require.NotEqual(t, forkA.V, forkB.V)

	_, err = s.Write(&item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"a": 3}})
	assert.ErrorIs(t, err, ErrAmbiguousLocalHead)
}

func TestRemoteWriteStreamRejectsUnknownPerspective(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")
	_, err := mt.CreateRemoteWriteStream("peer2", nil)
	assert.ErrorIs(t, err, ErrUnknownPerspective)
}

func TestRemoteWriteStreamRejectsReservedName(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")
	_, err := mt.CreateRemoteWriteStream("", nil)
	assert.ErrorIs(t, err, ErrUnknownPerspective)
}

func TestFastForwardMerge(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")
	rs, err := mt.CreateRemoteWriteStream("peer1", nil)
	require.NoError(t, err)

	a := &item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"n": 1}}
	a.V = item.DeriveVersion(a.Body, nil, mt.cfg.VSize)
	_, err = rs.Write(a)
	require.NoError(t, err)

	b := &item.Item{Header: item.Header{ID: "x", PA: []string{a.V}}, Body: map[string]interface{}{"n": 2}}
	b.V = item.DeriveVersion(b.Body, b.PA, mt.cfg.VSize)
	_, err = rs.Write(b)
	require.NoError(t, err)

	ms, err := mt.StartMerge(false)
	require.NoError(t, err)
	defer ms.Close()

	var events []MergeEvent
	for {
		ev, ok, err := ms.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, a.V, events[0].New.V)
	assert.Nil(t, events[0].Old)
	assert.Equal(t, b.V, events[1].New.V)

	heads, err := mt.stage.HeadVersions("x")
	require.NoError(t, err)
	assert.Contains(t, heads, b.V)
}

func TestRunningStartMergeTwiceProducesNoNewEvents(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")
	rs, err := mt.CreateRemoteWriteStream("peer1", nil)
	require.NoError(t, err)
	a := &item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"n": 1}}
	a.V = item.DeriveVersion(a.Body, nil, mt.cfg.VSize)
	_, err = rs.Write(a)
	require.NoError(t, err)

	ms1, err := mt.StartMerge(false)
	require.NoError(t, err)
	var first int
	for {
		_, ok, err := ms1.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		first++
	}
	ms1.Close()
	assert.Equal(t, 1, first)

	ms2, err := mt.StartMerge(false)
	require.NoError(t, err)
	var second int
	for {
		_, ok, err := ms2.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		second++
	}
	ms2.Close()
	assert.Equal(t, 0, second)
}

func TestCreateReadStreamRewritesParentsAcrossFilteredItem(t *testing.T) {
	mt := newTestMergeTree(t)
	ls := mt.CreateLocalWriteStream()

	root, err := ls.Write(&item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"kind": "keep"}})
	require.NoError(t, err)
	mid, err := ls.Write(&item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"kind": "drop"}})
	require.NoError(t, err)
	leaf, err := ls.Write(&item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"kind": "keep"}})
	require.NoError(t, err)
	_ = mid

	rstream, err := mt.CreateReadStream(tree.StreamOptions{}, hook.Chain{hook.Equals("kind", "keep")})
	require.NoError(t, err)
	defer rstream.Close()

	var got []*item.Item
	for {
		it, err := rstream.Next()
		require.NoError(t, err)
		if it == nil {
			break
		}
		got = append(got, it)
	}
	require.Len(t, got, 2)
	assert.Equal(t, root.V, got[0].V)
	assert.Equal(t, leaf.V, got[1].V)
	assert.Equal(t, []string{root.V}, got[1].PA)
}

func drainMerge(t *testing.T, ms *MergeStream) []MergeEvent {
	t.Helper()
	var events []MergeEvent
	for {
		ev, ok, err := ms.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		events = append(events, ev)
	}
	return events
}

// promoteByVersion promotes the stage item already sitting at v to local,
// the way a client that read a fast-forward/merge event off the merge
// stream and decided to accept it would: a local write naming that exact
// version, leaving body/parents to come from the staged item itself.
func promoteByVersion(t *testing.T, ls *LocalWriteStream, id, v string) *item.Item {
	t.Helper()
	promoted, err := ls.Write(&item.Item{Header: item.Header{ID: id, V: v}})
	require.NoError(t, err)
	require.Equal(t, v, promoted.V)
	return promoted
}

func sortedPair(a, b string) []string {
	pa := []string{a, b}
	if pa[0] > pa[1] {
		pa[0], pa[1] = pa[1], pa[0]
	}
	return pa
}

// TestThreeWayMergeChainsAfterPromotion covers §8 scenario 2: two remote
// children of the same local head, each touching a different attribute,
// fast-forward independently in the first merge pass; promoting one of
// them to local then re-merges the other sibling still sitting in stage
// against the newly promoted head, producing a genuine three-way merge
// item with the sorted-union parent list.
func TestThreeWayMergeChainsAfterPromotion(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")
	ls := mt.CreateLocalWriteStream()
	rs, err := mt.CreateRemoteWriteStream("peer1", nil)
	require.NoError(t, err)

	a := &item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"u": "Au", "v": "Av"}}
	a.V = item.DeriveVersion(a.Body, nil, mt.cfg.VSize)
	_, err = rs.Write(a)
	require.NoError(t, err)

	ms0, err := mt.StartMerge(false)
	require.NoError(t, err)
	drainMerge(t, ms0)
	ms0.Close()
	promoteByVersion(t, ls, "x", a.V)

	b := &item.Item{Header: item.Header{ID: "x", PA: []string{a.V}}, Body: map[string]interface{}{"u": "Bu", "v": "Av"}}
	b.V = item.DeriveVersion(b.Body, b.PA, mt.cfg.VSize)
	_, err = rs.Write(b)
	require.NoError(t, err)

	c := &item.Item{Header: item.Header{ID: "x", PA: []string{a.V}}, Body: map[string]interface{}{"u": "Au", "v": "Cv"}}
	c.V = item.DeriveVersion(c.Body, c.PA, mt.cfg.VSize)
	_, err = rs.Write(c)
	require.NoError(t, err)

	ms1, err := mt.StartMerge(false)
	require.NoError(t, err)
	first := drainMerge(t, ms1)
	ms1.Close()
	require.Len(t, first, 2)
	assert.Equal(t, b.V, first[0].New.V)
	assert.Equal(t, a.V, first[0].Old.V)
	assert.Nil(t, first[0].Conflicts)
	assert.Equal(t, c.V, first[1].New.V)
	assert.Equal(t, a.V, first[1].Old.V)
	assert.Nil(t, first[1].Conflicts)

	promoteByVersion(t, ls, "x", b.V)

	mergedV := item.DeriveVersion(map[string]interface{}{"u": "Bu", "v": "Cv"}, sortedPair(b.V, c.V), mt.cfg.VSize)
	merged, err := mt.stage.GetByVersion(mergedV)
	require.NoError(t, err)
	assert.Equal(t, sortedPair(b.V, c.V), merged.PA)
	assert.Equal(t, "Bu", merged.Body["u"])
	assert.Equal(t, "Cv", merged.Body["v"])
	assert.False(t, merged.C)

	heads, err := mt.stage.HeadVersions("x")
	require.NoError(t, err)
	assert.Equal(t, []string{merged.V}, heads)
}

// TestMergeConflictReportedInStats covers §8 scenario 3: local and remote
// both change the same attribute to different values starting from the
// same parent, so the merge stages the remote head with its conflict bit
// set and stats() reports it.
func TestMergeConflictReportedInStats(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")
	ls := mt.CreateLocalWriteStream()
	rs, err := mt.CreateRemoteWriteStream("peer1", nil)
	require.NoError(t, err)

	a := &item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"more2": "orig"}}
	a.V = item.DeriveVersion(a.Body, nil, mt.cfg.VSize)
	_, err = rs.Write(a)
	require.NoError(t, err)

	ms0, err := mt.StartMerge(false)
	require.NoError(t, err)
	drainMerge(t, ms0)
	ms0.Close()
	promoteByVersion(t, ls, "x", a.V)

	c, err := ls.Write(&item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"more2": "other"}})
	require.NoError(t, err)

	b := &item.Item{Header: item.Header{ID: "x", PA: []string{a.V}}, Body: map[string]interface{}{"more2": "body"}}
	b.V = item.DeriveVersion(b.Body, b.PA, mt.cfg.VSize)
	_, err = rs.Write(b)
	require.NoError(t, err)

	ms, err := mt.StartMerge(false)
	require.NoError(t, err)
	events := drainMerge(t, ms)
	ms.Close()

	require.Len(t, events, 1)
	assert.Equal(t, b.V, events[0].New.V)
	assert.Equal(t, c.V, events[0].Old.V)
	assert.Equal(t, []string{"more2"}, events[0].Conflicts)
	assert.True(t, events[0].Staged.C)

	stats, err := mt.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stage.Conflicts)
}

// TestNewRootChainsAfterDeleteOnMerge covers §8 scenario 4: local has a
// tombstone, remote sends a new root for the same id, and the merge
// chains the new root onto the tombstone instead of leaving it a
// disconnected second root once promoted.
func TestNewRootChainsAfterDeleteOnMerge(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")
	ls := mt.CreateLocalWriteStream()
	rs, err := mt.CreateRemoteWriteStream("peer1", nil)
	require.NoError(t, err)

	a := &item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"n": 1}}
	a.V = item.DeriveVersion(a.Body, nil, mt.cfg.VSize)
	_, err = rs.Write(a)
	require.NoError(t, err)

	ms0, err := mt.StartMerge(false)
	require.NoError(t, err)
	drainMerge(t, ms0)
	ms0.Close()
	promoteByVersion(t, ls, "x", a.V)

	b := &item.Item{Header: item.Header{ID: "x", PA: []string{a.V}, D: true}, Body: map[string]interface{}{}}
	b.V = item.DeriveVersion(b.Body, b.PA, mt.cfg.VSize)
	_, err = rs.Write(b)
	require.NoError(t, err)

	ms1, err := mt.StartMerge(false)
	require.NoError(t, err)
	drainMerge(t, ms1)
	ms1.Close()
	promoted := promoteByVersion(t, ls, "x", b.V)
	require.True(t, promoted.D)

	c := &item.Item{Header: item.Header{ID: "x"}, Body: map[string]interface{}{"n": 2}}
	c.V = item.DeriveVersion(c.Body, nil, mt.cfg.VSize)
	_, err = rs.Write(c)
	require.NoError(t, err)

	ms2, err := mt.StartMerge(false)
	require.NoError(t, err)
	events := drainMerge(t, ms2)
	ms2.Close()

	require.Len(t, events, 1)
	assert.Equal(t, c.V, events[0].New.V)
	assert.Equal(t, b.V, events[0].Old.V)
	assert.Nil(t, events[0].Conflicts)
	require.NotNil(t, events[0].Staged)
	assert.Equal(t, []string{b.V}, events[0].Staged.PA)

	promoteByVersion(t, ls, "x", c.V)

	heads, err := mt.local.HeadVersions("x")
	require.NoError(t, err)
	assert.Equal(t, []string{c.V}, heads)
}
