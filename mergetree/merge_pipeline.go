package mergetree

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/perspectivedb/item"
	"github.com/nicolagi/perspectivedb/merge"
	"github.com/nicolagi/perspectivedb/tree"
)

// MergeEvent is one row of the merge stream's output: the new remote
// head, the local head it was reconciled against (if any), and either
// the resulting conflict attributes or the merged item staged for
// promotion.
type MergeEvent struct {
	Perspective string
	New         *item.Item
	Old         *item.Item
	Conflicts   []string
	// Staged is the item actually written to the stage tree for this
	// event: the remote head itself (fast-forward or conflict) or the
	// computed merge item (no-conflict three-way merge).
	Staged *item.Item
}

// MergeStream is the readable stream start_merge returns.
type MergeStream struct {
	mt     *MergeTree
	events chan MergeEvent
	errc   chan error
	closed chan struct{}
}

// Next blocks for the next event. It returns ok=false when the stream is
// exhausted (non-tailing) or closed; the error is then nil, or the error
// that ended the stream.
func (s *MergeStream) Next() (MergeEvent, bool, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			select {
			case err := <-s.errc:
				return MergeEvent{}, false, err
			default:
				return MergeEvent{}, false, nil
			}
		}
		return ev, true, nil
	case <-s.closed:
		return MergeEvent{}, false, nil
	}
}

// Close stops the stream.
func (s *MergeStream) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

// StartMerge runs the merge pipeline. When tail is true the stream stays
// open, re-scanning each remote's insertion order every TailRetryMS
// looking for new heads, per the same tailing discipline tree.Stream
// implements.
func (m *MergeTree) StartMerge(tail bool) (*MergeStream, error) {
	s := &MergeStream{
		mt:     m,
		events: make(chan MergeEvent),
		errc:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	go s.run(tail)
	return s, nil
}

func (s *MergeStream) run(tail bool) {
	defer close(s.events)
	retry := time.Duration(s.mt.cfg.TailRetryMS) * time.Millisecond
	if retry <= 0 {
		retry = 10 * time.Millisecond
	}
	for {
		more, err := s.passOnce()
		if err != nil {
			s.errc <- err
			return
		}
		if !tail {
			return
		}
		if !more {
			select {
			case <-s.closed:
				return
			case <-time.After(retry):
			}
		}
	}
}

// passOnce scans every remote once, starting just past the last
// processed version recorded for it, classifying and merging each new
// remote head.
func (s *MergeStream) passOnce() (more bool, err error) {
	m := s.mt
	m.mu.Lock()
	defer m.mu.Unlock()

	for pe, rt := range m.remotes {
		opts := tree.StreamOptions{}
		if last := m.lastMergedV[pe]; last != "" {
			opts.First = last
			opts.ExcludeFirst = true
		}
		stream, err := rt.InsertionOrderStream(opts)
		if err != nil {
			return more, err
		}
		for {
			remoteItem, err := stream.Next()
			if err != nil {
				stream.Close()
				return more, err
			}
			if remoteItem == nil {
				break
			}
			ev, err := s.processRemoteHead(pe, rt, remoteItem)
			if err != nil {
				stream.Close()
				return more, err
			}
			m.lastMergedV[pe] = remoteItem.V
			if ev == nil {
				continue
			}
			select {
			case s.events <- *ev:
				more = true
			case <-s.closed:
				stream.Close()
				return more, nil
			}
		}
		stream.Close()
	}
	return more, nil
}

// processRemoteHead classifies one new remote head and runs the merger
// against local.
func (s *MergeStream) processRemoteHead(pe string, rt *tree.Tree, r *item.Item) (*MergeEvent, error) {
	m := s.mt

	if existing, err := m.local.GetByVersion(r.V); err == nil && existing != nil {
		// (a) remote item already in local: update uskey only.
		if _, err := m.local.AppendMany([]*item.Item{r}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	localHeads, err := nonConflictingHeadItems(m.local, r.ID)
	if err != nil {
		return nil, err
	}

	if len(localHeads) == 0 {
		// No local history for this id: fast-forward from absent.
		return s.stageResult(pe, r, nil, nil)
	}

	for _, l := range localHeads {
		for _, p := range r.PA {
			if p == l.V {
				// (b) fast-forward candidate.
				return s.stageResult(pe, r, l, nil)
			}
		}
	}

	if len(r.PA) == 0 {
		// (b2) remote sent a new root. This only makes sense locally if
		// every non-conflicting local head is a tombstone: the delete
		// chains the new root onto what it replaced rather than leaving
		// the old tombstone head dangling alongside an unrelated second
		// root for the same id.
		if allTombstones(localHeads) {
			chained := r.Clone()
			chained.PA = headVersions(localHeads)
			return s.stageChainedRoot(pe, r, localHeads[0], chained)
		}
	}

	// (c) three-way merge against the first non-conflicting local head;
	// surface that outcome.
	l := localHeads[0]
	lcas, err := merge.FindLCAs(r, l, mergeGetter(m.local))
	if err != nil {
		return nil, err
	}
	result, err := merge.Merge(r, l, lcas, m.cfg.VSize)
	if err != nil {
		return nil, err
	}
	if len(result.Conflicts) > 0 {
		return s.stageConflict(pe, r, l, result.Conflicts)
	}
	return s.stageResult(pe, r, l, result.Item)
}

// allTombstones reports whether every head in heads has its delete bit set.
func allTombstones(heads []*item.Item) bool {
	for _, h := range heads {
		if !h.D {
			return false
		}
	}
	return true
}

// headVersions returns the (sorted) versions of heads.
func headVersions(heads []*item.Item) []string {
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.V
	}
	return out
}

// stageChainedRoot stages chained, a clone of the remote root r reparented
// onto the tombstone heads it replaces, so the new root supersedes them as
// a head instead of sitting alongside them as an unrelated second root.
func (s *MergeStream) stageChainedRoot(pe string, r, l, chained *item.Item) (*MergeEvent, error) {
	m := s.mt
	if _, err := m.stage.Append(chained); err != nil {
		return nil, fmt.Errorf("mergetree: staging chained root %q: %w", chained.V, err)
	}
	return &MergeEvent{Perspective: pe, New: r, Old: l, Staged: chained}, nil
}

// stageResult stages the remote head r and, if merged is non-nil and new
// to the stage, stages it too.
func (s *MergeStream) stageResult(pe string, r, l, merged *item.Item) (*MergeEvent, error) {
	m := s.mt
	if _, err := m.stage.Append(r); err != nil {
		return nil, fmt.Errorf("mergetree: staging remote head %q: %w", r.V, err)
	}
	staged := r
	if merged != nil {
		_, err := m.stage.GetByVersion(merged.V)
		switch {
		case err == nil:
			// Already staged by a prior pass; nothing to do.
		case errors.Is(err, tree.ErrNotFound):
			if _, err := m.stage.Append(merged); err != nil {
				return nil, fmt.Errorf("mergetree: staging merge item %q: %w", merged.V, err)
			}
		default:
			return nil, err
		}
		staged = merged
	}
	return &MergeEvent{Perspective: pe, New: r, Old: l, Staged: staged}, nil
}

// stageConflict stages r with the conflict bit set.
func (s *MergeStream) stageConflict(pe string, r, l *item.Item, attrs []string) (*MergeEvent, error) {
	m := s.mt
	conflicted := r.Clone()
	conflicted.C = true
	if _, err := m.stage.Append(conflicted); err != nil {
		return nil, fmt.Errorf("mergetree: staging conflicted head %q: %w", r.V, err)
	}
	log.WithFields(log.Fields{"perspective": pe, "id": r.ID, "version": r.V, "attrs": attrs}).
		Warn("merge conflict")
	return &MergeEvent{Perspective: pe, New: r, Old: l, Conflicts: attrs, Staged: conflicted}, nil
}

// restageSiblings re-merges every other live, unpromoted fast-forward
// candidate still sitting in the stage tree for promoted.ID against the
// item that was just promoted to local. Without this, a second remote
// head staged as a fast-forward of the same old local head (multi-head
// chaining, §4.3 step 5: "subsequent merges use the staged merge items as
// the new local") would stay parented on a head local has since moved
// past, and never actually merge with its sibling until some unrelated
// new remote item happened to touch the same id again.
func (m *MergeTree) restageSiblings(promoted *item.Item) error {
	var siblings []*item.Item
	err := m.stage.IterateHeads(tree.IterateOptions{ID: promoted.ID, SkipConflicts: true, SkipDeletes: true}, func(it *item.Item) error {
		if it.PE == "" || it.V == promoted.V {
			return nil
		}
		siblings = append(siblings, it)
		return nil
	})
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		lcas, err := merge.FindLCAs(sib, promoted, mergeGetter(m.local))
		if err != nil {
			return err
		}
		result, err := merge.Merge(sib, promoted, lcas, m.cfg.VSize)
		if err != nil {
			return err
		}
		if len(result.Conflicts) > 0 {
			if err := m.stage.SetConflict(sib.V); err != nil {
				return err
			}
			continue
		}
		if _, err := m.stage.GetByVersion(result.Item.V); err == nil {
			continue
		} else if !errors.Is(err, tree.ErrNotFound) {
			return err
		}
		if _, err := m.stage.Append(result.Item); err != nil {
			return err
		}
	}
	return nil
}
