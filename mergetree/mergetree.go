// Package mergetree composes one local Tree, one stage Tree, and N
// remote Trees over a shared kv.Store, and orchestrates the write and
// merge pipelines that turn the lower-level tree package into a
// replication engine: local writes assign parents from the current
// head, remote writes land in per-perspective Trees, and starting a
// merge pass drains remotes through the three-way merger into the
// stage, ready for local promotion.
package mergetree

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nicolagi/perspectivedb/hook"
	"github.com/nicolagi/perspectivedb/item"
	"github.com/nicolagi/perspectivedb/kv"
	"github.com/nicolagi/perspectivedb/merge"
	"github.com/nicolagi/perspectivedb/tree"
)

// Reserved tree names: the local perspective has no pe field and uses
// the empty name; the stage tree uses a name no real perspective can
// collide with.
const (
	localName = ""
	stageName = "\x00stage"
)

var (
	// ErrAmbiguousLocalHead is returned by CreateLocalWriteStream when the
	// local tree has more than one non-conflicting head for an id.
	ErrAmbiguousLocalHead = fmt.Errorf("mergetree: ambiguous local head")
	// ErrUnknownPerspective is returned for remote writes naming an
	// unconfigured perspective.
	ErrUnknownPerspective = fmt.Errorf("mergetree: unknown perspective")
)

// Config configures a MergeTree: the set of known remote perspectives
// plus the version/insertion-counter widths and merge retry cadence.
type Config struct {
	Perspectives []string
	VSize        int
	ISize        int
	TailRetryMS  int
}

// MergeTree composes the local/stage/remote Trees sharing one kv.Store.
type MergeTree struct {
	store kv.Store
	cfg   Config

	mu      sync.Mutex
	local   *tree.Tree
	stage   *tree.Tree
	remotes map[string]*tree.Tree

	// lastMergedV tracks, per remote, the version of the last remote item
	// processed by StartMerge, so re-running it resumes instead of
	// rescanning: running it twice with no new input produces no new
	// stage items.
	lastMergedV map[string]string
}

// Open builds a MergeTree over store, opening the local and stage Trees
// plus one remote Tree per configured perspective.
func Open(store kv.Store, cfg Config) (*MergeTree, error) {
	opts := tree.Options{VSize: cfg.VSize, ISize: cfg.ISize}
	local, err := tree.Open(store, localName, opts)
	if err != nil {
		return nil, fmt.Errorf("mergetree: opening local tree: %w", err)
	}
	stage, err := tree.Open(store, stageName, opts)
	if err != nil {
		return nil, fmt.Errorf("mergetree: opening stage tree: %w", err)
	}
	remotes := make(map[string]*tree.Tree, len(cfg.Perspectives))
	for _, pe := range cfg.Perspectives {
		if pe == localName {
			return nil, fmt.Errorf("mergetree: perspective name %q is reserved", pe)
		}
		rt, err := tree.Open(store, pe, opts)
		if err != nil {
			return nil, fmt.Errorf("mergetree: opening remote tree %q: %w", pe, err)
		}
		remotes[pe] = rt
	}
	return &MergeTree{
		store:       store,
		cfg:         cfg,
		local:       local,
		stage:       stage,
		remotes:     remotes,
		lastMergedV: make(map[string]string),
	}, nil
}

func (m *MergeTree) logger() *log.Entry {
	return log.WithField("component", "mergetree")
}

// CreateLocalWriteStream appends locally-originated items, assigning
// parents and a version when absent.
func (m *MergeTree) CreateLocalWriteStream() *LocalWriteStream {
	return &LocalWriteStream{mt: m}
}

// LocalWriteStream is the write-side handle CreateLocalWriteStream
// returns. Write is synchronous: the kv store backing a Tree is local,
// so there is no reason to make the caller wait asynchronously.
type LocalWriteStream struct {
	mt *MergeTree
}

// Write appends it to the local tree: deriving parents from the current
// non-conflicting head when the caller left both parents and version
// unset (an item that carries its own version keeps its parents as
// given), deriving a
// version from the body when the caller left that unset, then promoting
// a matching staged merge result in place of a plain append when one
// exists.
func (s *LocalWriteStream) Write(it *item.Item) (*item.Item, error) {
	m := s.mt
	m.mu.Lock()
	defer m.mu.Unlock()

	toStore := it.Clone()
	if len(toStore.PA) == 0 && toStore.V == "" {
		heads, err := nonConflictingHeads(m.local, toStore.ID)
		if err != nil {
			return nil, err
		}
		switch len(heads) {
		case 0:
			// root; pa stays empty.
		case 1:
			toStore.PA = []string{heads[0]}
		default:
			return nil, fmt.Errorf("%w: id %q has %d heads", ErrAmbiguousLocalHead, toStore.ID, len(heads))
		}
	}

	if toStore.V == "" {
		toStore.V = item.DeriveVersion(toStore.Body, toStore.PA, m.local.VSize())
	}

	if staged, err := m.stage.GetByVersion(toStore.V); err == nil && staged != nil {
		promoted := staged.Clone()
		if _, err := m.local.Append(promoted); err != nil {
			return nil, fmt.Errorf("mergetree: promoting staged merge %q to local: %w", promoted.V, err)
		}
		if err := m.stage.SetDelete(staged.V); err != nil {
			return nil, fmt.Errorf("mergetree: retiring promoted stage item %q: %w", staged.V, err)
		}
		if err := m.restageSiblings(promoted); err != nil {
			return nil, fmt.Errorf("mergetree: re-merging sibling candidates after promoting %q: %w", promoted.V, err)
		}
		return promoted, nil
	}

	if _, err := m.local.Append(toStore); err != nil {
		return nil, err
	}
	return toStore, nil
}

// CreateRemoteWriteStream returns a write handle for items arriving from
// perspective pe. hooks is run over each item before it is appended; if
// a hook drops the item it is silently skipped (no error).
func (m *MergeTree) CreateRemoteWriteStream(pe string, hooks hook.Chain) (*RemoteWriteStream, error) {
	if pe == localName {
		return nil, fmt.Errorf("%w: %q is the reserved local name", ErrUnknownPerspective, pe)
	}
	rt, ok := m.remotes[pe]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPerspective, pe)
	}
	return &RemoteWriteStream{mt: m, pe: pe, tree: rt, hooks: hooks}, nil
}

// RemoteWriteStream is the write-side handle for one configured remote
// perspective.
type RemoteWriteStream struct {
	mt    *MergeTree
	pe    string
	tree  *tree.Tree
	hooks hook.Chain
}

// Write appends it to this perspective's remote Tree, unless a hook
// drops it first.
func (s *RemoteWriteStream) Write(it *item.Item) (*item.Item, error) {
	if it.PE != s.pe {
		it = it.Clone()
		it.PE = s.pe
	}
	transformed := s.hooks.Run(storeAdapter{s.tree}, it, nil)
	if transformed == nil {
		return nil, nil
	}
	s.mt.mu.Lock()
	defer s.mt.mu.Unlock()
	if _, err := s.tree.Append(transformed); err != nil {
		return nil, err
	}
	return transformed, nil
}

type storeAdapter struct{ t *tree.Tree }

func (s storeAdapter) GetByVersion(v string) (*item.Item, error) { return s.t.GetByVersion(v) }

// nonConflictingHeads returns the non-conflicting head versions of id in t.
func nonConflictingHeads(t *tree.Tree, id string) ([]string, error) {
	items, err := nonConflictingHeadItems(t, id)
	if err != nil {
		return nil, err
	}
	heads := make([]string, len(items))
	for i, it := range items {
		heads[i] = it.V
	}
	return heads, nil
}

// nonConflictingHeadItems returns the non-conflicting heads of id in t, as
// full items (so callers can inspect the delete bit), sorted by version.
func nonConflictingHeadItems(t *tree.Tree, id string) ([]*item.Item, error) {
	var heads []*item.Item
	err := t.IterateHeads(tree.IterateOptions{ID: id, SkipConflicts: true}, func(it *item.Item) error {
		heads = append(heads, it)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].V < heads[j].V })
	return heads, nil
}

// Stats reports per-Tree head counts including conflict and deleted
// counts.
type Stats struct {
	Local   TreeStats
	Stage   TreeStats
	Remotes map[string]TreeStats
}

// TreeStats is the per-Tree portion of Stats.
type TreeStats struct {
	Heads     int
	Conflicts int
	Deletes   int
}

func treeStats(t *tree.Tree) (TreeStats, error) {
	var s TreeStats
	err := t.IterateHeads(tree.IterateOptions{}, func(it *item.Item) error {
		s.Heads++
		if it.C {
			s.Conflicts++
		}
		if it.D {
			s.Deletes++
		}
		return nil
	})
	return s, err
}

// Stats computes Stats across local, stage, and every remote Tree.
func (m *MergeTree) Stats() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out Stats
	var err error
	if out.Local, err = treeStats(m.local); err != nil {
		return Stats{}, err
	}
	if out.Stage, err = treeStats(m.stage); err != nil {
		return Stats{}, err
	}
	out.Remotes = make(map[string]TreeStats, len(m.remotes))
	for pe, rt := range m.remotes {
		s, err := treeStats(rt)
		if err != nil {
			return Stats{}, err
		}
		out.Remotes[pe] = s
	}
	return out, nil
}

// mergeGetter adapts a Tree's GetByVersion to merge.Getter.
func mergeGetter(t *tree.Tree) merge.Getter {
	return func(v string) (*item.Item, error) { return t.GetByVersion(v) }
}

// fanOutRemotes runs f concurrently for every configured remote,
// aggregating the first error.
func (m *MergeTree) fanOutRemotes(f func(pe string, rt *tree.Tree) error) error {
	var g errgroup.Group
	for pe, rt := range m.remotes {
		pe, rt := pe, rt
		g.Go(func() error { return f(pe, rt) })
	}
	return g.Wait()
}
