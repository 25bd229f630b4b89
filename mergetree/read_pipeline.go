package mergetree

import (
	"github.com/nicolagi/perspectivedb/hook"
	"github.com/nicolagi/perspectivedb/item"
	"github.com/nicolagi/perspectivedb/tree"
)

// ReadStream is the handle CreateReadStream returns: items from the
// local tree in insertion order, with filter+hooks applied and parent
// lists rewritten to skip filtered-out ancestors.
type ReadStream struct {
	inner *tree.Stream
	store hook.Store
	hooks hook.Chain

	// survivingParents maps a filtered-out version to the nearest
	// surviving ancestor versions, so a later item that named it as a
	// parent can be rewritten to point past it, preserving DAG integrity
	// for downstream consumers.
	survivingParents map[string][]string
}

// CreateReadStream opens a ReadStream over the local tree. hooks is run
// on every item (its first nil result drops that item, just like a
// single-predicate filter); opts bounds and orders the underlying
// insertion-order walk.
func (m *MergeTree) CreateReadStream(opts tree.StreamOptions, hooks hook.Chain) (*ReadStream, error) {
	inner, err := m.local.InsertionOrderStream(opts)
	if err != nil {
		return nil, err
	}
	return &ReadStream{
		inner:            inner,
		store:            storeAdapter{m.local},
		hooks:            hooks,
		survivingParents: make(map[string][]string),
	}, nil
}

// Close releases the underlying cursor.
func (r *ReadStream) Close() error { return r.inner.Close() }

// Next returns the next surviving item, rewriting pa to the transitive
// closure of surviving ancestors whenever a direct parent was filtered
// out, or (nil, nil) when the stream is exhausted/closed.
func (r *ReadStream) Next() (*item.Item, error) {
	for {
		it, err := r.inner.Next()
		if err != nil {
			return nil, err
		}
		if it == nil {
			return nil, nil
		}

		rewritten := rewriteParents(it, r.survivingParents)
		out := r.hooks.Run(r.store, rewritten, nil)
		if out == nil {
			// Filtered out: anything naming it as a parent should instead
			// see its own surviving parents.
			r.survivingParents[it.V] = rewritten.PA
			continue
		}
		return out, nil
	}
}

// rewriteParents replaces any parent version present in surviving with
// that version's own recorded surviving-ancestor list, one level at a
// time; since survivingParents is populated in insertion order (an
// ancestor is always processed before its descendants), a chain of
// filtered-out parents is already flattened by the time a later item
// looks it up.
func rewriteParents(it *item.Item, surviving map[string][]string) *item.Item {
	var needsRewrite bool
	for _, p := range it.PA {
		if _, ok := surviving[p]; ok {
			needsRewrite = true
			break
		}
	}
	if !needsRewrite {
		return it
	}
	out := it.Clone()
	var newPA []string
	seen := make(map[string]bool)
	for _, p := range it.PA {
		if repl, ok := surviving[p]; ok {
			for _, r := range repl {
				if !seen[r] {
					seen[r] = true
					newPA = append(newPA, r)
				}
			}
			continue
		}
		if !seen[p] {
			seen[p] = true
			newPA = append(newPA, p)
		}
	}
	out.PA = newPA
	return out
}
