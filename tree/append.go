package tree

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/nicolagi/perspectivedb/item"
	"github.com/nicolagi/perspectivedb/keyspace"
	"github.com/nicolagi/perspectivedb/kv"
)

// AppendStatus reports what Append/AppendMany actually did with an item:
// an item whose version already exists is informational, not an error.
type AppendStatus int

const (
	StatusAppended AppendStatus = iota
	StatusAlreadyExists
)

// idState tracks, within one Append/AppendMany call, the simulated live
// heads for one id, starting from the store and evolving as batch-local
// items supersede or add heads. This lets a root item be validated against
// a batch that itself creates or removes heads for the same id, without
// requiring each item to be flushed before the next is checked.
type idState struct {
	// version -> deleted bit, for versions currently considered live heads.
	heads map[string]bool
	// version -> insertion sequence, for every version known to belong to
	// this id whether or not still a head (used to validate intra-batch
	// parent references, and to recover the stored i for a uskey-only
	// update without minting a fresh one).
	known map[string]uint64
}

func (t *Tree) loadIDState(id string) (*idState, error) {
	s := &idState{heads: make(map[string]bool), known: make(map[string]uint64)}
	err := t.iterateHeadKeys(id, func(v []byte, conflict, deleted bool, i uint64) error {
		vs := item.EncodeVersion(v)
		s.heads[vs] = deleted
		s.known[vs] = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Append validates and appends a single item. When it.V is empty the
// derived version is written back to it.V.
func (t *Tree) Append(it *item.Item) (AppendStatus, error) {
	statuses, err := t.AppendMany([]*item.Item{it})
	if err != nil {
		return StatusAppended, err
	}
	return statuses[0], nil
}

// AppendMany validates then atomically appends a batch of items: the
// batch either fully applies or does not apply at all. Parents missing
// from the store but satisfied earlier in the same batch are accepted.
func (t *Tree) AppendMany(items []*item.Item) ([]AppendStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	statuses := make([]AppendStatus, len(items))
	states := make(map[string]*idState)
	batch := t.store.NewBatch()

	getState := func(id string) (*idState, error) {
		if s, ok := states[id]; ok {
			return s, nil
		}
		s, err := t.loadIDState(id)
		if err != nil {
			return nil, err
		}
		states[id] = s
		return s, nil
	}

	type pending struct {
		idx int
		it  *item.Item
		i   uint64
	}
	var toCommit []pending

	for idx, it := range items {
		if err := item.Validate(it, t.vSize); err != nil {
			return nil, fmt.Errorf("tree %q: item %d: %w", t.name, idx, err)
		}

		state, err := getState(it.ID)
		if err != nil {
			return nil, err
		}

		if it.V != "" {
			// A version already known for this id — whether still a head
			// (batch-local `known`) or previously superseded
			// (only discoverable via the persistent vkey, since `known` is
			// seeded from heads only) — is "already exists", informational,
			// not an error; a different id owning the same version is fatal.
			existingI, alreadyExists := state.known[it.V]
			if !alreadyExists {
				if existingID, foundI, ok, err := t.lookupVersionOwner(it.V); err != nil {
					return nil, err
				} else if ok && existingID != it.ID {
					return nil, fmt.Errorf("tree %q: version %q: %w (have id %q, item has id %q)",
						t.name, it.V, ErrVersionExistsForDifferentID, existingID, it.ID)
				} else if ok {
					alreadyExists = true
					existingI = foundI
				}
			}
			if alreadyExists {
				statuses[idx] = StatusAlreadyExists
				if it.PE != "" {
					if err := t.stageUSKeyUpdate(batch, it, existingI); err != nil {
						return nil, err
					}
				}
				continue
			}
		}

		if t.skipValidation {
			// Recovery/repair mode: indexes are still maintained, but DAG
			// connectivity is not enforced.
		} else if len(it.PA) > 0 {
			var missing []string
			for _, p := range it.PA {
				if _, ok := state.known[p]; ok {
					continue
				}
				if owner, _, ok, err := t.lookupVersionOwner(p); err != nil {
					return nil, err
				} else if ok && owner != it.ID {
					return nil, fmt.Errorf("tree %q: parent %q: %w (belongs to id %q, item has id %q)",
						t.name, p, ErrVersionExistsForDifferentID, owner, it.ID)
				} else if !ok {
					missing = append(missing, p)
				}
			}
			if len(missing) > 0 {
				return nil, errors.Wrapf(&MissingParentsError{ID: it.ID, Missing: missing}, "tree %q", t.name)
			}
		} else {
			// Root: valid iff no live head exists, or the sole live head
			// is a tombstone (a new root may follow a delete).
			live := liveHeads(state)
			if len(live) > 1 || (len(live) == 1 && !live[0].deleted) {
				return nil, fmt.Errorf("tree %q: id %q: %w", t.name, it.ID, ErrRootWhileHeadExists)
			}
		}

		v := it.V
		if v == "" {
			v = item.DeriveVersion(it.Body, it.PA, t.vSize)
			it.V = v
		}
		if _, err := item.DecodeVersion(v); err != nil {
			return nil, fmt.Errorf("tree %q: deriving version: %w", t.name, err)
		}

		i, err := t.allocateI()
		if err != nil {
			return nil, err
		}

		toStore := it.Clone()
		toStore.V = v
		toStore.I = i

		// Apply batch-local supersession: the new version becomes the
		// only live head for this id's parents; parents are no longer
		// live.
		for _, p := range it.PA {
			delete(state.heads, p)
		}
		state.known[v] = i
		state.heads[v] = it.D

		statuses[idx] = StatusAppended
		toCommit = append(toCommit, pending{idx: idx, it: toStore, i: i})
	}

	for _, p := range toCommit {
		if err := t.stageAppend(batch, p.it); err != nil {
			return nil, err
		}
	}

	if batch.Len() > 0 {
		writer, ok := t.store.(kv.Writer)
		if !ok {
			return nil, fmt.Errorf("tree %q: store does not support batched writes", t.name)
		}
		if err := writer.Write(batch); err != nil {
			return nil, fmt.Errorf("tree %q: committing batch: %w", t.name, err)
		}
	}
	return statuses, nil
}

type headEntry struct {
	version string
	deleted bool
}

func liveHeads(s *idState) []headEntry {
	out := make([]headEntry, 0, len(s.heads))
	for v, d := range s.heads {
		out = append(out, headEntry{version: v, deleted: d})
	}
	return out
}

// stageAppend writes the index entries for a single new item into batch:
// dskey, vkey, ikey, headkey, the uskey when it.PE is set, and the
// deletion of each parent's headkey.
func (t *Tree) stageAppend(batch kv.Batch, it *item.Item) error {
	raw, err := item.DecodeVersion(it.V)
	if err != nil {
		return err
	}
	dsKey, err := keyspace.DSKeyBytes(t.name, it.ID, it.I, t.iSize)
	if err != nil {
		return err
	}
	vKey, err := keyspace.VKeyBytes(t.name, raw, t.vSize)
	if err != nil {
		return err
	}
	iKey, err := keyspace.IKeyBytes(t.name, it.I, t.iSize)
	if err != nil {
		return err
	}
	headKey, err := keyspace.HeadKeyBytes(t.name, it.ID, raw, t.vSize)
	if err != nil {
		return err
	}
	headVal := keyspace.HeadVal(it.C, it.D, it.I, t.iSize)

	encoded, err := encodeItem(it)
	if err != nil {
		return err
	}

	batch.Put(dsKey, encoded)
	batch.Put(vKey, dsKey)
	batch.Put(iKey, headKey)
	batch.Put(headKey, headVal)

	if it.PE != "" {
		usKey, err := keyspace.USKeyBytes(t.name, it.PE, it.I, t.iSize)
		if err != nil {
			return err
		}
		batch.Put(usKey, vKey)
	}

	for _, p := range it.PA {
		praw, err := item.DecodeVersion(p)
		if err != nil {
			return err
		}
		parentHeadKey, err := keyspace.HeadKeyBytes(t.name, it.ID, praw, t.vSize)
		if err != nil {
			return err
		}
		batch.Delete(parentHeadKey)
	}
	return nil
}

// stageUSKeyUpdate writes a uskey entry for it.PE pointing at version
// it.V, keyed by the insertion sequence i the item was given when it was
// first appended; LastByPerspective returns this entry only when no item
// from it.PE has a larger i. Reusing i here, rather than
// minting a fresh one via allocateI, keeps this purely-informational
// "already exists" path from opening a permanent gap in the Tree's i
// sequence (no ikey/dskey is ever written against a uskey-only i).
func (t *Tree) stageUSKeyUpdate(batch kv.Batch, it *item.Item, i uint64) error {
	raw, err := item.DecodeVersion(it.V)
	if err != nil {
		return err
	}
	vKey, err := keyspace.VKeyBytes(t.name, raw, t.vSize)
	if err != nil {
		return err
	}
	usKey, err := keyspace.USKeyBytes(t.name, it.PE, i, t.iSize)
	if err != nil {
		return err
	}
	batch.Put(usKey, vKey)
	return nil
}

// lookupVersionOwner resolves v to the id that owns it and its insertion
// sequence, if any.
func (t *Tree) lookupVersionOwner(v string) (id string, i uint64, ok bool, err error) {
	raw, err := item.DecodeVersion(v)
	if err != nil {
		return "", 0, false, err
	}
	vKey, err := keyspace.VKeyBytes(t.name, raw, t.vSize)
	if err != nil {
		return "", 0, false, err
	}
	dsKey, err := t.store.Get(vKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}
	idFromKey, iFromKey, err := keyspace.ParseDSKeyID(dsKey, len(t.name))
	if err != nil {
		return "", 0, false, err
	}
	return idFromKey, iFromKey, true, nil
}
