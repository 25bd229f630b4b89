package tree

import (
	"fmt"

	"github.com/nicolagi/perspectivedb/item"
	"github.com/nicolagi/perspectivedb/keyspace"
	"github.com/nicolagi/perspectivedb/kv"
)

// commit applies batch atomically through the store's kv.Writer facet.
func (t *Tree) commit(batch kv.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	writer, ok := t.store.(kv.Writer)
	if !ok {
		return fmt.Errorf("tree %q: store does not support batched writes", t.name)
	}
	return writer.Write(batch)
}

// SetConflict flips the conflict bit for v, in the headval and in the
// stored item; a no-op if already set.
func (t *Tree) SetConflict(v string) error {
	return t.setBit(v, true, false)
}

// SetDelete flips the delete (tombstone) bit for v; a no-op if already set.
func (t *Tree) SetDelete(v string) error {
	return t.setBit(v, false, true)
}

// setBit loads the item at v, flips the requested bit if not already set,
// and rewrites its dskey and (if still live) headkey entries.
func (t *Tree) setBit(v string, setConflict, setDelete bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, err := t.GetByVersion(v)
	if err != nil {
		return err
	}
	if setConflict && it.C {
		return nil
	}
	if setDelete && it.D {
		return nil
	}
	if setConflict {
		it.C = true
	}
	if setDelete {
		it.D = true
	}

	raw, err := item.DecodeVersion(v)
	if err != nil {
		return err
	}
	dsKey, err := keyspace.DSKeyBytes(t.name, it.ID, it.I, t.iSize)
	if err != nil {
		return err
	}
	headKey, err := keyspace.HeadKeyBytes(t.name, it.ID, raw, t.vSize)
	if err != nil {
		return err
	}
	encoded, err := encodeItem(it)
	if err != nil {
		return err
	}
	headVal := keyspace.HeadVal(it.C, it.D, it.I, t.iSize)

	batch := t.store.NewBatch()
	batch.Put(dsKey, encoded)
	// Only rewrite the headkey if it is still the live head; if v is not a
	// current head (already superseded), there's nothing to flip there,
	// but the dskey item bits remain the authoritative record for history.
	if _, err := t.store.Get(headKey); err == nil {
		batch.Put(headKey, headVal)
	} else if err != ErrNotFound {
		return err
	}

	return t.commit(batch)
}

// Del removes all index entries and the dskey for it. Only permitted when
// the Tree was opened with SkipValidation: deletion is disallowed outside
// recovery/repair mode.
func (t *Tree) Del(it *item.Item) error {
	if !t.skipValidation {
		return fmt.Errorf("tree %q: del requires skip-validation mode", t.name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

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

	batch := t.store.NewBatch()
	batch.Delete(dsKey)
	batch.Delete(vKey)
	batch.Delete(iKey)
	batch.Delete(headKey)
	if it.PE != "" {
		usKey, err := keyspace.USKeyBytes(t.name, it.PE, it.I, t.iSize)
		if err != nil {
			return err
		}
		batch.Delete(usKey)
	}
	return t.commit(batch)
}
