package tree

import (
	"fmt"

	"github.com/nicolagi/perspectivedb/item"
	"github.com/nicolagi/perspectivedb/keyspace"
)

// GetByVersion resolves vkey -> dskey -> item.
func (t *Tree) GetByVersion(v string) (*item.Item, error) {
	raw, err := item.DecodeVersion(v)
	if err != nil {
		return nil, err
	}
	vKey, err := keyspace.VKeyBytes(t.name, raw, t.vSize)
	if err != nil {
		return nil, err
	}
	dsKey, err := t.store.Get(vKey)
	if err != nil {
		return nil, err
	}
	raw2, err := t.store.Get(dsKey)
	if err != nil {
		return nil, err
	}
	return decodeItem(raw2)
}

// iterateHeadKeys scans the headkey range for id, invoking f for each live
// head with its raw version bytes, opt bits, and insertion sequence.
func (t *Tree) iterateHeadKeys(id string, f func(v []byte, conflict, deleted bool, i uint64) error) error {
	start, end, err := keyspace.HeadKeyRange(t.name, id)
	if err != nil {
		return err
	}
	it := t.store.NewIterator(rangeOf(start, end), false)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		v := key[len(key)-t.vSize:]
		conflict, deleted, i, err := keyspace.ParseHeadVal(it.Value())
		if err != nil {
			return err
		}
		if err := f(v, conflict, deleted, i); err != nil {
			return err
		}
	}
	return it.Error()
}

// HeadVersions returns every head version of id.
func (t *Tree) HeadVersions(id string) ([]string, error) {
	var out []string
	err := t.iterateHeadKeys(id, func(v []byte, _, _ bool, _ uint64) error {
		out = append(out, item.EncodeVersion(v))
		return nil
	})
	return out, err
}

// IterateOptions filter which heads IterateHeads visits.
type IterateOptions struct {
	ID            string // empty means all ids
	SkipConflicts bool
	SkipDeletes   bool
}

// ErrStop can be returned by an IterateHeads callback to stop iteration
// without it being treated as a failure.
var ErrStop = fmt.Errorf("tree: stop iteration")

// IterateHeads visits every head not excluded by opts, resolving each to
// its Item. The callback may return ErrStop to halt early.
func (t *Tree) IterateHeads(opts IterateOptions, f func(*item.Item) error) error {
	var start, end []byte
	var err error
	if opts.ID != "" {
		start, end, err = keyspace.HeadKeyRange(t.name, opts.ID)
	} else {
		start, end, err = keyspace.HeadKeyTreeRange(t.name)
	}
	if err != nil {
		return err
	}
	it := t.store.NewIterator(rangeOf(start, end), false)
	defer it.Release()
	for it.Next() {
		conflict, deleted, i, err := keyspace.ParseHeadVal(it.Value())
		if err != nil {
			return err
		}
		if opts.SkipConflicts && conflict {
			continue
		}
		if opts.SkipDeletes && deleted {
			continue
		}
		id, err := idFromHeadKey(it.Key(), len(t.name))
		if err != nil {
			return err
		}
		dsKey, err := keyspace.DSKeyBytes(t.name, id, i, t.iSize)
		if err != nil {
			return err
		}
		raw, err := t.store.Get(dsKey)
		if err != nil {
			return err
		}
		it2, err := decodeItem(raw)
		if err != nil {
			return err
		}
		if err := f(it2); err != nil {
			if err == ErrStop {
				return nil
			}
			return err
		}
	}
	return it.Error()
}

// idFromHeadKey extracts the id component from a headkey's own key bytes
// (layout: prefix || len(id) || id || 0x00 || vSize || v).
func idFromHeadKey(key []byte, nameLen int) (string, error) {
	offset := 1 + nameLen + 1 + 1
	if len(key) <= offset {
		return "", fmt.Errorf("tree: headkey too short")
	}
	idLen := int(key[offset])
	offset++
	if len(key) < offset+idLen {
		return "", fmt.Errorf("tree: headkey truncated")
	}
	return string(key[offset : offset+idLen]), nil
}

// LastVersion returns the version of the item with the largest insertion
// sequence number in this Tree.
func (t *Tree) LastVersion() (string, error) {
	start, end, err := keyspace.IKeyRange(t.name)
	if err != nil {
		return "", err
	}
	it := t.store.NewIterator(rangeOf(start, end), true)
	defer it.Release()
	if !it.Next() {
		return "", ErrNotFound
	}
	headKeyBytes := it.Value()
	v := headKeyBytes[len(headKeyBytes)-t.vSize:]
	return item.EncodeVersion(v), it.Error()
}

// LastByPerspective reads the uskey range for pe and returns the version of
// the most recently appended item with that perspective.
func (t *Tree) LastByPerspective(pe string) (string, error) {
	prefix, err := keyspace.Prefix(t.name, keyspace.USKey)
	if err != nil {
		return "", err
	}
	rangeStart := append(append([]byte{}, prefix...), byte(len(pe)))
	rangeStart = append(rangeStart, pe...)
	rangeStart = append(rangeStart, 0x00)
	rangeEnd := append(append([]byte{}, rangeStart...), 0xff)

	it := t.store.NewIterator(rangeOf(rangeStart, rangeEnd), true)
	defer it.Release()
	if !it.Next() {
		return "", ErrNotFound
	}
	vKey := it.Value()
	v := vKey[len(vKey)-t.vSize:]
	return item.EncodeVersion(v), it.Error()
}

// allocateI returns the next insertion sequence number, recovering the
// counter from the store on first use by scanning the ikey range in
// reverse.
func (t *Tree) allocateI() (uint64, error) {
	if !t.haveNext {
		start, end, err := keyspace.IKeyRange(t.name)
		if err != nil {
			return 0, err
		}
		it := t.store.NewIterator(rangeOf(start, end), true)
		if it.Next() {
			key := it.Key()
			raw := key[len(key)-t.iSize:]
			t.nextISeq = decodeBigEndian(raw)
		}
		if err := it.Error(); err != nil {
			it.Release()
			return 0, err
		}
		it.Release()
		t.haveNext = true
	}
	t.nextISeq++
	return t.nextISeq, nil
}

func decodeBigEndian(b []byte) uint64 {
	var x uint64
	for _, c := range b {
		x = x<<8 | uint64(c)
	}
	return x
}
