// Package hook implements the opaque transform abstraction shared by read
// filters, import/export transforms, and archive sinks: a hook is a
// function (store, item, options) -> Option<item>, run in declared
// order, where the first nil result short-circuits the chain.
package hook

import (
	"fmt"

	"github.com/nicolagi/perspectivedb/item"
)

// Store is the minimal read-only handle a hook may consult for ancillary
// lookups, kept separate from kv.Store/tree.Tree so this package has no
// dependency on either.
type Store interface {
	GetByVersion(v string) (*item.Item, error)
}

// Options carries whatever per-call context a hook needs (e.g. which
// perspective an import/export is running for). Hooks that don't need it
// may ignore it.
type Options map[string]interface{}

// Func is a single hook: given the item and options, it returns the
// (possibly transformed) item to keep, or nil to drop it.
type Func func(store Store, it *item.Item, opts Options) *item.Item

// Chain runs fns in order; the first Func to return nil short-circuits
// and the chain result is nil. Each Func receives whatever the previous
// one returned.
type Chain []Func

// Run applies the chain to it, returning nil if any Func drops it.
func (c Chain) Run(store Store, it *item.Item, opts Options) *item.Item {
	for _, fn := range c {
		if it == nil {
			return nil
		}
		it = fn(store, it, opts)
	}
	return it
}

// Equals returns a Func that drops items whose body[attr] is not equal
// (by fmt.Sprint comparison) to value.
func Equals(attr string, value interface{}) Func {
	return func(_ Store, it *item.Item, _ Options) *item.Item {
		if it == nil {
			return nil
		}
		v, ok := it.Body[attr]
		if !ok {
			return nil
		}
		if !equal(v, value) {
			return nil
		}
		return it
	}
}

// All combines predicates with logical AND: an item survives only if
// every fn in fns keeps it.
func All(fns ...Func) Func {
	return func(store Store, it *item.Item, opts Options) *item.Item {
		for _, fn := range fns {
			it = fn(store, it, opts)
			if it == nil {
				return nil
			}
		}
		return it
	}
}

// Any combines predicates with logical OR: an item survives if at least
// one fn keeps it; the first surviving transform's result is returned.
func Any(fns ...Func) Func {
	return func(store Store, it *item.Item, opts Options) *item.Item {
		for _, fn := range fns {
			if out := fn(store, it, opts); out != nil {
				return out
			}
		}
		return nil
	}
}

func equal(a, b interface{}) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
