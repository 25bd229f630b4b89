// Package merge implements the three-way merger: given a new head, an
// optional local head, and their lowest common ancestors, it produces
// either a merged item or a set of conflicting attributes.
package merge

import (
	"fmt"
	"sort"

	"github.com/nicolagi/perspectivedb/item"
)

// Result is the outcome of a three-way merge: exactly one of
// Item or Conflicts is set.
type Result struct {
	Item      *item.Item
	Conflicts []string
}

// Getter resolves a version to its item, used to walk ancestors when
// finding the lowest common ancestors of two heads.
type Getter func(v string) (*item.Item, error)

// Merge runs the three-way merger. lcas may be empty (no
// common history). vSize sizes the derived merge version.
func Merge(n, l *item.Item, lcas []*item.Item, vSize int) (Result, error) {
	if l == nil {
		return Result{Item: n}, nil
	}
	if l.V == n.V {
		return Result{Item: l}, nil
	}
	for _, p := range n.PA {
		if p == l.V {
			return Result{Item: n}, nil
		}
	}

	base := mergeBase(lcas)
	conflicts := diffAttributes(n, l, base)
	if len(conflicts) > 0 {
		return Result{Conflicts: conflicts}, nil
	}

	merged := mergedItem(n, l, base, vSize)
	return Result{Item: merged}, nil
}

// mergeBase folds multiple LCA bodies into a single reference point,
// treating the union of their attributes as one set of keys/values. When
// there is more than one LCA, the value from the last LCA in the list
// that has the key wins (nil values included), since any deeper ambiguity is exactly what the three-way
// merge is meant to surface as a conflict on the affected attribute, not
// hide silently.
func mergeBase(lcas []*item.Item) map[string]interface{} {
	if len(lcas) == 0 {
		return nil
	}
	out := make(map[string]interface{})
	for _, a := range lcas {
		for k, v := range a.Body {
			out[k] = v
		}
	}
	return out
}

// diffAttributes computes, for each key touched by either side relative
// to base, whether it is a conflict: a change on both sides to different
// values is a conflict; tombstones are wholesale deletion, conflicting
// with any non-delete edit on the other side.
func diffAttributes(n, l *item.Item, base map[string]interface{}) []string {
	if n.D != l.D {
		return []string{"*"}
	}
	if n.D && l.D {
		return nil
	}

	keys := make(map[string]struct{})
	for k := range n.Body {
		keys[k] = struct{}{}
	}
	for k := range l.Body {
		keys[k] = struct{}{}
	}
	for k := range base {
		keys[k] = struct{}{}
	}

	var conflicts []string
	for k := range keys {
		bv, hasBase := base[k]
		nv, hasN := n.Body[k]
		lv, hasL := l.Body[k]

		nChanged := changedFromBase(hasBase, bv, hasN, nv)
		lChanged := changedFromBase(hasBase, bv, hasL, lv)

		if nChanged && lChanged && !valuesEqual(hasN, nv, hasL, lv) {
			conflicts = append(conflicts, k)
		}
	}
	sort.Strings(conflicts)
	return conflicts
}

// changedFromBase reports whether a side's value for a key differs from
// the merge base, where "absent" is itself a distinct value from "present".
func changedFromBase(hasBase bool, base interface{}, hasSide bool, side interface{}) bool {
	if hasBase != hasSide {
		return true
	}
	if !hasBase {
		return false
	}
	return !equalValue(base, side)
}

func valuesEqual(hasA bool, a interface{}, hasB bool, b interface{}) bool {
	if hasA != hasB {
		return false
	}
	if !hasA {
		return true
	}
	return equalValue(a, b)
}

func equalValue(a, b interface{}) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// mergedItem builds the merged item: its body takes N's value for
// attributes changed only on N's side, L's value for attributes changed
// only on L's side, base's value otherwise; pa is the sorted union of
// {N.v, L.v}; version is re-derived; pe is cleared (the merge item
// belongs to no single perspective).
func mergedItem(n, l *item.Item, base map[string]interface{}, vSize int) *item.Item {
	body := make(map[string]interface{})
	keys := make(map[string]struct{})
	for k := range n.Body {
		keys[k] = struct{}{}
	}
	for k := range l.Body {
		keys[k] = struct{}{}
	}
	for k := range base {
		keys[k] = struct{}{}
	}
	for k := range keys {
		bv, hasBase := base[k]
		nv, hasN := n.Body[k]
		lv, hasL := l.Body[k]
		nChanged := changedFromBase(hasBase, bv, hasN, nv)
		lChanged := changedFromBase(hasBase, bv, hasL, lv)
		switch {
		case nChanged:
			if hasN {
				body[k] = nv
			}
		case lChanged:
			if hasL {
				body[k] = lv
			}
		case hasBase:
			body[k] = bv
		}
	}

	pa := sortedUnion(n.V, l.V)
	h := item.Header{ID: n.ID, PA: pa}
	h.V = item.DeriveVersion(body, pa, vSize)
	return &item.Item{Header: h, Body: body}
}

func sortedUnion(a, b string) []string {
	if a == b {
		return []string{a}
	}
	pa := []string{a, b}
	sort.Strings(pa)
	return pa
}
