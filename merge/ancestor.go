package merge

import (
	"fmt"

	"github.com/nicolagi/perspectivedb/item"
)

// maxAncestorIterations bounds the BFS: when no common ancestor is found
// within this many generations, FindLCAs gives up with an error rather
// than spinning forever.
const maxAncestorIterations = 1 << 12

// versionSet is the per-side frontier/history bookkeeping used while
// walking item parent pointers.
type versionSet map[string]*item.Item

func (a versionSet) merge(b versionSet) {
	for v, it := range b {
		a[v] = it
	}
}

func (a versionSet) intersectVersions(b versionSet) []string {
	var out []string
	for v := range a {
		if _, ok := b[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// FindLCAs returns every lowest common ancestor of a and b, walking
// parent pointers via get: frontier sets expanded one parent-generation
// at a time, checked for intersection with the opposing side's
// accumulated history before expanding further.
func FindLCAs(a, b *item.Item, get Getter) ([]*item.Item, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	if a.V == b.V {
		return []*item.Item{a}, nil
	}

	aFrontier := versionSet{a.V: a}
	bFrontier := versionSet{b.V: b}
	aHistory := make(versionSet)
	bHistory := make(versionSet)

	for i := 0; i < maxAncestorIterations; i++ {
		if common := aHistory.intersectVersions(bHistory); len(common) > 0 {
			return resolveAll(common, aHistory, bHistory), nil
		}
		aHistory.merge(aFrontier)
		bHistory.merge(bFrontier)

		if len(aFrontier) == 0 && len(bFrontier) == 0 {
			return nil, nil
		}

		next, err := expand(aFrontier, get)
		if err != nil {
			return nil, err
		}
		aFrontier = next
		next, err = expand(bFrontier, get)
		if err != nil {
			return nil, err
		}
		bFrontier = next
	}
	return nil, fmt.Errorf("merge: too many iterations finding common ancestor of %s and %s", a.V, b.V)
}

func expand(frontier versionSet, get Getter) (versionSet, error) {
	next := make(versionSet)
	for _, it := range frontier {
		for _, p := range it.PA {
			if _, ok := next[p]; ok {
				continue
			}
			parent, err := get(p)
			if err != nil {
				return nil, err
			}
			next[p] = parent
		}
	}
	return next, nil
}

func resolveAll(versions []string, a, b versionSet) []*item.Item {
	out := make([]*item.Item, 0, len(versions))
	for _, v := range versions {
		if it, ok := a[v]; ok {
			out = append(out, it)
		} else if it, ok := b[v]; ok {
			out = append(out, it)
		}
	}
	return out
}
