package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nicolagi/perspectivedb/diff"
	"github.com/nicolagi/perspectivedb/item"
)

const conflictDiffContextLines = 3

// DescribeConflict renders a human-readable rundown of a conflict between
// n and l over the given attributes, one unified-diff block per attribute.
func DescribeConflict(n, l *item.Item, attrs []string) string {
	var b strings.Builder
	sorted := append([]string(nil), attrs...)
	sort.Strings(sorted)
	for _, attr := range sorted {
		if attr == "*" {
			fmt.Fprintf(&b, "--- %s/%s: tombstone vs. edit\n", n.ID, n.V)
			continue
		}
		nv := renderAttr(n, attr)
		lv := renderAttr(l, attr)
		fmt.Fprintf(&b, "--- %s: local %s vs. remote %s\n", attr, l.V, n.V)
		out, err := diff.Unified(diff.StringNode(lv), diff.StringNode(nv), conflictDiffContextLines)
		if err != nil {
			fmt.Fprintf(&b, "<diff error: %v>\n", err)
			continue
		}
		b.WriteString(out)
	}
	return b.String()
}

func renderAttr(it *item.Item, attr string) string {
	v, ok := it.Body[attr]
	if !ok {
		return "<absent>"
	}
	return fmt.Sprint(v)
}
