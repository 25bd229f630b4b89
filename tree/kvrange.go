package tree

import "github.com/nicolagi/perspectivedb/kv"

func rangeOf(start, end []byte) kv.Range {
	return kv.Range{Start: start, Limit: end}
}
