// Package diff renders unified diffs between two pieces of text. It backs
// merge.DescribeConflict, which shows, per conflicting attribute, what each
// side changed relative to the other, the way a unified diff shows what
// changed between two file revisions.
package diff

// Node is a comparable, diffable piece of content. merge.DescribeConflict
// only ever diffs attribute values rendered to strings, so StringNode is
// the one implementation this package ships; Node stays an interface so a
// caller with a cheaper equality check for its own content type (say, one
// backed by a content hash) isn't forced through string comparison first.
type Node interface {
	// SameAs is a shortcut to comparing nodes without materializing their
	// content. Implementations with no such shortcut should return
	// (false, nil).
	SameAs(Node) (bool, error)

	// Content returns the content of the node.
	Content() (string, error)
}

// StringNode is a Node backed by an in-memory string.
type StringNode string

func (s StringNode) SameAs(node Node) (bool, error) {
	other, ok := node.(StringNode)
	if !ok {
		return false, nil
	}
	return string(s) == string(other), nil
}

func (s StringNode) Content() (string, error) {
	return string(s), nil
}
