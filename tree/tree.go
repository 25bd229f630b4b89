// Package tree implements a single perspective's DAG store: the local
// tree, the stage tree, or one remote tree. Key encoding, indexes,
// append/validate, and iteration all live here; mergetree composes several
// Trees together and never touches the kv store directly.
package tree

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/perspectivedb/item"
	"github.com/nicolagi/perspectivedb/keyspace"
	"github.com/nicolagi/perspectivedb/kv"
)

// Sentinel errors.
var (
	ErrInvalidHeader               = item.ErrInvalidHeader
	ErrVersionExistsForDifferentID = errors.New("tree: version exists for a different id")
	ErrMissingParents              = errors.New("tree: missing parents")
	ErrRootWhileHeadExists         = errors.New("tree: root write while a non-tombstone head exists")
	ErrNotFound                    = kv.ErrNotFound
)

// MissingParentsError carries the specific missing parent versions.
type MissingParentsError struct {
	ID      string
	Missing []string
}

func (e *MissingParentsError) Error() string {
	return fmt.Sprintf("tree: item %q missing parents %v", e.ID, e.Missing)
}

func (e *MissingParentsError) Unwrap() error { return ErrMissingParents }

// Tree is a single perspective's append-only DAG store, namespaced within a
// shared kv.Store by its own key prefix. Exactly one local tree, exactly
// one stage tree, and zero or more remote trees coexist in one physical
// KV store, each owning its own byte prefix.
type Tree struct {
	store kv.Store
	name  string
	vSize int
	iSize int

	mu       sync.Mutex // serializes append/del/set-conflict/set-delete: single-writer per Tree
	nextISeq uint64
	haveNext bool

	skipValidation bool
}

// Options configure a Tree. VSize/ISize default to 6 if zero.
type Options struct {
	VSize int
	ISize int

	// SkipValidation puts the Tree in recovery/repair mode: Del becomes
	// callable, and Append still computes indexes but forgoes the
	// DAG-connectivity checks.
	SkipValidation bool
}

// Open returns a Tree over the given kv.Store namespaced under name. name is
// the perspective label for a remote Tree, the reserved local/stage name
// otherwise; the caller (mergetree) is responsible for reserving those
// names.
func Open(store kv.Store, name string, opts Options) (*Tree, error) {
	if len(name) > keyspace.MaxNameLength {
		return nil, fmt.Errorf("tree: name %q exceeds %d bytes", name, keyspace.MaxNameLength)
	}
	vSize, iSize := opts.VSize, opts.ISize
	if vSize == 0 {
		vSize = 6
	}
	if iSize == 0 {
		iSize = 6
	}
	if vSize < 1 || vSize > 6 {
		return nil, fmt.Errorf("tree: vSize %d out of range [1,6]", vSize)
	}
	if iSize < 1 || iSize > 6 {
		return nil, fmt.Errorf("tree: iSize %d out of range [1,6]", iSize)
	}
	return &Tree{store: store, name: name, vSize: vSize, iSize: iSize, skipValidation: opts.SkipValidation}, nil
}

// Name returns the Tree's perspective label (empty for the local Tree).
func (t *Tree) Name() string { return t.name }

// VSize and ISize report the configured width, in bytes, of versions and
// insertion sequence numbers for this Tree.
func (t *Tree) VSize() int { return t.vSize }
func (t *Tree) ISize() int { return t.iSize }

func (t *Tree) logger() *log.Entry {
	return log.WithField("tree", t.name)
}
