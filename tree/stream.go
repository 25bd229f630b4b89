package tree

import (
	"fmt"
	"time"

	"github.com/nicolagi/perspectivedb/item"
	"github.com/nicolagi/perspectivedb/keyspace"
)

// StreamOptions configures InsertionOrderStream. First/Last are versions
// bounding the walk
// (inclusive unless the matching Exclude* flag is set). Tail keeps the
// stream open past the end of the current data, re-opening the
// underlying cursor every TailRetryMS and tracking the last emitted
// version so each reopen excludes what was already delivered. Tail is
// mutually exclusive with Last, ExcludeLast and Reverse.
type StreamOptions struct {
	ID           string
	First        string
	Last         string
	ExcludeFirst bool
	ExcludeLast  bool
	Reverse      bool
	Tail         bool
	TailRetryMS  int
}

func (o StreamOptions) validate() error {
	if o.Tail {
		if o.Last != "" {
			return fmt.Errorf("tree: tail is mutually exclusive with last")
		}
		if o.ExcludeLast {
			return fmt.Errorf("tree: tail is mutually exclusive with exclude_last")
		}
		if o.Reverse {
			return fmt.Errorf("tree: tail is mutually exclusive with reverse")
		}
	}
	return nil
}

// Stream is a lazy, closeable sequence of items in insertion order. Next
// blocks (subject to ctx-free retry sleeping only in tail mode) until an
// item is available, an error occurs, or the stream is exhausted/closed.
type Stream struct {
	t    *Tree
	opts StreamOptions

	closed  chan struct{}
	items   chan *item.Item
	errc    chan error
	lastV   string
	started bool
}

// InsertionOrderStream returns a Stream walking t in insertion order per
// opts.
func (t *Tree) InsertionOrderStream(opts StreamOptions) (*Stream, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	s := &Stream{
		t:      t,
		opts:   opts,
		closed: make(chan struct{}),
		items:  make(chan *item.Item),
		errc:   make(chan error, 1),
	}
	go s.run()
	return s, nil
}

// Close stops the stream immediately; it does not first drain the current
// cursor. The background scan exits at its next hand-off to Next or its
// next tail retry wait.
func (s *Stream) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

// Next blocks until the next item is available, returning (nil, nil) when
// the stream is exhausted (non-tailing) or closed.
func (s *Stream) Next() (*item.Item, error) {
	select {
	case it, ok := <-s.items:
		if !ok {
			select {
			case err := <-s.errc:
				return nil, err
			default:
				return nil, nil
			}
		}
		s.lastV = it.V
		return it, nil
	case <-s.closed:
		return nil, nil
	}
}

func (s *Stream) run() {
	defer close(s.items)
	retry := time.Duration(s.opts.TailRetryMS) * time.Millisecond
	if retry <= 0 {
		retry = 10 * time.Millisecond
	}
	for {
		more, err := s.passOnce()
		if err != nil {
			s.errc <- err
			return
		}
		if !s.opts.Tail {
			return
		}
		if !more {
			select {
			case <-s.closed:
				return
			case <-time.After(retry):
			}
		}
	}
}

// passOnce scans the ikey range once, emitting every qualifying item. It
// returns more=true if at least one item was emitted (so a tailing caller
// need not wait out the full retry interval before trying again).
func (s *Stream) passOnce() (more bool, err error) {
	start, end, err := keyspace.IKeyRange(s.t.name)
	if err != nil {
		return false, err
	}

	it := s.t.store.NewIterator(rangeOf(start, end), s.opts.Reverse)
	defer it.Release()

	sawFirst := s.opts.First == ""
	s.started = false
	for it.Next() {
		headKeyBytes := it.Value()
		v := headKeyBytes[len(headKeyBytes)-s.t.vSize:]
		vs := item.EncodeVersion(v)

		if s.opts.Tail && s.lastV != "" && !s.started {
			if vs == s.lastV {
				s.started = true
				sawFirst = true
			}
			continue
		}

		if !sawFirst {
			if vs != s.opts.First {
				continue
			}
			sawFirst = true
			if s.opts.ExcludeFirst {
				continue
			}
		}

		dsKey, err := dsKeyFromHeadKeyValue(s.t, headKeyBytes)
		if err != nil {
			return more, err
		}
		raw, err := s.t.store.Get(dsKey)
		if err != nil {
			return more, err
		}
		resolved, err := decodeItem(raw)
		if err != nil {
			return more, err
		}

		if s.opts.ID != "" && resolved.ID != s.opts.ID {
			if s.opts.Last != "" && vs == s.opts.Last {
				break
			}
			continue
		}

		isLast := s.opts.Last != "" && vs == s.opts.Last
		if isLast && s.opts.ExcludeLast {
			break
		}

		select {
		case s.items <- resolved:
			more = true
			s.lastV = vs
			s.started = true
		case <-s.closed:
			return more, nil
		}

		if isLast {
			break
		}
	}
	return more, it.Error()
}

// dsKeyFromHeadKeyValue resolves an ikey's headkey-shaped value back to the
// dskey it ultimately points at: the ikey value carries (id,v) as headkey
// bytes, so id is recovered from it and used to rebuild the dskey.
func dsKeyFromHeadKeyValue(t *Tree, headKeyBytes []byte) ([]byte, error) {
	id, err := idFromHeadKey(headKeyBytes, len(t.name))
	if err != nil {
		return nil, err
	}
	headVal, err := t.store.Get(headKeyBytes)
	if err != nil {
		if err == ErrNotFound {
			// Head has been superseded (no longer a live head) but the
			// ikey entry it was written against is still valid history;
			// fall back to resolving via the version embedded in the
			// headkey bytes directly, since dskey lookup only needs (id,i)
			// or (v), not liveness.
			v := headKeyBytes[len(headKeyBytes)-t.vSize:]
			vKey, err := keyspace.VKeyBytes(t.name, v, t.vSize)
			if err != nil {
				return nil, err
			}
			return t.store.Get(vKey)
		}
		return nil, err
	}
	_, _, i, err := keyspace.ParseHeadVal(headVal)
	if err != nil {
		return nil, err
	}
	return keyspace.DSKeyBytes(t.name, id, i, t.iSize)
}
