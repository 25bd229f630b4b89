package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/nicolagi/perspectivedb/tree"
	"github.com/nicolagi/perspectivedb/wire"
)

// handleConn reads one handshake and then services the connection
// according to its direction: one data-channel read stream, one
// data-channel write stream, plus the two operator controls (stats,
// merge), all multiplexed onto the same listener so a host deployment
// needs only one open port.
func (d *daemon) handleConn(conn net.Conn) error {
	h, err := wire.ReadHandshake(conn)
	if err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	switch h.Direction {
	case wire.DirectionPush:
		return d.servePush(conn, h)
	case wire.DirectionPull:
		return d.servePull(conn, h)
	case wire.DirectionStats:
		return d.serveStats(conn)
	case wire.DirectionMerge:
		return d.serveMerge(conn)
	default:
		return fmt.Errorf("unknown direction %q", h.Direction)
	}
}

// servePush reads items off the connection and writes them to the named
// perspective's remote write stream, until the peer closes the
// connection.
func (d *daemon) servePush(conn net.Conn, h wire.Handshake) error {
	ws, err := d.mt.CreateRemoteWriteStream(h.Perspective, d.hooks)
	if err != nil {
		return err
	}
	r := wire.NewReader(conn)
	for {
		b, err := r.ReadRecord()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading item record: %w", err)
		}
		it, err := wire.DecodeItem(b)
		if err != nil {
			return fmt.Errorf("decoding item: %w", err)
		}
		if _, err := ws.Write(it); err != nil {
			return fmt.Errorf("writing item %s/%s: %w", it.ID, it.V, err)
		}
	}
}

// servePull streams the local tree to the peer in insertion order,
// tailing for new items past what was already there, honoring the
// handshake's resume point.
func (d *daemon) servePull(conn net.Conn, h wire.Handshake) error {
	opts := tree.StreamOptions{Tail: true}
	if !h.StartFromBeginning && h.StartAfterVersion != "" {
		opts.First = h.StartAfterVersion
		opts.ExcludeFirst = true
	}
	rs, err := d.mt.CreateReadStream(opts, nil)
	if err != nil {
		return err
	}
	defer func() { _ = rs.Close() }()

	w := wire.NewWriter(conn)
	for {
		it, err := rs.Next()
		if err != nil {
			return fmt.Errorf("reading local tree: %w", err)
		}
		if it == nil {
			return nil
		}
		b, err := wire.EncodeItem(it)
		if err != nil {
			return fmt.Errorf("encoding item %s/%s: %w", it.ID, it.V, err)
		}
		if err := w.WriteRecord(b); err != nil {
			return err
		}
	}
}

// serveStats answers a control connection with one JSON record carrying
// the current mergetree.Stats snapshot.
func (d *daemon) serveStats(conn net.Conn) error {
	stats, err := d.mt.Stats()
	if err != nil {
		return err
	}
	b, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return wire.NewWriter(conn).WriteRecord(b)
}

// serveMerge runs one non-tailing pass of the merge pipeline on demand
// and reports how many events it produced.
func (d *daemon) serveMerge(conn net.Conn) error {
	s, err := d.mt.StartMerge(false)
	if err != nil {
		return err
	}
	var n int
	for {
		_, ok, err := s.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		n++
	}
	b, err := json.Marshal(struct {
		Events int `json:"events"`
	}{Events: n})
	if err != nil {
		return err
	}
	return wire.NewWriter(conn).WriteRecord(b)
}
