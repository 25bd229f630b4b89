// Package wire implements the framing a Merge Tree expects on a data
// channel: a small JSON handshake record, then length-delimited records,
// one per item. Each item record's payload is the item's JSON encoding
// (EncodeItem/DecodeItem); it is not the canonical body encoding that
// version derivation hashes.
//
// The core does not own the socket; it only produces and consumes these
// records. This package is the thin codec a host process
// (cmd/perspectived) wraps around a net.Conn or websocket.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxRecordSize guards against a corrupt or malicious length prefix
// causing an unbounded allocation.
const maxRecordSize = 64 << 20

// Handshake is the small JSON request/response preceding the binary
// stream: a data request carrying either a bool or a version string.
// The start point is carried by two fields: StartFromBeginning (true
// meaning "from the beginning") or StartAfterVersion (meaning "resume
// after this version"); callers set exactly one of them.
//
// Perspective and Direction identify what the connection is for, since
// the core exposes one read stream and one write stream per peer and a
// host process needs a cheap way to tell them apart on one listener;
// neither field is part of the per-item framing itself.
type Handshake struct {
	Perspective string `json:"perspective,omitempty"`
	Direction   string `json:"direction,omitempty"`

	StartFromBeginning bool   `json:"start_from_beginning,omitempty"`
	StartAfterVersion  string `json:"start_after_version,omitempty"`
}

// Direction values a Handshake.Direction may carry.
const (
	DirectionPush  = "push"  // peer is sending items for a remote perspective
	DirectionPull  = "pull"  // peer wants to read the local tree
	DirectionStats = "stats" // peer wants a one-shot stats snapshot
	DirectionMerge = "merge" // peer wants to trigger an immediate merge pass
)

// WriteHandshake writes h as a length-prefixed JSON record.
func WriteHandshake(w io.Writer, h Handshake) error {
	b, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("wire: marshaling handshake: %w", err)
	}
	return writeRecord(w, b)
}

// ReadHandshake reads a length-prefixed JSON handshake record.
func ReadHandshake(r io.Reader) (Handshake, error) {
	b, err := readRecord(r)
	if err != nil {
		return Handshake{}, err
	}
	var h Handshake
	if err := json.Unmarshal(b, &h); err != nil {
		return Handshake{}, fmt.Errorf("wire: unmarshaling handshake: %w", err)
	}
	return h, nil
}

// Writer writes a stream of length-delimited item records to an
// underlying io.Writer. It only frames bytes already produced by the
// caller (for items, the payload from EncodeItem).
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteRecord frames and writes one record.
func (w *Writer) WriteRecord(b []byte) error {
	return writeRecord(w.w, b)
}

// Reader reads a stream of length-delimited item records.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// ReadRecord reads one record, or returns io.EOF when the stream ends
// cleanly between records.
func (r *Reader) ReadRecord() ([]byte, error) {
	return readRecord(r.r)
}

func writeRecord(w io.Writer, b []byte) error {
	if len(b) > maxRecordSize {
		return fmt.Errorf("wire: record of %d bytes exceeds limit %d", len(b), maxRecordSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: writing record length: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("wire: writing record body: %w", err)
	}
	return nil
}

func readRecord(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxRecordSize {
		return nil, fmt.Errorf("wire: record of %d bytes exceeds limit %d", n, maxRecordSize)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("wire: reading record body: %w", err)
	}
	return b, nil
}
