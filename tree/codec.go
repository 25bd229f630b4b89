package tree

import (
	"encoding/json"

	"github.com/nicolagi/perspectivedb/item"
)

// wireItem is the on-disk shape of a dskey value: a small typed header
// plus an opaque body mapping, serialized as JSON rather than a binary
// codec dependency nothing else in this module needs.
type wireItem struct {
	ID string                 `json:"id"`
	V  string                 `json:"v"`
	PA []string               `json:"pa,omitempty"`
	PE string                 `json:"pe,omitempty"`
	I  uint64                 `json:"i"`
	C  bool                   `json:"c,omitempty"`
	D  bool                   `json:"d,omitempty"`
	B  map[string]interface{} `json:"b,omitempty"`
}

func encodeItem(it *item.Item) ([]byte, error) {
	w := wireItem{
		ID: it.ID,
		V:  it.V,
		PA: it.PA,
		PE: it.PE,
		I:  it.I,
		C:  it.C,
		D:  it.D,
		B:  it.Body,
	}
	return json.Marshal(w)
}

func decodeItem(b []byte) (*item.Item, error) {
	var w wireItem
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return &item.Item{
		Header: item.Header{
			ID: w.ID,
			V:  w.V,
			PA: w.PA,
			PE: w.PE,
			I:  w.I,
			C:  w.C,
			D:  w.D,
		},
		Body: w.B,
	}, nil
}
