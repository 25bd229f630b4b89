package wire

import (
	"encoding/json"

	"github.com/nicolagi/perspectivedb/item"
)

// wireItem mirrors the shape the tree package's own dskey codec uses, so
// the stored item's own serialization can be reused as-is for wire
// transport. It is kept private to this package so wire has no export
// surface beyond EncodeItem/DecodeItem.
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

// EncodeItem renders it as the byte payload for one wire record.
func EncodeItem(it *item.Item) ([]byte, error) {
	w := wireItem{ID: it.ID, V: it.V, PA: it.PA, PE: it.PE, I: it.I, C: it.C, D: it.D, B: it.Body}
	return json.Marshal(w)
}

// DecodeItem parses one wire record's payload back into an Item.
func DecodeItem(b []byte) (*item.Item, error) {
	var w wireItem
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return &item.Item{
		Header: item.Header{ID: w.ID, V: w.V, PA: w.PA, PE: w.PE, I: w.I, C: w.C, D: w.D},
		Body:   w.B,
	}, nil
}
