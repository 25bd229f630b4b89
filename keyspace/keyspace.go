// Package keyspace implements the byte-exact key encoding a Tree uses
// within the shared ordered KV store. A reimplementation matching these
// layouts byte for byte interoperates with existing databases, so this
// package has no behavior beyond composing and parsing the five key
// subtypes, deliberately kept free of any storage or DAG-validation
// logic.
package keyspace

import (
	"encoding/binary"
	"fmt"
)

// Subtype codes.
const (
	DSKey   byte = 0x01
	IKey    byte = 0x02
	HeadKey byte = 0x03
	VKey    byte = 0x04
	USKey   byte = 0x05
)

// MaxNameLength bounds a Tree (perspective) name to 254 bytes.
const MaxNameLength = 254

// Headval option bits.
const (
	OptConflict byte = 0x01
	OptDelete   byte = 0x02
)

// Prefix returns the Tree prefix shared by every key this Tree produces:
// len(name) || name || 0x00 || type.
func Prefix(name string, subtype byte) ([]byte, error) {
	if len(name) > MaxNameLength {
		return nil, fmt.Errorf("keyspace: name %q exceeds %d bytes", name, MaxNameLength)
	}
	buf := make([]byte, 0, 1+len(name)+1+1)
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = append(buf, 0x00)
	buf = append(buf, subtype)
	return buf, nil
}

// fixedWidth encodes x as a big-endian value occupying exactly size bytes
// (size <= 8). size is validated by callers (vSize/iSize are bounded to
// [1,6] by the tree package).
func fixedWidth(x uint64, size int) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], x)
	return tmp[8-size:]
}

func decodeFixedWidth(b []byte) uint64 {
	var tmp [8]byte
	copy(tmp[8-len(b):], b)
	return binary.BigEndian.Uint64(tmp[:])
}

// DSKeyBytes composes a dskey: prefix || len(id) || id || 0x00 || iSize || i.
func DSKeyBytes(name string, id string, i uint64, iSize int) ([]byte, error) {
	prefix, err := Prefix(name, DSKey)
	if err != nil {
		return nil, err
	}
	if len(id) > 0xff {
		return nil, fmt.Errorf("keyspace: id %q exceeds 255 bytes", id)
	}
	buf := make([]byte, 0, len(prefix)+1+len(id)+1+iSize)
	buf = append(buf, prefix...)
	buf = append(buf, byte(len(id)))
	buf = append(buf, id...)
	buf = append(buf, 0x00)
	buf = append(buf, fixedWidth(i, iSize)...)
	return buf, nil
}

// IKeyBytes composes an ikey: prefix || iSize || i.
func IKeyBytes(name string, i uint64, iSize int) ([]byte, error) {
	prefix, err := Prefix(name, IKey)
	if err != nil {
		return nil, err
	}
	return append(prefix, fixedWidth(i, iSize)...), nil
}

// HeadKeyBytes composes a headkey: prefix || len(id) || id || 0x00 || vSize || v.
func HeadKeyBytes(name string, id string, v []byte, vSize int) ([]byte, error) {
	prefix, err := Prefix(name, HeadKey)
	if err != nil {
		return nil, err
	}
	if len(id) > 0xff {
		return nil, fmt.Errorf("keyspace: id %q exceeds 255 bytes", id)
	}
	buf := make([]byte, 0, len(prefix)+1+len(id)+1+vSize)
	buf = append(buf, prefix...)
	buf = append(buf, byte(len(id)))
	buf = append(buf, id...)
	buf = append(buf, 0x00)
	buf = append(buf, padOrTrim(v, vSize)...)
	return buf, nil
}

// HeadKeyRange returns the [start,end) range of all headkeys for id within
// the named Tree: len prefix, then id bytes, then the 0x00 terminator,
// with the range's exclusive upper bound formed by appending 0xff.
func HeadKeyRange(name string, id string) ([]byte, []byte, error) {
	prefix, err := Prefix(name, HeadKey)
	if err != nil {
		return nil, nil, err
	}
	if len(id) > 0xff {
		return nil, nil, fmt.Errorf("keyspace: id %q exceeds 255 bytes", id)
	}
	start := make([]byte, 0, len(prefix)+1+len(id)+1)
	start = append(start, prefix...)
	start = append(start, byte(len(id)))
	start = append(start, id...)
	start = append(start, 0x00)
	end := make([]byte, len(start))
	copy(end, start)
	end = append(end, 0xff)
	return start, end, nil
}

// HeadKeyTreeRange returns the range of every headkey in the Tree,
// regardless of id, used to recover head counts during diagnostics.
func HeadKeyTreeRange(name string) ([]byte, []byte, error) {
	prefix, err := Prefix(name, HeadKey)
	if err != nil {
		return nil, nil, err
	}
	end := append(append([]byte{}, prefix...), 0xff)
	return prefix, end, nil
}

// VKeyBytes composes a vkey: prefix || vSize || v.
func VKeyBytes(name string, v []byte, vSize int) ([]byte, error) {
	prefix, err := Prefix(name, VKey)
	if err != nil {
		return nil, err
	}
	return append(prefix, padOrTrim(v, vSize)...), nil
}

// USKeyBytes composes a uskey: prefix || len(pe) || pe || 0x00 || iSize || i.
func USKeyBytes(name string, pe string, i uint64, iSize int) ([]byte, error) {
	prefix, err := Prefix(name, USKey)
	if err != nil {
		return nil, err
	}
	if len(pe) > 0xff {
		return nil, fmt.Errorf("keyspace: perspective %q exceeds 255 bytes", pe)
	}
	buf := make([]byte, 0, len(prefix)+1+len(pe)+1+iSize)
	buf = append(buf, prefix...)
	buf = append(buf, byte(len(pe)))
	buf = append(buf, pe...)
	buf = append(buf, 0x00)
	buf = append(buf, fixedWidth(i, iSize)...)
	return buf, nil
}

// IKeyRange returns the [start,end) range of every ikey in the Tree, for
// reverse-scanning to recover the insertion counter or for forward
// insertion-order streaming.
func IKeyRange(name string) ([]byte, []byte, error) {
	prefix, err := Prefix(name, IKey)
	if err != nil {
		return nil, nil, err
	}
	end := append(append([]byte{}, prefix...), 0xff)
	return prefix, end, nil
}

// IKeyRangeFrom returns the [start,end) range of ikeys with i in [from, to]
// (to == nil means unbounded).
func IKeyRangeFrom(name string, from uint64, iSize int, to *uint64) ([]byte, []byte, error) {
	start, err := IKeyBytes(name, from, iSize)
	if err != nil {
		return nil, nil, err
	}
	if to == nil {
		_, end, err := IKeyRange(name)
		return start, end, err
	}
	endKey, err := IKeyBytes(name, *to, iSize)
	if err != nil {
		return nil, nil, err
	}
	endKey = append(endKey, 0xff)
	return start, endKey, nil
}

func padOrTrim(v []byte, size int) []byte {
	if len(v) == size {
		return v
	}
	out := make([]byte, size)
	if len(v) > size {
		copy(out, v[len(v)-size:])
	} else {
		copy(out[size-len(v):], v)
	}
	return out
}

// HeadVal composes the headval: optByte || iSize || i.
func HeadVal(conflict, deleted bool, i uint64, iSize int) []byte {
	var opt byte
	if conflict {
		opt |= OptConflict
	}
	if deleted {
		opt |= OptDelete
	}
	buf := make([]byte, 0, 1+iSize)
	buf = append(buf, opt)
	buf = append(buf, fixedWidth(i, iSize)...)
	return buf
}

// ParseHeadVal decodes a headval back to its fields.
func ParseHeadVal(b []byte) (conflict, deleted bool, i uint64, err error) {
	if len(b) < 1 {
		return false, false, 0, fmt.Errorf("keyspace: headval too short: %d bytes", len(b))
	}
	opt := b[0]
	i = decodeFixedWidth(b[1:])
	return opt&OptConflict != 0, opt&OptDelete != 0, i, nil
}

// ParseDSKeyID extracts the id component from a dskey produced by this
// package (used by iteration code that only has the raw key bytes).
func ParseDSKeyID(key []byte, nameLen int) (id string, i uint64, err error) {
	// key layout: len(name)[1] name[nameLen] 0x00[1] type[1] len(id)[1] id[...] 0x00[1] iSize-encoded i
	offset := 1 + nameLen + 1 + 1
	if len(key) <= offset {
		return "", 0, fmt.Errorf("keyspace: dskey too short")
	}
	idLen := int(key[offset])
	offset++
	if len(key) < offset+idLen+1 {
		return "", 0, fmt.Errorf("keyspace: dskey truncated")
	}
	id = string(key[offset : offset+idLen])
	offset += idLen + 1 // skip terminator
	i = decodeFixedWidth(key[offset:])
	return id, i, nil
}
