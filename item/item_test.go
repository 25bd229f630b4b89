package item

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsEmptyID(t *testing.T) {
	err := Validate(&Item{Header: Header{ID: ""}, Body: map[string]interface{}{}}, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestValidateRejectsOversizedID(t *testing.T) {
	id := make([]byte, MaxIDLength+1)
	err := Validate(&Item{Header: Header{ID: string(id)}, Body: map[string]interface{}{}}, 3)
	require.Error(t, err)
}

func TestValidateAcceptsWellFormedItem(t *testing.T) {
	v, err := RandomVersion(3)
	require.NoError(t, err)
	it := &Item{Header: Header{ID: "X", V: v}, Body: map[string]interface{}{"a": 1.0}}
	require.NoError(t, Validate(it, 3))
}

func TestValidateRejectsMalformedVersion(t *testing.T) {
	it := &Item{Header: Header{ID: "X", V: "not-base64!!"}, Body: map[string]interface{}{}}
	require.Error(t, Validate(it, 3))
}

func TestValidateAcceptsTombstoneWithoutBody(t *testing.T) {
	it := &Item{Header: Header{ID: "X", D: true}}
	require.NoError(t, Validate(it, 3))
}

func TestDeriveVersionDeterministic(t *testing.T) {
	body := map[string]interface{}{"b": 2.0, "a": 1.0}
	parents := []string{"Bbbb", "Aaaa"}
	v1 := DeriveVersion(body, parents, 3)
	v2 := DeriveVersion(body, parents, 3)
	assert.Equal(t, v1, v2)

	// Order of parents supplied shouldn't matter: DeriveVersion sorts them.
	v3 := DeriveVersion(body, []string{"Aaaa", "Bbbb"}, 3)
	assert.Equal(t, v1, v3)
}

func TestDeriveVersionChangesWithBody(t *testing.T) {
	v1 := DeriveVersion(map[string]interface{}{"a": 1.0}, nil, 3)
	v2 := DeriveVersion(map[string]interface{}{"a": 2.0}, nil, 3)
	assert.NotEqual(t, v1, v2)
}

func TestCanonicalizeKeyOrderIndependent(t *testing.T) {
	a := Canonicalize(map[string]interface{}{"z": 1.0, "a": 2.0})
	b := Canonicalize(map[string]interface{}{"a": 2.0, "z": 1.0})
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("canonical bytes differ despite same map (-a +b):\n%s", diff)
	}
}

func TestCanonicalizeIntegralFloatMatchesInt(t *testing.T) {
	a := Canonicalize(map[string]interface{}{"n": 3.0})
	b := Canonicalize(map[string]interface{}{"n": 3})
	assert.Equal(t, a, b)
}

func TestRandomVersionLength(t *testing.T) {
	v, err := RandomVersion(3)
	require.NoError(t, err)
	raw, err := DecodeVersion(v)
	require.NoError(t, err)
	assert.Len(t, raw, 3)
}

func TestItemCloneIsIndependent(t *testing.T) {
	orig := &Item{
		Header: Header{ID: "X", PA: []string{"a"}},
		Body:   map[string]interface{}{"k": "v"},
	}
	clone := orig.Clone()
	clone.PA[0] = "b"
	clone.Body["k"] = "changed"
	assert.Equal(t, "a", orig.PA[0])
	assert.Equal(t, "v", orig.Body["k"])
}
