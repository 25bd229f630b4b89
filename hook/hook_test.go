package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nicolagi/perspectivedb/item"
)

type nullStore struct{}

func (nullStore) GetByVersion(string) (*item.Item, error) { return nil, nil }

func TestEqualsFiltersOnAttribute(t *testing.T) {
	fn := Equals("kind", "doc")
	keep := &item.Item{Body: map[string]interface{}{"kind": "doc"}}
	drop := &item.Item{Body: map[string]interface{}{"kind": "other"}}
	missing := &item.Item{Body: map[string]interface{}{}}

	assert.Equal(t, keep, fn(nullStore{}, keep, nil))
	assert.Nil(t, fn(nullStore{}, drop, nil))
	assert.Nil(t, fn(nullStore{}, missing, nil))
}

func TestChainShortCircuitsOnFirstDrop(t *testing.T) {
	calls := 0
	never := func(_ Store, it *item.Item, _ Options) *item.Item {
		calls++
		return it
	}
	c := Chain{Equals("kind", "doc"), never}
	out := c.Run(nullStore{}, &item.Item{Body: map[string]interface{}{"kind": "other"}}, nil)
	assert.Nil(t, out)
	assert.Equal(t, 0, calls)
}

func TestAllRequiresEveryPredicate(t *testing.T) {
	fn := All(Equals("a", 1), Equals("b", 2))
	ok := &item.Item{Body: map[string]interface{}{"a": 1, "b": 2}}
	bad := &item.Item{Body: map[string]interface{}{"a": 1, "b": 3}}
	assert.NotNil(t, fn(nullStore{}, ok, nil))
	assert.Nil(t, fn(nullStore{}, bad, nil))
}

func TestAnyRequiresOnePredicate(t *testing.T) {
	fn := Any(Equals("a", 1), Equals("b", 2))
	first := &item.Item{Body: map[string]interface{}{"a": 1}}
	second := &item.Item{Body: map[string]interface{}{"b": 2}}
	neither := &item.Item{Body: map[string]interface{}{"c": 3}}
	assert.NotNil(t, fn(nullStore{}, first, nil))
	assert.NotNil(t, fn(nullStore{}, second, nil))
	assert.Nil(t, fn(nullStore{}, neither, nil))
}
