package ds

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_AddContains(t *testing.T) {
	s := NewStringSet("a", "b")
	s.Add("c")
	s.Add("a") // duplicate is a no-op

	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Contains("a"))
	assert.True(t, s.Contains("c"))
	assert.False(t, s.Contains("x"))
	assert.Equal(t, []string{"a", "b", "c"}, s.Values())
}

func TestSet_Remove(t *testing.T) {
	s := NewStringSet("a", "b", "c")
	s.Remove("b", "x")

	assert.Equal(t, []string{"a", "c"}, s.Values())
	assert.False(t, s.Contains("b"))
}

func TestSet_OrderPreserved(t *testing.T) {
	s := NewSet[int]()
	s.Extend(3, 1, 2)
	s.Remove(1)
	s.Add(1)

	assert.Equal(t, []int{3, 2, 1}, s.Values())
}

func TestSet_Eq(t *testing.T) {
	assert.True(t, NewStringSet("a", "b").Eq(NewStringSet("b", "a")))
	assert.False(t, NewStringSet("a").Eq(NewStringSet("a", "b")))
	assert.True(t, NewStringSet("a", "b").EqValues("a", "b"))
}

func TestSet_JSON(t *testing.T) {
	s := NewStringSet("b", "a")
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `["b","a"]`, string(data))

	var out StringSet
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, []string{"b", "a"}, out.Values())
}
