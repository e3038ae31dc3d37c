package queue_test

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/vqueue/queue"
)

func TestAttributesKeepInsertionOrder(t *testing.T) {
	var attrs queue.Attributes
	attrs.Set("zeta", queue.StringAttribute("1"))
	attrs.Set("alpha", queue.NumberAttribute("2"))
	attrs.Set("mid", queue.BinaryAttribute([]byte{0x1}))
	attrs.Set("zeta", queue.StringAttribute("overwritten"))

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, attrs.Names())

	v, ok := attrs.String("zeta")
	require.True(t, ok)
	assert.Equal(t, "overwritten", v)

	attrs.Delete("alpha")
	assert.Equal(t, []string{"zeta", "mid"}, attrs.Names())
	assert.Equal(t, 2, attrs.Len())

	var seen []string
	for name := range attrs.All() {
		seen = append(seen, name)
	}
	assert.Equal(t, attrs.Names(), seen)
}

func TestAttributesStringOnlyForStringKinds(t *testing.T) {
	attrs := queue.NewAttributes("a", "x")
	attrs.Set("bin", queue.BinaryAttribute([]byte("x")))
	attrs.Set("list", queue.StringListAttribute("x", "y"))

	_, ok := attrs.String("bin")
	assert.False(t, ok)
	_, ok = attrs.String("list")
	assert.False(t, ok)
	_, ok = attrs.String("missing")
	assert.False(t, ok)

	var zero queue.Attributes
	assert.Equal(t, 0, zero.Len())
	assert.False(t, zero.Has("a"))
}

func TestAttributesCloneIsDeep(t *testing.T) {
	var attrs queue.Attributes
	attrs.Set("bin", queue.BinaryAttribute([]byte("abc")))
	attrs.Set("list", queue.BinaryListAttribute([]byte("x"), []byte("y")))

	clone := attrs.Clone()
	require.True(t, clone.Equal(attrs))

	v, _ := attrs.Get("bin")
	v.BinaryValue[0] = 'z'
	clone.Set("extra", queue.StringAttribute("e"))

	cv, _ := clone.Get("bin")
	assert.Equal(t, []byte("abc"), cv.BinaryValue)
	assert.False(t, attrs.Has("extra"))
}

func TestAttributesJSONPreservesOrderAndKinds(t *testing.T) {
	var attrs queue.Attributes
	attrs.Set("z-string", queue.StringAttribute("PING"))
	attrs.Set("a-number", queue.NumberAttribute("42"))
	attrs.Set("m-binary", queue.BinaryAttribute([]byte{0, 1, 2}))
	attrs.Set("b-strings", queue.StringListAttribute("x", "y"))
	attrs.Set("c-custom", queue.AttributeValue{DataType: "String.trace", Kind: queue.KindString, StringValue: "t"})

	data, err := json.Marshal(attrs)
	require.NoError(t, err)

	var decoded queue.Attributes
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Equal(attrs))
	assert.True(t, slices.Equal(attrs.Names(), decoded.Names()))
}

func TestAttributeKindText(t *testing.T) {
	for _, kind := range []queue.AttributeKind{
		queue.KindString, queue.KindBinary, queue.KindStringList, queue.KindBinaryList,
	} {
		text, err := kind.MarshalText()
		require.NoError(t, err)

		var back queue.AttributeKind
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, kind, back)
	}

	var k queue.AttributeKind
	require.Error(t, k.UnmarshalText([]byte("nope")))
}

func TestAttributesSelect(t *testing.T) {
	attrs := queue.NewAttributes("a", "1", "b", "2", "c", "3")

	testCases := []struct {
		name  string
		names []string
		want  []string
	}{
		{name: "all", names: []string{queue.AllAttributes}, want: []string{"a", "b", "c"}},
		{name: "subset keeps order", names: []string{"c", "a"}, want: []string{"a", "c"}},
		{name: "unknown names", names: []string{"x"}, want: nil},
		{name: "nothing requested", names: nil, want: nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, attrs.Select(tc.names).Names())
		})
	}
}
