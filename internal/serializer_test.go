package internal_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pitabwire/vqueue/internal"
)

type pingPayload struct {
	Seq  int    `json:"seq"`
	Text string `json:"text"`
}

func TestMarshal(t *testing.T) {
	testCases := []struct {
		name     string
		input    any
		expected string
	}{
		{name: "nil input returns null", input: nil, expected: "null"},
		{name: "byte slice passes through", input: []byte("PING 1"), expected: "PING 1"},
		{name: "string passes through", input: "PING 2", expected: "PING 2"},
		{name: "raw json passes through", input: json.RawMessage(`{"k":"v"}`), expected: `{"k":"v"}`},
		{name: "struct encodes as json", input: pingPayload{Seq: 3, Text: "PING"}, expected: `{"seq":3,"text":"PING"}`},
		{name: "slice encodes as json", input: []string{"a", "b"}, expected: `["a","b"]`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := internal.Marshal(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, string(result))
		})
	}
}

func TestMarshalProtoIsText(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"name": "ping", "seq": 42})
	require.NoError(t, err)

	body, err := internal.Marshal(s)
	require.NoError(t, err)
	assert.True(t, json.Valid(body), "proto payloads must produce a text body")

	decoded := &structpb.Struct{}
	require.NoError(t, internal.Unmarshal(body, decoded))
	assert.Equal(t, "ping", decoded.GetFields()["name"].GetStringValue())
	assert.InDelta(t, float64(42), decoded.GetFields()["seq"].GetNumberValue(), 0.001)
}

func TestUnmarshal(t *testing.T) {
	testCases := []struct {
		name        string
		data        []byte
		holder      func() any
		verify      func(t *testing.T, holder any)
		expectedErr string
	}{
		{
			name:        "nil holder",
			data:        []byte("x"),
			holder:      func() any { return nil },
			expectedErr: "holder is nil",
		},
		{
			name:        "non pointer holder",
			data:        []byte("x"),
			holder:      func() any { return "value" },
			expectedErr: "holder must be a non-nil pointer",
		},
		{
			name:        "nil pointer holder",
			data:        []byte("x"),
			holder:      func() any { return (*string)(nil) },
			expectedErr: "holder must be a non-nil pointer",
		},
		{
			name:   "string holder",
			data:   []byte("PONG 42"),
			holder: func() any { return new(string) },
			verify: func(t *testing.T, holder any) {
				assert.Equal(t, "PONG 42", *holder.(*string))
			},
		},
		{
			name:   "bytes holder",
			data:   []byte("PONG"),
			holder: func() any { return new([]byte) },
			verify: func(t *testing.T, holder any) {
				assert.Equal(t, []byte("PONG"), *holder.(*[]byte))
			},
		},
		{
			name:   "empty bytes stay nil",
			data:   []byte{},
			holder: func() any { return new([]byte) },
			verify: func(t *testing.T, holder any) {
				assert.Nil(t, *holder.(*[]byte))
			},
		},
		{
			name:   "struct holder",
			data:   []byte(`{"seq":7,"text":"PONG"}`),
			holder: func() any { return &pingPayload{} },
			verify: func(t *testing.T, holder any) {
				assert.Equal(t, pingPayload{Seq: 7, Text: "PONG"}, *holder.(*pingPayload))
			},
		},
		{
			name:        "invalid json",
			data:        []byte(`{`),
			holder:      func() any { return &pingPayload{} },
			expectedErr: "unexpected end of JSON input",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			holder := tc.holder()
			err := internal.Unmarshal(tc.data, holder)
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			tc.verify(t, holder)
		})
	}
}
