package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/vqueue/queue"
)

func TestParseVirtualQueueURL(t *testing.T) {
	testCases := []struct {
		name     string
		url      string
		virtual  bool
		expected queue.VirtualQueueID
	}{
		{
			name:     "virtual reference",
			url:      "https://sqs.eu-west-1.amazonaws.com/1234/host#responses",
			virtual:  true,
			expected: queue.VirtualQueueID{HostURL: "https://sqs.eu-west-1.amazonaws.com/1234/host", Name: "responses"},
		},
		{name: "physical reference", url: "https://sqs.eu-west-1.amazonaws.com/1234/host"},
		{name: "missing name", url: "memory://host#"},
		{name: "missing host", url: "#name"},
		{name: "second separator", url: "memory://host#a#b"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := queue.ParseVirtualQueueURL(tc.url)
			assert.Equal(t, tc.virtual, ok)
			assert.Equal(t, tc.virtual, queue.IsVirtualQueueURL(tc.url))
			if tc.virtual {
				assert.Equal(t, tc.expected, id)
				assert.Equal(t, tc.url, id.String())
			}
		})
	}
}

func TestNewVirtualQueueID(t *testing.T) {
	testCases := []struct {
		name    string
		host    string
		vqName  string
		wantErr bool
	}{
		{name: "valid", host: "memory://host", vqName: "a"},
		{name: "empty host", host: " ", vqName: "a", wantErr: true},
		{name: "host with separator", host: "memory://host#x", vqName: "a", wantErr: true},
		{name: "empty name", host: "memory://host", vqName: "", wantErr: true},
		{name: "name with separator", host: "memory://host", vqName: "a#b", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := queue.NewVirtualQueueID(tc.host, tc.vqName)
			if tc.wantErr {
				var cfgErr *queue.ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.host+"#"+tc.vqName, id.String())
		})
	}
}
