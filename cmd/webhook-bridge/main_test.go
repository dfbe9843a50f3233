package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPayload(t *testing.T) {
	b, err := readPayload(`{"action":"generate"}`, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, `{"action":"generate"}`, string(b))

	b, err = readPayload("-", strings.NewReader(`{"action":"stdin"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"action":"stdin"}`, string(b))
}
