package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalMetadata_Numbers(t *testing.T) {
	md, err := unmarshalMetadata(`{"count":3,"ratio":0.5,"nested":{"n":10},"list":[1,2.5]}`)
	require.NoError(t, err)

	assert.Equal(t, int64(3), md["count"])
	assert.Equal(t, 0.5, md["ratio"])
	assert.Equal(t, map[string]any{"n": int64(10)}, md["nested"])
	assert.Equal(t, []any{int64(1), 2.5}, md["list"])
}

func TestUnmarshalMetadata_Empty(t *testing.T) {
	md, err := unmarshalMetadata("{}")
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestMarshalTags_Empty(t *testing.T) {
	s, err := marshalTags(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", s)

	tags, err := unmarshalTags(s)
	require.NoError(t, err)
	assert.Nil(t, tags)
}
