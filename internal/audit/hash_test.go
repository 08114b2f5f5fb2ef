package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_CanonicalAcrossKeyOrder(t *testing.T) {
	a, err := Hash(map[string]any{"b": 1, "a": []int{1, 2}, "c": map[string]string{"y": "1", "x": "2"}})
	require.NoError(t, err)
	b, err := Hash(struct {
		C map[string]string `json:"c"`
		A []int             `json:"a"`
		B int               `json:"b"`
	}{C: map[string]string{"x": "2", "y": "1"}, A: []int{1, 2}, B: 1})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "sha256:"))
	assert.Len(t, strings.TrimPrefix(a, "sha256:"), 64)
}

func TestHash_DoesNotContainPayload(t *testing.T) {
	h, err := Hash(map[string]string{"password": "hunter2"})
	require.NoError(t, err)
	assert.NotContains(t, h, "hunter2")

	other, err := Hash(map[string]string{"password": "hunter3"})
	require.NoError(t, err)
	assert.NotEqual(t, h, other)
}

func TestHash_Unmarshalable(t *testing.T) {
	_, err := Hash(make(chan int))
	assert.Error(t, err)
}
