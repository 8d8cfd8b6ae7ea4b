package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoOp(t *testing.T) {
	var layer Layer[string, []byte] = NewNoOp[string, []byte]()
	assert.False(t, layer.Add("k", []byte("v"), time.Minute))
	_, found := layer.Get("k")
	assert.False(t, found, "NoOp should never hold values")
	assert.False(t, layer.Remove("k"))
	assert.Empty(t, layer.Keys())
	layer.Purge()
}
