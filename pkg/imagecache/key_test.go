package imagecache

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateKey(t *testing.T) {
	for _, testCase := range []struct {
		name        string
		descriptor  Descriptor
		expectedKey string
		cacheable   bool
	}{
		{
			name:        "url_only",
			descriptor:  Descriptor{URL: "https://example.com/a.png"},
			expectedKey: `{"url":"https://example.com/a.png"}`,
			cacheable:   true,
		},
		{
			name: "all_fields_in_order",
			descriptor: Descriptor{URL: "https://example.com/a.png?x=1&y=2", Scale: 2, Width: 64, Height: 32,
				MaxWidth: 128, MaxHeight: 96},
			expectedKey: `{"url":"https://example.com/a.png?x=1&y=2","scale":2,"width":64,"height":32,` +
				`"maxWidth":128,"maxHeight":96}`,
			cacheable: true,
		},
		{
			name:        "fractional_scale",
			descriptor:  Descriptor{URL: "icon.svg", Scale: 1.5},
			expectedKey: `{"url":"icon.svg","scale":1.5}`,
			cacheable:   true,
		},
		{
			name:       "data_url",
			descriptor: Descriptor{URL: "data:image/png;base64,iVBORw0KGgo="},
		},
		{
			name:       "data_url_mixed_case",
			descriptor: Descriptor{URL: "DaTa:image/gif;base64,R0lGOD=", Width: 10},
		},
		{
			name:       "non_finite_scale",
			descriptor: Descriptor{URL: "https://example.com/a.png", Scale: math.Inf(1)},
		},
		{
			name:        "short_url",
			descriptor:  Descriptor{URL: "dat"},
			expectedKey: `{"url":"dat"}`,
			cacheable:   true,
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			key, cacheable := CreateKey(testCase.descriptor)
			assert.Equal(t, testCase.cacheable, cacheable)
			assert.Equal(t, testCase.expectedKey, key)
		})
	}
}

func TestCreateKey_Deterministic(t *testing.T) {
	first, ok := CreateKey(Descriptor{URL: "https://example.com/b.png", Width: 10, MaxHeight: 20})
	assert.True(t, ok)
	second, ok := CreateKey(Descriptor{MaxHeight: 20, Width: 10, URL: "https://example.com/b.png"})
	assert.True(t, ok)
	assert.Equal(t, first, second)

	other, _ := CreateKey(Descriptor{URL: "https://example.com/b.png", Width: 11, MaxHeight: 20})
	assert.NotEqual(t, first, other)
}
