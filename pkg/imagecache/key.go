package imagecache

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

// Descriptor is what an image request is cached by. Field order is the key's field order.
type Descriptor struct {
	URL       string  `json:"url"`
	Scale     float64 `json:"scale,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	MaxWidth  int     `json:"maxWidth,omitempty"`
	MaxHeight int     `json:"maxHeight,omitempty"`
}

// dataURLScheme marks inline payloads; they're already in memory and are never cached.
const dataURLScheme = "data:"

// CreateKey returns the cache key of `descriptor`, or false if the request is not cacheable.
// Field-wise equal descriptors always yield the same key.
func CreateKey(descriptor Descriptor) (string, bool) {
	if len(descriptor.URL) >= len(dataURLScheme) &&
		strings.EqualFold(descriptor.URL[:len(dataURLScheme)], dataURLScheme) {
		return "", false
	}
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false) // Keep '&' in query strings readable.
	if err := encoder.Encode(descriptor); err != nil { // Only non-finite scales fail.
		slog.Warn("Failed to build image cache key.", "url", descriptor.URL, "scale", descriptor.Scale, "err", err)
		return "", false
	}
	return strings.TrimSuffix(buffer.String(), "\n"), true
}
