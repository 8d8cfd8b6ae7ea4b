package scan

import (
	"slices"
	"testing"

	"github.com/nobletooth/imgcache/pkg/utils"
	"github.com/stretchr/testify/assert"
)

func TestMatchGlob(t *testing.T) {
	pairs := []utils.BytePair{
		{Key: []byte("key1"), Value: []byte("value1")},
		{Key: []byte("key2"), Value: []byte("value2")},
		{Key: []byte("anotherkey"), Value: []byte("value3")},
	}

	for _, testCase := range []struct {
		name     string
		glob     string
		expected []utils.BytePair
	}{
		{
			name: "match_all",
			glob: "*",
			expected: []utils.BytePair{
				{Key: []byte("key1"), Value: []byte("value1")},
				{Key: []byte("key2"), Value: []byte("value2")},
				{Key: []byte("anotherkey"), Value: []byte("value3")},
			},
		},
		{
			name: "match_question_mark",
			glob: "key?",
			expected: []utils.BytePair{
				{Key: []byte("key1"), Value: []byte("value1")},
				{Key: []byte("key2"), Value: []byte("value2")},
			},
		},
		{
			name: "match_star_end",
			glob: "key*",
			expected: []utils.BytePair{
				{Key: []byte("key1"), Value: []byte("value1")},
				{Key: []byte("key2"), Value: []byte("value2")},
			},
		},
		{
			name: "match_star_beginning",
			glob: "*key",
			expected: []utils.BytePair{
				{Key: []byte("anotherkey"), Value: []byte("value3")},
			},
		},
		{
			name: "match_multiple_star",
			glob: "*key*",
			expected: []utils.BytePair{
				{Key: []byte("key1"), Value: []byte("value1")},
				{Key: []byte("key2"), Value: []byte("value2")},
				{Key: []byte("anotherkey"), Value: []byte("value3")},
			},
		},
		{
			name:     "no_match",
			glob:     "nomatch",
			expected: nil,
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			seq := MatchGlob([]byte(testCase.glob), slices.Values(pairs))
			got := slices.Collect(seq)
			assert.Equal(t, testCase.expected, got)
		})
	}

	t.Run("url_keys_match_across_slashes", func(t *testing.T) {
		urlPairs := []utils.BytePair{
			{Key: []byte(`{"url":"https://example.com/a/b.png"}`)},
			{Key: []byte(`{"url":"https://other.org/c.png"}`)},
		}
		got := slices.Collect(MatchGlob([]byte("*example.com/a/*"), slices.Values(urlPairs)))
		assert.Equal(t, urlPairs[:1], got)
	})
	t.Run("invalid_pattern_yields_nothing", func(t *testing.T) {
		assert.Empty(t, slices.Collect(MatchGlob([]byte("[a-"), slices.Values(pairs))))
	})
}
