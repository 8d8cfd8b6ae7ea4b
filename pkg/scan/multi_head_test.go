package scan

import (
	"cmp"
	"iter"
	"slices"
	"testing"

	"github.com/nobletooth/imgcache/pkg/utils"
	"github.com/stretchr/testify/assert"
)

func TestMultiHead(t *testing.T) {
	s1 := slices.Values([]utils.Pair[string, int]{{Key: "k1", Value: 11}, {Key: "k2", Value: 21}, {Key: "k3", Value: 31}, {Key: "k4", Value: 41}})
	s2 := slices.Values([]utils.Pair[string, int]{{Key: "k1", Value: 12}, {Key: "k2", Value: 22}, {Key: "k5", Value: 52}, {Key: "k6", Value: 62}})
	s3 := slices.Values([]utils.Pair[string, int]{{Key: "k1", Value: 13}, {Key: "k2", Value: 23}, {Key: "k4", Value: 43}, {Key: "k5", Value: 53}})
	s4 := slices.Values([]utils.Pair[string, int]{{Key: "k3", Value: 34}})
	merged, err := MultiHead(cmp.Compare, []iter.Seq[utils.Pair[string, int]]{s1, s2, s3, s4})
	assert.NoError(t, err)

	got := slices.Collect(merged)
	expected := []utils.Pair[string, int]{{Key: "k1", Value: 11}, {Key: "k2", Value: 21}, {Key: "k3", Value: 31}, {Key: "k4", Value: 41}, {Key: "k5", Value: 52}, {Key: "k6", Value: 62}}
	assert.Equal(t, expected, got)
}

func TestMultiHead_EdgeCases(t *testing.T) {
	t.Run("nil_compare", func(t *testing.T) {
		_, err := MultiHead[iter.Seq[utils.Pair[string, int]]](nil, []iter.Seq[utils.Pair[string, int]]{})
		assert.Error(t, err)
	})
	t.Run("no_sequences", func(t *testing.T) {
		_, err := MultiHead(cmp.Compare[string], []iter.Seq[utils.Pair[string, int]]{})
		assert.Error(t, err)
	})
	t.Run("all_empty", func(t *testing.T) {
		empty := slices.Values([]utils.Pair[string, int]{})
		merged, err := MultiHead(cmp.Compare[string], []iter.Seq[utils.Pair[string, int]]{empty, empty})
		assert.NoError(t, err)
		assert.Empty(t, slices.Collect(merged))
	})
	t.Run("early_stop", func(t *testing.T) {
		s1 := slices.Values([]utils.Pair[string, int]{{Key: "a", Value: 1}, {Key: "c", Value: 3}})
		s2 := slices.Values([]utils.Pair[string, int]{{Key: "b", Value: 2}, {Key: "d", Value: 4}})
		merged, err := MultiHead(cmp.Compare[string], []iter.Seq[utils.Pair[string, int]]{s1, s2})
		assert.NoError(t, err)
		var got []string
		for pair := range merged {
			got = append(got, pair.Key)
			if len(got) == 2 {
				break
			}
		}
		assert.Equal(t, []string{"a", "b"}, got)
	})
}

func TestMultiHead_Reiterable(t *testing.T) {
	overlay := slices.Values([]utils.Pair[string, int]{{Key: "b", Value: 20}, {Key: "d", Value: 40}})
	committed := slices.Values([]utils.Pair[string, int]{{Key: "a", Value: 1}, {Key: "b", Value: 2}, {Key: "c", Value: 3}})
	merged, err := MultiHead(cmp.Compare[string], []iter.Seq[utils.Pair[string, int]]{overlay, committed})
	assert.NoError(t, err)

	expected := []utils.Pair[string, int]{{Key: "a", Value: 1}, {Key: "b", Value: 20}, {Key: "c", Value: 3}, {Key: "d", Value: 40}}
	assert.Equal(t, expected, slices.Collect(merged))
	assert.Equal(t, expected, slices.Collect(merged), "A second iteration starts over")
}
