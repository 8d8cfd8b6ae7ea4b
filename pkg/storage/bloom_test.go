package storage

import (
	"fmt"
	"testing"

	"github.com/nobletooth/imgcache/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionFilter(t *testing.T) {
	t.Run("added_keys_are_reported", func(t *testing.T) {
		filter := newPartitionFilter()
		require.NotNil(t, filter)
		for i := range 1_000 {
			filter.Add(fmt.Appendf(nil, "key-%d", i))
		}
		for i := range 1_000 {
			assert.True(t, filter.MayContain(fmt.Appendf(nil, "key-%d", i)))
		}
	})
	t.Run("missing_keys_are_mostly_rejected", func(t *testing.T) {
		filter := newPartitionFilter()
		filter.Add([]byte("present"))
		falsePositives := 0
		for i := range 1_000 {
			if filter.MayContain(fmt.Appendf(nil, "absent-%d", i)) {
				falsePositives++
			}
		}
		assert.Less(t, falsePositives, 100)
	})
	t.Run("disabled", func(t *testing.T) {
		utils.SetTestFlag(t, "bloom_expected_keys", "0")
		filter := newPartitionFilter()
		assert.Nil(t, filter)
		filter.Add([]byte("k")) // Nil filters are usable.
		assert.True(t, filter.MayContain([]byte("anything")))
	})
	t.Run("invalid_rate_disables", func(t *testing.T) {
		utils.SetTestFlag(t, "bloom_false_positive_rate", "1.5")
		assert.Nil(t, newPartitionFilter())
	})
}
