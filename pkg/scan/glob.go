// Image keys can be listed by glob pattern (e.g. `*example.com*`); the following module implements glob matching.

package scan

import (
	"iter"
	"strings"

	"github.com/nobletooth/imgcache/pkg/utils"
	"v.io/v23/glob"
)

// separatorStandIn replaces '/' in both pattern and key. Image keys embed URLs and the glob package treats
// '/' as an element separator, which would stop `*` from matching across it.
const separatorStandIn = "\x1f"

// MatchGlob matches the `pairs` stream with the given `glob` pattern.
func MatchGlob(pattern []byte, pairs iter.Seq[utils.BytePair]) iter.Seq[utils.BytePair] {
	parsedPattern, err := glob.Parse(strings.ReplaceAll(string(pattern), "/", separatorStandIn))
	if err != nil { // If pattern is invalid, return empty sequence.
		return func(yield func(utils.BytePair) bool) {}
	}
	head := parsedPattern.Head()
	return func(yield func(utils.BytePair) bool) {
		for pair := range pairs {
			if head.Match(strings.ReplaceAll(string(pair.Key), "/", separatorStandIn)) {
				if !yield(pair) {
					return
				}
			}
		}
	}
}
