// Package bandit tracks per-model reward observations and ranks models
// with an epsilon-greedy policy over contextual feature buckets.
package bandit

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// Features are the coarse task context used to bucket reward statistics.
type Features struct {
	Language     string
	IncludeCount int
	TestsPresent bool
	CtxTokens    int
}

// repoBucket maps the repo size to s/m/l by included file count.
func repoBucket(includeCount int) string {
	switch {
	case includeCount <= 3:
		return "s"
	case includeCount <= 15:
		return "m"
	default:
		return "l"
	}
}

// ctxBucket maps the prompt budget to a context-size class.
func ctxBucket(tokens int) string {
	switch {
	case tokens <= 4096:
		return "4k"
	case tokens <= 8192:
		return "8k"
	default:
		return "16k+"
	}
}

// Hash returns the stable feature-bucket key for these features.
func (f Features) Hash() string {
	tests := 0
	if f.TestsPresent {
		tests = 1
	}
	key := fmt.Sprintf("%s|%s|%d|%s",
		strings.ToLower(f.Language), repoBucket(f.IncludeCount), tests, ctxBucket(f.CtxTokens))
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// TestsPresent reports whether the task appears to involve tests, judged
// from the goal text and the expected output paths.
func TestsPresent(goal string, expected []string) bool {
	if strings.Contains(strings.ToLower(goal), "test") {
		return true
	}
	for _, p := range expected {
		if strings.Contains(strings.ToLower(p), "test") {
			return true
		}
	}
	return false
}

// ManualFeatureHash is the bucket used for human feedback, which carries
// no task context.
const ManualFeatureHash = "manual"
