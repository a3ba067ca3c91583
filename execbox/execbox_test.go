package execbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowed(t *testing.T) {
	assert.True(t, Allowed("mvn"))
	assert.True(t, Allowed("./gradlew"))
	assert.True(t, Allowed("pytest"))
	assert.False(t, Allowed("bash"))
	assert.False(t, Allowed("/usr/bin/mvn"))
	assert.False(t, Allowed("rm"))
}

func TestRunDisallowed(t *testing.T) {
	r := NewRunner()
	res := r.Run(context.Background(), t.TempDir(), []string{"bash", "-c", "true"}, time.Second)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "not allowed")
}

func TestRunEmpty(t *testing.T) {
	r := NewRunner()
	res := r.Run(context.Background(), t.TempDir(), nil, time.Second)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunMissingExecutable(t *testing.T) {
	// gradlew is allowlisted but resolved inside the work dir, so an empty
	// dir yields a start failure.
	r := NewRunner()
	res := r.Run(context.Background(), t.TempDir(), []string{"./gradlew", "test"}, time.Second)
	assert.Equal(t, 127, res.ExitCode)
	assert.NotEmpty(t, res.Stderr)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", Tail("abc", 10))
	assert.Equal(t, "cde", Tail("abcde", 3))
	assert.Equal(t, "", Tail("", 5))
}
