package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaffoldMaven(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, scaffoldMaven(dir))

	pom, err := os.ReadFile(filepath.Join(dir, "pom.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(pom), "<artifactId>demo</artifactId>")
	assert.Contains(t, string(pom), "junit-jupiter")
	assert.Contains(t, string(pom), "5.10.2")

	smoke, err := os.ReadFile(filepath.Join(dir, "src", "test", "java", "com", "acme", "SmokeTest.java"))
	require.NoError(t, err)
	assert.Contains(t, string(smoke), "class SmokeTest")
}

func TestScaffoldMavenKeepsExistingPom(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pom.xml"), []byte("<mine/>"), 0o644))
	require.NoError(t, scaffoldMaven(dir))

	pom, err := os.ReadFile(filepath.Join(dir, "pom.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<mine/>", string(pom))
}
