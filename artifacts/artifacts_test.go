package artifacts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFilesHintInsideBlock(t *testing.T) {
	out := "Here you go:\n```java\nFile: src/main/java/com/acme/App.java\npublic class App {}\n```\n"
	files := ExtractFiles(out)
	require.Len(t, files, 1)
	content, ok := files["src/main/java/com/acme/App.java"]
	require.True(t, ok)
	assert.Contains(t, content, "package com.acme;")
	assert.Contains(t, content, "public class App {}")
}

func TestExtractFilesHintBeforeBlock(t *testing.T) {
	out := "**File: docs/readme.md**\n\n```markdown\n# Title\nbody\n```\n"
	files := ExtractFiles(out)
	require.Len(t, files, 1)
	assert.Equal(t, "# Title\nbody\n", files["docs/readme.md"])
}

func TestExtractFilesLookbackLimit(t *testing.T) {
	// hint is six lines above the fence, outside the four-line window
	out := "File: far.txt\n\n\n\n\n\n```\ncontent\n```\n"
	files := ExtractFiles(out)
	assert.Empty(t, files)
}

func TestExtractFilesMultiple(t *testing.T) {
	out := "File: a.txt\n```\nAAA\n```\n\nFile: b.txt\n```\nBBB\n```\n"
	files := ExtractFiles(out)
	require.Len(t, files, 2)
	assert.Equal(t, "AAA\n", files["a.txt"])
	assert.Equal(t, "BBB\n", files["b.txt"])
}

func TestExtractFilesNoHintSkipped(t *testing.T) {
	out := "```python\nprint('hi')\n```\n"
	assert.Empty(t, ExtractFiles(out))
}

func TestExtractFilesTrailingWhitespace(t *testing.T) {
	out := "File: x.txt\n```\nline  \n\n\n```\n"
	files := ExtractFiles(out)
	assert.Equal(t, "line\n", files["x.txt"])
}

func TestPrimaryRelPath(t *testing.T) {
	assert.Equal(t, "src/App.java", PrimaryRelPath([]string{"src/App.java", "other"}, "code"))
	assert.Equal(t, "response.md", PrimaryRelPath(nil, "chat"))
	assert.Equal(t, "documentation.md", PrimaryRelPath(nil, "docs"))
	assert.Equal(t, "plan.md", PrimaryRelPath(nil, "planner"))
	assert.Equal(t, "main.txt", PrimaryRelPath(nil, "code"))
}

func TestPublisherRoundtrip(t *testing.T) {
	p, err := NewPublisher(t.TempDir())
	require.NoError(t, err)

	assert.False(t, p.HasArtifacts("t1"))

	written, err := p.Publish("t1", map[string]string{
		"src/main/java/App.java": "package demo;\n",
		"readme.md":              "# hi\n",
	})
	require.NoError(t, err)
	assert.Len(t, written, 2)
	assert.True(t, p.HasArtifacts("t1"))

	data, err := p.ReadFile("t1", "readme.md")
	require.NoError(t, err)
	assert.Equal(t, "# hi\n", string(data))

	list, err := p.List("t1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = p.List("absent")
	require.NoError(t, err)
	assert.Nil(t, list)
}
