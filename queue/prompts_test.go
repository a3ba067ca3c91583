package queue

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxwellcavalli/macs/model"
)

func TestBuildPromptCodeMode(t *testing.T) {
	task := &model.Task{
		ID:   uuid.New(),
		Type: model.TypeCode,
		Input: model.TaskInput{
			Language:   "java",
			Goal:       "add a discount service",
			Frameworks: []string{"spring-boot"},
		},
		OutputContract: &model.OutputContract{
			ExpectedFiles: []string{"src/main/java/com/acme/DiscountService.java"},
			PackageName:   "com.acme",
		},
	}
	p := BuildPrompt(task, ModeCode, "")
	assert.Contains(t, p, "add a discount service")
	assert.Contains(t, p, "Language: java")
	assert.Contains(t, p, "spring-boot")
	assert.Contains(t, p, "DiscountService.java")
	assert.Contains(t, p, "File: <relative/path>")
}

func TestBuildPromptConversationAndMemory(t *testing.T) {
	task := &model.Task{
		ID:    uuid.New(),
		Type:  model.TypeCode,
		Input: model.TaskInput{Language: "java", Goal: "continue"},
		Metadata: &model.Metadata{
			Conversation: []model.ConversationTurn{
				{Role: "user", Content: "earlier question"},
				{Role: "assistant", Content: "earlier answer"},
			},
			MemoryContext: []model.MemorySnippet{
				{Goal: "old goal", Summary: "old summary"},
			},
		},
	}
	p := BuildPrompt(task, ModeChat, "")
	assert.Contains(t, p, "earlier question")
	assert.Contains(t, p, "earlier answer")
	assert.Contains(t, p, "old summary")
}

func TestCollectRepoContextIncludeExclude(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"src/main/java/App.java":      "class App {}",
		"src/main/java/util/Hex.java": "class Hex {}",
		"src/test/java/AppTest.java":  "class AppTest {}",
		"readme.md":                   "# readme",
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	rc := collectRepoContext(root, model.RepoSpec{
		Include: []string{"src/main/**/*.java"},
		Exclude: []string{"**/util/**"},
	})
	require.Len(t, rc.Files, 1)
	assert.Equal(t, "src/main/java/App.java", rc.Files[0].Rel)
}

func TestCollectRepoContextTruncatesLargeFiles(t *testing.T) {
	root := t.TempDir()
	big := strings.Repeat("x", promptMaxFileBytes+100)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o644))

	rc := collectRepoContext(root, model.RepoSpec{})
	require.Len(t, rc.Files, 1)
	assert.Contains(t, rc.Files[0].Content, "(truncated)")
}

func TestEstimateCtxTokens(t *testing.T) {
	assert.Equal(t, 25, EstimateCtxTokens(strings.Repeat("a", 100)))
}
