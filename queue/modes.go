// Package queue runs submitted tasks: it infers a conversation mode,
// picks candidate models, executes the selected strategy, and records
// outcomes for the bandit.
package queue

import (
	"strings"
	"unicode"

	"github.com/maxwellcavalli/macs/model"
)

// Conversation modes.
const (
	ModeChat    = "chat"
	ModeCode    = "code"
	ModeDocs    = "docs"
	ModePlanner = "planner"
)

// ClarifyModel tags router-generated clarification responses.
const ClarifyModel = "router-clarify"

// ClarifyMessage is returned without any model call when a goal mixes
// code and non-code intents.
const ClarifyMessage = "Your request mixes code changes with a non-code ask. " +
	"Please split it into separate tasks, or set metadata.mode_hint to " +
	"chat, code, docs, or planner to pick one."

var codeKeywords = []string{
	"implement", "fix", "bug", "refactor", "function", "class", "module",
	"api", "endpoint", "write code", "generate code", "compile", "build",
	"test", "unit test", "integration test", "sql", "schema", "service",
	"controller", "handler", "repository", "project", "projects",
	"skeleton", "scaffold", "structure", "template", "setup", "zip",
	"archive",
}

var docKeywords = []string{
	"document", "docs", "documentation", "explain", "tutorial", "guide",
	"readme", "summary", "describe", "notes",
}

var plannerKeywords = []string{
	"plan", "outline", "steps", "strategy", "roadmap", "analysis",
	"approach", "design",
}

var chatKeywords = []string{
	"hello", "hi", "hey", "greetings", "thanks", "how are", "say",
	"tell me", "question", "what is", "who is", "help me understand",
	"conversation", "chat",
}

// goalWords tokenizes a goal for whole-word keyword matching, so short
// keywords like "hi" or "say" never fire inside longer words.
func goalWords(goal string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(goal, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	return words
}

func containsAny(goal string, words map[string]bool, keywords []string) bool {
	for _, k := range keywords {
		if strings.ContainsRune(k, ' ') {
			if strings.Contains(goal, k) {
				return true
			}
			continue
		}
		if words[k] {
			return true
		}
	}
	return false
}

// InferMode decides the conversation mode for a task. An explicit
// mode_hint wins. Otherwise keyword and structural clues vote; a goal
// showing both code and non-code intent gets a clarification instead of
// a model run (clarify true).
func InferMode(task *model.Task) (mode string, clarify bool) {
	if task.Metadata != nil {
		switch strings.ToLower(strings.TrimSpace(task.Metadata.ModeHint)) {
		case ModeChat:
			return ModeChat, false
		case ModeCode:
			return ModeCode, false
		case ModeDocs:
			return ModeDocs, false
		case ModePlanner:
			return ModePlanner, false
		}
	}

	goal := strings.ToLower(task.Input.Goal)
	words := goalWords(goal)

	codeClue := false
	switch task.Type {
	case model.TypeCode, model.TypeTest, model.TypeRefactor:
		codeClue = true
	}
	if len(task.ExpectedFiles()) > 0 || len(task.Input.Repo.Include) > 0 {
		codeClue = true
	}
	if containsAny(goal, words, codeKeywords) {
		codeClue = true
	}

	docClue := containsAny(goal, words, docKeywords) || task.Type == model.TypeDoc
	planClue := containsAny(goal, words, plannerKeywords) || task.Type == model.TypePlan
	chatClue := containsAny(goal, words, chatKeywords)
	if !codeClue && len(strings.Fields(goal)) <= 8 {
		chatClue = true
	}

	if codeClue && (docClue || planClue || chatClue) {
		return "", true
	}
	switch {
	case codeClue:
		return ModeCode, false
	case docClue && !planClue:
		return ModeDocs, false
	case planClue && !docClue:
		return ModePlanner, false
	case chatClue:
		return ModeChat, false
	case docClue:
		return ModeDocs, false
	case planClue:
		return ModePlanner, false
	}
	return ModeChat, false
}
