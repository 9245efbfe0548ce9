// Package decompose turns a prompt into independent task descriptions.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"panopticon/internal/domain"
)

// Decomposer breaks prompts into tasks. Both methods fail with an error
// wrapping domain.ErrDecomposition.
type Decomposer interface {
	Decompose(ctx context.Context, prompt string, targetCount int) ([]string, error)
	Refine(ctx context.Context, prompt string, currentTasks []string, instruction string) ([]string, error)
}

const decomposeSystemPrompt = `You are a task decomposition engine. Given a user's prompt, break it down into independent, parallelizable tasks that can each be executed by an AI agent controlling a cloud desktop (browser, file system, etc).

Rules:
- Each task must be independently executable
- Tasks should be roughly equal in complexity
- Return ONLY valid JSON: { "todos": [{ "description": "..." }] }
- Target exactly %d tasks (one per available agent)
- Be specific and actionable in each task description`

const refineSystemPrompt = `You are a task refinement engine. Given the original prompt, the current task list and a user refinement request, update the task list accordingly.

Rules:
- Each task must be independently executable
- Tasks should be roughly equal in complexity
- Return ONLY valid JSON: { "todos": [{ "description": "..." }] }
- Honor the user's refinement request (add tasks, modify existing ones, remove tasks, etc.)
- Be specific and actionable in each task description`

func refineUserPrompt(prompt string, currentTasks []string, instruction string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original prompt: %s\n\nCurrent tasks:\n", strings.TrimSpace(prompt))
	for i, t := range currentTasks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}
	fmt.Fprintf(&b, "\nUser refinement: %s", strings.TrimSpace(instruction))
	return b.String()
}

// listKeys are the object keys a model plausibly puts the task array under.
var listKeys = []string{"todos", "tasks", "items", "subtasks", "steps"}

// textKeys are the keys a task object plausibly carries its text under.
var textKeys = []string{"description", "task", "title", "text", "content"}

// Parse extracts task descriptions from model output. It tolerates code
// fences, prose around the JSON, a bare array, alternative key names and
// items that are plain strings or objects.
func Parse(response string) ([]string, error) {
	raw := stripFences(response)
	payload, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal model output: %v: %w", err, domain.ErrDecomposition)
	}
	list, ok := findList(doc)
	if !ok {
		return nil, fmt.Errorf("no task list in model output: %w", domain.ErrDecomposition)
	}
	var out []string
	for _, item := range list {
		if text := itemText(item); text != "" {
			out = append(out, text)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty task list returned: %w", domain.ErrDecomposition)
	}
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// extractJSON returns the outermost object or array in s.
func extractJSON(s string) (string, error) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON found in model output (%d chars): %w", len(s), domain.ErrDecomposition)
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return "", fmt.Errorf("unterminated JSON in model output: %w", domain.ErrDecomposition)
	}
	return s[start : end+1], nil
}

func findList(doc any) ([]any, bool) {
	switch v := doc.(type) {
	case []any:
		return v, true
	case map[string]any:
		for _, k := range listKeys {
			if list, ok := lookupFold(v, k).([]any); ok {
				return list, true
			}
		}
		// a single wrapping object such as {"result": {"todos": [...]}}
		for _, child := range v {
			if list, ok := findList(child); ok {
				return list, true
			}
		}
	}
	return nil, false
}

func lookupFold(m map[string]any, key string) any {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func itemText(item any) string {
	switch v := item.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		for _, k := range textKeys {
			if s, ok := lookupFold(v, k).(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
