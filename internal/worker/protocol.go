package worker

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the normalized type of a worker report.
type Kind string

const (
	KindJoin       Kind = "join"
	KindReady      Kind = "ready"
	KindThinking   Kind = "thinking"
	KindReasoning  Kind = "reasoning"
	KindCompleted  Kind = "completed"
	KindError      Kind = "error"
	KindTerminated Kind = "terminated"
	KindWhiteboard Kind = "whiteboard"
	KindReplay     Kind = "replay"
	KindUnknown    Kind = ""
)

// aliases maps every accepted wire type onto a Kind. Workers written against
// the socket event names and the older short names both work.
var aliases = map[string]Kind{
	"agent:join":         KindJoin,
	"join":               KindJoin,
	"sandbox_ready":      KindReady,
	"agent:stream_ready": KindReady,
	"log":                KindThinking,
	"agent:thinking":     KindThinking,
	"agent:reasoning":    KindReasoning,
	"reasoning":          KindReasoning,
	"complete":           KindCompleted,
	"task:completed":     KindCompleted,
	"agent:error":        KindError,
	"error":              KindError,
	"agent:terminated":   KindTerminated,
	"whiteboard:updated": KindWhiteboard,
	"replay:complete":    KindReplay,
}

// Message is one newline-delimited JSON report read from a worker's stdout.
type Message struct {
	Type        string `json:"type"`
	SandboxID   string `json:"sandboxId,omitempty"`
	StreamURL   string `json:"streamUrl,omitempty"`
	Action      string `json:"action,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`
	ActionID    string `json:"actionId,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
	TodoID      string `json:"todoId,omitempty"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	Content     string `json:"content,omitempty"`
	ManifestURL string `json:"manifestUrl,omitempty"`
	FrameCount  int    `json:"frameCount,omitempty"`
}

func (m Message) Kind() Kind {
	return aliases[strings.TrimSpace(m.Type)]
}

// Task returns the task the report refers to.
func (m Message) Task() string {
	if m.TaskID != "" {
		return m.TaskID
	}
	return m.TodoID
}

// ParseMessage decodes one stdout line.
func ParseMessage(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, err
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message without type")
	}
	return m, nil
}

// Directive is one newline-delimited JSON instruction written to a
// worker's stdin.
type Directive struct {
	Type        string `json:"type"`
	TaskID      string `json:"taskId,omitempty"`
	Description string `json:"description,omitempty"`
}

const (
	DirectiveTaskAssign = "task:assign"
	DirectiveTaskNone   = "task:none"
	DirectiveStop       = "agent:stop"
)
