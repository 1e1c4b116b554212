// Package cli manages backend agent CLI sessions: the subprocess lifecycle,
// the pool of live sessions, and the classification of raw stream events
// into semantic chunks.
package cli

import (
	"encoding/json"
	"strings"
)

// Raw event types produced by a backend CLI session.
const (
	EventAssistant         = "assistant"
	EventResult            = "result"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStart = "content_block_start"
	EventError             = "error"
	EventExit              = "exit"
	EventSessionInfo       = "session_info"
)

// Content item types nested inside message-like events.
const (
	itemText     = "text"
	itemThinking = "thinking"
	itemToolUse  = "tool_use"
)

// subagentToolName is the tool that launches sub-agents; its invocations are
// reported as subagent_start rather than tool_start.
const subagentToolName = "Task"

// Event is one raw record from a backend CLI session. Only the fields
// matching Type are populated; unknown shapes are tolerated and classify to
// no chunk.
type Event struct {
	Type         string          `json:"type"`
	Message      *MessageBody    `json:"message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Delta        *Delta          `json:"delta,omitempty"`
	ContentBlock *ContentItem    `json:"content_block,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`
	Code         int             `json:"code,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
}

type MessageBody struct {
	Content []ContentItem `json:"content"`
}

type ContentItem struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type Delta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// ChunkKind discriminates the semantic chunks handed to the message handler.
type ChunkKind string

const (
	ChunkContent       ChunkKind = "content"
	ChunkThinking      ChunkKind = "thinking"
	ChunkToolStart     ChunkKind = "tool_start"
	ChunkSubagentStart ChunkKind = "subagent_start"
	ChunkError         ChunkKind = "error"
	ChunkComplete      ChunkKind = "complete"
)

type CompletionStatus string

const (
	StatusSuccess CompletionStatus = "success"
	StatusFailed  CompletionStatus = "failed"
)

// Chunk is the classified form of a raw event. Kind selects which payload
// fields are meaningful.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	Thinking string
	Tools    []ContentItem
	Tasks    []string
	Message  string
	Status   CompletionStatus
}

// ParseEvent classifies a raw event into a semantic chunk. Events that match
// no recognized shape (including session_info, which the handler consumes
// directly) yield nil.
func ParseEvent(ev Event) *Chunk {
	if msg := messageBody(ev); msg != nil {
		if chunk := classifyMessage(msg); chunk != nil {
			return chunk
		}
	}

	switch ev.Type {
	case EventContentBlockDelta:
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return &Chunk{Kind: ChunkContent, Text: ev.Delta.Text}
		case "thinking_delta":
			return &Chunk{Kind: ChunkThinking, Thinking: ev.Delta.Thinking}
		}
	case EventContentBlockStart:
		block := ev.ContentBlock
		if block == nil || block.Type != itemToolUse {
			return nil
		}
		if block.Name == subagentToolName {
			return &Chunk{Kind: ChunkSubagentStart, Tasks: []string{subagentDescription(*block)}}
		}
		return &Chunk{Kind: ChunkToolStart, Tools: []ContentItem{*block}}
	case EventError:
		return &Chunk{Kind: ChunkError, Message: errorMessage(ev.Error)}
	case EventExit:
		status := StatusFailed
		if ev.Code == 0 {
			status = StatusSuccess
		}
		return &Chunk{Kind: ChunkComplete, Status: status}
	}
	return nil
}

// messageBody extracts the message from assistant events and from result
// events that wrap one.
func messageBody(ev Event) *MessageBody {
	switch ev.Type {
	case EventAssistant:
		return ev.Message
	case EventResult:
		if len(ev.Result) > 0 {
			var wrapped struct {
				Message *MessageBody `json:"message"`
			}
			if err := json.Unmarshal(ev.Result, &wrapped); err == nil && wrapped.Message != nil {
				return wrapped.Message
			}
		}
		return ev.Message
	}
	return nil
}

func classifyMessage(msg *MessageBody) *Chunk {
	var texts []string
	var thinking []string
	var tools []ContentItem
	for _, item := range msg.Content {
		switch item.Type {
		case itemText:
			texts = append(texts, item.Text)
		case itemThinking:
			thinking = append(thinking, item.Thinking)
		case itemToolUse:
			tools = append(tools, item)
		}
	}

	if len(tools) > 0 {
		var tasks []string
		for _, tool := range tools {
			if tool.Name == subagentToolName {
				tasks = append(tasks, subagentDescription(tool))
			}
		}
		if len(tasks) > 0 {
			return &Chunk{Kind: ChunkSubagentStart, Tasks: tasks}
		}
		return &Chunk{Kind: ChunkToolStart, Tools: tools}
	}

	chunk := &Chunk{Kind: ChunkContent}
	if len(thinking) > 0 {
		chunk.Thinking = strings.Join(thinking, "\n")
	}
	if len(texts) > 0 {
		chunk.Text = strings.Join(texts, "")
	}
	if chunk.Thinking == "" && chunk.Text == "" {
		return nil
	}
	return chunk
}

func subagentDescription(tool ContentItem) string {
	if len(tool.Input) > 0 {
		var input struct {
			Description string `json:"description"`
		}
		if err := json.Unmarshal(tool.Input, &input); err == nil && strings.TrimSpace(input.Description) != "" {
			return input.Description
		}
	}
	return "Subagent"
}

// errorMessage extracts a best-effort message from an error payload, which
// may be an object carrying a message field or a bare string.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "Unknown error"
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return string(raw)
}
