package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/quailyquaily/agentgate/internal/streamparse"
)

// SessionConfig controls how backend CLI processes are launched.
type SessionConfig struct {
	// Command is the agent CLI binary, e.g. "claude".
	Command string
	// Args are extra arguments appended before the stream flags.
	Args []string
	// WorkspacePath is the working directory for the process.
	WorkspacePath string
}

// BackendSession is one live backend CLI session. Implemented by Session;
// the manager and the message handler depend only on this surface.
type BackendSession interface {
	StartTask(ctx context.Context, text, sessionID string) (<-chan Event, error)
	IsBusy() bool
	Stop() bool
}

// Session drives one backend CLI process per task. The process emits one
// JSON event per stdout line; non-JSON lines are treated as raw model text
// and run through the incremental stream parsers.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	busy bool
}

func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	if strings.TrimSpace(cfg.Command) == "" {
		cfg.Command = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{cfg: cfg, logger: logger}
}

// StartTask launches the CLI for one turn and returns its event stream. The
// channel is closed after the exit event. Cancelling ctx kills the process.
func (s *Session) StartTask(ctx context.Context, text, sessionID string) (<-chan Event, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("session is busy")
	}

	args := append([]string(nil), s.cfg.Args...)
	args = append(args, "--print", "--verbose", "--output-format", "stream-json")
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	if s.cfg.WorkspacePath != "" {
		cmd.Dir = s.cfg.WorkspacePath
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = strings.NewReader(text)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.cmd = cmd
	s.busy = true
	s.mu.Unlock()

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer func() {
			s.mu.Lock()
			s.busy = false
			s.cmd = nil
			s.mu.Unlock()
		}()

		thinkParser := streamparse.NewThinkTagParser()
		toolParser := streamparse.NewToolCallParser()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			ev, ok := decodeEventLine(line)
			if ok {
				events <- ev
				continue
			}
			for _, raw := range parseRawLine(thinkParser, toolParser, line+"\n") {
				events <- raw
			}
		}
		if err := scanner.Err(); err != nil {
			s.logger.Warn("cli_stream_read_error", "error", err.Error())
		}
		for _, raw := range flushRawParsers(thinkParser, toolParser) {
			events <- raw
		}

		code := 0
		if err := cmd.Wait(); err != nil {
			code = 1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
		events <- Event{Type: EventExit, Code: code}
	}()
	return events, nil
}

func (s *Session) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Stop kills the process group of the running task, if any.
func (s *Session) Stop() bool {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.busy = false
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return false
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		// Fall back to killing the direct child.
		if killErr := cmd.Process.Kill(); killErr != nil {
			s.logger.Warn("cli_session_stop_error", "error", killErr.Error())
			return false
		}
	}
	return true
}

// decodeEventLine parses one stdout line as a raw event. Lines the backend
// emits with type "system" carry the durable session id; they are surfaced
// as session_info.
func decodeEventLine(line string) (Event, bool) {
	if !strings.HasPrefix(line, "{") {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
		return Event{}, false
	}
	if ev.Type == "system" {
		if ev.SessionID == "" {
			return Event{}, false
		}
		return Event{Type: EventSessionInfo, SessionID: ev.SessionID}, true
	}
	return ev, true
}

// parseRawLine turns non-JSON model text into delta and tool-use events via
// the incremental parsers.
func parseRawLine(thinkParser *streamparse.ThinkTagParser, toolParser *streamparse.ToolCallParser, text string) []Event {
	var out []Event
	for _, seg := range thinkParser.Feed(text) {
		if seg.Type == streamparse.SegmentThinking {
			out = append(out, Event{
				Type:  EventContentBlockDelta,
				Delta: &Delta{Type: "thinking_delta", Thinking: seg.Content},
			})
			continue
		}
		filtered, calls := toolParser.Feed(seg.Content)
		out = append(out, eventsFromProse(filtered, calls)...)
	}
	return out
}

func flushRawParsers(thinkParser *streamparse.ThinkTagParser, toolParser *streamparse.ToolCallParser) []Event {
	var out []Event
	for _, seg := range thinkParser.Flush() {
		if seg.Type == streamparse.SegmentThinking {
			out = append(out, Event{
				Type:  EventContentBlockDelta,
				Delta: &Delta{Type: "thinking_delta", Thinking: seg.Content},
			})
			continue
		}
		filtered, calls := toolParser.Feed(seg.Content)
		out = append(out, eventsFromProse(filtered, calls)...)
	}
	out = append(out, eventsFromProse("", toolParser.Flush())...)
	return out
}

func eventsFromProse(filtered string, calls []streamparse.ToolCall) []Event {
	var out []Event
	if filtered != "" {
		out = append(out, Event{
			Type:  EventContentBlockDelta,
			Delta: &Delta{Type: "text_delta", Text: filtered},
		})
	}
	for _, call := range calls {
		input, _ := json.Marshal(call.Input())
		out = append(out, Event{
			Type: EventContentBlockStart,
			ContentBlock: &ContentItem{
				Type:  itemToolUse,
				Name:  call.Name,
				Input: input,
			},
		})
	}
	return out
}
