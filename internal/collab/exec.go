// Package collab adapts out-of-process programs and HTTP services to the
// pipeline collaborator interfaces.
//
// Each stage program reads its input blob on stdin and writes its output
// blob to stdout. Stderr lines holding a JSON object with an "event" field
// are protocol messages:
//
//	{"event":"progress","percent":40,"message":"Processing sheet 2 of 5"}
//	{"event":"llm_call","model":"...","prompt_tokens":1200,"completion_tokens":300,"cost_usd":0.0081,"duration_ms":2400}
//	{"event":"stats","systems_count":12,"components_count":40,"row_count":96}
//
// Any other stderr output is diagnostic; when the program exits non-zero its
// last diagnostic line becomes the stage's error message.
package collab

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/petrijr/costbook/pkg/api"
)

// Command is a program invocation.
type Command struct {
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env []string
	Dir string
}

// ParseCommand splits a whitespace-separated command line.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, errors.New("collab: empty command")
	}
	return Command{Path: fields[0], Args: fields[1:]}, nil
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// event is one stderr protocol message.
type event struct {
	Event string `json:"event"`

	Percent int    `json:"percent"`
	Message string `json:"message"`

	Model            string  `json:"model"`
	Purpose          string  `json:"purpose"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	DurationMS       int64   `json:"duration_ms"`

	SourceType       string `json:"source_type"`
	SystemsCount     int    `json:"systems_count"`
	ComponentsCount  int    `json:"components_count"`
	RowCount         int    `json:"row_count"`
	SourcesProcessed int    `json:"sources_processed"`
}

func (e event) duration() time.Duration {
	return time.Duration(e.DurationMS) * time.Millisecond
}

const (
	maxLine      = 1 << 20
	diagnostics  = 20
	maxErrorText = 2000
)

// run executes cmd with extra arguments, feeding stdin and passing each
// protocol event to onEvent. It returns stdout.
func run(ctx context.Context, cmd Command, extra []string, stdin []byte, onEvent func(event) error) ([]byte, error) {
	args := append(append([]string(nil), cmd.Args...), extra...)
	c := exec.CommandContext(ctx, cmd.Path, args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	c.Stdin = bytes.NewReader(stdin)
	var stdout bytes.Buffer
	c.Stdout = &stdout

	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Path, err)
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	tail, scanErr := scanStderr(stderr, onEvent)
	if scanErr != nil {
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, stderr)
	}
	waitErr := c.Wait()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if msg := lastLine(tail); msg != "" {
				return nil, errors.New(msg)
			}
			return nil, fmt.Errorf("%s exited with status %d", cmd.Path, exitErr.ExitCode())
		}
		return nil, fmt.Errorf("%s: %w", cmd.Path, waitErr)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return stdout.Bytes(), nil
}

func scanStderr(r io.Reader, onEvent func(event) error) ([]string, error) {
	var tail []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if ev, ok := parseEvent(line); ok {
			if onEvent != nil {
				if err := onEvent(ev); err != nil {
					return tail, err
				}
			}
			continue
		}
		tail = append(tail, line)
		if len(tail) > diagnostics {
			tail = tail[1:]
		}
	}
	return tail, sc.Err()
}

func parseEvent(line string) (event, bool) {
	if !strings.HasPrefix(line, "{") {
		return event{}, false
	}
	var ev event
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Event == "" {
		return event{}, false
	}
	return ev, true
}

func lastLine(tail []string) string {
	if len(tail) == 0 {
		return ""
	}
	return api.TruncateText(tail[len(tail)-1], maxErrorText)
}
