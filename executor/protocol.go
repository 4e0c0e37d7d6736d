package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/caffeineduck/lectern/hostfunc"
)

// Control frames written by the guest bootstrap on stderr.
// Format: \x00LECTERN<name>[:payload]\x00
const (
	frameStart   = "\x00LECTERN"
	frameEnd     = "\x00"
	readyFrame   = "LECTERN_READY"
	doneFrame    = "LECTERN_DONE"
	resultPrefix = "LECTERN_RESULT:"
	errorPrefix  = "LECTERN_ERROR:"
	callPrefix   = "LECTERN:"

	maxStderr = 64 << 10
)

// frame encodes a control frame body as written by the guest.
func frame(body string) string {
	return frameEnd + body + frameEnd
}

type frameKind int

const (
	frameNone frameKind = iota
	frameReady
	frameDone
	frameResult
	frameError
	frameCall
)

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

type execCommand struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
}

// nextFrame finds the first complete control frame in content. Text before
// the frame is returned in before; rest holds everything after it. When no
// complete frame is present, ok is false and rest holds the bytes that may
// still turn into a frame once more data arrives.
func nextFrame(content string) (kind frameKind, payload, before, rest string, ok bool) {
	start := strings.Index(content, frameStart)
	if start == -1 {
		held := partialFrameStart(content)
		return frameNone, "", content[:len(content)-held], content[len(content)-held:], false
	}

	end := strings.Index(content[start+1:], frameEnd)
	if end == -1 {
		return frameNone, "", content[:start], content[start:], false
	}

	body := content[start+1 : start+1+end]
	before = content[:start]
	rest = content[start+1+end+1:]

	switch {
	case body == readyFrame:
		return frameReady, "", before, rest, true
	case body == doneFrame:
		return frameDone, "", before, rest, true
	case strings.HasPrefix(body, resultPrefix):
		return frameResult, body[len(resultPrefix):], before, rest, true
	case strings.HasPrefix(body, errorPrefix):
		return frameError, body[len(errorPrefix):], before, rest, true
	case strings.HasPrefix(body, callPrefix):
		return frameCall, body[len(callPrefix):], before, rest, true
	}

	// Not ours; keep it as plain stderr text.
	return frameNone, "", content[:start+1+end+1], rest, true
}

// partialFrameStart returns how many trailing bytes of content form a
// proper prefix of frameStart.
func partialFrameStart(content string) int {
	for n := min(len(frameStart)-1, len(content)); n > 0; n-- {
		if strings.HasSuffix(content, frameStart[:n]) {
			return n
		}
	}
	return 0
}

type execOutcome struct {
	value string
	err   error
}

// controlStream intercepts the guest's stderr. Plain text is kept for
// diagnostics; control frames drive readiness, exec completion and host
// function calls.
type controlStream struct {
	ctx      context.Context
	registry *hostfunc.Registry
	reply    func([]byte) error

	mu      sync.Mutex
	buf     strings.Builder
	stderr  bytes.Buffer
	value   string
	pending chan execOutcome

	ready     chan struct{}
	readyOnce sync.Once
}

func newControlStream(ctx context.Context, registry *hostfunc.Registry, reply func([]byte) error) *controlStream {
	return &controlStream{
		ctx:      ctx,
		registry: registry,
		reply:    reply,
		ready:    make(chan struct{}),
	}
}

func (c *controlStream) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Write(data)
	content := c.buf.String()

	for {
		kind, payload, before, rest, ok := nextFrame(content)
		c.writeStderr(before)
		content = rest
		if !ok {
			break
		}
		c.handleFrame(kind, payload)
	}

	c.buf.Reset()
	c.buf.WriteString(content)
	return len(data), nil
}

func (c *controlStream) handleFrame(kind frameKind, payload string) {
	switch kind {
	case frameReady:
		c.readyOnce.Do(func() { close(c.ready) })
	case frameResult:
		c.value = decodeResult(payload)
	case frameDone:
		c.finish(execOutcome{value: c.value})
	case frameError:
		c.finish(execOutcome{err: &GuestError{Message: payload}})
	case frameCall:
		var req callRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			go c.respond(callResponse{Error: "invalid call format"})
			return
		}
		// The guest blocks on stdin until answered; never answer inline.
		go c.respond(c.executeCall(req))
	}
}

func decodeResult(payload string) string {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return payload
	}
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return payload
	}
}

func (c *controlStream) finish(out execOutcome) {
	c.value = ""
	if c.pending == nil {
		return
	}
	c.pending <- out
	c.pending = nil
}

func (c *controlStream) executeCall(req callRequest) callResponse {
	fn, ok := c.registry.Get(req.Fn)
	if !ok {
		return callResponse{Error: "unknown function: " + req.Fn}
	}

	result, err := fn(c.ctx, req.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

func (c *controlStream) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"error":"internal: failed to marshal response"}`)
	}
	_ = c.reply(append(data, '\n'))
}

// beginExec arms the stream for one exec command and returns the channel
// its outcome is delivered on.
func (c *controlStream) beginExec() <-chan execOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan execOutcome, 1)
	c.pending = ch
	c.value = ""
	return ch
}

// abandon drops the armed exec, if any.
func (c *controlStream) abandon() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

func (c *controlStream) Ready() <-chan struct{} {
	return c.ready
}

func (c *controlStream) writeStderr(s string) {
	if s == "" {
		return
	}
	c.stderr.WriteString(s)
	if over := c.stderr.Len() - maxStderr; over > 0 {
		c.stderr.Next(over)
	}
}

func (c *controlStream) Stderr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stderr.String()
}
