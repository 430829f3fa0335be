package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout bounds the wait for a single response.
const DefaultTimeout = 2 * time.Second

// Writer is the command characteristic of a connected controller.
type Writer interface {
	Send(ctx context.Context, frame []byte) error
}

type pending struct {
	cmd    Command
	seq    byte
	result chan result
}

type result struct {
	resp Response
	err  error
}

// Engine serializes commands to one controller. Only one command may be in
// flight; a concurrent Send fails with ErrBusy.
type Engine struct {
	w       Writer
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	seq     byte
	current *pending
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func NewEngine(w Writer, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{w: w, logger: logger, timeout: DefaultTimeout}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Send writes the command and waits for its matching response.
func (e *Engine) Send(ctx context.Context, cmd Command) (Response, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Response{}, &CommandError{Command: cmd, Err: ErrClosed}
	}
	if e.current != nil {
		e.mu.Unlock()
		return Response{}, &CommandError{Command: cmd, Err: ErrBusy}
	}
	e.seq++
	p := &pending{cmd: cmd, seq: e.seq, result: make(chan result, 1)}
	e.current = p
	e.mu.Unlock()
	defer e.clear(p)

	frame := cmd.Encode(p.seq)
	e.logger.Debug("send command", "command", cmd.String(), "seq", p.seq, "len", len(frame))

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.w.Send(ctx, frame); err != nil {
		return Response{}, &CommandError{Command: cmd, Err: fmt.Errorf("write: %w", err)}
	}

	select {
	case r := <-p.result:
		return r.resp, r.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return Response{}, &CommandError{Command: cmd, Err: ErrTimeout}
		}
		return Response{}, &CommandError{Command: cmd, Err: ErrCanceled}
	}
}

func (e *Engine) clear(p *pending) {
	e.mu.Lock()
	if e.current == p {
		e.current = nil
	}
	e.mu.Unlock()
}

// OnResponse is the response characteristic callback.
func (e *Engine) OnResponse(raw []byte) {
	if len(raw) < minResponseSize {
		e.logger.Debug("short command response", "len", len(raw))
		return
	}
	id, status, sub, seq := raw[0], raw[respStatusOffset], raw[respSubOffset], raw[respSeqOffset]

	e.mu.Lock()
	p := e.current
	if p == nil {
		e.mu.Unlock()
		e.logger.Debug("unsolicited command response", "id", id, "sub", sub)
		return
	}
	if id != p.cmd.ID || sub != p.cmd.Sub {
		e.mu.Unlock()
		e.logger.Debug("discarding mismatched response", "id", id, "sub", sub, "pending", p.cmd.String())
		return
	}
	if seq != 0 && seq != p.seq {
		e.mu.Unlock()
		e.logger.Debug("discarding stale response", "seq", seq, "pending_seq", p.seq)
		return
	}
	e.current = nil
	e.mu.Unlock()

	resp := Response{ID: id, Sub: sub, Seq: seq}
	if len(raw) > HeaderSize {
		resp.Data = append([]byte(nil), raw[HeaderSize:]...)
	}
	r := result{resp: resp}
	if status != statusAck {
		r.err = &CommandError{Command: p.cmd, Status: status, Err: ErrRejected}
	}
	p.result <- r
}

// Close fails the in-flight command with ErrCanceled and rejects new ones.
func (e *Engine) Close() {
	e.mu.Lock()
	p := e.current
	e.current = nil
	e.closed = true
	e.mu.Unlock()
	if p != nil {
		p.result <- result{err: &CommandError{Command: p.cmd, Err: ErrCanceled}}
	}
}
