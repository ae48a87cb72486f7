package mcuproto

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrTimeout is returned when no reply arrives before the caller's context
// deadline (spec.md §4.1 "Timeout").
var ErrTimeout = errors.New("mcuproto: request timed out")

// ErrLinkLost is returned once the channel has been marked broken and no
// reconnect has yet succeeded (spec.md §4.1 "IoError... marked broken").
var ErrLinkLost = errors.New("mcuproto: link lost, reconnecting")

// Opener (re)establishes the underlying byte stream — a serial line or an
// RPC bridge connection (spec.md §2 "Transport"). Implementations are
// handed to FrameTransport so the reconnect loop has something to retry.
type Opener func(ctx context.Context) (io.ReadWriteCloser, error)

// FrameTransport is the framed request/response channel to the MCU
// firmware: newline-delimited JSON, one outstanding request at a time
// (spec.md §4.1). It owns all reconnect policy so Motor Driver Client
// operations never see a half-open link.
type FrameTransport struct {
	open Opener
	log  zerolog.Logger

	mu     sync.Mutex // serializes one request/response cycle at a time
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	broken bool

	// pending holds the still-running read goroutine of a request whose
	// caller gave up (Timeout or cancellation) before a reply arrived. A
	// bare Timeout isn't an IoError (spec.md §4.1), so the link itself
	// stays up and that goroutine keeps reading in the background; the
	// next SendRequest must reconcile with it before issuing a new
	// request, or two goroutines would race on the same bufio.Reader.
	pending chan readResult
}

// staleReplyGrace bounds how long a new request waits for a previous
// request's abandoned reply to surface before concluding the link is
// wedged (as opposed to merely slow).
const staleReplyGrace = 500 * time.Millisecond

// reconcilePending drains a still-outstanding read left behind by a timed
// out or cancelled request, if any. Must be called with t.mu held.
func (t *FrameTransport) reconcilePending(ctx context.Context) error {
	if t.pending == nil {
		return nil
	}
	pending := t.pending
	select {
	case res := <-pending:
		t.pending = nil
		if res.err != nil {
			t.markBroken()
			return fmt.Errorf("mcuproto: read failed on a previously abandoned request: %w", res.err)
		}
		t.log.Warn().Msg("discarding stale reply from a previously abandoned request")
		return nil
	case <-time.After(staleReplyGrace):
		t.pending = nil
		t.markBroken()
		return ErrLinkLost
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

// NewFrameTransport constructs a transport that lazily opens its link on
// first use via open.
func NewFrameTransport(open Opener, log zerolog.Logger) *FrameTransport {
	return &FrameTransport{open: open, log: log.With().Str("component", "mcuproto").Logger()}
}

// ensureConn opens the link if it is not already open, applying the capped
// exponential backoff from spec.md §4.1 ("Reconnect policy: exponential
// backoff capped at 2s, unlimited retries").
func (t *FrameTransport) ensureConn(ctx context.Context) error {
	if t.conn != nil && !t.broken {
		return nil
	}
	backoff := 50 * time.Millisecond
	const maxBackoff = 2 * time.Second
	for {
		conn, err := t.open(ctx)
		if err == nil {
			t.conn = conn
			t.reader = bufio.NewReader(conn)
			t.broken = false
			t.log.Info().Msg("mcu link (re)established")
			return nil
		}
		t.log.Warn().Err(err).Dur("retry_in", backoff).Msg("mcu link open failed, retrying")
		select {
		case <-ctx.Done():
			return fmt.Errorf("mcuproto: reconnect aborted: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// markBroken marks the channel unusable; subsequent SendRequest calls
// fail-fast with ErrLinkLost until a caller drives a reconnect via
// Reconnect (spec.md §4.1).
func (t *FrameTransport) markBroken() {
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.broken = true
	t.pending = nil
}

// IsBroken reports whether the channel is currently marked broken. While it
// is, SendRequest fails with ErrLinkLost.
func (t *FrameTransport) IsBroken() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.broken
}

// Reconnect forces the backoff-and-retry loop described in ensureConn,
// blocking until a new link is open or ctx is cancelled. Nothing else in
// this module calls it on its own: once the link is marked broken, every
// request fails with ErrLinkLost until some caller invokes Reconnect.
func (t *FrameTransport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureConn(ctx)
}

// SendRequest writes req and waits for the next reply frame, failing fast
// if the channel is already broken (spec.md §4.1). A single FrameTransport
// serializes all callers onto one request in flight at a time — this is
// what spec.md §5 calls "the Transport is serialized by the motion lock",
// restated here as the transport's own invariant so it holds even if a
// caller forgets to take the lock.
func (t *FrameTransport) SendRequest(ctx context.Context, req Request) (Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.broken {
		return Response{}, ErrLinkLost
	}
	if err := t.reconcilePending(ctx); err != nil {
		return Response{}, err
	}
	if t.broken {
		return Response{}, ErrLinkLost
	}
	if t.conn == nil {
		if err := t.ensureConn(ctx); err != nil {
			return Response{}, err
		}
	}

	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("mcuproto: encoding request: %w", err)
	}
	line = append(line, '\n')

	if deadline, ok := ctx.Deadline(); ok {
		if dl, ok2 := t.conn.(interface{ SetDeadline(time.Time) error }); ok2 {
			_ = dl.SetDeadline(deadline)
		}
	}

	if _, err := t.conn.Write(line); err != nil {
		t.markBroken()
		return Response{}, fmt.Errorf("mcuproto: write failed: %w", err)
	}

	replyCh := make(chan readResult, 1)
	go func() {
		raw, err := t.reader.ReadBytes('\n')
		replyCh <- readResult{raw: raw, err: err}
	}()

	select {
	case <-ctx.Done():
		// A bare Timeout (or a caller-side cancellation) is not an
		// IoError (spec.md §4.1): the link itself may be fine, just
		// slow to reply, so it is not marked broken here. The read
		// goroutine is still running; stash it so the next call can
		// reconcile with it before sending a new request.
		t.pending = replyCh
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, ErrTimeout
		}
		return Response{}, ctx.Err()
	case res := <-replyCh:
		if res.err != nil {
			t.markBroken()
			return Response{}, fmt.Errorf("mcuproto: read failed: %w", res.err)
		}
		var resp Response
		if err := json.Unmarshal(res.raw, &resp); err != nil {
			return Response{}, fmt.Errorf("mcuproto: decoding response: %w", err)
		}
		if err := ValidateStatus(resp.Status); err != nil {
			return Response{}, err
		}
		return resp, nil
	}
}

type readResult struct {
	raw []byte
	err error
}

// Close releases the underlying link, if any.
func (t *FrameTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.broken = true
	return err
}
