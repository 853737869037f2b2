package toolproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Transport errors.
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrProtocol        = errors.New("protocol error")
)

// maxFrameBytes bounds one protocol line. Tool output larger than this is a
// protocol violation.
const maxFrameBytes = 8 * 1024 * 1024

// transport speaks line-delimited JSON to one worker process over its
// standard streams. One reader goroutine demultiplexes responses to pending
// callers by id; writes serialize behind a mutex.
type transport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[int64]chan *Response
	onNotify func(method string, params json.RawMessage)
	closed   bool
	exitErr  error

	done chan struct{}
}

// startTransport spawns the worker process and begins reading frames.
func startTransport(d Descriptor) (*transport, error) {
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Env = os.Environ()
	for k, v := range d.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", d.Command, err)
	}

	t := &transport{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}

	go t.readLoop()
	return t, nil
}

// Send sends a correlated request and blocks until the matching response,
// context cancellation, or transport failure.
func (t *transport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	ch := make(chan *Response, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, t.closeReason()
	}
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.writeFrame(Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, t.closeReason()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Notify sends a fire-and-forget notification. It never waits for a reply.
func (t *transport) Notify(method string, params any) error {
	return t.writeFrame(Notification{JSONRPC: "2.0", Method: method, Params: params})
}

// OnNotification registers the handler for worker-initiated notifications.
func (t *transport) OnNotification(fn func(method string, params json.RawMessage)) {
	t.mu.Lock()
	t.onNotify = fn
	t.mu.Unlock()
}

// Done is closed when the worker's stream closes or the process exits.
func (t *transport) Done() <-chan struct{} {
	return t.done
}

// Close terminates the worker process and fails all pending calls.
func (t *transport) Close() error {
	t.shutdown(ErrTransportClosed)
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return nil
}

func (t *transport) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		t.shutdown(fmt.Errorf("%w: write: %v", ErrTransportClosed, err))
		return ErrTransportClosed
	}
	return nil
}

// readLoop reads frames until the stream closes, routing responses to
// pending callers and notifications to the handler.
func (t *transport) readLoop() {
	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Warn().Err(err).Msg("malformed worker frame")
			t.shutdown(fmt.Errorf("%w: malformed frame", ErrProtocol))
			_ = t.cmd.Process.Kill()
			break
		}

		if resp.ID == nil {
			// Worker-initiated notification. Must never block the reader.
			t.mu.Lock()
			fn := t.onNotify
			t.mu.Unlock()
			if fn != nil && resp.Method != "" {
				go fn(resp.Method, resp.Params)
			}
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		t.mu.Unlock()
		if !ok {
			if *resp.ID >= 1 && *resp.ID <= t.nextID.Load() {
				// Late reply to a call whose caller already gave up
				// (timed out or cancelled). Not the worker's fault.
				log.Debug().Int64("id", *resp.ID).Msg("dropping late response")
				continue
			}
			// Response for an id we never issued.
			log.Warn().Int64("id", *resp.ID).Msg("response with unknown id")
			t.shutdown(fmt.Errorf("%w: unknown response id %d", ErrProtocol, *resp.ID))
			_ = t.cmd.Process.Kill()
			break
		}
		ch <- &resp
	}

	err := t.cmd.Wait()
	t.shutdown(fmt.Errorf("%w: worker exited: %v", ErrTransportClosed, err))
}

// shutdown marks the transport dead exactly once and wakes all waiters.
func (t *transport) shutdown(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.exitErr = reason
	close(t.done)
}

func (t *transport) closeReason() error {
	if t.exitErr != nil {
		return t.exitErr
	}
	return ErrTransportClosed
}
