package toolproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// WorkerState is the lifecycle state of a worker process.
type WorkerState string

const (
	WorkerNotStarted WorkerState = "not_started"
	WorkerStarting   WorkerState = "starting"
	WorkerReady      WorkerState = "ready"
	WorkerInUse      WorkerState = "in_use"
	WorkerCrashed    WorkerState = "crashed"
	WorkerRestarting WorkerState = "restarting"
	WorkerStopped    WorkerState = "stopped"
)

// Worker errors.
var (
	ErrWorkerStopped  = errors.New("worker stopped")
	ErrRetryExhausted = errors.New("worker restart attempts exhausted")
	ErrToolNotFound   = errors.New("tool not found")
)

// ToolExecutionError is an application-level failure reported by the tool
// itself. It is returned to the caller and does not affect worker health.
type ToolExecutionError struct {
	Tool    string
	Message string
}

func (e *ToolExecutionError) Error() string {
	return "tool " + e.Tool + ": " + e.Message
}

// Restart policy defaults.
const (
	DefaultMaxRestarts         = 3
	DefaultRestartBackoff      = 500 * time.Millisecond
	DefaultRestartBackoffMax   = 10 * time.Second
	DefaultCallTimeout         = 30 * time.Second
	consecutiveTimeoutsAsCrash = 3
)

// Worker owns one tool process for a capability. Calls against the same
// worker serialize behind callMu so request/response correlation stays
// simple; distinct workers run concurrently.
type Worker struct {
	desc Descriptor

	mu          sync.Mutex
	state       WorkerState
	tr          *transport
	tools       []ToolInfo
	toolsByName map[string]ToolInfo
	restarts    int
	timeouts    int // consecutive call timeouts

	callMu sync.Mutex
}

// NewWorker creates a worker in NotStarted; Start spawns the process.
func NewWorker(d Descriptor) *Worker {
	if d.Timeout == 0 {
		d.Timeout = DefaultCallTimeout
	}
	if d.MaxRestarts == 0 {
		d.MaxRestarts = DefaultMaxRestarts
	}
	return &Worker{desc: d, state: WorkerNotStarted}
}

// Capability returns the capability name this worker serves.
func (w *Worker) Capability() string {
	return w.desc.Capability
}

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Tools returns the schemas discovered at startup. The map is populated once
// per process lifetime; callers never trigger a re-query.
func (w *Worker) Tools() []ToolInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ToolInfo, len(w.tools))
	copy(out, w.tools)
	return out
}

// HasTool reports whether the worker declared the named tool.
func (w *Worker) HasTool(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.toolsByName[name]
	return ok
}

// Start spawns the process, performs the initialize handshake, and lists
// tools. On success the worker is Ready.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state == WorkerStopped {
		w.mu.Unlock()
		return ErrWorkerStopped
	}
	w.state = WorkerStarting
	w.mu.Unlock()

	tr, err := startTransport(w.desc)
	if err != nil {
		w.setState(WorkerCrashed)
		return fmt.Errorf("spawn %s: %w", w.desc.Capability, err)
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, w.desc.Timeout)
	defer cancel()

	raw, err := tr.Send(handshakeCtx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: "relay", Version: "1.0.0"},
	})
	if err != nil {
		tr.Close()
		w.setState(WorkerCrashed)
		return fmt.Errorf("initialize %s: %w", w.desc.Capability, err)
	}
	var initRes InitializeResult
	if err := json.Unmarshal(raw, &initRes); err != nil {
		tr.Close()
		w.setState(WorkerCrashed)
		return fmt.Errorf("%w: bad initialize result: %v", ErrProtocol, err)
	}

	// Handshake ack; workers may ignore it.
	_ = tr.Notify("notifications/initialized", nil)

	raw, err = tr.Send(handshakeCtx, MethodListTools, nil)
	if err != nil {
		tr.Close()
		w.setState(WorkerCrashed)
		return fmt.Errorf("tools/list %s: %w", w.desc.Capability, err)
	}
	var listRes ListToolsResult
	if err := json.Unmarshal(raw, &listRes); err != nil {
		tr.Close()
		w.setState(WorkerCrashed)
		return fmt.Errorf("%w: bad tools/list result: %v", ErrProtocol, err)
	}

	byName := make(map[string]ToolInfo, len(listRes.Tools))
	for _, ti := range listRes.Tools {
		byName[ti.Name] = ti
	}

	w.mu.Lock()
	w.tr = tr
	w.tools = listRes.Tools
	w.toolsByName = byName
	w.timeouts = 0
	w.state = WorkerReady
	w.mu.Unlock()

	log.Info().
		Str("capability", w.desc.Capability).
		Str("server", initRes.ServerInfo.Name).
		Int("tools", len(listRes.Tools)).
		Msg("worker ready")

	return nil
}

// Call invokes a tool on the worker. A dead process is respawned with
// capped exponential backoff before the call is retried; exceeding the cap
// stops the worker and surfaces ErrRetryExhausted.
func (w *Worker) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	// Crash-retry cycles are bounded per call so a tool that reliably kills
	// its process surfaces one ErrRetryExhausted instead of looping.
	respawns := 0
	retryAfterCrash := func() error {
		respawns++
		if respawns > w.desc.MaxRestarts {
			return fmt.Errorf("tools/call %s after %d respawns: %w", tool, respawns-1, ErrRetryExhausted)
		}
		w.crash()
		return w.respawn(ctx)
	}

	for {
		if err := w.ensureReady(ctx); err != nil {
			return "", err
		}

		w.mu.Lock()
		if _, ok := w.toolsByName[tool]; !ok {
			w.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrToolNotFound, tool)
		}
		tr := w.tr
		w.state = WorkerInUse
		w.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, w.desc.Timeout)
		raw, err := tr.Send(callCtx, MethodCallTool, CallParams{Name: tool, Arguments: args})
		cancel()

		if err == nil {
			w.mu.Lock()
			w.timeouts = 0
			if w.state == WorkerInUse {
				w.state = WorkerReady
			}
			w.mu.Unlock()
			return decodeCallResult(tool, raw)
		}

		// A tool-reported protocol error object is fatal to this call and
		// poisons the process.
		var respErr *RespError
		if errors.As(err, &respErr) {
			log.Warn().
				Str("capability", w.desc.Capability).
				Str("tool", tool).
				Int("code", respErr.Code).
				Msg("worker protocol error, respawning")
			if rerr := retryAfterCrash(); rerr != nil {
				return "", rerr
			}
			continue
		}

		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// The call timed out, not the caller. Enough of these in a row
			// is treated as a crash signal.
			w.mu.Lock()
			w.timeouts++
			timeouts := w.timeouts
			if w.state == WorkerInUse {
				w.state = WorkerReady
			}
			w.mu.Unlock()
			if timeouts >= consecutiveTimeoutsAsCrash {
				log.Warn().
					Str("capability", w.desc.Capability).
					Int("consecutive_timeouts", timeouts).
					Msg("treating repeated timeouts as crash")
				if rerr := retryAfterCrash(); rerr != nil {
					return "", rerr
				}
				continue
			}
			return "", fmt.Errorf("tools/call %s: %w", tool, context.DeadlineExceeded)

		case errors.Is(err, ErrTransportClosed), errors.Is(err, ErrProtocol):
			if rerr := retryAfterCrash(); rerr != nil {
				return "", rerr
			}
			continue

		default:
			return "", err
		}
	}
}

// Stop terminates the process and refuses further calls.
func (w *Worker) Stop() {
	w.mu.Lock()
	tr := w.tr
	w.tr = nil
	w.state = WorkerStopped
	w.mu.Unlock()
	if tr != nil {
		tr.Close()
	}
}

// ensureReady starts or respawns the process as needed.
func (w *Worker) ensureReady(ctx context.Context) error {
	w.mu.Lock()
	state := w.state
	tr := w.tr
	w.mu.Unlock()

	switch state {
	case WorkerStopped:
		return ErrWorkerStopped
	case WorkerReady, WorkerInUse:
		select {
		case <-tr.Done():
			// Stream closed behind our back.
			w.crash()
			return w.respawn(ctx)
		default:
			return nil
		}
	case WorkerNotStarted:
		return w.Start(ctx)
	default:
		return w.respawn(ctx)
	}
}

// crash transitions to Crashed and drops the dead transport.
func (w *Worker) crash() {
	w.mu.Lock()
	tr := w.tr
	w.tr = nil
	if w.state != WorkerStopped {
		w.state = WorkerCrashed
	}
	w.mu.Unlock()
	if tr != nil {
		tr.Close()
	}
}

// respawn restarts a crashed process with exponential backoff. Exceeding
// the restart cap stops the worker for good.
func (w *Worker) respawn(ctx context.Context) error {
	w.mu.Lock()
	if w.state == WorkerStopped {
		w.mu.Unlock()
		return ErrWorkerStopped
	}
	w.restarts++
	attempt := w.restarts
	if attempt > w.desc.MaxRestarts {
		w.state = WorkerStopped
		w.mu.Unlock()
		log.Error().
			Str("capability", w.desc.Capability).
			Int("attempts", attempt-1).
			Msg("worker restart attempts exhausted")
		return fmt.Errorf("%s: %w", w.desc.Capability, ErrRetryExhausted)
	}
	w.state = WorkerRestarting
	w.mu.Unlock()

	delay := restartDelay(attempt)
	log.Info().
		Str("capability", w.desc.Capability).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("respawning worker")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	if err := w.Start(ctx); err != nil {
		return w.respawn(ctx)
	}

	w.mu.Lock()
	w.restarts = 0
	w.mu.Unlock()
	return nil
}

// restartDelay is exponential with jitter, capped at the max.
func restartDelay(attempt int) time.Duration {
	d := time.Duration(float64(DefaultRestartBackoff) * math.Pow(2, float64(attempt-1)))
	if d > DefaultRestartBackoffMax {
		d = DefaultRestartBackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// decodeCallResult flattens tool output blocks into one string. An isError
// payload becomes a ToolExecutionError for the caller.
func decodeCallResult(tool string, raw json.RawMessage) (string, error) {
	var res CallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("%w: bad tools/call result: %v", ErrProtocol, err)
	}

	var parts []string
	for _, block := range res.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if res.IsError {
		return "", &ToolExecutionError{Tool: tool, Message: text}
	}
	return text, nil
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	if w.state != WorkerStopped {
		w.state = s
	}
	w.mu.Unlock()
}
