package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/palebluedot/testrig/internal/protocol"
)

// DefaultAwaitTimeout bounds the wait for a single test's result. The
// original protocol had none; a silent server would hang the caller forever.
const DefaultAwaitTimeout = 60 * time.Second

// Errors
var (
	ErrUnknownTest    = errors.New("test not registered")
	ErrAlreadyPending = errors.New("test already awaiting a result")
	ErrResultTimeout  = errors.New("timed out waiting for result")
)

// Registration is one enrolled test: identity plus the request that runs it.
type Registration struct {
	ID    string
	Title string
	Code  string
	Func  string
}

// FailureError carries the error message of a failed or errored result.
type FailureError struct {
	Status  protocol.Status
	Message string
}

func (e *FailureError) Error() string {
	if e.Message == "" {
		return string(e.Status)
	}
	return e.Message
}

// Sender dispatches one request on the active socket. *Conn satisfies it.
type Sender interface {
	Send(v interface{}) error
}

// Registry tracks enrolled tests in insertion order and correlates inbound
// results with waiting callers through a pending map keyed by test id. Each
// pending entry is fulfilled or rejected exactly once, then removed.
type Registry struct {
	timeout  time.Duration
	log      *zap.Logger
	onStatus func(id string, status protocol.Status, errMsg string)

	mu      sync.Mutex
	order   []Registration
	pending map[string]chan *protocol.TestResult
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// AwaitTimeout bounds each result wait. Zero means DefaultAwaitTimeout.
	AwaitTimeout time.Duration
	Logger       *zap.Logger
	// OnStatus observes per-test status transitions for display.
	OnStatus func(id string, status protocol.Status, errMsg string)
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.AwaitTimeout <= 0 {
		opts.AwaitTimeout = DefaultAwaitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		timeout:  opts.AwaitTimeout,
		log:      opts.Logger.Named("registry"),
		onStatus: opts.OnStatus,
		pending:  make(map[string]chan *protocol.TestResult),
	}
}

// Register appends a test to the ordered registry. Called on mount.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	r.order = append(r.order, reg)
	r.mu.Unlock()
	r.notify(reg.ID, protocol.StatusNotStarted, "")
}

// Unregister removes a test by identity; the remaining order is unchanged.
// Called on unmount.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.order {
		if reg.ID == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// IDs returns a snapshot of registered test ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.order))
	for i, reg := range r.order {
		ids[i] = reg.ID
	}
	return ids
}

// Len reports the number of registered tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Registry) lookup(id string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.order {
		if reg.ID == id {
			return reg, true
		}
	}
	return Registration{}, false
}

// Run dispatches one test and awaits its correlated result. A nil sender or
// dead socket fails immediately with a not-connected outcome. The deferred
// outcome resolves for Passed and rejects with the message for Failed or
// Error; either way the pending entry is removed exactly once.
func (r *Registry) Run(ctx context.Context, s Sender, id string) error {
	reg, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTest, id)
	}
	if s == nil {
		r.notify(id, protocol.StatusError, ErrNotConnected.Error())
		return ErrNotConnected
	}

	r.mu.Lock()
	if _, exists := r.pending[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyPending, id)
	}
	ch := make(chan *protocol.TestResult, 1)
	r.pending[id] = ch
	r.mu.Unlock()

	r.notify(id, protocol.StatusRunning, "")

	req := &protocol.TestRequest{ID: reg.ID, Title: reg.Title, Code: reg.Code, Func: reg.Func}
	if err := s.Send(req); err != nil {
		r.removePending(id)
		r.notify(id, protocol.StatusError, err.Error())
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		return fmt.Errorf("sending request: %w", err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		r.notify(id, res.Status, res.Error)
		if res.Status == protocol.StatusPassed {
			return nil
		}
		return &FailureError{Status: res.Status, Message: res.Error}
	case <-timer.C:
		r.removePending(id)
		r.notify(id, protocol.StatusError, ErrResultTimeout.Error())
		return fmt.Errorf("%w: %s", ErrResultTimeout, id)
	case <-ctx.Done():
		r.removePending(id)
		r.notify(id, protocol.StatusError, ctx.Err().Error())
		return ctx.Err()
	}
}

// deliver routes an inbound result to its waiting caller. Results whose
// test id matches no pending entry are dropped, so close-succession runs
// never cross-deliver.
func (r *Registry) deliver(res *protocol.TestResult) {
	r.mu.Lock()
	ch, ok := r.pending[res.TestID]
	if ok {
		delete(r.pending, res.TestID)
	}
	r.mu.Unlock()
	if !ok {
		r.log.Debug("dropping uncorrelated result", zap.String("test_id", res.TestID))
		return
	}
	ch <- res
}

// failPending rejects every in-flight await with a Failed result carrying
// msg. Used for inbound frames that cannot be parsed: whichever test the
// frame answered cannot be correlated, so each waiting test fails with the
// diagnostic rather than waiting out its timeout.
func (r *Registry) failPending(msg string) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan *protocol.TestResult)
	r.mu.Unlock()
	for id, ch := range pending {
		ch <- protocol.NewResult(id, protocol.StatusFailed, msg)
	}
}

func (r *Registry) removePending(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// pendingCount reports the number of in-flight awaits.
func (r *Registry) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) notify(id string, status protocol.Status, errMsg string) {
	if r.onStatus != nil {
		r.onStatus(id, status, errMsg)
	}
}
