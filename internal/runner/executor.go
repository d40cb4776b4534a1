// Package runner loads submitted source text into a scratch module and
// executes its entry point against a browser page inside a sandboxed
// JavaScript runtime.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/zap"

	"github.com/palebluedot/testrig/internal/browser"
	"github.com/palebluedot/testrig/internal/protocol"
)

// DefaultTimeout bounds a single execution. The original protocol had no
// limit at all; an unresponsive snippet would hang its connection forever.
const DefaultTimeout = 30 * time.Second

// ExecError reports that the entry point ran but raised, including failed
// assertions. Indistinguishable by design from a thrown language error.
type ExecError struct {
	Message string
}

func (e *ExecError) Error() string { return e.Message }

// Executor runs test requests. One executor serves many requests; each run
// gets a fresh runtime and event loop, so submissions cannot observe each
// other's state.
type Executor struct {
	loader  *Loader
	timeout time.Duration
	log     *zap.Logger
}

// Options configures an Executor.
type Options struct {
	// ScratchDir overrides the scratch directory. Empty means the default
	// subfolder of the process temp directory.
	ScratchDir string
	// Timeout bounds each execution. Zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *zap.Logger
}

// New creates an Executor.
func New(opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.Named("runner")
	return &Executor{
		loader:  NewLoader(opts.ScratchDir, log),
		timeout: opts.Timeout,
		log:     log,
	}
}

type evalResult struct {
	value goja.Value
	err   error
}

// Run executes the request's entry point against page. A nil return means
// the test passed; a *LoadError, *ScratchError or *ExecError describes the
// failure. The scratch file is removed on every exit path.
func (e *Executor) Run(ctx context.Context, req *protocol.TestRequest, page browser.Page) error {
	prog, cleanup, err := e.loader.Load(req.Code)
	if err != nil {
		return err
	}
	defer cleanup()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	entry := req.EntryPoint()

	registry := new(require.Registry)
	printer := &zapPrinter{log: e.log.Named("console").With(zap.String("test_id", req.ID))}
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(printer))
	loop := eventloop.NewEventLoop(eventloop.WithRegistry(registry))
	loop.Start()
	defer loop.Stop()

	resultCh := make(chan evalResult, 1)

	loop.RunOnLoop(func(vm *goja.Runtime) {
		// A panic inside the runtime must not take down the loop goroutine.
		defer func() {
			if r := recover(); r != nil {
				resultCh <- evalResult{err: fmt.Errorf("panic in script execution: %v", r)}
			}
		}()

		vm.ClearInterrupt()
		interruptDone := make(chan struct{})
		defer close(interruptDone)
		go func() {
			select {
			case <-runCtx.Done():
				vm.Interrupt("execution cancelled")
			case <-interruptDone:
			}
		}()

		registry.Enable(vm)
		console.Enable(vm)

		module := vm.NewObject()
		exports := vm.NewObject()
		_ = module.Set("exports", exports)
		_ = vm.Set("module", module)
		_ = vm.Set("exports", exports)

		if _, err := vm.RunProgram(prog); err != nil {
			resultCh <- evalResult{err: err}
			return
		}

		// Re-read module.exports: the source may have reassigned it.
		exportsVal := module.Get("exports")
		if exportsVal == nil || goja.IsUndefined(exportsVal) || goja.IsNull(exportsVal) {
			resultCh <- evalResult{err: &LoadError{Entry: entry}}
			return
		}
		fn, ok := goja.AssertFunction(exportsVal.ToObject(vm).Get(entry))
		if !ok {
			resultCh <- evalResult{err: &LoadError{Entry: entry}}
			return
		}

		execCtx := vm.NewObject()
		_ = execCtx.Set("page", newPageObject(vm, runCtx, page))
		_ = execCtx.Set("expect", newExpect(vm))

		val, err := fn(goja.Undefined(), execCtx)
		resultCh <- evalResult{value: val, err: err}
	})

	select {
	case res := <-resultCh:
		if res.err != nil {
			return e.classify(runCtx, res.err)
		}
		if res.value != nil {
			if promise, ok := res.value.Export().(*goja.Promise); ok {
				return e.waitForPromise(runCtx, loop, promise)
			}
		}
		return nil
	case <-runCtx.Done():
		return &ExecError{Message: "execution timed out"}
	}
}

// waitForPromise polls an asynchronous entry point's promise on the event
// loop until it settles, the execution deadline passes, or the caller's
// context ends.
func (e *Executor) waitForPromise(ctx context.Context, loop *eventloop.EventLoop, promise *goja.Promise) error {
	settled := make(chan error, 1)

	var check func(vm *goja.Runtime)
	check = func(vm *goja.Runtime) {
		if ctx.Err() != nil {
			select {
			case settled <- &ExecError{Message: "execution timed out"}:
			default:
			}
			return
		}
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			settled <- nil
		case goja.PromiseStateRejected:
			settled <- &ExecError{Message: rejectionMessage(promise.Result())}
		case goja.PromiseStatePending:
			loop.SetTimeout(check, 10*time.Millisecond)
		}
	}
	loop.RunOnLoop(check)

	select {
	case err := <-settled:
		return err
	case <-ctx.Done():
		return &ExecError{Message: "execution timed out"}
	}
}

// classify converts a runtime failure into the error the connection manager
// reports. Assertion failures and thrown language errors both come through
// as *goja.Exception and yield the same failed outcome.
func (e *Executor) classify(ctx context.Context, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctx.Err() != nil {
			return &ExecError{Message: "execution timed out"}
		}
		return &ExecError{Message: fmt.Sprintf("execution interrupted: %v", interrupted.Value())}
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &ExecError{Message: rejectionMessage(exception.Value())}
	}
	return &ExecError{Message: err.Error()}
}

// rejectionMessage extracts a human-readable message from a thrown value or
// promise rejection: the message property of Error objects, otherwise the
// value's string form (so `throw "boom"` reports exactly "boom").
func rejectionMessage(v goja.Value) string {
	if v == nil {
		return "unknown error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}

// zapPrinter routes console output from submitted code into the server log.
type zapPrinter struct {
	log *zap.Logger
}

func (p *zapPrinter) Log(msg string)   { p.log.Info(msg) }
func (p *zapPrinter) Warn(msg string)  { p.log.Warn(msg) }
func (p *zapPrinter) Error(msg string) { p.log.Error(msg) }
