package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// launchFailureThreshold is the number of consecutive failed browser starts
// after which the reported error notes the repeated failure, so a systemic
// problem (e.g. missing Chrome binary) is not masked by per-test errors.
const launchFailureThreshold = 3

// Options configures a Session.
type Options struct {
	Headless bool
	// ChromePath overrides Chrome discovery. Empty means auto-detect.
	ChromePath string
	Logger     *zap.Logger
}

// Session is a per-connection automation context. The browser starts at most
// once per session, on the first request; closing the session closes the
// browser and transitively every page. Safe for use from the single dispatch
// goroutine that owns it plus a concurrent Close.
type Session struct {
	opts Options
	log  *zap.Logger

	mu          sync.Mutex
	state       State
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	defaultPage *chromePage
	named       map[string]*chromePage
	launchFails int

	// startBrowser is swappable for tests.
	startBrowser func() (context.Context, context.CancelFunc, context.CancelFunc, error)
}

// NewSession creates an empty session. No browser is started until the first
// call to Page.
func NewSession(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Session{
		opts:  opts,
		log:   opts.Logger.Named("browser"),
		named: make(map[string]*chromePage),
	}
	s.startBrowser = s.launchChrome
	return s
}

// launchChrome starts a Chrome process and returns the browser context, its
// cancel func, and the allocator cancel func.
func (s *Session) launchChrome() (context.Context, context.CancelFunc, context.CancelFunc, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if s.opts.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(s.opts.ChromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// A no-op run forces the browser process to actually start, so launch
	// failures surface here rather than on the first page operation.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, nil, nil, fmt.Errorf("starting browser: %w", err)
	}

	// Surface in-page console output and uncaught exceptions in the service
	// log; otherwise a snippet's console.log inside evaluate() vanishes.
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			s.log.Debug("page console",
				zap.String("kind", e.Type.String()),
				zap.String("args", consoleArgs(e.Args)))
		case *runtime.EventExceptionThrown:
			s.log.Warn("page exception", zap.String("detail", e.ExceptionDetails.Error()))
		}
	})
	return browserCtx, browserCancel, allocCancel, nil
}

func consoleArgs(args []*runtime.RemoteObject) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		if len(a.Value) > 0 {
			out += string(a.Value)
		} else {
			out += a.Description
		}
	}
	return out
}

// Page returns the session's default page, starting the browser and creating
// the page lazily on first call. A failed start resets the session to
// uninitialized so the next request can retry.
func (s *Session) Page(ctx context.Context) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, ErrSessionClosed
	}
	if err := s.ensureBrowserLocked(); err != nil {
		return nil, err
	}
	if s.defaultPage == nil {
		// The browser context itself is the first tab.
		s.defaultPage = &chromePage{ctx: s.browserCtx}
		s.state = StatePageReady
		s.log.Debug("default page ready")
	}
	return s.defaultPage, nil
}

// NamedPage returns the page registered under name, creating a new tab on
// first use. The default page alone satisfies the common case.
func (s *Session) NamedPage(ctx context.Context, name string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, ErrSessionClosed
	}
	if err := s.ensureBrowserLocked(); err != nil {
		return nil, err
	}
	if p, ok := s.named[name]; ok {
		return p, nil
	}
	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("opening page %q: %w", name, err)
	}
	p := &chromePage{ctx: tabCtx, cancel: tabCancel}
	s.named[name] = p
	s.log.Debug("named page ready", zap.String("name", name))
	return p, nil
}

func (s *Session) ensureBrowserLocked() error {
	if s.state != StateUninitialized {
		return nil
	}
	browserCtx, browserStop, allocCancel, err := s.startBrowser()
	if err != nil {
		s.launchFails++
		if s.launchFails >= launchFailureThreshold {
			err = fmt.Errorf("browser failed to start %d times in a row: %w", s.launchFails, err)
		}
		s.log.Warn("browser start failed", zap.Int("consecutive", s.launchFails), zap.Error(err))
		// State stays uninitialized so a subsequent request retries.
		return err
	}
	s.launchFails = 0
	s.browserCtx = browserCtx
	s.browserStop = browserStop
	s.allocCancel = allocCancel
	s.state = StateBrowserStarted
	s.log.Info("browser started", zap.Bool("headless", s.opts.Headless))
	return nil
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close releases the session: the browser closes, which transitively closes
// all pages. Safe to call multiple times and concurrently with Page.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	for _, p := range s.named {
		if p.cancel != nil {
			p.cancel()
		}
	}
	s.named = make(map[string]*chromePage)
	s.defaultPage = nil
	if s.browserStop != nil {
		s.browserStop()
		s.browserStop = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
	s.state = StateClosed
	s.log.Info("session closed")
	return nil
}
