package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/palebluedot/testrig/internal/protocol"
)

// fakePage records page operations without a browser.
type fakePage struct {
	navigated []string
	clicked   []string
	title     string
	failWith  error
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	if p.failWith != nil {
		return p.failWith
	}
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *fakePage) Title(ctx context.Context) (string, error) { return p.title, p.failWith }
func (p *fakePage) URL(ctx context.Context) (string, error)   { return "about:blank", p.failWith }

func (p *fakePage) Text(ctx context.Context, selector string) (string, error) {
	return "", p.failWith
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	if p.failWith != nil {
		return p.failWith
	}
	p.clicked = append(p.clicked, selector)
	return nil
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string) error { return p.failWith }

func (p *fakePage) Evaluate(ctx context.Context, expression string, out interface{}) error {
	return p.failWith
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	return New(Options{ScratchDir: t.TempDir(), Logger: zap.NewNop()})
}

func runCode(t *testing.T, e *Executor, code, fn string, page *fakePage) error {
	t.Helper()
	if page == nil {
		page = &fakePage{}
	}
	req := &protocol.TestRequest{ID: "t1", Title: "test", Code: code, Func: fn}
	return e.Run(context.Background(), req, page)
}

func TestRun_AsyncAssertionPasses(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t)
	err := runCode(t, e, `export default async ({page, expect}) => { await expect(true).toBe(true); }`, "", nil)
	if err != nil {
		t.Fatalf("want pass, got %v", err)
	}
}

func TestRun_ThrownStringReportedVerbatim(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t)
	err := runCode(t, e, `export default () => { throw "boom"; }`, "", nil)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("want ExecError, got %v", err)
	}
	if execErr.Message != "boom" {
		t.Errorf("want message %q, got %q", "boom", execErr.Message)
	}
}

func TestRun_AsyncThrownErrorMessage(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t)
	err := runCode(t, e, `export default async () => { throw new Error("boom"); }`, "", nil)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("want ExecError, got %v", err)
	}
	if execErr.Message != "boom" {
		t.Errorf("want message %q, got %q", "boom", execErr.Message)
	}
}

func TestRun_MissingEntryPoint(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t)
	err := runCode(t, e, `export default () => {}`, "missing", nil)
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("want LoadError, got %v", err)
	}
	if !strings.Contains(loadErr.Error(), "missing") {
		t.Errorf("message should name the entry point: %s", loadErr.Error())
	}
}

func TestRun_EntryPointNotInvocable(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t)
	err := runCode(t, e, `module.exports.default = 42`, "", nil)
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("want LoadError, got %v", err)
	}
}

func TestRun_FailedAssertionMessage(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t)
	err := runCode(t, e, `export default ({expect}) => { expect(1).toBe(2); }`, "", nil)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("want ExecError, got %v", err)
	}
	if execErr.Message != "expected 1 to be 2" {
		t.Errorf("unexpected assertion message: %q", execErr.Message)
	}
}

func TestRun_NegatedAssertion(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t)
	if err := runCode(t, e, `export default ({expect}) => { expect(1).not.toBe(2); }`, "", nil); err != nil {
		t.Fatalf("want pass, got %v", err)
	}
	err := runCode(t, e, `export default ({expect}) => { expect(1).not.toBe(1); }`, "", nil)
	if err == nil {
		t.Fatal("want failure for negated match")
	}
}

func TestRun_Matchers(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t)
	code := `export default ({expect}) => {
		expect("hello world").toContain("world");
		expect([1, 2, 3]).toContain(2);
		expect([1, 2, 3]).toHaveLength(3);
		expect({a: 1}).toEqual({a: 1});
		expect(1).toBeTruthy();
		expect("").toBeFalsy();
	}`
	if err := runCode(t, e, code, "", nil); err != nil {
		t.Fatalf("want pass, got %v", err)
	}
}

func TestRun_PageOperations(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t)
	page := &fakePage{title: "hello"}
	code := `export default async ({page, expect}) => {
		await page.goto("http://example.test/");
		await expect(await page.title()).toBe("hello");
		await page.click("#go");
	}`
	if err := runCode(t, e, code, "", page); err != nil {
		t.Fatalf("want pass, got %v", err)
	}
	if len(page.navigated) != 1 || page.navigated[0] != "http://example.test/" {
		t.Errorf("navigation not recorded: %v", page.navigated)
	}
	if len(page.clicked) != 1 || page.clicked[0] != "#go" {
		t.Errorf("click not recorded: %v", page.clicked)
	}
}

func TestRun_PageErrorFailsTest(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t)
	page := &fakePage{failWith: fmt.Errorf("tab crashed")}
	err := runCode(t, e, `export default async ({page}) => { await page.goto("http://x/"); }`, "", page)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("want ExecError, got %v", err)
	}
	if !strings.Contains(execErr.Message, "tab crashed") {
		t.Errorf("page failure message lost: %q", execErr.Message)
	}
}

func TestRun_NamedEntryPoint(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t)
	code := `export async function smoke({expect}) { await expect(1).toBe(1); }`
	if err := runCode(t, e, code, "smoke", nil); err != nil {
		t.Fatalf("want pass, got %v", err)
	}
}

func TestRun_TimeoutInterruptsBusyLoop(t *testing.T) {
	t.Parallel()

	e := New(Options{ScratchDir: t.TempDir(), Timeout: 200 * time.Millisecond, Logger: zap.NewNop()})
	start := time.Now()
	err := runCode(t, e, `export default () => { for (;;) {} }`, "", nil)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("want ExecError, got %v", err)
	}
	if !strings.Contains(execErr.Message, "timed out") {
		t.Errorf("want timeout message, got %q", execErr.Message)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("interrupt took too long: %v", elapsed)
	}
}

func TestRun_ScratchFileGoneAfterPassAndFail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e := New(Options{ScratchDir: dir, Logger: zap.NewNop()})

	if err := runCode(t, e, `export default () => {}`, "", nil); err != nil {
		t.Fatalf("want pass, got %v", err)
	}
	if err := runCode(t, e, `export default () => { throw "bad"; }`, "", nil); err == nil {
		t.Fatal("want failure")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch files left behind: %v", entries)
	}
}

func TestRun_FreshRuntimePerExecution(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t)
	if err := runCode(t, e, `globalThis.leak = 1; export default () => {}`, "", nil); err != nil {
		t.Fatalf("want pass, got %v", err)
	}
	code := `export default ({expect}) => { expect(typeof globalThis.leak).toBe("undefined"); }`
	if err := runCode(t, e, code, "", nil); err != nil {
		t.Fatalf("state leaked across executions: %v", err)
	}
}
