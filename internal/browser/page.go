package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// chromePage is a Page backed by a chromedp tab context.
type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc // nil for the default page, owned by the session
}

func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	// Bound the tab context by the caller's deadline.
	runCtx := p.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(p.ctx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body")); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	if err := p.run(ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("reading title: %w", err)
	}
	return title, nil
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("reading location: %w", err)
	}
	return loc, nil
}

func (p *chromePage) Text(ctx context.Context, selector string) (string, error) {
	var text string
	if err := p.run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("reading text of %q: %w", selector, err)
	}
	return text, nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("clicking %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("waiting for %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, out interface{}) error {
	if err := p.run(ctx, chromedp.Evaluate(expression, out)); err != nil {
		return fmt.Errorf("evaluating expression: %w", err)
	}
	return nil
}
