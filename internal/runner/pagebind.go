package runner

import (
	"context"

	"github.com/dop251/goja"

	"github.com/palebluedot/testrig/internal/browser"
)

// newPageObject exposes the session's page to submitted code. Goja throws
// the trailing error return of each bound function, so a failed page
// operation surfaces in the test exactly like a failed assertion.
func newPageObject(vm *goja.Runtime, ctx context.Context, page browser.Page) *goja.Object {
	obj := vm.NewObject()

	_ = obj.Set("goto", func(url string) error {
		return page.Navigate(ctx, url)
	})
	_ = obj.Set("title", func() (string, error) {
		return page.Title(ctx)
	})
	_ = obj.Set("url", func() (string, error) {
		return page.URL(ctx)
	})
	_ = obj.Set("text", func(selector string) (string, error) {
		return page.Text(ctx, selector)
	})
	_ = obj.Set("click", func(selector string) error {
		return page.Click(ctx, selector)
	})
	_ = obj.Set("waitVisible", func(selector string) error {
		return page.WaitVisible(ctx, selector)
	})
	_ = obj.Set("evaluate", func(expression string) (interface{}, error) {
		var out interface{}
		if err := page.Evaluate(ctx, expression, &out); err != nil {
			return nil, err
		}
		return out, nil
	})

	return obj
}
