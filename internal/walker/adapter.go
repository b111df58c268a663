package walker

import (
	"context"

	"github.com/harunari/chotatsu-sync/internal/browser"
)

// FromBrowser wraps a chromedp-backed page in the walker's Page port. The
// wrapper only narrows return types; behavior is the browser package's.
func FromBrowser(p *browser.Page) Page {
	return browserPage{p: p}
}

type browserPage struct {
	p *browser.Page
}

func (b browserPage) Navigate(ctx context.Context, url string) error {
	return b.p.Navigate(ctx, url)
}

func (b browserPage) Invalidate() {
	b.p.Invalidate()
}

func (b browserPage) WaitVisible(ctx context.Context, selector string) error {
	return b.p.WaitVisible(ctx, selector)
}

func (b browserPage) Click(ctx context.Context, selector string) error {
	return b.p.Click(ctx, selector)
}

func (b browserPage) Text(ctx context.Context, selector string) (string, error) {
	return b.p.Text(ctx, selector)
}

func (b browserPage) Frame(ctx context.Context, selector string) (Frame, error) {
	f, err := b.p.Frame(ctx, selector)
	if err != nil {
		return nil, err
	}
	return browserFrame{f: f}, nil
}

type browserFrame struct {
	f *browser.Frame
}

func (b browserFrame) WaitVisible(ctx context.Context, selector string) error {
	return b.f.WaitVisible(ctx, selector)
}

func (b browserFrame) Click(ctx context.Context, selector string) error {
	return b.f.Click(ctx, selector)
}

func (b browserFrame) Fill(ctx context.Context, selector, value string) error {
	return b.f.Fill(ctx, selector, value)
}

func (b browserFrame) SelectOption(ctx context.Context, selector, value string) error {
	return b.f.SelectOption(ctx, selector, value)
}

func (b browserFrame) HTML(ctx context.Context) (string, error) {
	return b.f.HTML(ctx)
}

func (b browserFrame) Frame(ctx context.Context, selector string) (Frame, error) {
	inner, err := b.f.Frame(ctx, selector)
	if err != nil {
		return nil, err
	}
	return browserFrame{f: inner}, nil
}
