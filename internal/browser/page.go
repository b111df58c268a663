package browser

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ErrStaleFrame reports use of a frame handle acquired before the most
// recent navigation. Frame handles expire on every parent navigation and
// must be re-acquired from the page.
var ErrStaleFrame = errors.New("stale frame handle")

// Page is one browser tab. It tracks a generation counter that advances on
// every navigation so frame handles can detect their own invalidation.
type Page struct {
	session *Session
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	gen     atomic.Int64
}

// Close discards the tab.
func (p *Page) Close() {
	p.cancel()
}

// Generation returns the current navigation generation.
func (p *Page) Generation() int64 {
	return p.gen.Load()
}

// Navigate loads url and waits for the page body. All previously acquired
// frame handles become stale.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	p.gen.Add(1)
	return nil
}

// Invalidate advances the generation without a Navigate call. Used after a
// click that triggers a full page load.
func (p *Page) Invalidate() {
	p.gen.Add(1)
}

// WaitVisible blocks until selector is visible, bounded by the session's
// wait timeout.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

// Click clicks the first match of selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// Text returns the text content of the first match of selector.
func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	var out string
	if err := p.run(ctx, chromedp.Text(selector, &out, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("text of %q: %w", selector, err)
	}
	return out, nil
}

// HTML returns the outer HTML of the document.
func (p *Page) HTML(ctx context.Context) (string, error) {
	var out string
	if err := p.run(ctx, chromedp.OuterHTML("html", &out, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("page html: %w", err)
	}
	return out, nil
}

// Frame waits for the iframe matching selector and returns a handle scoped
// to its content document. The handle is only valid for the current
// navigation generation.
func (p *Page) Frame(ctx context.Context, selector string) (*Frame, error) {
	node, err := p.frameNode(ctx, selector, nil)
	if err != nil {
		return nil, err
	}
	return &Frame{page: p, gen: p.gen.Load(), node: node, selector: selector}, nil
}

func (p *Page) frameNode(ctx context.Context, selector string, from *cdp.Node) (*cdp.Node, error) {
	opts := []chromedp.QueryOption{chromedp.ByQuery}
	if from != nil {
		opts = append(opts, chromedp.FromNode(from))
	}

	var nodes []*cdp.Node
	waitOpts := append(opts, chromedp.AtLeast(1))
	if err := p.run(ctx, chromedp.Nodes(selector, &nodes, waitOpts...)); err != nil {
		return nil, fmt.Errorf("resolve frame %q: %w", selector, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("frame %q not found", selector)
	}
	return nodes[0], nil
}

// run executes actions in the tab context, bounded by the session wait
// timeout and the caller's context.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	taskCtx, cancel := context.WithTimeout(p.ctx, p.session.cfg.WaitTimeout)
	defer cancel()

	stop := forwardCancel(ctx, cancel)
	defer stop()

	return chromedp.Run(taskCtx, actions...)
}

// forwardCancel propagates cancellation of the caller's context into the
// task context without tying their lifetimes together.
func forwardCancel(ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Frame is a handle on an iframe's content, pinned to the navigation
// generation it was acquired under. Every operation re-checks validity: a
// parent navigation invalidates the handle rather than silently targeting a
// dead frame.
type Frame struct {
	page     *Page
	gen      int64
	node     *cdp.Node
	selector string
}

func (f *Frame) check() error {
	if f.gen != f.page.gen.Load() {
		return fmt.Errorf("%w: %q acquired at generation %d, page at %d",
			ErrStaleFrame, f.selector, f.gen, f.page.gen.Load())
	}
	return nil
}

func (f *Frame) opts(extra ...chromedp.QueryOption) []chromedp.QueryOption {
	return append([]chromedp.QueryOption{chromedp.ByQuery, chromedp.FromNode(f.node)}, extra...)
}

// WaitVisible blocks until selector is visible inside the frame.
func (f *Frame) WaitVisible(ctx context.Context, selector string) error {
	if err := f.check(); err != nil {
		return err
	}
	if err := f.page.run(ctx, chromedp.WaitVisible(selector, f.opts()...)); err != nil {
		return fmt.Errorf("wait for %q in frame %q: %w", selector, f.selector, err)
	}
	return nil
}

// Click clicks the first match of selector inside the frame.
func (f *Frame) Click(ctx context.Context, selector string) error {
	if err := f.check(); err != nil {
		return err
	}
	if err := f.page.run(ctx, chromedp.Click(selector, f.opts()...)); err != nil {
		return fmt.Errorf("click %q in frame %q: %w", selector, f.selector, err)
	}
	return nil
}

// Fill replaces the value of the input matching selector.
func (f *Frame) Fill(ctx context.Context, selector, value string) error {
	if err := f.check(); err != nil {
		return err
	}
	actions := []chromedp.Action{
		chromedp.Clear(selector, f.opts()...),
		chromedp.SendKeys(selector, value, f.opts()...),
	}
	if err := f.page.run(ctx, actions...); err != nil {
		return fmt.Errorf("fill %q in frame %q: %w", selector, f.selector, err)
	}
	return nil
}

// SelectOption picks the option with the given value in a select element.
func (f *Frame) SelectOption(ctx context.Context, selector, value string) error {
	if err := f.check(); err != nil {
		return err
	}
	if err := f.page.run(ctx, chromedp.SetValue(selector, value, f.opts()...)); err != nil {
		return fmt.Errorf("select %q=%q in frame %q: %w", selector, value, f.selector, err)
	}
	return nil
}

// Text returns the text content of the first match inside the frame.
func (f *Frame) Text(ctx context.Context, selector string) (string, error) {
	if err := f.check(); err != nil {
		return "", err
	}
	var out string
	if err := f.page.run(ctx, chromedp.Text(selector, &out, f.opts()...)); err != nil {
		return "", fmt.Errorf("text of %q in frame %q: %w", selector, f.selector, err)
	}
	return out, nil
}

// HTML returns the frame document's outer HTML, for the extraction layer.
func (f *Frame) HTML(ctx context.Context) (string, error) {
	if err := f.check(); err != nil {
		return "", err
	}
	var out string
	if err := f.page.run(ctx, chromedp.OuterHTML("html", &out, f.opts()...)); err != nil {
		return "", fmt.Errorf("html of frame %q: %w", f.selector, err)
	}
	return out, nil
}

// Frame resolves a nested iframe relative to this frame.
func (f *Frame) Frame(ctx context.Context, selector string) (*Frame, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	node, err := f.page.frameNode(ctx, selector, f.node)
	if err != nil {
		return nil, err
	}
	return &Frame{page: f.page, gen: f.gen, node: node, selector: f.selector + " > " + selector}, nil
}
