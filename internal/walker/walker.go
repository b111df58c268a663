// Package walker drives the browsing session through the portal's fixed
// page sequence: top page, search form, result list, detail, and back.
//
// Frame handles are invalidated by every parent navigation, so the walker
// holds only the top-level page reference and re-acquires nested frames at
// each step; it never caches a handle across a transition.
package walker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/extract"
	"github.com/harunari/chotatsu-sync/internal/portal"
)

// Portal page structure. The search application lives two frame levels deep
// under the top page.
const (
	selOuterFrame = `iframe[name="contents"]`
	selInnerFrame = `iframe[name="main"]`

	selTopMarker     = "#header"
	selSearchMenu    = `a[href*="announceSearch"]`
	selNameFilter    = `input[name="articleNm"]`
	selPageSize      = `select[name="dispCnt"]`
	selSearchButton  = `input[name="searchBtn"]`
	selResultsMarker = "table.searchResult"
	selDetailMarker  = "table.articleDetail"
	selBackButton    = `input[name="backBtn"]`

	maintenanceText = "メンテナンス"
)

// ErrServiceUnavailable distinguishes the portal's maintenance banner from a
// broken navigation: there is nothing to do, rather than something to fix.
var ErrServiceUnavailable = errors.New("portal under maintenance")

// Page is the top-level browsing context the walker drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Invalidate()
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	Text(ctx context.Context, selector string) (string, error)
	Frame(ctx context.Context, selector string) (Frame, error)
}

// Frame is a nested browsing context. Handles expire on every parent
// navigation; implementations report stale use as an error.
type Frame interface {
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	SelectOption(ctx context.Context, selector, value string) error
	HTML(ctx context.Context) (string, error)
	Frame(ctx context.Context, selector string) (Frame, error)
}

// Config narrows the search the walker performs.
type Config struct {
	URL        string
	NameFilter string
	NewOnly    bool
	PageSize   int
	Keywords   []string
}

// Walker is the navigation state machine. It owns the page exclusively for
// the duration of one run.
type Walker struct {
	page   Page
	cfg    Config
	logger *zap.Logger
}

// New builds a Walker over an already-open page.
func New(page Page, cfg Config, logger *zap.Logger) *Walker {
	return &Walker{page: page, cfg: cfg, logger: logger}
}

// Connect loads the top page and checks it is actually serving. A missing
// top marker is a connectivity failure; a maintenance banner is reported as
// ErrServiceUnavailable so the caller can tell "nothing to do" from
// "broken".
func (w *Walker) Connect(ctx context.Context) error {
	if err := w.page.Navigate(ctx, w.cfg.URL); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	body, err := w.page.Text(ctx, "body")
	if err != nil {
		return fmt.Errorf("read top page: %w", err)
	}
	if strings.Contains(body, maintenanceText) {
		return ErrServiceUnavailable
	}

	if err := w.page.WaitVisible(ctx, selTopMarker); err != nil {
		return fmt.Errorf("top page marker: %w", err)
	}
	w.logger.Info("portal top page loaded")
	return nil
}

// OpenSearch walks from the top page into the search form and submits the
// configured search. The form sits two frame levels deep, so the transition
// needs two consecutive frame acquisitions after the menu click.
func (w *Walker) OpenSearch(ctx context.Context) error {
	if err := w.page.WaitVisible(ctx, selSearchMenu); err != nil {
		return fmt.Errorf("search menu: %w", err)
	}
	if err := w.page.Click(ctx, selSearchMenu); err != nil {
		return fmt.Errorf("open search menu: %w", err)
	}
	w.page.Invalidate()

	outer, err := w.page.Frame(ctx, selOuterFrame)
	if err != nil {
		return fmt.Errorf("outer frame: %w", err)
	}
	form, err := outer.Frame(ctx, selInnerFrame)
	if err != nil {
		return fmt.Errorf("form frame: %w", err)
	}
	if err := form.WaitVisible(ctx, selNameFilter); err != nil {
		return fmt.Errorf("search form marker: %w", err)
	}

	if w.cfg.NameFilter != "" {
		if err := form.Fill(ctx, selNameFilter, w.cfg.NameFilter); err != nil {
			return fmt.Errorf("fill name filter: %w", err)
		}
	}
	if err := form.SelectOption(ctx, selPageSize, strconv.Itoa(w.cfg.PageSize)); err != nil {
		return fmt.Errorf("select page size: %w", err)
	}
	if err := form.Click(ctx, selSearchButton); err != nil {
		return fmt.Errorf("submit search: %w", err)
	}
	w.page.Invalidate()

	list, err := w.listFrame(ctx)
	if err != nil {
		return err
	}
	if err := list.WaitVisible(ctx, selResultsMarker); err != nil {
		return fmt.Errorf("results marker: %w", err)
	}
	w.logger.Info("search submitted",
		zap.String("name_filter", w.cfg.NameFilter),
		zap.Int("page_size", w.cfg.PageSize))
	return nil
}

// ListEntities extracts the current result list.
func (w *Walker) ListEntities(ctx context.Context) ([]portal.Entity, error) {
	list, err := w.listFrame(ctx)
	if err != nil {
		return nil, err
	}
	html, err := list.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("result list html: %w", err)
	}
	entities, err := extract.Entities(html)
	if err != nil {
		return nil, fmt.Errorf("extract entities: %w", err)
	}
	return entities, nil
}

// OpenDetail clicks through to an entity's detail page and returns a fresh
// handle on the detail frame. The click reloads the whole frame set, so the
// handle is re-acquired from the page after the transition.
func (w *Walker) OpenDetail(ctx context.Context, e portal.Entity) (Frame, error) {
	list, err := w.listFrame(ctx)
	if err != nil {
		return nil, err
	}
	if err := list.Click(ctx, anchorSelector(e.DetailLinkToken)); err != nil {
		return nil, fmt.Errorf("open detail %s: %w", e.ID, err)
	}
	w.page.Invalidate()

	detail, err := w.listFrame(ctx)
	if err != nil {
		return nil, err
	}
	if err := detail.WaitVisible(ctx, selDetailMarker); err != nil {
		return nil, fmt.Errorf("detail marker for %s: %w", e.ID, err)
	}
	return detail, nil
}

// ListAttachments extracts the attachment candidates from an open detail
// frame, marking eligibility against the configured keywords.
func (w *Walker) ListAttachments(ctx context.Context, detail Frame) ([]portal.Attachment, error) {
	html, err := detail.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("detail html: %w", err)
	}
	atts, err := extract.Attachments(html, w.cfg.Keywords)
	if err != nil {
		return nil, fmt.Errorf("extract attachments: %w", err)
	}
	return atts, nil
}

// Back returns from a detail page to the result list. The detail-to-list
// transition fully reloads the outer frame set, so the back button and the
// results marker are both resolved through fresh handles.
func (w *Walker) Back(ctx context.Context) error {
	detail, err := w.listFrame(ctx)
	if err != nil {
		return err
	}
	if err := detail.Click(ctx, selBackButton); err != nil {
		return fmt.Errorf("back to results: %w", err)
	}
	w.page.Invalidate()

	list, err := w.listFrame(ctx)
	if err != nil {
		return err
	}
	if err := list.WaitVisible(ctx, selResultsMarker); err != nil {
		return fmt.Errorf("results marker after back: %w", err)
	}
	return nil
}

// listFrame re-acquires the inner application frame from the top-level page.
func (w *Walker) listFrame(ctx context.Context) (Frame, error) {
	outer, err := w.page.Frame(ctx, selOuterFrame)
	if err != nil {
		return nil, fmt.Errorf("outer frame: %w", err)
	}
	inner, err := outer.Frame(ctx, selInnerFrame)
	if err != nil {
		return nil, fmt.Errorf("inner frame: %w", err)
	}
	return inner, nil
}

func anchorSelector(token string) string {
	return fmt.Sprintf("a[href=%q]", token)
}
