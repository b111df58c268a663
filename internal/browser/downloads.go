package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/download"
	"github.com/harunari/chotatsu-sync/internal/portal"
)

// AnchorFrame is the minimal element surface a batch needs on the detail
// frame: readiness waits and the clicks themselves.
type AnchorFrame interface {
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
}

// DownloadWatcher owns the page's CDP download events. chromedp listeners
// cannot be unregistered, so exactly one watcher listens per page; a
// listener per batch would leave stale expectations competing for completed
// files and renaming them into earlier entities' folders. Batches are
// scoped through ForFrame, and each batch's Prepare resets the expectation
// state.
//
// Chrome writes in-flight downloads under GUID names into a staging
// directory; the watcher matches each begin event's suggested filename to a
// registered expectation, and on completion moves the file into that
// expectation's destination folder before resolving its future.
type DownloadWatcher struct {
	page    *Page
	logger  *zap.Logger
	tempDir string

	mu        sync.Mutex
	destDir   string
	expected  map[string]*pendingDownload // keyed by suggested filename
	byGUID    map[string]*pendingDownload
	listening bool
}

// NewDownloadWatcher builds the page-level watcher. It borrows the page
// only to observe browser-level download events; it never navigates.
func NewDownloadWatcher(page *Page, tempDir string, logger *zap.Logger) *DownloadWatcher {
	return &DownloadWatcher{
		page:     page,
		logger:   logger,
		tempDir:  tempDir,
		expected: make(map[string]*pendingDownload),
		byGUID:   make(map[string]*pendingDownload),
	}
}

// ForFrame returns the trigger for one batch whose anchors live in frame.
func (w *DownloadWatcher) ForFrame(frame AnchorFrame) download.Trigger {
	return &frameTrigger{watcher: w, frame: frame}
}

// frameTrigger scopes the shared watcher to a single batch's detail frame.
type frameTrigger struct {
	watcher *DownloadWatcher
	frame   AnchorFrame
}

func (t *frameTrigger) Prepare(ctx context.Context, destDir string) error {
	return t.watcher.prepare(ctx, destDir)
}

func (t *frameTrigger) WaitReady(ctx context.Context, att portal.Attachment) error {
	return t.frame.WaitVisible(ctx, anchorSelector(att))
}

func (t *frameTrigger) Expect(att portal.Attachment) download.Completion {
	return t.watcher.expect(att)
}

func (t *frameTrigger) Start(ctx context.Context, att portal.Attachment) error {
	return t.frame.Click(ctx, anchorSelector(att))
}

// prepare points Chrome's download sink at the staging directory and opens
// a new batch bound to destDir.
func (w *DownloadWatcher) prepare(ctx context.Context, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("create download dir %s: %w", destDir, err)
	}
	if err := os.MkdirAll(w.tempDir, 0o750); err != nil {
		return fmt.Errorf("create staging dir %s: %w", w.tempDir, err)
	}

	w.beginBatch(destDir)

	w.mu.Lock()
	if !w.listening {
		w.listening = true
		chromedp.ListenBrowser(w.page.ctx, w.onEvent)
	}
	w.mu.Unlock()

	action := cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
		WithDownloadPath(w.tempDir).
		WithEventsEnabled(true)
	if err := w.page.run(ctx, action); err != nil {
		return fmt.Errorf("set download behavior: %w", err)
	}
	return nil
}

// beginBatch discards the previous batch's unmatched expectations and binds
// the destination for new ones. GUIDs already matched stay registered: a
// late completion from an earlier batch still lands in its own entity's
// folder, since each expectation pins its destination at registration.
func (w *DownloadWatcher) beginBatch(destDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destDir = destDir
	w.expected = make(map[string]*pendingDownload)
}

// expect registers a completion future for the attachment's filename.
func (w *DownloadWatcher) expect(att portal.Attachment) *pendingDownload {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := &pendingDownload{file: att.FileName, destDir: w.destDir, done: make(chan error, 1)}
	w.expected[att.FileName] = p
	return p
}

func (w *DownloadWatcher) onEvent(ev any) {
	switch e := ev.(type) {
	case *cdpbrowser.EventDownloadWillBegin:
		w.mu.Lock()
		p, ok := w.expected[e.SuggestedFilename]
		if ok {
			delete(w.expected, e.SuggestedFilename)
			w.byGUID[e.GUID] = p
		}
		w.mu.Unlock()
		if !ok {
			w.logger.Warn("unexpected download began",
				zap.String("suggested", e.SuggestedFilename))
		}
	case *cdpbrowser.EventDownloadProgress:
		switch e.State {
		case cdpbrowser.DownloadProgressStateCompleted:
			w.finish(e.GUID, nil)
		case cdpbrowser.DownloadProgressStateCanceled:
			w.finish(e.GUID, fmt.Errorf("download canceled by driver"))
		}
	}
}

// finish moves the completed staging file into the expectation's folder and
// resolves its future.
func (w *DownloadWatcher) finish(guid string, cause error) {
	w.mu.Lock()
	p, ok := w.byGUID[guid]
	if ok {
		delete(w.byGUID, guid)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	if cause == nil {
		src := filepath.Join(w.tempDir, guid)
		dst := filepath.Join(p.destDir, p.file)
		if err := os.Rename(src, dst); err != nil {
			cause = fmt.Errorf("move %s into place: %w", p.file, err)
		}
	}
	p.resolve(cause)
}

func anchorSelector(att portal.Attachment) string {
	return fmt.Sprintf("a[href=%q]", att.LinkToken)
}

type pendingDownload struct {
	file    string
	destDir string
	once    sync.Once
	done    chan error
}

func (p *pendingDownload) File() string {
	return p.file
}

func (p *pendingDownload) Done() <-chan error {
	return p.done
}

func (p *pendingDownload) resolve(err error) {
	p.once.Do(func() {
		p.done <- err
	})
}
