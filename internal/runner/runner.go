// Package runner is the top-level control loop: navigate, filter against
// the ledger, download, record, mirror, notify.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/config"
	"github.com/harunari/chotatsu-sync/internal/download"
	"github.com/harunari/chotatsu-sync/internal/ledger"
	"github.com/harunari/chotatsu-sync/internal/portal"
	"github.com/harunari/chotatsu-sync/internal/walker"
)

// Navigator is the slice of the navigation walker the runner drives.
type Navigator interface {
	Connect(ctx context.Context) error
	OpenSearch(ctx context.Context) error
	ListEntities(ctx context.Context) ([]portal.Entity, error)
	OpenDetail(ctx context.Context, e portal.Entity) (walker.Frame, error)
	ListAttachments(ctx context.Context, detail walker.Frame) ([]portal.Attachment, error)
	Back(ctx context.Context) error
}

// Downloader runs one entity's download batch.
type Downloader interface {
	Run(ctx context.Context, candidates []portal.Attachment, destDir string) (portal.DownloadResult, error)
}

// DownloaderFactory builds a Downloader bound to an open detail frame.
type DownloaderFactory func(detail walker.Frame) Downloader

// Runner wires the whole pipeline together. One Runner performs one run.
type Runner struct {
	cfg           config.Config
	nav           Navigator
	ledger        *ledger.Ledger
	downloaderFor DownloaderFactory
	mirror        portal.Mirror // nil when mirroring is disabled
	notifier      portal.Notifier
	logger        *zap.Logger
}

// New constructs a Runner.
func New(
	cfg config.Config,
	nav Navigator,
	led *ledger.Ledger,
	factory DownloaderFactory,
	mirror portal.Mirror,
	notifier portal.Notifier,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		cfg:           cfg,
		nav:           nav,
		ledger:        led,
		downloaderFor: factory,
		mirror:        mirror,
		notifier:      notifier,
		logger:        logger,
	}
}

// Run executes one full sync pass. Per-entity failures are contained at the
// entity boundary; only connectivity failures abort the run. Every run —
// success, partial failure, or nothing new — sends exactly one summary
// notification; fatal failures additionally send an error notification
// before the error is returned.
func (r *Runner) Run(ctx context.Context) error {
	report := Report{RunID: uuid.NewString()[:8]}
	logger := r.logger.With(zap.String("run_id", report.RunID))

	if err := r.nav.Connect(ctx); err != nil {
		if errors.Is(err, walker.ErrServiceUnavailable) {
			logger.Info("portal under maintenance, nothing to do")
			report.Maintenance = true
			r.notify(ctx, report)
			return nil
		}
		r.notifyFailure(ctx, report.RunID, fmt.Errorf("connect: %w", err))
		return fmt.Errorf("connect: %w", err)
	}

	if err := r.nav.OpenSearch(ctx); err != nil {
		r.notifyFailure(ctx, report.RunID, fmt.Errorf("open search: %w", err))
		return fmt.Errorf("open search: %w", err)
	}

	entities, err := r.nav.ListEntities(ctx)
	if err != nil {
		r.notifyFailure(ctx, report.RunID, fmt.Errorf("list entities: %w", err))
		return fmt.Errorf("list entities: %w", err)
	}

	targets := r.filter(entities)
	logger.Info("entities listed",
		zap.Int("total", len(entities)),
		zap.Int("targets", len(targets)))

	for _, e := range targets {
		outcome := r.processEntity(ctx, e)
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.Err != "" {
			logger.Warn("entity failed",
				zap.String("entity_id", e.ID),
				zap.String("entity_name", e.Name),
				zap.String("error", outcome.Err))
		}
	}

	r.finish(ctx, &report, logger)
	return nil
}

// filter drops entities that are already in the ledger, plus non-new ones
// when the new-only flag is set. The ledger check is the idempotence core:
// a crashed run never revisits what it already recorded.
func (r *Runner) filter(entities []portal.Entity) []portal.Entity {
	var out []portal.Entity
	for _, e := range entities {
		if r.cfg.Search.NewOnly && !e.IsNew {
			continue
		}
		if r.cfg.Search.NameFilter != "" && !strings.Contains(e.Name, r.cfg.Search.NameFilter) {
			continue
		}
		if r.ledger.IsSeen(e.ID) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// processEntity runs one entity through detail, download, record, mirror
// and back. Every failure is captured in the outcome instead of propagated,
// so siblings keep processing.
func (r *Runner) processEntity(ctx context.Context, e portal.Entity) EntityOutcome {
	outcome := EntityOutcome{Entity: e}

	detail, err := r.nav.OpenDetail(ctx, e)
	if err != nil {
		outcome.Err = err.Error()
		return outcome
	}

	candidates, err := r.nav.ListAttachments(ctx, detail)
	if err != nil {
		outcome.Err = err.Error()
		r.back(ctx)
		return outcome
	}

	destDir := filepath.Join(r.cfg.Download.Dir, portal.FolderName(e))
	res, err := r.downloaderFor(detail).Run(ctx, candidates, destDir)
	switch {
	case errors.Is(err, download.ErrBatchTimeout):
		outcome.TimedOut = true
	case err != nil:
		outcome.Err = err.Error()
		r.back(ctx)
		return outcome
	}
	outcome.Downloaded = res.Downloaded
	outcome.NotDownloaded = res.NotDownloaded

	row := portal.LedgerRow{
		EntityID:      e.ID,
		EntityName:    e.Name,
		SectionName:   e.SectionName,
		ReleaseDate:   e.ReleaseDate,
		Downloaded:    res.Downloaded,
		NotDownloaded: res.NotDownloaded,
	}
	if err := r.ledger.Record(row); err != nil {
		outcome.Err = err.Error()
		r.back(ctx)
		return outcome
	}

	if r.mirror != nil {
		outcome.Uploads = r.uploadEntity(ctx, e, res.Downloaded)
		if err := r.ledger.SetUploadResults(e.ID, outcome.Uploads); err != nil {
			r.logger.Warn("record upload results", zap.String("entity_id", e.ID), zap.Error(err))
		}
	}

	r.back(ctx)
	return outcome
}

func (r *Runner) back(ctx context.Context) {
	if err := r.nav.Back(ctx); err != nil {
		r.logger.Warn("return to result list failed", zap.Error(err))
	}
}

// uploadEntity mirrors one entity's downloaded files and upserts its sheet
// row. Per-file failures are recorded for the retry pass, never raised.
func (r *Runner) uploadEntity(ctx context.Context, e portal.Entity, files []string) []portal.UploadResult {
	folderID, err := r.mirror.CreateFolder(ctx, portal.FolderName(e), r.cfg.Mirror.RootFolderID)
	if err != nil {
		r.logger.Warn("mirror folder failed", zap.String("entity_id", e.ID), zap.Error(err))
		results := make([]portal.UploadResult, 0, len(files))
		for _, f := range files {
			results = append(results, portal.UploadResult{
				FileName: f,
				Status:   portal.UploadFailed,
				Error:    fmt.Sprintf("create folder: %v", err),
			})
		}
		return results
	}

	results := make([]portal.UploadResult, 0, len(files))
	for _, f := range files {
		path := filepath.Join(r.cfg.Download.Dir, portal.FolderName(e), f)
		results = append(results, r.mirror.UploadFile(ctx, path, folderID))
	}

	r.writeSheetRow(ctx, e.ID, e.Name, e.SectionName, e.ReleaseDate, results)
	return results
}

func (r *Runner) writeSheetRow(ctx context.Context, id, name, section, released string, results []portal.UploadResult) {
	ok := 0
	for _, u := range results {
		if !u.Failed() {
			ok++
		}
	}
	values := []string{
		id, name, section, released,
		fmt.Sprintf("%d/%d uploaded", ok, len(results)),
	}
	if err := r.mirror.WriteRow(ctx, r.cfg.Mirror.SheetID, r.cfg.Mirror.SheetName, "A", id, values); err != nil {
		r.logger.Warn("sheet upsert failed", zap.String("entity_id", id), zap.Error(err))
	}
}

// finish persists the ledger exactly once, runs the optional file check and
// retention pruning, and sends the summary notification.
func (r *Runner) finish(ctx context.Context, report *Report, logger *zap.Logger) {
	if err := r.ledger.Save(); err != nil {
		// Loud but not fatal: the in-memory state still feeds the summary.
		logger.Error("ledger persist failed", zap.Error(err))
		report.LedgerError = err.Error()
	}

	if r.cfg.Ledger.VerifyFiles {
		drift, err := r.ledger.Reconcile(r.cfg.Download.Dir)
		if err != nil {
			logger.Warn("file check failed", zap.Error(err))
		} else {
			report.Drift = drift
		}
	}

	if retention := r.cfg.Ledger.Retention(); retention > 0 {
		pruned, err := r.ledger.Prune(r.cfg.Download.Dir, retention)
		if err != nil {
			logger.Warn("prune failed", zap.Error(err))
		} else {
			report.Pruned = pruned
		}
	}

	r.notify(ctx, *report)
}

func (r *Runner) notify(ctx context.Context, report Report) {
	if err := r.notifier.Send(ctx, report.Subject(), report.Body()); err != nil {
		r.logger.Warn("summary notification failed", zap.Error(err))
	}
}

// notifyFailure sends the distinct error notification for fatal conditions,
// including a configuration snapshot for diagnosis.
func (r *Runner) notifyFailure(ctx context.Context, runID string, cause error) {
	subject := fmt.Sprintf("chotatsu-sync: run failed (run %s)", runID)
	body := fmt.Sprintf("fatal: %v\n\nconfiguration:\n%s", cause, r.cfg.Snapshot())
	if err := r.notifier.Send(ctx, subject, body); err != nil {
		r.logger.Warn("error notification failed", zap.Error(err))
	}
}
