// Package download orchestrates one batch of attachment downloads:
// triggers issued serially and spaced, completions awaited concurrently
// under a single shared deadline.
package download

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/portal"
)

// Timing floors. The portal session destabilizes when clicks land closer
// together than this, and a deadline under the batch floor cannot cover even
// a single small file on a slow day.
const (
	minBatchTimeout = 10 * time.Second
	minClickDelay   = time.Second
)

// ErrBatchTimeout reports that the shared deadline elapsed before every
// completion resolved. Completions observed before the deadline are still
// recorded in the accompanying result.
var ErrBatchTimeout = errors.New("download batch timed out")

// Completion is a per-item future resolved by the download watcher once the
// driver reports the file finished (or failed).
type Completion interface {
	File() string
	Done() <-chan error
}

// Trigger drives the portal side of a batch: readiness waits, completion
// registration, and the clicks that start each download.
type Trigger interface {
	// Prepare points the driver's download sink at destDir for this batch.
	Prepare(ctx context.Context, destDir string) error
	// WaitReady blocks until the attachment's trigger element is present.
	WaitReady(ctx context.Context, att portal.Attachment) error
	// Expect registers a completion future. It must be called before Start
	// so an instantly-finishing download cannot slip past the watcher.
	Expect(att portal.Attachment) Completion
	// Start issues the click that begins the download.
	Start(ctx context.Context, att portal.Attachment) error
}

// Config controls batch behavior.
type Config struct {
	BatchTimeout time.Duration
	ClickDelay   time.Duration
}

// Orchestrator runs download batches for one entity at a time.
type Orchestrator struct {
	trigger Trigger
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Orchestrator, enforcing the timing floors.
func New(trigger Trigger, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.BatchTimeout < minBatchTimeout {
		cfg.BatchTimeout = minBatchTimeout
	}
	if cfg.ClickDelay <= 0 {
		cfg.ClickDelay = minClickDelay
	}
	return &Orchestrator{trigger: trigger, cfg: cfg, logger: logger}
}

type itemResult struct {
	file string
	err  error
}

// Run downloads every eligible candidate into destDir. Ineligible candidates
// go straight to NotDownloaded. A per-item wait or click failure is logged
// and leaves the item absent from both lists; the siblings proceed. When the
// shared deadline fires, Run returns ErrBatchTimeout together with a result
// holding every completion that resolved in time — unresolved items stay
// absent from both lists and are reconciled later against the filesystem.
// Late completions keep racing in the background: the driver finishes the
// file write on its own, Run just stops waiting.
func (o *Orchestrator) Run(ctx context.Context, candidates []portal.Attachment, destDir string) (portal.DownloadResult, error) {
	var res portal.DownloadResult
	var eligible []portal.Attachment
	for _, c := range candidates {
		if c.Eligible {
			eligible = append(eligible, c)
		} else {
			res.NotDownloaded = append(res.NotDownloaded, c.FileName)
		}
	}
	if len(eligible) == 0 {
		return res, nil
	}

	if err := o.trigger.Prepare(ctx, destDir); err != nil {
		return res, err
	}

	pending := o.startAll(ctx, eligible)
	if len(pending) == 0 {
		return res, nil
	}

	stop := make(chan struct{})
	defer close(stop)

	results := make(chan itemResult, len(pending))
	for _, p := range pending {
		go func(p Completion) {
			select {
			case err := <-p.Done():
				results <- itemResult{file: p.File(), err: err}
			case <-stop:
			}
		}(p)
	}

	deadline := time.NewTimer(o.cfg.BatchTimeout)
	defer deadline.Stop()

	absorbed := make(map[string]bool, len(pending))
	remaining := len(pending)
	for remaining > 0 {
		select {
		case r := <-results:
			remaining--
			absorbed[r.file] = true
			o.absorb(&res, r)
		case <-deadline.C:
			// Keep everything that resolved before the deadline fired.
			unresolved := o.sweep(&res, results, pending, absorbed)
			o.logger.Warn("download batch deadline elapsed",
				zap.Duration("timeout", o.cfg.BatchTimeout),
				zap.Int("unresolved", unresolved))
			return res, ErrBatchTimeout
		case <-ctx.Done():
			o.sweep(&res, results, pending, absorbed)
			return res, ctx.Err()
		}
	}
	return res, nil
}

// startAll issues the triggers serially in candidate order, spaced by the
// inter-click delay. Completion futures are registered before each click.
func (o *Orchestrator) startAll(ctx context.Context, eligible []portal.Attachment) []Completion {
	pending := make([]Completion, 0, len(eligible))
	for i, att := range eligible {
		if err := o.trigger.WaitReady(ctx, att); err != nil {
			o.logger.Warn("download trigger not ready",
				zap.String("file", att.FileName), zap.Error(err))
			continue
		}
		c := o.trigger.Expect(att)
		if err := o.trigger.Start(ctx, att); err != nil {
			o.logger.Warn("download click failed",
				zap.String("file", att.FileName), zap.Error(err))
			continue
		}
		pending = append(pending, c)

		if i < len(eligible)-1 {
			select {
			case <-time.After(o.cfg.ClickDelay):
			case <-ctx.Done():
				return pending
			}
		}
	}
	return pending
}

func (o *Orchestrator) absorb(res *portal.DownloadResult, r itemResult) {
	if r.err != nil {
		o.logger.Warn("download failed", zap.String("file", r.file), zap.Error(r.err))
		return
	}
	res.Downloaded = append(res.Downloaded, r.file)
}

// sweep collects everything that resolved before the cutoff and returns the
// number of items still unresolved. The forwarded channel is drained first,
// then each remaining future is checked directly: a completion can resolve
// moments before the deadline while its forwarding goroutine has not run
// yet, and that item still counts as resolved in time.
func (o *Orchestrator) sweep(res *portal.DownloadResult, results <-chan itemResult, pending []Completion, absorbed map[string]bool) int {
	o.drain(res, results, absorbed)
	for _, p := range pending {
		if absorbed[p.File()] {
			continue
		}
		select {
		case err := <-p.Done():
			absorbed[p.File()] = true
			o.absorb(res, itemResult{file: p.File(), err: err})
		default:
		}
	}
	unresolved := 0
	for _, p := range pending {
		if !absorbed[p.File()] {
			unresolved++
		}
	}

	// A waiter can hold a completion it received but has not forwarded yet;
	// give those a short grace before declaring the rest unresolved.
	if unresolved > 0 {
		grace := time.NewTimer(50 * time.Millisecond)
		defer grace.Stop()
		for unresolved > 0 {
			select {
			case r := <-results:
				absorbed[r.file] = true
				o.absorb(res, r)
				unresolved--
			case <-grace.C:
				return unresolved
			}
		}
	}
	return unresolved
}

func (o *Orchestrator) drain(res *portal.DownloadResult, results <-chan itemResult, absorbed map[string]bool) {
	for {
		select {
		case r := <-results:
			absorbed[r.file] = true
			o.absorb(res, r)
		default:
			return
		}
	}
}
