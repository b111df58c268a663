// Package ledger persists the record of every entity ever processed.
//
// The ledger is the single source of truth across process restarts: a
// crashed run that already recorded an entity never revisits it. The backing
// store is one JSON document rewritten wholesale on save; a temp-file rename
// keeps the previous snapshot intact if a save dies mid-write.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/portal"
)

// Ledger holds the in-memory row set and its persistence wiring. All
// mutation happens on the sync driver's single control thread, so no
// locking is required.
type Ledger struct {
	fs     afero.Fs
	path   string
	clock  portal.Clock
	logger *zap.Logger
	rows   []portal.LedgerRow
	index  map[string]int
}

// Load reads the ledger at path. A missing file yields an empty ledger; any
// other read error is returned so the caller can fail the run before
// touching the portal.
func Load(fs afero.Fs, path string, clock portal.Clock, logger *zap.Logger) (*Ledger, error) {
	l := &Ledger{
		fs:     fs,
		path:   path,
		clock:  clock,
		logger: logger,
		index:  make(map[string]int),
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("ledger file missing, starting empty", zap.String("path", path))
			return l, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &l.rows); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	for i, row := range l.rows {
		l.index[row.EntityID] = i
	}
	return l, nil
}

// IsSeen reports whether any row carries the entity id. This is the core
// idempotence check applied before any detail-page visit.
func (l *Ledger) IsSeen(entityID string) bool {
	_, ok := l.index[entityID]
	return ok
}

// Record appends a new row. Rows are append-only with respect to entity id:
// recording an id that already exists is a programming error upstream and is
// rejected.
func (l *Ledger) Record(row portal.LedgerRow) error {
	if _, ok := l.index[row.EntityID]; ok {
		return fmt.Errorf("entity %s already recorded", row.EntityID)
	}
	if row.DownloadedAt == nil {
		now := l.clock.Now()
		row.DownloadedAt = &now
	}
	l.index[row.EntityID] = len(l.rows)
	l.rows = append(l.rows, row)
	return nil
}

// Rows returns a copy of the current row set.
func (l *Ledger) Rows() []portal.LedgerRow {
	out := make([]portal.LedgerRow, len(l.rows))
	copy(out, l.rows)
	return out
}

// PendingSync returns the rows with mirror work outstanding: no upload pass
// recorded yet, or at least one failed file. This is the resumable work-list
// for the mirror-only pass.
func (l *Ledger) PendingSync() []portal.LedgerRow {
	var pending []portal.LedgerRow
	for _, row := range l.rows {
		if row.NeedsSync() {
			pending = append(pending, row)
		}
	}
	return pending
}

// SetUploadResults merges a mirror pass's per-file results into the row.
// Existing successes are kept unless the pass produced a fresh result for
// the same file, so retries stay idempotent at file granularity.
func (l *Ledger) SetUploadResults(entityID string, results []portal.UploadResult) error {
	i, ok := l.index[entityID]
	if !ok {
		return fmt.Errorf("entity %s not in ledger", entityID)
	}

	merged := make(map[string]portal.UploadResult, len(l.rows[i].UploadResults))
	order := make([]string, 0, len(results))
	for _, r := range l.rows[i].UploadResults {
		merged[r.FileName] = r
		order = append(order, r.FileName)
	}
	for _, r := range results {
		if _, seen := merged[r.FileName]; !seen {
			order = append(order, r.FileName)
		}
		merged[r.FileName] = r
	}

	out := make([]portal.UploadResult, 0, len(order))
	for _, name := range order {
		out = append(out, merged[name])
	}
	l.rows[i].UploadResults = out
	return nil
}

// Save rewrites the whole snapshot. The write goes to a sibling temp file
// first and is renamed over the previous snapshot, so a crash mid-write
// cannot corrupt the last valid state.
func (l *Ledger) Save() error {
	data, err := json.MarshalIndent(l.rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := afero.WriteFile(l.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("write ledger temp %s: %w", tmp, err)
	}
	if err := l.fs.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace ledger %s: %w", l.path, err)
	}
	return nil
}

// Reconcile checks every row's downloaded claims against the filesystem.
// The driver can acknowledge a download as completed while the final file
// write is still in flight, so the optimistic ledger and the disk can
// diverge; each divergence is reported as a FailedDownload.
func (l *Ledger) Reconcile(dataDir string) ([]portal.FailedDownload, error) {
	entries, err := afero.ReadDir(l.fs, dataDir)
	if err != nil {
		return nil, fmt.Errorf("list data dir %s: %w", dataDir, err)
	}

	dirByID := make(map[string]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, _, ok := strings.Cut(e.Name(), "_"); ok {
			dirByID[id] = e.Name()
		}
	}

	var failed []portal.FailedDownload
	for _, row := range l.rows {
		dir, ok := dirByID[row.EntityID]
		for _, name := range row.Downloaded {
			exists := false
			if ok {
				exists, _ = afero.Exists(l.fs, dataDir+"/"+dir+"/"+name)
			}
			if !exists {
				failed = append(failed, portal.FailedDownload{
					EntityID:   row.EntityID,
					EntityName: row.EntityName,
					FileName:   name,
				})
			}
		}
	}
	return failed, nil
}

// Prune removes entity folders older than the retention period. The cutoff
// is exclusive: a folder recorded exactly at the cutoff survives. Rows whose
// DownloadedAt is absent fall back to the folder's modification time.
// Returns the folder names removed. Pure storage hygiene, independent of
// mirror state.
func (l *Ledger) Prune(dataDir string, retention time.Duration) ([]string, error) {
	if retention <= 0 {
		return nil, nil
	}
	cutoff := l.clock.Now().Add(-retention)

	entries, err := afero.ReadDir(l.fs, dataDir)
	if err != nil {
		return nil, fmt.Errorf("list data dir %s: %w", dataDir, err)
	}

	stampByID := make(map[string]time.Time, len(l.rows))
	for _, row := range l.rows {
		if row.DownloadedAt != nil {
			stampByID[row.EntityID] = *row.DownloadedAt
		}
	}

	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		stamp, known := stampByID[id]
		if !known {
			stamp = e.ModTime()
		}
		if !stamp.Before(cutoff) {
			continue
		}
		if err := l.fs.RemoveAll(dataDir + "/" + e.Name()); err != nil {
			l.logger.Warn("prune failed", zap.String("folder", e.Name()), zap.Error(err))
			continue
		}
		removed = append(removed, e.Name())
	}
	sort.Strings(removed)
	return removed, nil
}
