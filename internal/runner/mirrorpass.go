package runner

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/portal"
)

// MirrorPass retries outstanding mirror work without touching the portal.
// It walks the ledger rows that still need syncing, uploads only the files
// without a recorded success, and folds the results back in. The ledger is
// saved once at the end.
func (r *Runner) MirrorPass(ctx context.Context) error {
	if r.mirror == nil {
		return fmt.Errorf("mirror is not configured")
	}

	pending := r.ledger.PendingSync()
	r.logger.Info("mirror pass starting", zap.Int("pending", len(pending)))

	for _, row := range pending {
		if err := r.mirrorRow(ctx, row); err != nil {
			r.logger.Warn("row sync failed",
				zap.String("entity_id", row.EntityID), zap.Error(err))
		}
	}

	if err := r.ledger.Save(); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

func (r *Runner) mirrorRow(ctx context.Context, row portal.LedgerRow) error {
	entity := portal.Entity{
		ID:          row.EntityID,
		Name:        row.EntityName,
		SectionName: row.SectionName,
	}
	folder := portal.FolderName(entity)

	folderID, err := r.mirror.CreateFolder(ctx, folder, r.cfg.Mirror.RootFolderID)
	if err != nil {
		return fmt.Errorf("create folder: %w", err)
	}

	succeeded := make(map[string]bool, len(row.UploadResults))
	for _, u := range row.UploadResults {
		if !u.Failed() {
			succeeded[u.FileName] = true
		}
	}

	var results []portal.UploadResult
	for _, f := range row.Downloaded {
		if succeeded[f] {
			continue
		}
		path := filepath.Join(r.cfg.Download.Dir, folder, f)
		results = append(results, r.mirror.UploadFile(ctx, path, folderID))
	}
	if len(results) == 0 {
		return nil
	}

	if err := r.ledger.SetUploadResults(row.EntityID, results); err != nil {
		return fmt.Errorf("record upload results: %w", err)
	}

	// Upsert the sheet from the merged row so it reflects the full history,
	// not just this pass.
	for _, fresh := range r.ledger.Rows() {
		if fresh.EntityID == row.EntityID {
			r.writeSheetRow(ctx, fresh.EntityID, fresh.EntityName, fresh.SectionName, fresh.ReleaseDate, fresh.UploadResults)
			break
		}
	}
	return nil
}
