package portal

import (
	"context"
	"time"
)

// Mirror is the remote storage boundary the pipeline syncs into. The
// concrete implementation lives in internal/mirror; tests substitute fakes.
type Mirror interface {
	// CreateFolder finds or creates a folder under parentID and returns its id.
	CreateFolder(ctx context.Context, name, parentID string) (string, error)
	// UploadFile pushes one local file into folderID. Failures are reported
	// in the result, never as an error, so one bad file cannot stop a batch.
	UploadFile(ctx context.Context, path, folderID string) UploadResult
	// WriteRow upserts a spreadsheet row keyed by the value in keyColumn.
	WriteRow(ctx context.Context, sheetID, sheetName, keyColumn, key string, values []string) error
}

// Notifier delivers one human-readable message.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}
