// Package mirror copies downloaded attachments to Google Drive and records
// their metadata in a spreadsheet.
package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/harunari/chotatsu-sync/internal/portal"
)

const folderMimeType = "application/vnd.google-apps.folder"

// Google implements portal.Mirror over the Drive and Sheets APIs.
type Google struct {
	drive  *drive.Service
	values valuesAPI
	logger *zap.Logger
}

// NewGoogle builds the mirror client. Credentials default to Application
// Default Credentials when no file is configured.
func NewGoogle(ctx context.Context, credentialsFile string, logger *zap.Logger) (*Google, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	driveSvc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive client: %w", err)
	}
	sheetsSvc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets client: %w", err)
	}

	return &Google{
		drive:  driveSvc,
		values: sheetsValues{svc: sheetsSvc},
		logger: logger,
	}, nil
}

// CreateFolder finds or creates a folder named name under parentID and
// returns its id. Reusing an existing folder keeps retried runs from
// scattering an entity's files across duplicates.
func (g *Google) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	query := fmt.Sprintf(
		"name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
		escapeQuery(name), parentID, folderMimeType)
	list, err := g.drive.Files.List().Q(query).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("search folder %q: %w", name, err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	created, err := g.drive.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	return created.Id, nil
}

// UploadFile uploads one local file into the folder identified by parentID.
// Failures come back in the result so a bad file cannot abort the batch.
func (g *Google) UploadFile(ctx context.Context, path, parentID string) portal.UploadResult {
	name := filepath.Base(path)
	result := portal.UploadResult{FileName: name}

	f, err := os.Open(path)
	if err != nil {
		result.Status = portal.UploadFailed
		result.Error = err.Error()
		return result
	}
	defer f.Close() //nolint:errcheck // read-only handle

	created, err := g.drive.Files.Create(&drive.File{
		Name:    name,
		Parents: []string{parentID},
	}).Media(f).Fields("id").Context(ctx).Do()
	if err != nil {
		g.logger.Warn("upload failed", zap.String("file", name), zap.Error(err))
		result.Status = portal.UploadFailed
		result.Error = err.Error()
		return result
	}

	result.Status = portal.UploadSucceeded
	result.RemoteID = created.Id
	return result
}

// WriteRow upserts a row keyed by keyValue: when keyColumn already holds the
// key, that row is rewritten in place; otherwise the row is appended.
func (g *Google) WriteRow(ctx context.Context, sheetID, sheetName, keyColumn, keyValue string, values []string) error {
	keyRange := fmt.Sprintf("%s!%s:%s", sheetName, keyColumn, keyColumn)
	existing, err := g.values.get(ctx, sheetID, keyRange)
	if err != nil {
		return fmt.Errorf("read key column %s: %w", keyRange, err)
	}

	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}

	if idx, found := findRowByKey(existing, keyValue); found {
		target := fmt.Sprintf("%s!A%d", sheetName, idx+1)
		if err := g.values.update(ctx, sheetID, target, row); err != nil {
			return fmt.Errorf("update row %s: %w", target, err)
		}
		return nil
	}

	if err := g.values.append(ctx, sheetID, sheetName+"!A1", row); err != nil {
		return fmt.Errorf("append row to %s: %w", sheetName, err)
	}
	return nil
}

// findRowByKey returns the zero-based index of the first row whose first
// cell equals key.
func findRowByKey(rows [][]interface{}, key string) (int, bool) {
	for i, row := range rows {
		if len(row) > 0 && fmt.Sprint(row[0]) == key {
			return i, true
		}
	}
	return 0, false
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}

// valuesAPI is the slice of the Sheets API WriteRow depends on, split out so
// the upsert logic is testable without the remote service.
type valuesAPI interface {
	get(ctx context.Context, sheetID, valueRange string) ([][]interface{}, error)
	update(ctx context.Context, sheetID, valueRange string, row []interface{}) error
	append(ctx context.Context, sheetID, valueRange string, row []interface{}) error
}

type sheetsValues struct {
	svc *sheets.Service
}

func (s sheetsValues) get(ctx context.Context, sheetID, valueRange string) ([][]interface{}, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(sheetID, valueRange).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (s sheetsValues) update(ctx context.Context, sheetID, valueRange string, row []interface{}) error {
	body := &sheets.ValueRange{Values: [][]interface{}{row}}
	_, err := s.svc.Spreadsheets.Values.Update(sheetID, valueRange, body).
		ValueInputOption("RAW").Context(ctx).Do()
	return err
}

func (s sheetsValues) append(ctx context.Context, sheetID, valueRange string, row []interface{}) error {
	body := &sheets.ValueRange{Values: [][]interface{}{row}}
	_, err := s.svc.Spreadsheets.Values.Append(sheetID, valueRange, body).
		ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	return err
}
