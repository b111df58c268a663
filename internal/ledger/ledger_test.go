package ledger

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/portal"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newTestLedger(t *testing.T, fs afero.Fs, clock *fakeClock) *Ledger {
	t.Helper()
	l, err := Load(fs, "data/ledger.json", clock, zap.NewNop())
	require.NoError(t, err)
	return l
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, afero.NewMemMapFs(), &fakeClock{now: time.Unix(1000, 0)})
	require.Empty(t, l.Rows())
	require.False(t, l.IsSeen("anything"))
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "data/ledger.json", []byte("{not json"), 0o600))

	_, err := Load(fs, "data/ledger.json", &fakeClock{}, zap.NewNop())
	require.ErrorContains(t, err, "parse ledger")
}

func TestRecordAndSaveRoundTrip(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	clock := &fakeClock{now: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)}
	l := newTestLedger(t, fs, clock)

	require.NoError(t, l.Record(portal.LedgerRow{
		EntityID:      "0001",
		EntityName:    "物品の製造請負",
		SectionName:   "会計課",
		Downloaded:    []string{"仕様書.pdf"},
		NotDownloaded: []string{"図面.dwg"},
	}))
	require.True(t, l.IsSeen("0001"))
	require.NoError(t, l.Save())

	reloaded := newTestLedger(t, fs, clock)
	rows := reloaded.Rows()
	require.Len(t, rows, 1)
	require.Equal(t, "0001", rows[0].EntityID)
	require.NotNil(t, rows[0].DownloadedAt)
	require.Equal(t, clock.now, rows[0].DownloadedAt.UTC())
}

func TestRecordRejectsDuplicateEntity(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, afero.NewMemMapFs(), &fakeClock{now: time.Unix(1000, 0)})
	require.NoError(t, l.Record(portal.LedgerRow{EntityID: "0001"}))
	require.Error(t, l.Record(portal.LedgerRow{EntityID: "0001"}))
	require.Len(t, l.Rows(), 1)
}

func TestSaveLeavesPreviousSnapshotOnSuccess(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLedger(t, fs, clock)
	require.NoError(t, l.Record(portal.LedgerRow{EntityID: "0001"}))
	require.NoError(t, l.Save())

	// The temp file must not survive a successful save.
	tmpExists, err := afero.Exists(fs, "data/ledger.json.tmp")
	require.NoError(t, err)
	require.False(t, tmpExists)
}

func TestPendingSyncSelection(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, afero.NewMemMapFs(), &fakeClock{now: time.Unix(1000, 0)})
	require.NoError(t, l.Record(portal.LedgerRow{
		EntityID:   "a", // downloaded, never uploaded
		Downloaded: []string{"x.pdf"},
	}))
	require.NoError(t, l.Record(portal.LedgerRow{
		EntityID:   "b",
		Downloaded: []string{"x.pdf"},
		UploadResults: []portal.UploadResult{
			{FileName: "x.pdf", Status: portal.UploadSucceeded},
		},
	}))
	require.NoError(t, l.Record(portal.LedgerRow{
		EntityID:   "c",
		Downloaded: []string{"x.pdf", "y.pdf"},
		UploadResults: []portal.UploadResult{
			{FileName: "x.pdf", Status: portal.UploadSucceeded},
			{FileName: "y.pdf", Status: portal.UploadFailed, Error: "quota"},
		},
	}))
	// Nothing downloaded means nothing to mirror, however the upload
	// history looks.
	require.NoError(t, l.Record(portal.LedgerRow{
		EntityID:      "d",
		NotDownloaded: []string{"z.pdf"},
	}))

	pending := l.PendingSync()
	require.Len(t, pending, 2)
	require.Equal(t, "a", pending[0].EntityID)
	require.Equal(t, "c", pending[1].EntityID)
}

func TestSetUploadResultsMergesByFileName(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, afero.NewMemMapFs(), &fakeClock{now: time.Unix(1000, 0)})
	require.NoError(t, l.Record(portal.LedgerRow{
		EntityID: "a",
		UploadResults: []portal.UploadResult{
			{FileName: "x.pdf", Status: portal.UploadSucceeded, RemoteID: "r1"},
			{FileName: "y.pdf", Status: portal.UploadFailed, Error: "quota"},
		},
	}))

	require.NoError(t, l.SetUploadResults("a", []portal.UploadResult{
		{FileName: "y.pdf", Status: portal.UploadSucceeded, RemoteID: "r2"},
	}))

	rows := l.Rows()
	require.Len(t, rows[0].UploadResults, 2)
	require.Equal(t, "r1", rows[0].UploadResults[0].RemoteID)
	require.Equal(t, portal.UploadSucceeded, rows[0].UploadResults[1].Status)
	require.Equal(t, "r2", rows[0].UploadResults[1].RemoteID)
	require.False(t, rows[0].NeedsSync())
}

func TestReconcileDetectsDrift(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	l := newTestLedger(t, fs, &fakeClock{now: time.Unix(1000, 0)})

	entity := portal.Entity{ID: "0001", Name: "案件", SectionName: "会計課"}
	dir := "data/" + portal.FolderName(entity)
	require.NoError(t, fs.MkdirAll(dir, 0o750))
	require.NoError(t, afero.WriteFile(fs, dir+"/b.pdf", []byte("ok"), 0o600))

	require.NoError(t, l.Record(portal.LedgerRow{
		EntityID:   "0001",
		EntityName: "案件",
		Downloaded: []string{"a.pdf", "b.pdf"},
	}))

	failed, err := l.Reconcile("data")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "0001", failed[0].EntityID)
	require.Equal(t, "a.pdf", failed[0].FileName)
}

func TestReconcileReportsAllFilesWhenFolderMissing(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("data", 0o750))
	l := newTestLedger(t, fs, &fakeClock{now: time.Unix(1000, 0)})

	require.NoError(t, l.Record(portal.LedgerRow{
		EntityID:   "0002",
		Downloaded: []string{"a.pdf", "b.pdf"},
	}))

	failed, err := l.Reconcile("data")
	require.NoError(t, err)
	require.Len(t, failed, 2)
}

func TestPruneCutoffIsExclusive(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	l := newTestLedger(t, fs, clock)

	retention := 30 * 24 * time.Hour
	cutoff := now.Add(-retention)

	atCutoff := cutoff
	older := cutoff.Add(-time.Millisecond)

	require.NoError(t, fs.MkdirAll("data/keep_案件_課", 0o750))
	require.NoError(t, fs.MkdirAll("data/drop_案件_課", 0o750))
	require.NoError(t, l.Record(portal.LedgerRow{EntityID: "keep", DownloadedAt: &atCutoff}))
	require.NoError(t, l.Record(portal.LedgerRow{EntityID: "drop", DownloadedAt: &older}))

	removed, err := l.Prune("data", retention)
	require.NoError(t, err)
	require.Equal(t, []string{"drop_案件_課"}, removed)

	keepExists, err := afero.DirExists(fs, "data/keep_案件_課")
	require.NoError(t, err)
	require.True(t, keepExists)
}

func TestPruneFallsBackToFolderModTime(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, fs, &fakeClock{now: now})

	require.NoError(t, fs.MkdirAll("data/orphan_案件_課", 0o750))
	old := now.Add(-90 * 24 * time.Hour)
	require.NoError(t, fs.Chtimes("data/orphan_案件_課", old, old))

	removed, err := l.Prune("data", 30*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"orphan_案件_課"}, removed)
}

func TestPruneDisabledWhenRetentionZero(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	l := newTestLedger(t, fs, &fakeClock{now: time.Unix(1000, 0)})

	removed, err := l.Prune("data", 0)
	require.NoError(t, err)
	require.Empty(t, removed)
}
