package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/config"
	"github.com/harunari/chotatsu-sync/internal/download"
	"github.com/harunari/chotatsu-sync/internal/ledger"
	"github.com/harunari/chotatsu-sync/internal/portal"
	"github.com/harunari/chotatsu-sync/internal/walker"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeFrame struct{}

func (f *fakeFrame) WaitVisible(context.Context, string) error { return nil }

func (f *fakeFrame) Click(context.Context, string) error { return nil }

func (f *fakeFrame) Fill(context.Context, string, string) error { return nil }

func (f *fakeFrame) SelectOption(context.Context, string, string) error { return nil }

func (f *fakeFrame) HTML(context.Context) (string, error) { return "", nil }

func (f *fakeFrame) Frame(context.Context, string) (walker.Frame, error) {
	return &fakeFrame{}, nil
}

type fakeNavigator struct {
	connectErr    error
	openSearchErr error
	entities      []portal.Entity
	listErr       error
	detailErr     map[string]error
	attachments   map[string][]portal.Attachment
	backCalls     int
	detailCalls   []string
}

func (n *fakeNavigator) Connect(context.Context) error    { return n.connectErr }
func (n *fakeNavigator) OpenSearch(context.Context) error { return n.openSearchErr }
func (n *fakeNavigator) ListEntities(context.Context) ([]portal.Entity, error) {
	return n.entities, n.listErr
}
func (n *fakeNavigator) OpenDetail(_ context.Context, e portal.Entity) (walker.Frame, error) {
	n.detailCalls = append(n.detailCalls, e.ID)
	if err := n.detailErr[e.ID]; err != nil {
		return nil, err
	}
	return &fakeFrame{}, nil
}
func (n *fakeNavigator) ListAttachments(_ context.Context, _ walker.Frame) ([]portal.Attachment, error) {
	id := n.detailCalls[len(n.detailCalls)-1]
	return n.attachments[id], nil
}
func (n *fakeNavigator) Back(context.Context) error {
	n.backCalls++
	return nil
}

type fakeDownloader struct {
	result portal.DownloadResult
	err    error
	dests  []string
}

func (d *fakeDownloader) Run(_ context.Context, _ []portal.Attachment, destDir string) (portal.DownloadResult, error) {
	d.dests = append(d.dests, destDir)
	return d.result, d.err
}

type fakeMirror struct {
	folderErr error
	uploadErr map[string]string
	rows      [][]string
	uploads   []string
}

func (m *fakeMirror) CreateFolder(_ context.Context, name, _ string) (string, error) {
	if m.folderErr != nil {
		return "", m.folderErr
	}
	return "folder-" + name, nil
}

func (m *fakeMirror) UploadFile(_ context.Context, path, _ string) portal.UploadResult {
	m.uploads = append(m.uploads, path)
	name := path[strings.LastIndex(path, "/")+1:]
	if msg, ok := m.uploadErr[name]; ok {
		return portal.UploadResult{FileName: name, Status: portal.UploadFailed, Error: msg}
	}
	return portal.UploadResult{FileName: name, Status: portal.UploadSucceeded, RemoteID: "r-" + name}
}

func (m *fakeMirror) WriteRow(_ context.Context, _, _, _, key string, values []string) error {
	m.rows = append(m.rows, append([]string{key}, values...))
	return nil
}

type fakeNotifier struct {
	subjects []string
	bodies   []string
	err      error
}

func (n *fakeNotifier) Send(_ context.Context, subject, body string) error {
	n.subjects = append(n.subjects, subject)
	n.bodies = append(n.bodies, body)
	return n.err
}

func testConfig() config.Config {
	return config.Config{
		Portal:   config.PortalConfig{URL: "http://portal.example"},
		Search:   config.SearchConfig{NewOnly: true, PageSize: 100},
		Download: config.DownloadConfig{Keywords: []string{"仕様書"}, Dir: "data"},
		Ledger:   config.LedgerConfig{Path: "data/ledger.json"},
		Mirror:   config.MirrorConfig{RootFolderID: "root", SheetID: "sheet", SheetName: "downloads"},
	}
}

func newTestLedger(t *testing.T, fs afero.Fs) *ledger.Ledger {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)}
	led, err := ledger.Load(fs, "data/ledger.json", clock, zap.NewNop())
	require.NoError(t, err)
	return led
}

func entity(id, name string) portal.Entity {
	return portal.Entity{ID: id, Name: name, SectionName: "調達課", ReleaseDate: "2026/08/28", IsNew: true}
}

func TestRunDownloadsAndRecordsNewEntities(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	led := newTestLedger(t, fs)
	nav := &fakeNavigator{
		entities: []portal.Entity{entity("A001", "案件一"), entity("A002", "案件二")},
		attachments: map[string][]portal.Attachment{
			"A001": {{FileName: "仕様書.pdf", LinkToken: "javascript:dl(1)", Eligible: true}},
			"A002": {{FileName: "図面.pdf", LinkToken: "javascript:dl(2)", Eligible: false}},
		},
	}
	dl := &fakeDownloader{result: portal.DownloadResult{Downloaded: []string{"仕様書.pdf"}}}
	notifier := &fakeNotifier{}

	r := New(testConfig(), nav, led, func(walker.Frame) Downloader { return dl }, nil, notifier, zap.NewNop())
	require.NoError(t, r.Run(context.Background()))

	rows := led.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "2026/08/28", rows[0].ReleaseDate)
	assert.True(t, led.IsSeen("A001"))
	assert.True(t, led.IsSeen("A002"))
	assert.Equal(t, 2, nav.backCalls)

	// Ledger was persisted once.
	saved, err := afero.Exists(fs, "data/ledger.json")
	require.NoError(t, err)
	assert.True(t, saved)

	require.Len(t, notifier.subjects, 1)
	assert.Contains(t, notifier.subjects[0], "2 entities processed")
	assert.Contains(t, notifier.bodies[0], "案件一")
}

func TestRunSkipsSeenEntities(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	led := newTestLedger(t, fs)
	require.NoError(t, led.Record(portal.LedgerRow{EntityID: "A001", EntityName: "案件一"}))

	nav := &fakeNavigator{entities: []portal.Entity{entity("A001", "案件一"), entity("A002", "案件二")}}
	dl := &fakeDownloader{}
	notifier := &fakeNotifier{}

	r := New(testConfig(), nav, led, func(walker.Frame) Downloader { return dl }, nil, notifier, zap.NewNop())
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, []string{"A002"}, nav.detailCalls)
}

func TestRunSecondPassAddsNothing(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	led := newTestLedger(t, fs)
	nav := &fakeNavigator{entities: []portal.Entity{entity("A001", "案件一")}}
	dl := &fakeDownloader{result: portal.DownloadResult{Downloaded: []string{"a.pdf"}}}
	notifier := &fakeNotifier{}
	factory := func(walker.Frame) Downloader { return dl }

	r := New(testConfig(), nav, led, factory, nil, notifier, zap.NewNop())
	require.NoError(t, r.Run(context.Background()))
	require.Len(t, led.Rows(), 1)

	require.NoError(t, r.Run(context.Background()))
	assert.Len(t, led.Rows(), 1)
	assert.Contains(t, notifier.subjects[1], "nothing new")
}

func TestRunSkipsNotNewWhenNewOnly(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	led := newTestLedger(t, fs)
	old := entity("A003", "旧案件")
	old.IsNew = false
	nav := &fakeNavigator{entities: []portal.Entity{old, entity("A004", "新案件")}}
	dl := &fakeDownloader{}
	notifier := &fakeNotifier{}

	r := New(testConfig(), nav, led, func(walker.Frame) Downloader { return dl }, nil, notifier, zap.NewNop())
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, []string{"A004"}, nav.detailCalls)
}

func TestRunEntityFailureDoesNotStopSiblings(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	led := newTestLedger(t, fs)
	nav := &fakeNavigator{
		entities:  []portal.Entity{entity("A001", "壊れる"), entity("A002", "通る")},
		detailErr: map[string]error{"A001": errors.New("detail gone")},
	}
	dl := &fakeDownloader{result: portal.DownloadResult{Downloaded: []string{"a.pdf"}}}
	notifier := &fakeNotifier{}

	r := New(testConfig(), nav, led, func(walker.Frame) Downloader { return dl }, nil, notifier, zap.NewNop())
	require.NoError(t, r.Run(context.Background()))

	assert.False(t, led.IsSeen("A001"))
	assert.True(t, led.IsSeen("A002"))
	assert.Contains(t, notifier.bodies[0], "detail gone")
}

func TestRunBatchTimeoutRecordsPartialResult(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	led := newTestLedger(t, fs)
	nav := &fakeNavigator{entities: []portal.Entity{entity("A001", "遅い案件")}}
	dl := &fakeDownloader{
		result: portal.DownloadResult{Downloaded: []string{"a.pdf"}},
		err:    download.ErrBatchTimeout,
	}
	notifier := &fakeNotifier{}

	r := New(testConfig(), nav, led, func(walker.Frame) Downloader { return dl }, nil, notifier, zap.NewNop())
	require.NoError(t, r.Run(context.Background()))

	require.True(t, led.IsSeen("A001"))
	assert.Equal(t, []string{"a.pdf"}, led.Rows()[0].Downloaded)
	assert.Contains(t, notifier.bodies[0], "timed out")
}

func TestRunMaintenanceNotifiesAndExitsClean(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	led := newTestLedger(t, fs)
	nav := &fakeNavigator{connectErr: fmt.Errorf("banner: %w", walker.ErrServiceUnavailable)}
	notifier := &fakeNotifier{}

	r := New(testConfig(), nav, led, func(walker.Frame) Downloader { return nil }, nil, notifier, zap.NewNop())
	require.NoError(t, r.Run(context.Background()))

	require.Len(t, notifier.subjects, 1)
	assert.Contains(t, notifier.subjects[0], "maintenance")
	assert.Empty(t, nav.detailCalls)
}

func TestRunConnectFailureNotifiesWithSnapshot(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	led := newTestLedger(t, fs)
	nav := &fakeNavigator{connectErr: errors.New("dns exploded")}
	notifier := &fakeNotifier{}

	r := New(testConfig(), nav, led, func(walker.Frame) Downloader { return nil }, nil, notifier, zap.NewNop())
	err := r.Run(context.Background())
	require.Error(t, err)

	require.Len(t, notifier.subjects, 1)
	assert.Contains(t, notifier.subjects[0], "run failed")
	assert.Contains(t, notifier.bodies[0], "dns exploded")
	assert.Contains(t, notifier.bodies[0], "portal.url=http://portal.example")
}

func TestRunMirrorsDownloadsAndRecordsResults(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	led := newTestLedger(t, fs)
	nav := &fakeNavigator{entities: []portal.Entity{entity("A001", "案件一")}}
	dl := &fakeDownloader{result: portal.DownloadResult{Downloaded: []string{"仕様書.pdf", "図面.pdf"}}}
	mirror := &fakeMirror{uploadErr: map[string]string{"図面.pdf": "quota"}}
	notifier := &fakeNotifier{}

	r := New(testConfig(), nav, led, func(walker.Frame) Downloader { return dl }, mirror, notifier, zap.NewNop())
	require.NoError(t, r.Run(context.Background()))

	row := led.Rows()[0]
	require.Len(t, row.UploadResults, 2)
	assert.Equal(t, portal.UploadSucceeded, row.UploadResults[0].Status)
	assert.Equal(t, portal.UploadFailed, row.UploadResults[1].Status)
	assert.True(t, row.NeedsSync())

	require.Len(t, mirror.rows, 1)
	assert.Equal(t, "A001", mirror.rows[0][0])
	assert.Contains(t, mirror.rows[0], "1/2 uploaded")
}

func TestMirrorPassRetriesOnlyFailedFiles(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	led := newTestLedger(t, fs)
	require.NoError(t, led.Record(portal.LedgerRow{
		EntityID:    "A001",
		EntityName:  "案件一",
		SectionName: "調達課",
		ReleaseDate: "2026/08/01",
		Downloaded:  []string{"仕様書.pdf", "図面.pdf"},
		UploadResults: []portal.UploadResult{
			{FileName: "仕様書.pdf", Status: portal.UploadSucceeded, RemoteID: "r-1"},
			{FileName: "図面.pdf", Status: portal.UploadFailed, Error: "quota"},
		},
	}))

	mirror := &fakeMirror{}
	r := New(testConfig(), &fakeNavigator{}, led, nil, mirror, &fakeNotifier{}, zap.NewNop())
	require.NoError(t, r.MirrorPass(context.Background()))

	require.Len(t, mirror.uploads, 1)
	assert.Contains(t, mirror.uploads[0], "図面.pdf")

	row := led.Rows()[0]
	assert.False(t, row.NeedsSync())
	require.Len(t, mirror.rows, 1)
	assert.Contains(t, mirror.rows[0], "2/2 uploaded")
	// The retry upsert must keep the release date written by the original run.
	assert.Contains(t, mirror.rows[0], "2026/08/01")
}

func TestMirrorPassWithoutMirrorFails(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	led := newTestLedger(t, fs)
	r := New(testConfig(), &fakeNavigator{}, led, nil, nil, &fakeNotifier{}, zap.NewNop())
	assert.Error(t, r.MirrorPass(context.Background()))
}
