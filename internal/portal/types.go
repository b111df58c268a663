// Package portal holds the domain types shared by every stage of the
// pipeline: what the portal publishes, what was downloaded, and what the
// ledger records about it.
package portal

import "time"

// Entity is one procurement announcement as it appears in the result list.
type Entity struct {
	ID              string
	Name            string
	SectionName     string
	ReleaseDate     string
	DetailLinkToken string
	IsNew           bool
}

// Attachment is one downloadable file offered on an entity's detail page.
// Eligible marks whether its name matched the configured keywords.
type Attachment struct {
	FileName  string
	LinkToken string
	Eligible  bool
}

// DownloadResult partitions one entity's candidate attachments. Files that
// failed or never resolved before the batch deadline appear in neither list.
type DownloadResult struct {
	Downloaded    []string
	NotDownloaded []string
}

// UploadStatus is the terminal state of one mirror upload attempt.
type UploadStatus string

const (
	UploadSucceeded UploadStatus = "succeeded"
	UploadFailed    UploadStatus = "failed"
)

// UploadResult records one file's mirror upload outcome.
type UploadResult struct {
	FileName string       `json:"file_name"`
	RemoteID string       `json:"remote_id,omitempty"`
	Status   UploadStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

// Failed reports whether the upload needs another attempt.
func (u UploadResult) Failed() bool {
	return u.Status != UploadSucceeded
}

// LedgerRow is one entity's permanent record. Rows are written once per
// entity and only the upload results mutate afterwards.
type LedgerRow struct {
	EntityID      string         `json:"entity_id"`
	EntityName    string         `json:"entity_name"`
	SectionName   string         `json:"section_name"`
	ReleaseDate   string         `json:"release_date,omitempty"`
	Downloaded    []string       `json:"downloaded"`
	NotDownloaded []string       `json:"not_downloaded"`
	UploadResults []UploadResult `json:"upload_results,omitempty"`
	DownloadedAt  *time.Time     `json:"downloaded_at,omitempty"`
}

// NeedsSync reports whether the row still has mirror work outstanding: no
// upload pass has run, or at least one file failed.
func (r LedgerRow) NeedsSync() bool {
	if len(r.Downloaded) == 0 {
		return false
	}
	if len(r.UploadResults) == 0 {
		return true
	}
	for _, u := range r.UploadResults {
		if u.Failed() {
			return true
		}
	}
	return false
}

// FailedDownload is a ledger claim the filesystem could not confirm.
type FailedDownload struct {
	EntityID   string
	EntityName string
	FileName   string
}
