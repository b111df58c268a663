package runner

import (
	"fmt"
	"strings"

	"github.com/harunari/chotatsu-sync/internal/portal"
)

// EntityOutcome summarizes what happened to one entity during a run.
type EntityOutcome struct {
	Entity        portal.Entity
	Downloaded    []string
	NotDownloaded []string
	TimedOut      bool
	Err           string
	Uploads       []portal.UploadResult
}

// Report collects everything one run did, for the single summary
// notification every run sends.
type Report struct {
	RunID       string
	Maintenance bool
	Outcomes    []EntityOutcome
	Drift       []portal.FailedDownload
	Pruned      []string
	LedgerError string
}

// Subject renders the notification subject line.
func (r Report) Subject() string {
	switch {
	case r.Maintenance:
		return fmt.Sprintf("chotatsu-sync: portal under maintenance (run %s)", r.RunID)
	case len(r.Outcomes) == 0:
		return fmt.Sprintf("chotatsu-sync: nothing new (run %s)", r.RunID)
	default:
		return fmt.Sprintf("chotatsu-sync: %d entities processed (run %s)", len(r.Outcomes), r.RunID)
	}
}

// Body renders the multi-line notification body.
func (r Report) Body() string {
	var b strings.Builder

	switch {
	case r.Maintenance:
		b.WriteString("The portal is serving its maintenance banner; nothing to do.\n")
	case len(r.Outcomes) == 0:
		b.WriteString("No unseen announcements matched the search.\n")
	}

	for _, o := range r.Outcomes {
		fmt.Fprintf(&b, "[%s] %s / %s\n", o.Entity.ID, o.Entity.Name, o.Entity.SectionName)
		if o.Err != "" {
			fmt.Fprintf(&b, "  error: %s\n", o.Err)
			continue
		}
		fmt.Fprintf(&b, "  downloaded: %s\n", joinOrNone(o.Downloaded))
		fmt.Fprintf(&b, "  skipped: %s\n", joinOrNone(o.NotDownloaded))
		if o.TimedOut {
			b.WriteString("  download batch timed out; unresolved files left for reconciliation\n")
		}
		for _, u := range o.Uploads {
			if u.Failed() {
				fmt.Fprintf(&b, "  upload failed: %s (%s)\n", u.FileName, u.Error)
			}
		}
	}

	if len(r.Drift) > 0 {
		b.WriteString("files recorded as downloaded but missing on disk:\n")
		for _, d := range r.Drift {
			fmt.Fprintf(&b, "  [%s] %s\n", d.EntityID, d.FileName)
		}
	}
	if len(r.Pruned) > 0 {
		fmt.Fprintf(&b, "pruned %d expired folder(s): %s\n", len(r.Pruned), strings.Join(r.Pruned, ", "))
	}
	if r.LedgerError != "" {
		fmt.Fprintf(&b, "WARNING: ledger could not be persisted: %s\n", r.LedgerError)
	}
	return b.String()
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}
