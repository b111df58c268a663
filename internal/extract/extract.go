// Package extract parses announcement rows and attachment links out of
// portal HTML snapshots. Everything here is a pure function of document
// content: no navigation, no side effects, document order preserved.
package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/harunari/chotatsu-sync/internal/portal"
)

const (
	// Data rows in the result table carry at least this many cells.
	// Header and decoration rows are shorter and are skipped.
	minDataCells = 8

	// Attachment anchors on the detail page use a javascript: pseudo-protocol
	// href; real hyperlinks on the same page are not downloads.
	attachmentHrefPrefix = "javascript:"
)

// Entities scans the result-list table and returns one Entity per data row.
// IsNew is true iff the first cell contains an image (the portal renders the
// "new" badge as an img element).
func Entities(html string) ([]portal.Entity, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var entities []portal.Entity
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < minDataCells {
			return
		}
		token, _ := cells.Eq(2).Find("a").Attr("href")
		entities = append(entities, portal.Entity{
			ID:              cellText(cells, 1),
			Name:            cellText(cells, 2),
			SectionName:     cellText(cells, 4),
			ReleaseDate:     cellText(cells, 6),
			DetailLinkToken: strings.TrimSpace(token),
			IsNew:           cells.Eq(0).Find("img").Length() > 0,
		})
	})
	return entities, nil
}

// Attachments scans the detail page for download anchors and marks each
// candidate eligible iff its normalized name contains any keyword as a
// substring. The match is case-sensitive and unanchored.
func Attachments(html string, keywords []string) ([]portal.Attachment, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var candidates []portal.Attachment
	doc.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || !strings.HasPrefix(href, attachmentHrefPrefix) {
			return
		}
		name := NormalizeFileName(a.Text())
		if name == "" {
			return
		}
		candidates = append(candidates, portal.Attachment{
			FileName:  name,
			LinkToken: href,
			Eligible:  matchesAny(name, keywords),
		})
	})
	return candidates, nil
}

// NormalizeFileName turns the portal's rendered link text into the filename
// the download mechanism reports. Line breaks are stripped, the trailing
// size annotation is cut, and the single internal space the portal inserts
// into compound names becomes a literal "+" so the name round-trips through
// the download event.
func NormalizeFileName(raw string) string {
	name := strings.NewReplacer("\r", "", "\n", "").Replace(raw)
	if i := strings.Index(name, "（"); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	return strings.ReplaceAll(name, " ", "+")
}

func matchesAny(name string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

func cellText(cells *goquery.Selection, i int) string {
	return strings.TrimSpace(cells.Eq(i).Text())
}
