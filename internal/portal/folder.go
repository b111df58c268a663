package portal

import "strings"

// folderNameReplacer strips characters that are unsafe in directory names on
// the platforms the pipeline runs on.
var folderNameReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", "_",
	"*", "_",
	"?", "_",
	"\"", "_",
	"<", "_",
	">", "_",
	"|", "_",
	" ", "_",
)

// FolderName derives the on-disk folder for an entity. The name is a pure
// function of (ID, Name, SectionName) so retries always land attachments in
// the same place, and the ID prefix lets the ledger re-locate the folder by
// directory listing alone.
func FolderName(e Entity) string {
	return e.ID + "_" + folderNameReplacer.Replace(e.Name) + "_" + folderNameReplacer.Replace(e.SectionName)
}
