package document

import "time"

// Document is the metadata of a file attached to a case. The file itself
// lives in external storage; only its presence gates the workflow.
type Document struct {
	ID         string
	CaseID     string
	Kind       string
	Filename   string
	UploadedBy string
	UploadedAt time.Time
}
