package models

// Attachment is shared by every email in the same source that carries
// byte-identical content.
type Attachment struct {
	ID                string `json:"id"`
	Filename          string `json:"filename"`
	MimeType          string `json:"mimeType"`
	SizeBytes         int64  `json:"sizeBytes"`
	ContentHashSha256 string `json:"contentHashSha256"`
	StoragePath       string `json:"storagePath"`
	IngestionSourceID string `json:"ingestionSourceId"`
}
