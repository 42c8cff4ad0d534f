package receipt

import (
	"time"

	"github.com/zombor/receipt-pipeline/internal/batch"
)

// Batch is the persisted record of one batch run
type Batch struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Files     []ArchivedFile `json:"files"`
	Result    *batch.Result  `json:"result"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ArchivedFile links a batch item to its raw upload in storage
type ArchivedFile struct {
	ItemID      string `json:"item_id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
}

// File returns the archived upload for an item
func (b *Batch) File(itemID string) (ArchivedFile, bool) {
	for _, f := range b.Files {
		if f.ItemID == itemID {
			return f, true
		}
	}
	return ArchivedFile{}, false
}
