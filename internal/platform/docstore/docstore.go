package docstore

import "context"

// Store persists named documents. Each document is the authoritative
// snapshot of one logical table and is fully overwritten on every save;
// there is no append log and no partial patch. Callers hold the owning
// table's lock across the read-serialize-save sequence.
type Store interface {
	// Load returns the document bytes, or (nil, nil) when the document
	// does not exist yet.
	Load(ctx context.Context, name string) ([]byte, error)
	// Save overwrites the document.
	Save(ctx context.Context, name string, data []byte) error
}
