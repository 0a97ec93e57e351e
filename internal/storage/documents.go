package storage

import "context"

// SchemaVersion is written into every persisted document.
const SchemaVersion = 1

// Document names. Each is a flat JSON array under a named key.
const (
	DocIntents     = "intents"
	DocLinks       = "links"
	DocDriftEvents = "drift-events"
)

// Documents persists named JSON documents. Implementations must return
// ErrNotFound (possibly wrapped) from Load when the document has never been
// saved.
type Documents interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
	Close() error
}

// BatchSaver is implemented by backends that can write several documents
// atomically. All of docs is saved or none of it.
type BatchSaver interface {
	SaveAll(ctx context.Context, docs map[string][]byte) error
}

type intentsDoc struct {
	Version int      `json:"version"`
	Intents []Intent `json:"intents"`
}

type linksDoc struct {
	Version int          `json:"version"`
	Links   []IntentLink `json:"links"`
}

type driftEventsDoc struct {
	Version     int          `json:"version"`
	DriftEvents []DriftEvent `json:"driftEvents"`
}
