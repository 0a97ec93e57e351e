// Package linker associates intents with the code regions they govern.
package linker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/driftguard/internal/conversation"
	"github.com/kalambet/driftguard/internal/storage"
)

const (
	// InferredConfidence is assigned to links the linker creates on its own.
	InferredConfidence = 0.8
	// UserConfidence is assigned to links created through the API or MCP.
	UserConfidence = 1.0
)

// ConversationSource loads a conversation by id. It returns nil, nil for an
// unknown id.
type ConversationSource interface {
	ByID(ctx context.Context, id string) (*conversation.Conversation, error)
}

// Linker resolves and creates intent links on top of the intent store.
type Linker struct {
	store  *storage.Store
	convs  ConversationSource
	logger *slog.Logger
}

// New creates a Linker. convs may be nil, in which case conversation-based
// linking finds nothing.
func New(store *storage.Store, convs ConversationSource) *Linker {
	return &Linker{store: store, convs: convs, logger: slog.Default()}
}

// LinksForFile returns every link on the file.
func (l *Linker) LinksForFile(_ context.Context, fileURI string) []storage.IntentLink {
	return l.store.ListLinks(storage.LinkFilter{FileURI: fileURI})
}

// IntentsForFile returns the active intents linked to the file, each once.
func (l *Linker) IntentsForFile(ctx context.Context, fileURI string) []storage.Intent {
	seen := map[string]bool{}
	var out []storage.Intent
	for _, link := range l.LinksForFile(ctx, fileURI) {
		if seen[link.IntentID] {
			continue
		}
		seen[link.IntentID] = true

		in, err := l.store.GetIntent(link.IntentID)
		if err != nil {
			l.logger.Debug("link references missing intent", "link", link.ID, "intent", link.IntentID)
			continue
		}
		if in.Status != storage.IntentActive {
			continue
		}
		out = append(out, in)
	}
	return out
}

// LinksForRange returns whole-file links on the file plus line-scoped links
// overlapping [start, end].
func (l *Linker) LinksForRange(ctx context.Context, fileURI string, start, end int) []storage.IntentLink {
	var out []storage.IntentLink
	q := storage.Range{StartLine: start, EndLine: end}
	for _, link := range l.LinksForFile(ctx, fileURI) {
		if link.WholeFile() {
			out = append(out, link)
			continue
		}
		ls, le := link.Bounds()
		if q.Overlaps(ls, le) {
			out = append(out, link)
		}
	}
	return out
}

// CreateLink links an intent to a file. A link with a range is "inferred",
// without one it is "manual".
func (l *Linker) CreateLink(ctx context.Context, intentID, fileURI string, startLine, endLine *int, rationale string) (storage.IntentLink, error) {
	return l.createLink(ctx, intentID, fileURI, startLine, endLine, rationale, InferredConfidence, storage.CreatedBySystem)
}

// CreateUserLink is CreateLink for links a person asked for: they carry
// full confidence and are attributed to the user.
func (l *Linker) CreateUserLink(ctx context.Context, intentID, fileURI string, startLine, endLine *int, rationale string) (storage.IntentLink, error) {
	return l.createLink(ctx, intentID, fileURI, startLine, endLine, rationale, UserConfidence, storage.CreatedByUser)
}

func (l *Linker) createLink(ctx context.Context, intentID, fileURI string, startLine, endLine *int, rationale string, confidence float64, createdBy string) (storage.IntentLink, error) {
	linkType := storage.LinkManual
	if startLine != nil {
		linkType = storage.LinkInferred
	}
	link, err := l.store.CreateLink(ctx, storage.IntentLink{
		IntentID:   intentID,
		FileURI:    fileURI,
		StartLine:  startLine,
		EndLine:    endLine,
		LinkType:   linkType,
		Confidence: confidence,
		Rationale:  rationale,
		CreatedBy:  createdBy,
	})
	if err != nil {
		return storage.IntentLink{}, fmt.Errorf("creating link: %w", err)
	}
	return link, nil
}

// LinkIntentByConversation links the intent to every file range written by
// the conversations it was sourced from. Failures for one conversation are
// logged and do not stop the others.
func (l *Linker) LinkIntentByConversation(ctx context.Context, in storage.Intent) []storage.IntentLink {
	if l.convs == nil {
		return nil
	}

	var out []storage.IntentLink
	seen := map[string]bool{}
	for _, src := range in.Sources {
		if src.SourceType != storage.SourceConversation || src.ConversationID == "" || seen[src.ConversationID] {
			continue
		}
		seen[src.ConversationID] = true

		conv, err := l.convs.ByID(ctx, src.ConversationID)
		if err != nil {
			l.logger.Warn("conversation lookup failed", "conversation", src.ConversationID, "error", err)
			continue
		}
		if conv == nil {
			continue
		}
		for _, r := range conv.FileRanges {
			link, err := l.store.CreateLink(ctx, storage.IntentLink{
				IntentID:   in.ID,
				FileURI:    r.FileURI,
				StartLine:  storage.IntPtr(r.StartLine),
				EndLine:    storage.IntPtr(r.EndLine),
				LinkType:   storage.LinkInferred,
				Confidence: InferredConfidence,
				Rationale:  "authored in conversation " + src.ConversationID,
				CreatedBy:  storage.CreatedBySystem,
			})
			if err != nil {
				l.logger.Warn("failed to link intent to conversation range",
					"intent", in.ID, "conversation", src.ConversationID, "file", r.FileURI, "error", err)
				continue
			}
			out = append(out, link)
		}
	}
	return out
}
