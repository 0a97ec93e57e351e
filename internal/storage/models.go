package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalid is returned when a record fails validation.
	ErrInvalid = errors.New("invalid record")
)

// Intent strength values.
const (
	StrengthWeak   = "weak"
	StrengthMedium = "medium"
	StrengthStrong = "strong"
)

// Intent status values.
const (
	IntentActive     = "active"
	IntentSuperseded = "superseded"
	IntentArchived   = "archived"
)

// Link types.
const (
	LinkExtracted = "extracted"
	LinkInferred  = "inferred"
	LinkManual    = "manual"
)

// Link creators.
const (
	CreatedBySystem = "system"
	CreatedByUser   = "user"
)

// Source types.
const (
	SourceConversation = "conversation"
	SourceManual       = "manual"
	SourceImport       = "import"
)

// Drift event types.
const (
	DriftIntentViolation = "intent_violation"
	DriftArchitecture    = "architecture_drift"
	DriftOrphanBehavior  = "orphan_behavior"
)

// Drift severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Drift event status values. Once an event leaves DriftOpen it never returns.
const (
	DriftOpen          = "open"
	DriftAcknowledged  = "acknowledged"
	DriftResolved      = "resolved"
	DriftFalsePositive = "false_positive"
)

// Intent is a normalized, evidence-backed requirement the code must satisfy.
type Intent struct {
	ID          string         `json:"id" yaml:"id,omitempty"`
	Title       string         `json:"title" yaml:"title"`
	Statement   string         `json:"statement" yaml:"statement"`
	Tags        []string       `json:"tags" yaml:"tags,omitempty"`
	Category    string         `json:"category" yaml:"category,omitempty"`
	Strength    string         `json:"strength" yaml:"strength,omitempty"`
	Status      string         `json:"status" yaml:"status,omitempty"`
	Sources     []IntentSource `json:"sources" yaml:"sources,omitempty"`
	CreatedAt   time.Time      `json:"createdAt" yaml:"createdAt,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt" yaml:"updatedAt,omitempty"`
	Constraints []string       `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// IntentSource records where an intent came from.
type IntentSource struct {
	SourceType     string `json:"sourceType" yaml:"sourceType"`
	ConversationID string `json:"conversationId,omitempty" yaml:"conversationId,omitempty"`
	URL            string `json:"url,omitempty" yaml:"url,omitempty"`
	Evidence       string `json:"evidence,omitempty" yaml:"evidence,omitempty"`
}

// IntentLink associates an intent with a file and an optional line range.
// A link without StartLine applies to the whole file.
type IntentLink struct {
	ID         string    `json:"id"`
	IntentID   string    `json:"intentId"`
	FileURI    string    `json:"fileUri"`
	StartLine  *int      `json:"startLine,omitempty"`
	EndLine    *int      `json:"endLine,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	LinkType   string    `json:"linkType"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	CreatedBy  string    `json:"createdBy"`
}

// WholeFile reports whether the link covers the entire file.
func (l IntentLink) WholeFile() bool {
	return l.StartLine == nil
}

// Bounds returns the inclusive line range of a line-scoped link. A link with
// only a start line covers that single line.
func (l IntentLink) Bounds() (start, end int) {
	if l.StartLine == nil {
		return 0, 0
	}
	start = *l.StartLine
	end = start
	if l.EndLine != nil && *l.EndLine >= start {
		end = *l.EndLine
	}
	return start, end
}

// Range is an inclusive, 1-indexed line range.
type Range struct {
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine"`
}

// Overlaps reports whether r and [start, end] share at least one line.
func (r Range) Overlaps(start, end int) bool {
	return r.StartLine <= end && r.EndLine >= start
}

// DriftEvent is a detected violation of one or more intents by current code.
type DriftEvent struct {
	ID           string           `json:"id"`
	FileURI      string           `json:"fileUri"`
	Range        Range            `json:"range"`
	Type         string           `json:"type"`
	Severity     string           `json:"severity"`
	Confidence   float64          `json:"confidence"`
	IntentIDs    []string         `json:"intentIds"`
	Summary      string           `json:"summary"`
	Explanation  string           `json:"explanation"`
	SuggestedFix string           `json:"suggestedFix,omitempty"`
	Attribution  *AttributionSpan `json:"attribution,omitempty"`
	Status       string           `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
	ResolvedAt   *time.Time       `json:"resolvedAt,omitempty"`
}

// AttributionSpan records which contributor authored a file's line range.
type AttributionSpan struct {
	FileURI         string    `json:"fileUri"`
	StartLine       int       `json:"startLine"`
	EndLine         int       `json:"endLine"`
	Contributor     string    `json:"contributor"`
	ConversationURL string    `json:"conversationUrl,omitempty"`
	ConversationID  string    `json:"conversationId,omitempty"`
	Timestamp       time.Time `json:"timestamp,omitempty"`
	Revision        string    `json:"revision,omitempty"`
	ContentHash     string    `json:"contentHash,omitempty"`
}

// IntPtr returns a pointer to v. Convenience for optional link lines.
func IntPtr(v int) *int {
	return &v
}
