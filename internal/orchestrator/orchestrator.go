// Package orchestrator coordinates drift analysis, intent capture and drift
// resolution. Capture is only allowed while no drift event is open.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/driftguard/internal/conversation"
	"github.com/kalambet/driftguard/internal/drift"
	"github.com/kalambet/driftguard/internal/intent"
	"github.com/kalambet/driftguard/internal/storage"
	"github.com/kalambet/driftguard/internal/vcs"
)

var (
	// ErrPrecondition is returned when an operation's preconditions do not hold.
	ErrPrecondition = errors.New("precondition failed")
	// ErrCaptureBlocked explains why capture refused to run.
	ErrCaptureBlocked = fmt.Errorf("%w: resolve open drift events before capturing intents", ErrPrecondition)
)

// Confidence of links created by auto-linking captured intents.
const capturedLinkConfidence = 0.9

// Detector runs drift detection over a set of files.
type Detector interface {
	DetectDrift(ctx context.Context, files []string, since string) (drift.Result, error)
}

// ChangeSource lists changed files.
type ChangeSource interface {
	ChangedFiles(ctx context.Context, opts vcs.ChangeOptions) ([]string, error)
}

// ConversationSource finds the conversations that wrote to a set of files.
type ConversationSource interface {
	ForFiles(ctx context.Context, paths []string) ([]conversation.Conversation, error)
}

// Extractor turns a transcript into intent candidates.
type Extractor interface {
	Extract(ctx context.Context, messages []conversation.Message) ([]intent.Candidate, error)
}

// Deps are the collaborators of an Orchestrator. Changes, Conversations and
// Extractor may be nil; the features depending on them then find nothing.
type Deps struct {
	Store         *storage.Store
	Detector      Detector
	Changes       ChangeSource
	Conversations ConversationSource
	Extractor     Extractor
}

// Orchestrator is the entry point for analyze, capture and resolve.
type Orchestrator struct {
	deps   Deps
	obs    registry
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps, logger: slog.Default()}
}

// Subscribe registers a listener and returns its unsubscribe function.
func (o *Orchestrator) Subscribe(fn Listener) func() {
	return o.obs.subscribe(fn)
}

// CanCapture reports whether no drift event is open. It always re-reads the store.
func (o *Orchestrator) CanCapture() bool {
	return o.deps.Store.OpenDriftCount() == 0
}

// CaptureStatus describes whether capture is currently allowed.
type CaptureStatus struct {
	CanCapture bool `json:"canCapture"`
	OpenDrifts int  `json:"openDrifts"`
}

// Status returns the current capture status.
func (o *Orchestrator) Status() CaptureStatus {
	n := o.deps.Store.OpenDriftCount()
	return CaptureStatus{CanCapture: n == 0, OpenDrifts: n}
}

// --- analyze ---

// AnalyzeOptions selects the files to analyze. Explicit Files win over
// asking the VCS for changes since Since (or HEAD).
type AnalyzeOptions struct {
	Since string   `json:"since,omitempty"`
	Files []string `json:"files,omitempty"`
}

// CaptureCandidate is a conversation that could be captured next.
type CaptureCandidate struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Files []string `json:"files,omitempty"`
}

// AnalyzeResult is the outcome of AnalyzeChanges.
type AnalyzeResult struct {
	Drifts            []storage.DriftEvent `json:"drifts"`
	CanCapture        bool                 `json:"canCapture"`
	FilesAnalyzed     int                  `json:"filesAnalyzed"`
	IntentsChecked    int                  `json:"intentsChecked"`
	CaptureCandidates []CaptureCandidate   `json:"captureCandidates,omitempty"`
}

// AnalyzeChanges runs drift detection on changed files. When nothing drifted,
// conversations touching those files are offered as capture candidates.
func (o *Orchestrator) AnalyzeChanges(ctx context.Context, opts AnalyzeOptions) (AnalyzeResult, error) {
	files, err := o.targetFiles(ctx, opts)
	if err != nil {
		return AnalyzeResult{}, err
	}
	if len(files) == 0 {
		res := AnalyzeResult{Drifts: []storage.DriftEvent{}, CanCapture: o.CanCapture()}
		o.obs.emit(analysisNotification(res))
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return AnalyzeResult{}, err
	}

	dr, err := o.deps.Detector.DetectDrift(ctx, files, opts.Since)
	if err != nil {
		return AnalyzeResult{}, fmt.Errorf("detecting drift: %w", err)
	}
	res := AnalyzeResult{
		Drifts:         dr.Drifts,
		FilesAnalyzed:  dr.FilesAnalyzed,
		IntentsChecked: dr.IntentsChecked,
	}
	if res.Drifts == nil {
		res.Drifts = []storage.DriftEvent{}
	}

	if len(res.Drifts) == 0 {
		if err := ctx.Err(); err != nil {
			return AnalyzeResult{}, err
		}
		res.CaptureCandidates = o.captureCandidates(ctx, files)
	}
	res.CanCapture = o.CanCapture()

	o.logger.Info("analysis complete",
		"files", res.FilesAnalyzed, "intents", res.IntentsChecked, "drifts", len(res.Drifts))
	o.obs.emit(analysisNotification(res))
	if len(res.Drifts) > 0 {
		o.obs.emit(Notification{Type: EventDriftsDetected, Drifts: append([]storage.DriftEvent(nil), res.Drifts...)})
	}
	return res, nil
}

func (o *Orchestrator) targetFiles(ctx context.Context, opts AnalyzeOptions) ([]string, error) {
	if len(opts.Files) > 0 {
		return opts.Files, nil
	}
	if o.deps.Changes == nil {
		return nil, nil
	}
	files, err := o.deps.Changes.ChangedFiles(ctx, vcs.ChangeOptions{Since: opts.Since})
	if err != nil {
		return nil, fmt.Errorf("listing changed files: %w", err)
	}
	return files, nil
}

func (o *Orchestrator) captureCandidates(ctx context.Context, files []string) []CaptureCandidate {
	if o.deps.Conversations == nil {
		return nil
	}
	convs, err := o.deps.Conversations.ForFiles(ctx, files)
	if err != nil {
		o.logger.Warn("failed to look up capture candidates", "error", err)
		return nil
	}
	var out []CaptureCandidate
	for _, c := range convs {
		cand := CaptureCandidate{ID: c.ID, Name: c.Name}
		seen := map[string]bool{}
		for _, r := range c.FileRanges {
			if !seen[r.FileURI] {
				seen[r.FileURI] = true
				cand.Files = append(cand.Files, r.FileURI)
			}
		}
		out = append(out, cand)
	}
	return out
}

// --- capture ---

// CaptureOptions selects conversations to capture from. Capture always draws
// from the conversations touching currently changed files; ConversationIDs
// narrows that set.
type CaptureOptions struct {
	ConversationIDs []string `json:"conversationIds,omitempty"`
	AutoLink        bool     `json:"autoLink"`
}

// CaptureResult reports what capture imported.
type CaptureResult struct {
	Imported int              `json:"imported"`
	Intents  []storage.Intent `json:"intents"`
	Links    int              `json:"links"`
	Blocked  bool             `json:"blocked,omitempty"`
	Errors   []string         `json:"errors,omitempty"`
}

// CaptureIntents extracts intents from conversations and stores them. While
// any drift event is open it imports nothing and reports ErrCaptureBlocked in
// Errors. Failures for one conversation are collected and do not stop the rest.
func (o *Orchestrator) CaptureIntents(ctx context.Context, opts CaptureOptions) (CaptureResult, error) {
	res := CaptureResult{Intents: []storage.Intent{}}

	if open := o.deps.Store.OpenDriftCount(); open > 0 {
		res.Blocked = true
		res.Errors = []string{fmt.Sprintf("%v (%d open)", ErrCaptureBlocked, open)}
		return res, nil
	}

	convs, errs := o.captureSources(ctx, opts.ConversationIDs)
	res.Errors = append(res.Errors, errs...)

	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if o.deps.Extractor == nil {
			res.Errors = append(res.Errors, "no intent extractor configured")
			break
		}
		cands, err := o.deps.Extractor.Extract(ctx, conv.Messages)
		if err != nil {
			o.logger.Warn("intent extraction failed", "conversation", conv.ID, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("conversation %s: %v", conv.ID, err))
			continue
		}
		for _, c := range cands {
			in, links, err := o.importCandidate(ctx, conv, c, opts.AutoLink)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("conversation %s: %v", conv.ID, err))
				continue
			}
			res.Imported++
			res.Links += links
			res.Intents = append(res.Intents, in)
		}
	}

	o.logger.Info("capture complete", "conversations", len(convs), "imported", res.Imported, "links", res.Links, "errors", len(res.Errors))
	o.obs.emit(Notification{Type: EventIntentsChanged, Intents: o.deps.Store.ListIntents(storage.IntentFilter{})})
	return res, nil
}

// captureSources returns the conversations touching currently changed files.
// When ids are given only those conversations are kept; a requested id
// outside that set is reported as an error.
func (o *Orchestrator) captureSources(ctx context.Context, ids []string) ([]conversation.Conversation, []string) {
	if o.deps.Conversations == nil {
		return nil, []string{"no conversation source configured"}
	}

	files, err := o.targetFiles(ctx, AnalyzeOptions{})
	if err != nil {
		return nil, []string{err.Error()}
	}
	var convs []conversation.Conversation
	if len(files) > 0 {
		convs, err = o.deps.Conversations.ForFiles(ctx, files)
		if err != nil {
			return nil, []string{fmt.Sprintf("loading conversations: %v", err)}
		}
	}
	if len(ids) == 0 {
		return convs, nil
	}

	byID := make(map[string]conversation.Conversation, len(convs))
	for _, c := range convs {
		byID[c.ID] = c
	}
	var (
		out  []conversation.Conversation
		errs []string
		seen = map[string]bool{}
	)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		c, ok := byID[id]
		if !ok {
			errs = append(errs, fmt.Sprintf("conversation %s: touches no changed file", id))
			continue
		}
		out = append(out, c)
	}
	return out, errs
}

func (o *Orchestrator) importCandidate(ctx context.Context, conv conversation.Conversation, c intent.Candidate, autoLink bool) (storage.Intent, int, error) {
	statement := strings.TrimSpace(c.Statement)
	if statement == "" {
		return storage.Intent{}, 0, fmt.Errorf("extracted intent %q has no statement", c.Title)
	}
	in, err := o.deps.Store.CreateIntent(ctx, storage.Intent{
		Title:     strings.TrimSpace(c.Title),
		Statement: statement,
		Tags:      c.Tags,
		Strength:  storage.StrengthStrong,
		Status:    storage.IntentActive,
		Sources: []storage.IntentSource{{
			SourceType:     storage.SourceConversation,
			ConversationID: conv.ID,
			Evidence:       c.Evidence,
		}},
	})
	if err != nil {
		return storage.Intent{}, 0, fmt.Errorf("storing intent: %w", err)
	}

	links := 0
	if autoLink {
		for _, r := range conv.FileRanges {
			_, err := o.deps.Store.CreateLink(ctx, storage.IntentLink{
				IntentID:   in.ID,
				FileURI:    r.FileURI,
				StartLine:  storage.IntPtr(r.StartLine),
				EndLine:    storage.IntPtr(r.EndLine),
				LinkType:   storage.LinkExtracted,
				Confidence: capturedLinkConfidence,
				Rationale:  "captured from conversation " + conv.ID,
				CreatedBy:  storage.CreatedBySystem,
			})
			if err != nil {
				o.logger.Warn("auto-link failed", "intent", in.ID, "file", r.FileURI, "error", err)
				continue
			}
			links++
		}
	}
	return in, links, nil
}

// --- resolve ---

// Action is a drift resolution.
type Action string

const (
	ActionDismiss       Action = "dismiss"
	ActionFalsePositive Action = "false_positive"
	ActionUpdateIntent  Action = "update_intent"
)

// ResolveDrift applies action to the drift event. update_intent rewrites the
// statement of the event's first intent and resolves the event; both records
// change together or not at all. Events already resolved or marked false
// positive accept no further action.
func (o *Orchestrator) ResolveDrift(ctx context.Context, eventID string, action Action, newStatement string) (storage.DriftEvent, error) {
	var (
		resolved storage.DriftEvent
		updated  bool
	)
	err := o.deps.Store.Mutate(ctx, func(tx *storage.Tx) error {
		ev, err := tx.DriftEvent(eventID)
		if err != nil {
			return err
		}
		if ev.Status == storage.DriftResolved || ev.Status == storage.DriftFalsePositive {
			return fmt.Errorf("%w: drift event %s is already %s", ErrPrecondition, eventID, ev.Status)
		}

		now := tx.Now()
		switch action {
		case ActionDismiss:
			ev.Status = storage.DriftAcknowledged
		case ActionFalsePositive:
			ev.Status = storage.DriftFalsePositive
		case ActionUpdateIntent:
			statement := strings.TrimSpace(newStatement)
			if statement == "" {
				return fmt.Errorf("%w: update_intent requires a new statement", ErrPrecondition)
			}
			if len(ev.IntentIDs) == 0 {
				return fmt.Errorf("%w: drift event %s has no linked intent", ErrPrecondition, eventID)
			}
			in, err := tx.Intent(ev.IntentIDs[0])
			if err != nil {
				return err
			}
			in.Statement = statement
			in.UpdatedAt = now
			if err := tx.PutIntent(in); err != nil {
				return err
			}
			ev.Status = storage.DriftResolved
			ev.ResolvedAt = &now
			updated = true
		default:
			return fmt.Errorf("%w: unknown action %q", ErrPrecondition, action)
		}

		resolved = ev
		return tx.PutDriftEvent(ev)
	})
	if err != nil {
		return storage.DriftEvent{}, err
	}

	o.logger.Info("drift resolved", "event", eventID, "action", action, "status", resolved.Status)
	if updated {
		o.obs.emit(Notification{Type: EventIntentsChanged, Intents: o.deps.Store.ListIntents(storage.IntentFilter{})})
	}
	return resolved, nil
}
