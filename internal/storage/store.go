package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the intent store: an in-memory view over the three persisted
// documents. Every mutation is written through to the Documents backend
// before it returns; a failed write leaves the in-memory view unchanged.
type Store struct {
	docs Documents
	root string
	now  func() time.Time

	mu    sync.Mutex
	state snapshot
}

type snapshot struct {
	intents []Intent
	links   []IntentLink
	events  []DriftEvent
}

// IntentFilter narrows ListIntents. Empty fields match everything.
type IntentFilter struct {
	Status   string
	Tag      string
	Category string
}

// LinkFilter narrows ListLinks. Empty fields match everything.
type LinkFilter struct {
	IntentID string
	FileURI  string
}

// DriftFilter narrows ListDriftEvents. Empty fields match everything.
type DriftFilter struct {
	Status  string
	FileURI string
}

// Open loads all documents from docs. root is the workspace root used to
// canonicalize file references.
func Open(ctx context.Context, docs Documents, root string) (*Store, error) {
	s := &Store{docs: docs, root: root, now: func() time.Time { return time.Now().UTC() }}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Root returns the workspace root used for canonical paths.
func (s *Store) Root() string {
	return s.root
}

// Canonical returns the canonical form of a file reference.
func (s *Store) Canonical(ref string) string {
	return Canonicalize(s.root, ref)
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.docs.Close()
}

func (s *Store) load(ctx context.Context) error {
	var in intentsDoc
	if err := s.loadDoc(ctx, DocIntents, &in, func() int { return in.Version }); err != nil {
		return err
	}
	var ln linksDoc
	if err := s.loadDoc(ctx, DocLinks, &ln, func() int { return ln.Version }); err != nil {
		return err
	}
	var ev driftEventsDoc
	if err := s.loadDoc(ctx, DocDriftEvents, &ev, func() int { return ev.Version }); err != nil {
		return err
	}
	s.state = snapshot{intents: in.Intents, links: ln.Links, events: ev.DriftEvents}
	return nil
}

func (s *Store) loadDoc(ctx context.Context, name string, v any, version func() int) error {
	data, err := s.docs.Load(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	if ver := version(); ver > SchemaVersion {
		return fmt.Errorf("%s has schema version %d, newer than supported %d", name, ver, SchemaVersion)
	}
	return nil
}

func encodeDoc(st snapshot, name string) ([]byte, error) {
	var v any
	switch name {
	case DocIntents:
		v = intentsDoc{Version: SchemaVersion, Intents: nonNil(st.intents)}
	case DocLinks:
		v = linksDoc{Version: SchemaVersion, Links: nonNil(st.links)}
	case DocDriftEvents:
		v = driftEventsDoc{Version: SchemaVersion, DriftEvents: nonNil(st.events)}
	default:
		return nil, fmt.Errorf("unknown document %q", name)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", name, err)
	}
	return data, nil
}

// persist writes the dirty documents of next. Backends implementing
// BatchSaver write them in one transaction. Otherwise documents are saved in
// order and, when one fails, those already written are restored from prev.
func (s *Store) persist(ctx context.Context, prev, next snapshot, dirty map[string]bool) error {
	var names []string
	batch := map[string][]byte{}
	for _, name := range []string{DocIntents, DocLinks, DocDriftEvents} {
		if !dirty[name] {
			continue
		}
		data, err := encodeDoc(next, name)
		if err != nil {
			return err
		}
		names = append(names, name)
		batch[name] = data
	}

	if bs, ok := s.docs.(BatchSaver); ok {
		return bs.SaveAll(ctx, batch)
	}

	for i, name := range names {
		if err := s.docs.Save(ctx, name, batch[name]); err != nil {
			s.restore(ctx, prev, names[:i])
			return err
		}
	}
	return nil
}

func (s *Store) restore(ctx context.Context, prev snapshot, names []string) {
	for _, name := range names {
		data, err := encodeDoc(prev, name)
		if err == nil {
			err = s.docs.Save(ctx, name, data)
		}
		if err != nil {
			slog.Error("restoring document after failed save", "document", name, "error", err)
		}
	}
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// --- Transactions ---

// Tx is a mutable copy of the store state handed to Mutate.
type Tx struct {
	s     *Store
	st    snapshot
	dirty map[string]bool
}

// Now returns the store clock's current time.
func (tx *Tx) Now() time.Time {
	return tx.s.now()
}

// Intent returns a copy of the intent with the given id.
func (tx *Tx) Intent(id string) (Intent, error) {
	i := slices.IndexFunc(tx.st.intents, func(in Intent) bool { return in.ID == id })
	if i < 0 {
		return Intent{}, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	return cloneIntent(tx.st.intents[i]), nil
}

// PutIntent replaces an existing intent record.
func (tx *Tx) PutIntent(in Intent) error {
	i := slices.IndexFunc(tx.st.intents, func(x Intent) bool { return x.ID == in.ID })
	if i < 0 {
		return fmt.Errorf("intent %s: %w", in.ID, ErrNotFound)
	}
	tx.st.intents[i] = cloneIntent(in)
	tx.dirty[DocIntents] = true
	return nil
}

// DriftEvent returns a copy of the event with the given id.
func (tx *Tx) DriftEvent(id string) (DriftEvent, error) {
	i := slices.IndexFunc(tx.st.events, func(e DriftEvent) bool { return e.ID == id })
	if i < 0 {
		return DriftEvent{}, fmt.Errorf("drift event %s: %w", id, ErrNotFound)
	}
	return cloneEvent(tx.st.events[i]), nil
}

// PutDriftEvent replaces an existing drift event record.
func (tx *Tx) PutDriftEvent(ev DriftEvent) error {
	i := slices.IndexFunc(tx.st.events, func(x DriftEvent) bool { return x.ID == ev.ID })
	if i < 0 {
		return fmt.Errorf("drift event %s: %w", ev.ID, ErrNotFound)
	}
	tx.st.events[i] = cloneEvent(ev)
	tx.dirty[DocDriftEvents] = true
	return nil
}

// Mutate runs fn against a copy of the current state. If fn returns nil the
// modified documents are persisted and the copy becomes the current state;
// otherwise nothing changes.
func (s *Store) Mutate(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{s: s, st: s.state.clone(), dirty: map[string]bool{}}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.dirty) == 0 {
		return nil
	}
	if err := s.persist(ctx, s.state, tx.st, tx.dirty); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

// --- Intents ---

// CreateIntent stores a new intent, filling in id, status, strength and
// timestamps when unset.
func (s *Store) CreateIntent(ctx context.Context, in Intent) (Intent, error) {
	if in.Statement == "" {
		return Intent{}, fmt.Errorf("%w: intent statement is required", ErrInvalid)
	}
	var created Intent
	err := s.Mutate(ctx, func(tx *Tx) error {
		now := tx.Now()
		if in.ID == "" {
			in.ID = uuid.New().String()
		}
		if _, err := tx.Intent(in.ID); err == nil {
			return fmt.Errorf("%w: intent %s already exists", ErrInvalid, in.ID)
		}
		if in.Status == "" {
			in.Status = IntentActive
		}
		if in.Strength == "" {
			in.Strength = StrengthMedium
		}
		if in.Tags == nil {
			in.Tags = []string{}
		}
		if in.Sources == nil {
			in.Sources = []IntentSource{}
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = now
		}
		in.UpdatedAt = now
		created = cloneIntent(in)
		tx.st.intents = append(tx.st.intents, created)
		tx.dirty[DocIntents] = true
		return nil
	})
	if err != nil {
		return Intent{}, err
	}
	return cloneIntent(created), nil
}

// UpdateIntent replaces the full record of an existing intent and bumps UpdatedAt.
func (s *Store) UpdateIntent(ctx context.Context, in Intent) (Intent, error) {
	var updated Intent
	err := s.Mutate(ctx, func(tx *Tx) error {
		existing, err := tx.Intent(in.ID)
		if err != nil {
			return err
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = existing.CreatedAt
		}
		if in.Tags == nil {
			in.Tags = []string{}
		}
		if in.Sources == nil {
			in.Sources = []IntentSource{}
		}
		in.UpdatedAt = tx.Now()
		updated = in
		return tx.PutIntent(in)
	})
	if err != nil {
		return Intent{}, err
	}
	return cloneIntent(updated), nil
}

// GetIntent returns the intent with the given id.
func (s *Store) GetIntent(id string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.state.intents {
		if in.ID == id {
			return cloneIntent(in), nil
		}
	}
	return Intent{}, fmt.Errorf("intent %s: %w", id, ErrNotFound)
}

// ListIntents returns intents matching f in insertion order.
func (s *Store) ListIntents(f IntentFilter) []Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Intent{}
	for _, in := range s.state.intents {
		if f.Status != "" && in.Status != f.Status {
			continue
		}
		if f.Category != "" && in.Category != f.Category {
			continue
		}
		if f.Tag != "" && !slices.Contains(in.Tags, f.Tag) {
			continue
		}
		out = append(out, cloneIntent(in))
	}
	return out
}

// DeleteIntent removes an intent, its links, and its id from drift events.
func (s *Store) DeleteIntent(ctx context.Context, id string) error {
	return s.Mutate(ctx, func(tx *Tx) error {
		i := slices.IndexFunc(tx.st.intents, func(in Intent) bool { return in.ID == id })
		if i < 0 {
			return fmt.Errorf("intent %s: %w", id, ErrNotFound)
		}
		tx.st.intents = slices.Delete(tx.st.intents, i, i+1)
		tx.dirty[DocIntents] = true

		before := len(tx.st.links)
		tx.st.links = slices.DeleteFunc(tx.st.links, func(l IntentLink) bool { return l.IntentID == id })
		if len(tx.st.links) != before {
			tx.dirty[DocLinks] = true
		}

		for j := range tx.st.events {
			ids := tx.st.events[j].IntentIDs
			if !slices.Contains(ids, id) {
				continue
			}
			tx.st.events[j].IntentIDs = slices.DeleteFunc(slices.Clone(ids), func(x string) bool { return x == id })
			tx.dirty[DocDriftEvents] = true
		}
		return nil
	})
}

// --- Links ---

// CreateLink stores a new link. The referenced intent must exist.
func (s *Store) CreateLink(ctx context.Context, l IntentLink) (IntentLink, error) {
	if l.FileURI == "" {
		return IntentLink{}, fmt.Errorf("%w: link file is required", ErrInvalid)
	}
	if l.Confidence < 0 || l.Confidence > 1 {
		return IntentLink{}, fmt.Errorf("%w: link confidence %v outside [0,1]", ErrInvalid, l.Confidence)
	}
	if l.StartLine != nil && *l.StartLine < 1 {
		return IntentLink{}, fmt.Errorf("%w: link start line must be >= 1", ErrInvalid)
	}
	if l.StartLine == nil && l.EndLine != nil {
		return IntentLink{}, fmt.Errorf("%w: link end line given without start line", ErrInvalid)
	}

	var created IntentLink
	err := s.Mutate(ctx, func(tx *Tx) error {
		if _, err := tx.Intent(l.IntentID); err != nil {
			return err
		}
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		l.FileURI = Canonicalize(s.root, l.FileURI)
		if l.CreatedAt.IsZero() {
			l.CreatedAt = tx.Now()
		}
		if l.CreatedBy == "" {
			l.CreatedBy = CreatedBySystem
		}
		created = cloneLink(l)
		tx.st.links = append(tx.st.links, created)
		tx.dirty[DocLinks] = true
		return nil
	})
	if err != nil {
		return IntentLink{}, err
	}
	return cloneLink(created), nil
}

// DeleteLink removes a link by id.
func (s *Store) DeleteLink(ctx context.Context, id string) error {
	return s.Mutate(ctx, func(tx *Tx) error {
		i := slices.IndexFunc(tx.st.links, func(l IntentLink) bool { return l.ID == id })
		if i < 0 {
			return fmt.Errorf("link %s: %w", id, ErrNotFound)
		}
		tx.st.links = slices.Delete(tx.st.links, i, i+1)
		tx.dirty[DocLinks] = true
		return nil
	})
}

// ListLinks returns links matching f. FileURI is canonicalized before
// comparison and must match exactly.
func (s *Store) ListLinks(f LinkFilter) []IntentLink {
	file := ""
	if f.FileURI != "" {
		file = Canonicalize(s.root, f.FileURI)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []IntentLink{}
	for _, l := range s.state.links {
		if f.IntentID != "" && l.IntentID != f.IntentID {
			continue
		}
		if file != "" && l.FileURI != file {
			continue
		}
		out = append(out, cloneLink(l))
	}
	return out
}

// --- Drift events ---

// AddDriftEvents stores new events. Intent ids that do not reference an
// existing intent are dropped. When an open event with the same file, range
// and intent ids already exists, that event is returned instead of a duplicate.
func (s *Store) AddDriftEvents(ctx context.Context, events []DriftEvent) ([]DriftEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	out := make([]DriftEvent, 0, len(events))
	err := s.Mutate(ctx, func(tx *Tx) error {
		now := tx.Now()
		for _, ev := range events {
			ev.FileURI = Canonicalize(s.root, ev.FileURI)
			ev.IntentIDs = tx.existingIntentIDs(ev.IntentIDs)
			if existing, ok := tx.openDuplicate(ev); ok {
				out = append(out, existing)
				continue
			}
			if ev.ID == "" {
				ev.ID = uuid.New().String()
			}
			if ev.Status == "" {
				ev.Status = DriftOpen
			}
			if ev.CreatedAt.IsZero() {
				ev.CreatedAt = now
			}
			stored := cloneEvent(ev)
			tx.st.events = append(tx.st.events, stored)
			tx.dirty[DocDriftEvents] = true
			out = append(out, cloneEvent(stored))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (tx *Tx) existingIntentIDs(ids []string) []string {
	out := []string{}
	for _, id := range ids {
		if slices.Contains(out, id) {
			continue
		}
		if slices.ContainsFunc(tx.st.intents, func(in Intent) bool { return in.ID == id }) {
			out = append(out, id)
		}
	}
	return out
}

func (tx *Tx) openDuplicate(ev DriftEvent) (DriftEvent, bool) {
	for _, e := range tx.st.events {
		if e.Status != DriftOpen || e.FileURI != ev.FileURI || e.Range != ev.Range {
			continue
		}
		if slices.Equal(e.IntentIDs, ev.IntentIDs) && e.Summary == ev.Summary {
			return cloneEvent(e), true
		}
	}
	return DriftEvent{}, false
}

// GetDriftEvent returns the event with the given id.
func (s *Store) GetDriftEvent(id string) (DriftEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.state.events {
		if e.ID == id {
			return cloneEvent(e), nil
		}
	}
	return DriftEvent{}, fmt.Errorf("drift event %s: %w", id, ErrNotFound)
}

// ListDriftEvents returns events matching f in creation order.
func (s *Store) ListDriftEvents(f DriftFilter) []DriftEvent {
	file := ""
	if f.FileURI != "" {
		file = Canonicalize(s.root, f.FileURI)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []DriftEvent{}
	for _, e := range s.state.events {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if file != "" && e.FileURI != file {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	return out
}

// OpenDriftCount returns the number of events with status open.
func (s *Store) OpenDriftCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.state.events {
		if e.Status == DriftOpen {
			n++
		}
	}
	return n
}

// --- copies ---

func (st snapshot) clone() snapshot {
	out := snapshot{
		intents: make([]Intent, len(st.intents)),
		links:   make([]IntentLink, len(st.links)),
		events:  make([]DriftEvent, len(st.events)),
	}
	for i, in := range st.intents {
		out.intents[i] = cloneIntent(in)
	}
	for i, l := range st.links {
		out.links[i] = cloneLink(l)
	}
	for i, e := range st.events {
		out.events[i] = cloneEvent(e)
	}
	return out
}

func cloneIntent(in Intent) Intent {
	in.Tags = slices.Clone(in.Tags)
	in.Sources = slices.Clone(in.Sources)
	in.Constraints = slices.Clone(in.Constraints)
	return in
}

func cloneLink(l IntentLink) IntentLink {
	if l.StartLine != nil {
		l.StartLine = IntPtr(*l.StartLine)
	}
	if l.EndLine != nil {
		l.EndLine = IntPtr(*l.EndLine)
	}
	return l
}

func cloneEvent(e DriftEvent) DriftEvent {
	e.IntentIDs = slices.Clone(e.IntentIDs)
	if e.Attribution != nil {
		a := *e.Attribution
		e.Attribution = &a
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		e.ResolvedAt = &t
	}
	return e
}
