package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDocs is an in-memory Documents backend that can be told to fail saves.
type memDocs struct {
	mu       sync.Mutex
	data     map[string][]byte
	failSave bool
	failOn   string
}

func newMemDocs() *memDocs { return &memDocs{data: map[string][]byte{}} }

func (m *memDocs) Load(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[name]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *memDocs) Save(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave || name == m.failOn {
		return errors.New("disk full")
	}
	m.data[name] = append([]byte(nil), data...)
	return nil
}

func (m *memDocs) Close() error { return nil }

func openTestStore(t *testing.T, docs Documents) *Store {
	t.Helper()
	s, err := Open(context.Background(), docs, "/repo")
	require.NoError(t, err)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })
	return s
}

func TestStoreIntentDefaults(t *testing.T) {
	s := openTestStore(t, newMemDocs())
	ctx := context.Background()

	in, err := s.CreateIntent(ctx, Intent{Title: "Refunds", Statement: "Refunds must be idempotent"})
	require.NoError(t, err)
	assert.NotEmpty(t, in.ID)
	assert.Equal(t, IntentActive, in.Status)
	assert.Equal(t, StrengthMedium, in.Strength)
	assert.Equal(t, []string{}, in.Tags)
	assert.False(t, in.CreatedAt.IsZero())

	_, err = s.CreateIntent(ctx, Intent{Title: "empty"})
	assert.Error(t, err)
}

func TestStoreReloadRoundTrip(t *testing.T) {
	docs := newMemDocs()
	s := openTestStore(t, docs)
	ctx := context.Background()

	in, err := s.CreateIntent(ctx, Intent{Statement: "Use integer cents", Tags: []string{"billing"}})
	require.NoError(t, err)
	link, err := s.CreateLink(ctx, IntentLink{
		IntentID: in.ID, FileURI: "/repo/src/refund.ts",
		StartLine: IntPtr(10), EndLine: IntPtr(20), LinkType: LinkExtracted, Confidence: 0.9,
	})
	require.NoError(t, err)
	_, err = s.AddDriftEvents(ctx, []DriftEvent{{
		FileURI: "src/refund.ts", Range: Range{StartLine: 12, EndLine: 12},
		Type: DriftIntentViolation, Severity: SeverityError, IntentIDs: []string{in.ID}, Summary: "float math",
	}})
	require.NoError(t, err)

	reopened, err := Open(ctx, docs, "/repo")
	require.NoError(t, err)

	got, err := reopened.GetIntent(in.ID)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	links := reopened.ListLinks(LinkFilter{FileURI: "src/refund.ts"})
	require.Len(t, links, 1)
	assert.Equal(t, link, links[0])
	assert.Equal(t, "src/refund.ts", links[0].FileURI)

	assert.Equal(t, 1, reopened.OpenDriftCount())
}

func TestStoreRejectsNewerSchema(t *testing.T) {
	docs := newMemDocs()
	docs.data[DocIntents] = []byte(`{"version":99,"intents":[]}`)
	_, err := Open(context.Background(), docs, "/repo")
	assert.Error(t, err)
}

func TestStoreLinkRequiresIntent(t *testing.T) {
	s := openTestStore(t, newMemDocs())
	_, err := s.CreateLink(context.Background(), IntentLink{IntentID: "missing", FileURI: "a.go"})
	assert.ErrorIs(t, err, ErrNotFound)

	in, err := s.CreateIntent(context.Background(), Intent{Statement: "x"})
	require.NoError(t, err)
	_, err = s.CreateLink(context.Background(), IntentLink{IntentID: in.ID, FileURI: "a.go", Confidence: 1.5})
	assert.Error(t, err)
}

func TestStoreDeleteIntentCascades(t *testing.T) {
	s := openTestStore(t, newMemDocs())
	ctx := context.Background()

	a, err := s.CreateIntent(ctx, Intent{Statement: "a"})
	require.NoError(t, err)
	b, err := s.CreateIntent(ctx, Intent{Statement: "b"})
	require.NoError(t, err)
	_, err = s.CreateLink(ctx, IntentLink{IntentID: a.ID, FileURI: "x.go"})
	require.NoError(t, err)
	_, err = s.CreateLink(ctx, IntentLink{IntentID: b.ID, FileURI: "x.go"})
	require.NoError(t, err)
	events, err := s.AddDriftEvents(ctx, []DriftEvent{{FileURI: "x.go", Range: Range{1, 2}, IntentIDs: []string{a.ID, b.ID}}})
	require.NoError(t, err)

	require.NoError(t, s.DeleteIntent(ctx, a.ID))

	_, err = s.GetIntent(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	links := s.ListLinks(LinkFilter{FileURI: "x.go"})
	require.Len(t, links, 1)
	assert.Equal(t, b.ID, links[0].IntentID)

	ev, err := s.GetDriftEvent(events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ev.IntentIDs)

	assert.ErrorIs(t, s.DeleteIntent(ctx, a.ID), ErrNotFound)
}

func TestStoreAddDriftEventsFiltersAndDedupes(t *testing.T) {
	s := openTestStore(t, newMemDocs())
	ctx := context.Background()

	in, err := s.CreateIntent(ctx, Intent{Statement: "a"})
	require.NoError(t, err)

	ev := DriftEvent{FileURI: "/repo/x.go", Range: Range{3, 4}, IntentIDs: []string{in.ID, "ghost"}, Summary: "s"}
	first, err := s.AddDriftEvents(ctx, []DriftEvent{ev})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, []string{in.ID}, first[0].IntentIDs)
	assert.Equal(t, DriftOpen, first[0].Status)
	assert.Equal(t, "x.go", first[0].FileURI)

	second, err := s.AddDriftEvents(ctx, []DriftEvent{ev})
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Len(t, s.ListDriftEvents(DriftFilter{}), 1)
}

func TestStoreFailedSaveLeavesStateUnchanged(t *testing.T) {
	docs := newMemDocs()
	s := openTestStore(t, docs)
	ctx := context.Background()

	in, err := s.CreateIntent(ctx, Intent{Statement: "original"})
	require.NoError(t, err)

	docs.failSave = true
	in.Statement = "changed"
	_, err = s.UpdateIntent(ctx, in)
	require.Error(t, err)

	got, err := s.GetIntent(in.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Statement)
}

func TestStoreMutateRestoresWrittenDocumentsOnPartialFailure(t *testing.T) {
	docs := newMemDocs()
	s := openTestStore(t, docs)
	ctx := context.Background()

	in, err := s.CreateIntent(ctx, Intent{ID: "X", Statement: "old"})
	require.NoError(t, err)
	stored, err := s.AddDriftEvents(ctx, []DriftEvent{{FileURI: "a.go", IntentIDs: []string{"X"}, Status: DriftOpen}})
	require.NoError(t, err)
	evID := stored[0].ID

	docs.failOn = DocDriftEvents
	err = s.Mutate(ctx, func(tx *Tx) error {
		cur, err := tx.Intent(in.ID)
		if err != nil {
			return err
		}
		cur.Statement = "new"
		if err := tx.PutIntent(cur); err != nil {
			return err
		}
		ev, err := tx.DriftEvent(evID)
		if err != nil {
			return err
		}
		ev.Status = DriftResolved
		return tx.PutDriftEvent(ev)
	})
	require.Error(t, err)

	docs.failOn = ""
	reloaded := openTestStore(t, docs)
	got, err := reloaded.GetIntent("X")
	require.NoError(t, err)
	assert.Equal(t, "old", got.Statement)
	ev, err := reloaded.GetDriftEvent(evID)
	require.NoError(t, err)
	assert.Equal(t, DriftOpen, ev.Status)
}

func TestStoreMutateRollsBackOnError(t *testing.T) {
	s := openTestStore(t, newMemDocs())
	ctx := context.Background()

	in, err := s.CreateIntent(ctx, Intent{Statement: "original"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.Mutate(ctx, func(tx *Tx) error {
		cur, err := tx.Intent(in.ID)
		if err != nil {
			return err
		}
		cur.Statement = "changed"
		if err := tx.PutIntent(cur); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetIntent(in.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Statement)
}

func TestStoreListFilters(t *testing.T) {
	s := openTestStore(t, newMemDocs())
	ctx := context.Background()

	_, err := s.CreateIntent(ctx, Intent{Statement: "a", Tags: []string{"billing"}, Category: "security"})
	require.NoError(t, err)
	_, err = s.CreateIntent(ctx, Intent{Statement: "b", Status: IntentArchived})
	require.NoError(t, err)

	assert.Len(t, s.ListIntents(IntentFilter{}), 2)
	assert.Len(t, s.ListIntents(IntentFilter{Tag: "billing"}), 1)
	assert.Len(t, s.ListIntents(IntentFilter{Category: "security"}), 1)
	assert.Len(t, s.ListIntents(IntentFilter{Status: IntentArchived}), 1)
}

func TestStoreReturnsCopies(t *testing.T) {
	s := openTestStore(t, newMemDocs())
	in, err := s.CreateIntent(context.Background(), Intent{Statement: "a", Tags: []string{"x"}})
	require.NoError(t, err)

	list := s.ListIntents(IntentFilter{})
	list[0].Tags[0] = "mutated"

	got, err := s.GetIntent(in.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got.Tags)
}
