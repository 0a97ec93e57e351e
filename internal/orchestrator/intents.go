package orchestrator

import (
	"context"

	"github.com/kalambet/driftguard/internal/storage"
)

// CreateIntent stores a manually authored intent and notifies listeners.
func (o *Orchestrator) CreateIntent(ctx context.Context, in storage.Intent) (storage.Intent, error) {
	if in.Strength == "" {
		in.Strength = storage.StrengthMedium
	}
	if in.Status == "" {
		in.Status = storage.IntentActive
	}
	if len(in.Sources) == 0 {
		in.Sources = []storage.IntentSource{{SourceType: storage.SourceManual}}
	}
	created, err := o.deps.Store.CreateIntent(ctx, in)
	if err != nil {
		return storage.Intent{}, err
	}
	o.intentsChanged()
	return created, nil
}

// UpdateIntent replaces an intent and notifies listeners.
func (o *Orchestrator) UpdateIntent(ctx context.Context, in storage.Intent) (storage.Intent, error) {
	updated, err := o.deps.Store.UpdateIntent(ctx, in)
	if err != nil {
		return storage.Intent{}, err
	}
	o.intentsChanged()
	return updated, nil
}

// DeleteIntent removes an intent with its links and notifies listeners.
func (o *Orchestrator) DeleteIntent(ctx context.Context, id string) error {
	if err := o.deps.Store.DeleteIntent(ctx, id); err != nil {
		return err
	}
	o.intentsChanged()
	return nil
}

func (o *Orchestrator) intentsChanged() {
	o.obs.emit(Notification{Type: EventIntentsChanged, Intents: o.deps.Store.ListIntents(storage.IntentFilter{})})
}
