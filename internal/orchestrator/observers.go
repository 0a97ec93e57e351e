package orchestrator

import (
	"log/slog"
	"sync"

	"github.com/kalambet/driftguard/internal/storage"
)

// EventType names a notification.
type EventType string

const (
	EventIntentsChanged   EventType = "intents_changed"
	EventDriftsDetected   EventType = "drifts_detected"
	EventAnalysisComplete EventType = "analysis_complete"
)

// Notification is delivered to every subscribed Listener. Only the field
// matching Type is set.
type Notification struct {
	Type    EventType            `json:"type"`
	Intents []storage.Intent     `json:"intents,omitempty"`
	Drifts  []storage.DriftEvent `json:"drifts,omitempty"`
	Result  *AnalyzeResult       `json:"result,omitempty"`
}

// Listener receives notifications synchronously on the emitting goroutine.
type Listener func(Notification)

type registry struct {
	mu        sync.Mutex
	nextID    int
	listeners []subscription
}

type subscription struct {
	id int
	fn Listener
}

// subscribe adds fn and returns a function that removes it. Calling the
// returned function more than once is a no-op.
func (r *registry) subscribe(fn Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.listeners {
				if s.id == id {
					r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// emit calls every listener in subscription order. A panicking listener is
// logged and skipped.
func (r *registry) emit(n Notification) {
	r.mu.Lock()
	subs := append([]subscription(nil), r.listeners...)
	r.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("notification listener panicked", "event", n.Type, "panic", rec)
				}
			}()
			s.fn(n)
		}()
	}
}

// analysisNotification copies the result so listeners cannot alias it.
func analysisNotification(res AnalyzeResult) Notification {
	r := res
	r.Drifts = append([]storage.DriftEvent(nil), res.Drifts...)
	return Notification{Type: EventAnalysisComplete, Result: &r}
}

