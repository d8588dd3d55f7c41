package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"bgflow/internal/domain"
	"bgflow/internal/metrics"
)

// Wildcard subscribers are notified of every published event.
const Wildcard = "*"

var ErrSubscriberNotFound = errors.New("subscriber not found")

// Event is an immutable published record. Subscribers receive it by
// reference and must not mutate it.
type Event struct {
	Name        string    `json:"name"`
	Data        any       `json:"data"`
	PublisherID string    `json:"publisher_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Callback handles one event. A returned error is recorded as that
// subscriber's result and never aborts delivery to the others.
type Callback func(ctx context.Context, ev *Event) (any, error)

type subscriber struct {
	id string
	fn Callback
}

// Publication is what a Publish call returns: the stored event plus a
// per-subscriber outcome map.
type Publication struct {
	Event   *Event                   `json:"event"`
	Results map[string]domain.Result `json:"results"`
}

// Manager is an in-memory publish/subscribe bus with bounded per-name
// history. Delivery is synchronous and ordered: exact-name subscribers in
// registration order, then wildcard subscribers in registration order.
type Manager struct {
	mu           sync.Mutex
	subs         map[string][]subscriber
	history      map[string][]*Event
	historyLimit int
	rec          metrics.Recorder
}

// New creates a bus. historyLimit <= 0 defaults to 100.
func New(historyLimit int, rec metrics.Recorder) *Manager {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Manager{
		subs:         make(map[string][]subscriber),
		history:      make(map[string][]*Event),
		historyLimit: historyLimit,
		rec:          rec,
	}
}

// Subscribe registers a callback for an event name (or Wildcard). An empty
// subscriberID gets a generated one; the id is returned either way.
func (m *Manager) Subscribe(eventName string, fn Callback, subscriberID string) string {
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}

	m.mu.Lock()
	m.subs[eventName] = append(m.subs[eventName], subscriber{id: subscriberID, fn: fn})
	m.mu.Unlock()

	log.Info().Str("event", eventName).Str("subscriber_id", subscriberID).Msg("subscribed")
	return subscriberID
}

// Unsubscribe removes one subscriber. The last removal for a name drops the
// name's subscriber entry entirely; history is untouched.
func (m *Manager) Unsubscribe(eventName, subscriberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.subs[eventName]
	for i, sub := range list {
		if sub.id == subscriberID {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(m.subs, eventName)
			} else {
				m.subs[eventName] = list
			}
			log.Info().Str("event", eventName).Str("subscriber_id", subscriberID).Msg("unsubscribed")
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s", ErrSubscriberNotFound, subscriberID, eventName)
}

// Publish appends the event to history, trims the name's history to the
// limit, then notifies subscribers synchronously. One failing subscriber
// never prevents notification of the rest.
func (m *Manager) Publish(ctx context.Context, eventName string, data any, publisherID string) Publication {
	ev := &Event{
		Name:        eventName,
		Data:        data,
		PublisherID: publisherID,
		Timestamp:   time.Now(),
	}

	m.mu.Lock()
	hist := append(m.history[eventName], ev)
	if excess := len(hist) - m.historyLimit; excess > 0 {
		hist = hist[excess:]
	}
	m.history[eventName] = hist

	// Snapshot delivery order under the lock; callbacks run without it so
	// they may publish or (un)subscribe themselves.
	targets := make([]subscriber, 0, len(m.subs[eventName])+len(m.subs[Wildcard]))
	targets = append(targets, m.subs[eventName]...)
	targets = append(targets, m.subs[Wildcard]...)
	m.mu.Unlock()

	m.rec.Record("event", eventName, map[string]any{"publisher": publisherID, "subscribers": len(targets)})

	results := make(map[string]domain.Result, len(targets))
	for _, sub := range targets {
		value, err := callSubscriber(ctx, sub.fn, ev)
		if err != nil {
			log.Error().Err(err).Str("event", eventName).Str("subscriber_id", sub.id).Msg("subscriber failed")
			results[sub.id] = domain.Failure(err.Error())
			continue
		}
		results[sub.id] = domain.Success(value)
	}

	log.Info().Str("event", eventName).Int("notified", len(results)).Msg("event published")
	return Publication{Event: ev, Results: results}
}

func callSubscriber(ctx context.Context, fn Callback, ev *Event) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return fn(ctx, ev)
}

// History returns the most recent limit events per name, chronological.
// An empty name returns history for every name.
func (m *Manager) History(eventName string, limit int) map[string][]*Event {
	if limit <= 0 {
		limit = 10
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]*Event)
	if eventName != "" {
		out[eventName] = tail(m.history[eventName], limit)
		return out
	}
	for name, events := range m.history {
		out[name] = tail(events, limit)
	}
	return out
}

func tail(events []*Event, limit int) []*Event {
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]*Event(nil), events...)
}

// SubscriberCount returns per-name subscriber counts. An empty name returns
// counts for every name with at least one subscriber.
func (m *Manager) SubscriberCount(eventName string) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if eventName != "" {
		return map[string]int{eventName: len(m.subs[eventName])}
	}
	out := make(map[string]int, len(m.subs))
	for name, list := range m.subs {
		out[name] = len(list)
	}
	return out
}

// ClearHistory drops stored events for one name, or for all names when the
// name is empty. Subscriptions are unaffected.
func (m *Manager) ClearHistory(eventName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if eventName != "" {
		delete(m.history, eventName)
		log.Info().Str("event", eventName).Msg("event history cleared")
		return
	}
	m.history = make(map[string][]*Event)
	log.Info().Msg("all event history cleared")
}
