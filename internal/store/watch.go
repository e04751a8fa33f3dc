package store

import (
	"context"
	"sync"

	"learnova.app/backend/internal/quota"
)

type topic int

const (
	topicEntitlement topic = iota
	topicHistory
)

type subscriptionKey struct {
	userID int64
	topic  topic
}

// hub fans out "row changed" signals to in-process subscribers. Signals carry
// no payload; each subscriber re-reads so it always observes the latest state.
// Only writes made through this process's SQLiteStore are signalled: a grant
// from the admin CLI or another server reaches a live subscriber at its next
// local write, so checks that gate money read the row instead.
type hub struct {
	mu   sync.Mutex
	subs map[subscriptionKey]map[chan struct{}]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[subscriptionKey]map[chan struct{}]struct{})}
}

func (h *hub) subscribe(userID int64, t topic) (chan struct{}, func()) {
	key := subscriptionKey{userID: userID, topic: t}
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[chan struct{}]struct{})
	}
	h.subs[key][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, key)
			}
		}
	}
}

func (h *hub) publish(userID int64, t topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[subscriptionKey{userID: userID, topic: t}] {
		select {
		case ch <- struct{}{}:
		default: // a signal is already pending
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = make(map[subscriptionKey]map[chan struct{}]struct{})
}

// watch drives one subscription: it emits the current snapshot, then a fresh
// one after every signal, until ctx is done.
func watch[T any](ctx context.Context, h *hub, userID int64, t topic, load func(context.Context) (T, error), onErr func(error)) (<-chan T, error) {
	signal, unsubscribe := h.subscribe(userID, t)
	first, err := load(ctx)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	out := make(chan T, 1)
	out <- first
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
			}
			snapshot, err := load(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				onErr(err)
				continue
			}
			// Latest wins: drop a snapshot the consumer has not picked up yet.
			select {
			case <-out:
			default:
			}
			select {
			case out <- snapshot:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WatchEntitlement streams the user's settings: the current value first, then
// one value per persisted change. The channel closes when ctx is cancelled.
func (s *SQLiteStore) WatchEntitlement(ctx context.Context, userID int64) (<-chan quota.State, error) {
	return watch(ctx, s.hub, userID, topicEntitlement, func(ctx context.Context) (quota.State, error) {
		return s.GetEntitlement(ctx, userID)
	}, func(err error) {
		s.log.Error().Err(err).Int64("user_id", userID).Msg("store: settings subscription read failed")
	})
}

// WatchHistory streams the user's conversations, newest first.
func (s *SQLiteStore) WatchHistory(ctx context.Context, userID int64) (<-chan []Conversation, error) {
	return watch(ctx, s.hub, userID, topicHistory, func(ctx context.Context) ([]Conversation, error) {
		return s.ListConversations(ctx, userID, defaultHistoryLimit)
	}, func(err error) {
		s.log.Error().Err(err).Int64("user_id", userID).Msg("store: history subscription read failed")
	})
}
