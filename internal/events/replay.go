// replay.go — буфер повтора событий для пользователей без активного подключения.
// На пользователя хранится не больше size последних событий не старше ttl;
// при подключении накопленные события доставляются и буфер очищается.
package events

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	replayStoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ri_events_replay_stored_total",
		Help: "События, сохранённые в буфер повтора",
	}, []string{"type"})

	replayDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ri_events_replayed_total",
		Help: "События, доставленные из буфера повтора",
	})
)

// replayEntry — событие в буфере с моментом сохранения.
type replayEntry struct {
	event    Event
	storedAt time.Time
}

// ReplayBuffer — ограниченный по размеру и времени буфер событий по пользователям.
// Пользователи хранятся в expirable LRU: неактивные вытесняются по ttl
// и по лимиту maxUsers.
type ReplayBuffer struct {
	mu    sync.Mutex
	users *expirable.LRU[string, []replayEntry]
	size  int
	ttl   time.Duration
	now   func() time.Time
}

// NewReplayBuffer создаёт буфер повтора.
// size — событий на пользователя, maxUsers — пользователей, ttl — время жизни события.
func NewReplayBuffer(size, maxUsers int, ttl time.Duration) *ReplayBuffer {
	return &ReplayBuffer{
		users: expirable.NewLRU[string, []replayEntry](maxUsers, nil, ttl),
		size:  size,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Store сохраняет событие пользователя. Устаревшие записи удаляются,
// при переполнении вытесняется самое старое событие.
func (b *ReplayBuffer) Store(ev Event) {
	if ev.UserID == "" || b.size <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	entries, _ := b.users.Get(ev.UserID)
	fresh := b.prune(entries, now)
	fresh = append(fresh, replayEntry{event: ev, storedAt: now})
	if len(fresh) > b.size {
		fresh = fresh[len(fresh)-b.size:]
	}
	b.users.Add(ev.UserID, fresh)
	replayStoredTotal.WithLabelValues(string(ev.Type)).Inc()
}

// Drain возвращает актуальные события пользователя в порядке сохранения
// и очищает его буфер.
func (b *ReplayBuffer) Drain(userID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, ok := b.users.Get(userID)
	if !ok {
		return nil
	}
	b.users.Remove(userID)

	fresh := b.prune(entries, b.now())
	if len(fresh) == 0 {
		return nil
	}
	out := make([]Event, len(fresh))
	for i, e := range fresh {
		out[i] = e.event
	}
	replayDeliveredTotal.Add(float64(len(out)))
	return out
}

// Len возвращает количество актуальных событий пользователя.
func (b *ReplayBuffer) Len(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, _ := b.users.Peek(userID)
	return len(b.prune(entries, b.now()))
}

// prune возвращает новую срез-копию записей не старше ttl.
func (b *ReplayBuffer) prune(entries []replayEntry, now time.Time) []replayEntry {
	out := make([]replayEntry, 0, len(entries)+1)
	for _, e := range entries {
		if now.Sub(e.storedAt) < b.ttl {
			out = append(out, e)
		}
	}
	return out
}
