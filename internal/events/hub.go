// hub.go — хаб подписок SSE. Событие пользователя доставляется всем его
// подключениям, широковещательное — всем подключениям. Буферизуемые события
// без успешной доставки сохраняются в ReplayBuffer.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// subscriberBuffer — ёмкость канала одного подключения.
const subscriberBuffer = 64

var (
	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ri_events_published_total",
		Help: "Опубликованные события по типам",
	}, []string{"type"})

	eventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ri_events_dropped_total",
		Help: "События, не доставленные из-за переполнения канала подписчика",
	}, []string{"type"})

	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ri_events_subscribers",
		Help: "Активные SSE-подписки",
	})
)

// Mirror — внешний получатель копий событий (например, RabbitMQ).
type Mirror interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscription — подписка одного подключения.
type Subscription struct {
	// UserID — владелец подписки
	UserID string
	ch     chan Event
	hub    *Hub
	once   sync.Once
}

// C возвращает канал событий подписки. Канал закрывается при Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close отменяет подписку.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// Hub — реестр подписок и точка публикации событий.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	replay *ReplayBuffer
	mirror Mirror
	logger *slog.Logger
}

// NewHub создаёт хаб. mirror может быть nil.
func NewHub(replay *ReplayBuffer, mirror Mirror, logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		replay: replay,
		mirror: mirror,
		logger: logger.With(slog.String("component", "events_hub")),
	}
}

// Subscribe регистрирует подключение пользователя.
func (h *Hub) Subscribe(userID string) *Subscription {
	sub := &Subscription{
		UserID: userID,
		ch:     make(chan Event, subscriberBuffer),
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*Subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	subscribersGauge.Inc()
	return sub
}

// Replay возвращает и очищает накопленные для пользователя события.
func (h *Hub) Replay(userID string) []Event {
	if h.replay == nil {
		return nil
	}
	return h.replay.Drain(userID)
}

// Publish доставляет событие подписчикам, при необходимости сохраняет его
// для повтора и передаёт копию во внешний получатель.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	eventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()

	delivered := h.deliver(ev)
	if delivered == 0 && ev.Type.Buffered() && h.replay != nil {
		h.replay.Store(ev)
		h.logger.Debug("Событие сохранено для повтора",
			slog.String("user_id", ev.UserID),
			slog.String("type", string(ev.Type)),
		)
	}

	if h.mirror != nil {
		if err := h.mirror.Publish(ctx, ev); err != nil {
			h.logger.Warn("Ошибка зеркалирования события",
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// SubscriberCount возвращает количество подключений пользователя.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// deliver отправляет событие в каналы подписчиков без блокировки.
// Возвращает количество успешных доставок.
func (h *Hub) deliver(ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	send := func(sub *Subscription) {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			eventsDroppedTotal.WithLabelValues(string(ev.Type)).Inc()
		}
	}

	if ev.Broadcast() {
		for _, subs := range h.subs {
			for sub := range subs {
				send(sub)
			}
		}
		return delivered
	}
	for sub := range h.subs[ev.UserID] {
		send(sub)
	}
	return delivered
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[sub.UserID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.UserID)
	}
	close(sub.ch)
	subscribersGauge.Dec()
}
