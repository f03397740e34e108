package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustEvent(t *testing.T, typ Type, userID string, payload any) Event {
	t.Helper()
	ev, err := New(typ, userID, payload)
	if err != nil {
		t.Fatalf("New() ошибка: %v", err)
	}
	return ev
}

// newTestBuffer создаёт буфер с управляемыми часами.
func newTestBuffer(size int, ttl time.Duration, now *time.Time) *ReplayBuffer {
	b := NewReplayBuffer(size, 100, time.Hour)
	b.ttl = ttl
	b.now = func() time.Time { return *now }
	return b
}

func TestReplayBuffer_KeepsNewest(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBuffer(3, 30*time.Second, &now)

	var ids []string
	for i := range 5 {
		ev := mustEvent(t, TypeFileUploadCompletedToUser, "user-1", map[string]int{"n": i})
		ids = append(ids, ev.ID)
		b.Store(ev)
		now = now.Add(time.Second)
	}

	got := b.Drain("user-1")
	if len(got) != 3 {
		t.Fatalf("Drain() вернул %d событий, ожидалось 3", len(got))
	}
	for i, ev := range got {
		if ev.ID != ids[i+2] {
			t.Errorf("событие %d: ID = %s, ожидалось %s", i, ev.ID, ids[i+2])
		}
	}

	if again := b.Drain("user-1"); len(again) != 0 {
		t.Errorf("повторный Drain() вернул %d событий, ожидалось 0", len(again))
	}
}

func TestReplayBuffer_TTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBuffer(3, 30*time.Second, &now)

	old := mustEvent(t, TypeFileUploadCompletedToUser, "user-1", nil)
	b.Store(old)
	now = now.Add(20 * time.Second)
	fresh := mustEvent(t, TypeFileUploadCompletedToUser, "user-1", nil)
	b.Store(fresh)

	now = now.Add(15 * time.Second)
	if n := b.Len("user-1"); n != 1 {
		t.Errorf("Len() = %d, ожидалось 1", n)
	}

	got := b.Drain("user-1")
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Errorf("Drain() = %+v, ожидалось только свежее событие", got)
	}
}

func TestReplayBuffer_UsersAreIsolated(t *testing.T) {
	now := time.Now()
	b := newTestBuffer(3, 30*time.Second, &now)

	b.Store(mustEvent(t, TypeFileUploadCompletedToUser, "user-1", nil))
	b.Store(mustEvent(t, TypeFileUploadCompletedToUser, "user-2", nil))
	b.Store(mustEvent(t, TypeFileUploadCompletedToUser, "", nil))

	if got := b.Drain("user-1"); len(got) != 1 {
		t.Errorf("user-1: %d событий, ожидалось 1", len(got))
	}
	if n := b.Len("user-2"); n != 1 {
		t.Errorf("user-2: Len() = %d, ожидалось 1", n)
	}
	if n := b.Len(""); n != 0 {
		t.Errorf("широковещательное событие не должно буферизоваться, Len() = %d", n)
	}
}

// recordingMirror запоминает опубликованные события.
type recordingMirror struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *recordingMirror) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func TestHub_DeliversToUser(t *testing.T) {
	hub := NewHub(NewReplayBuffer(3, 10, 30*time.Second), nil, testLogger())
	sub1 := hub.Subscribe("user-1")
	defer sub1.Close()
	sub2 := hub.Subscribe("user-2")
	defer sub2.Close()

	hub.Publish(context.Background(), mustEvent(t, TypeR2RProcessingUpdate, "user-1", nil))

	select {
	case ev := <-sub1.C():
		if ev.Type != TypeR2RProcessingUpdate {
			t.Errorf("тип = %s", ev.Type)
		}
	default:
		t.Fatal("событие не доставлено user-1")
	}
	select {
	case ev := <-sub2.C():
		t.Errorf("user-2 получил чужое событие %s", ev.Type)
	default:
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(nil, nil, testLogger())
	subs := []*Subscription{hub.Subscribe("a"), hub.Subscribe("b"), hub.Subscribe("b")}

	hub.Publish(context.Background(), mustEvent(t, TypeR2RStatusUpdate, "", nil))

	for i, sub := range subs {
		select {
		case <-sub.C():
		default:
			t.Errorf("подписка %d не получила широковещательное событие", i)
		}
		sub.Close()
	}
	if n := hub.SubscriberCount("b"); n != 0 {
		t.Errorf("SubscriberCount(b) = %d после Close, ожидалось 0", n)
	}
}

func TestHub_BuffersWhenOffline(t *testing.T) {
	hub := NewHub(NewReplayBuffer(3, 10, 30*time.Second), nil, testLogger())
	ctx := context.Background()

	hub.Publish(ctx, mustEvent(t, TypeFileUploadCompletedToUser, "user-1", map[string]string{"file": "a.pdf"}))
	hub.Publish(ctx, mustEvent(t, TypeR2RProcessingUpdate, "user-1", nil))

	replayed := hub.Replay("user-1")
	if len(replayed) != 1 {
		t.Fatalf("Replay() вернул %d событий, ожидалось 1", len(replayed))
	}
	var payload map[string]string
	if err := json.Unmarshal(replayed[0].Payload, &payload); err != nil || payload["file"] != "a.pdf" {
		t.Errorf("payload = %s, err = %v", replayed[0].Payload, err)
	}
}

func TestHub_NoBufferWhenDelivered(t *testing.T) {
	hub := NewHub(NewReplayBuffer(3, 10, 30*time.Second), nil, testLogger())
	sub := hub.Subscribe("user-1")
	defer sub.Close()

	hub.Publish(context.Background(), mustEvent(t, TypeFileUploadCompletedToUser, "user-1", nil))

	if got := hub.Replay("user-1"); len(got) != 0 {
		t.Errorf("доставленное событие не должно буферизоваться, в буфере %d", len(got))
	}
}

func TestHub_BuffersWhenSubscriberFull(t *testing.T) {
	hub := NewHub(NewReplayBuffer(3, 10, 30*time.Second), nil, testLogger())
	sub := hub.Subscribe("user-1")
	defer sub.Close()
	ctx := context.Background()

	for range subscriberBuffer {
		hub.Publish(ctx, mustEvent(t, TypeR2RProgressUpdate, "user-1", nil))
	}
	hub.Publish(ctx, mustEvent(t, TypeFileUploadCompletedToUser, "user-1", nil))

	if got := hub.Replay("user-1"); len(got) != 1 {
		t.Errorf("недоставленное событие должно попасть в буфер, в буфере %d", len(got))
	}
}

func TestHub_Mirror(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("брокер недоступен")}
	hub := NewHub(nil, mirror, testLogger())

	hub.Publish(context.Background(), mustEvent(t, TypeDocumentDeletionCompleted, "user-1", nil))

	if len(mirror.events) != 1 || mirror.events[0].Type != TypeDocumentDeletionCompleted {
		t.Errorf("mirror получил %+v", mirror.events)
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	hub := NewHub(nil, nil, testLogger())
	sub := hub.Subscribe("user-1")
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("канал подписки должен быть закрыт")
	}
}
