package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingSender struct {
	mu   sync.Mutex
	sent []Command
	err  error
}

func (s *recordingSender) Send(ctx context.Context, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, payload.(Command))
	return nil
}

func (s *recordingSender) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestEngine(cfg SyncConfig) (*SyncEngine, *manualClock, *recordingSender) {
	clock := &manualClock{now: t0}
	sender := &recordingSender{}
	if cfg.SelfID == "" {
		cfg.SelfID = "me"
	}
	cfg.Now = clock.Now
	cfg.Sender = sender
	keys := 0
	cfg.NewKey = func() string {
		keys++
		return fmt.Sprintf("tmp-%d", keys)
	}
	return NewSyncEngine(cfg), clock, sender
}

type push struct {
	ID, Conversation, Sender, Body, TempKey string
	At                                      time.Time
}

func (p push) raw() []byte {
	data := map[string]any{
		"id":              p.ID,
		"conversation_id": p.Conversation,
		"sender_id":       p.Sender,
		"body":            p.Body,
		"created_at":      p.At.Format(time.RFC3339Nano),
	}
	if p.TempKey != "" {
		data["temp_key"] = p.TempKey
	}
	b, _ := json.Marshal(map[string]any{"type": TypeMessage, "data": data})
	return b
}

func hist(id string, at time.Time) HistoryRecord {
	return HistoryRecord{ID: id, ConversationID: "c1", SenderID: "other", Body: "body " + id, CreatedAt: at}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}
	return out
}

func mustPush(t *testing.T, e *SyncEngine, p push) {
	t.Helper()
	if err := e.OnPush(p.raw()); err != nil {
		t.Fatalf("OnPush(%s): %v", p.ID, err)
	}
}

// ============================================================================
// Optimistic send and promotion
// ============================================================================

func TestSendOptimisticPromotion(t *testing.T) {
	t.Run("confirmation promotes in place without duplication", func(t *testing.T) {
		e, _, sender := newTestEngine(SyncConfig{})
		if _, err := e.LoadHistory("c1", []HistoryRecord{hist("a", t0.Add(-2*time.Minute)), hist("b", t0.Add(-time.Minute))}); err != nil {
			t.Fatalf("LoadHistory: %v", err)
		}

		m, err := e.SendOptimistic(context.Background(), "c1", "hi")
		if err != nil {
			t.Fatalf("SendOptimistic: %v", err)
		}
		if m.Status != StatusOptimistic || m.TempKey == "" || m.ID != "" {
			t.Fatalf("optimistic message = %+v", m)
		}
		if sender.count() != 1 {
			t.Fatalf("sent = %d, want 1", sender.count())
		}

		before := e.ListMessages("c1")
		if len(before) != 3 || before[2].TempKey != m.TempKey {
			t.Fatalf("before = %v, want optimistic appended last", ids(before))
		}

		// Another participant's message lands before the confirmation.
		mustPush(t, e, push{ID: "x", Conversation: "c1", Sender: "other", Body: "yo", At: t0.Add(time.Second)})

		serverTime := t0.Add(3 * time.Second)
		mustPush(t, e, push{ID: "srv1", Conversation: "c1", Sender: "me", Body: "hi", TempKey: m.TempKey, At: serverTime})

		after := e.ListMessages("c1")
		if got, want := ids(after), []string{"a", "b", "srv1", "x"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("order = %v, want %v", got, want)
		}
		promoted := after[2]
		if promoted.Status != StatusConfirmed || promoted.ID != "srv1" || !promoted.CreatedAt.Equal(serverTime) {
			t.Errorf("promoted = %+v", promoted)
		}
		if promoted.TempKey != m.TempKey {
			t.Errorf("temp key lost: %q", promoted.TempKey)
		}
	})

	t.Run("scenario c1 hi srv1", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		m, err := e.SendOptimistic(context.Background(), "c1", "hi")
		if err != nil {
			t.Fatalf("SendOptimistic: %v", err)
		}
		raw := fmt.Sprintf(`{"type":"message","data":{"temp_key":%q,"id":"srv1","created_at":%q}}`,
			m.TempKey, t0.Add(time.Second).Format(time.RFC3339))
		if err := e.OnPush([]byte(raw)); err != nil {
			t.Fatalf("OnPush: %v", err)
		}

		msgs := e.ListMessages("c1")
		if len(msgs) != 1 {
			t.Fatalf("len = %d, want 1", len(msgs))
		}
		if msgs[0].ID != "srv1" || msgs[0].Status != StatusConfirmed || msgs[0].Body != "hi" || msgs[0].ConversationID != "c1" {
			t.Errorf("message = %+v", msgs[0])
		}
	})

	t.Run("temp key alone confirms a failed send", func(t *testing.T) {
		e := NewSyncEngine(SyncConfig{SelfID: "me", Now: func() time.Time { return t0 }})
		m, err := e.SendOptimistic(context.Background(), "c1", "hi")
		if !IsSendFailure(err) {
			t.Fatalf("err = %v, want send failure", err)
		}
		raw := fmt.Sprintf(`{"type":"message","data":{"temp_key":%q,"id":"srv1","created_at":"2026-03-01T12:00:01Z"}}`, m.TempKey)
		if err := e.OnPush([]byte(raw)); err != nil {
			t.Fatalf("OnPush: %v", err)
		}
		msgs := e.ListMessages("c1")
		if len(msgs) != 1 || msgs[0].ID != "srv1" || msgs[0].Status != StatusConfirmed {
			t.Errorf("messages = %+v", msgs)
		}
	})

	t.Run("temp key from another conversation does not promote", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		m, _ := e.SendOptimistic(context.Background(), "c1", "hi")
		e.LoadHistory("c2", nil)
		mustPush(t, e, push{ID: "srv1", Conversation: "c2", Sender: "me", Body: "hi", TempKey: m.TempKey, At: t0})
		if got := e.ListMessages("c1"); len(got) != 1 || got[0].Status != StatusOptimistic {
			t.Errorf("c1 = %+v", got)
		}
		if got := ids(e.ListMessages("c2")); !reflect.DeepEqual(got, []string{"srv1"}) {
			t.Errorf("c2 = %v", got)
		}
	})

	t.Run("sequences of sends keep length across confirmations", func(t *testing.T) {
		e, clock, _ := newTestEngine(SyncConfig{})
		var sent []Message
		for i := 0; i < 5; i++ {
			clock.Set(t0.Add(time.Duration(i) * time.Second))
			m, err := e.SendOptimistic(context.Background(), "c1", fmt.Sprintf("msg %d", i))
			if err != nil {
				t.Fatalf("SendOptimistic: %v", err)
			}
			sent = append(sent, m)
		}
		// Confirm out of order.
		for _, i := range []int{3, 0, 4, 1, 2} {
			mustPush(t, e, push{
				ID: fmt.Sprintf("s%d", i), Conversation: "c1", Sender: "me", Body: sent[i].Body,
				TempKey: sent[i].TempKey, At: t0.Add(time.Minute),
			})
			if n := len(e.ListMessages("c1")); n != 5 {
				t.Fatalf("len after confirming %d = %d, want 5", i, n)
			}
		}
		if got, want := ids(e.ListMessages("c1")), []string{"s0", "s1", "s2", "s3", "s4"}; !reflect.DeepEqual(got, want) {
			t.Errorf("order = %v, want %v", got, want)
		}
	})

	t.Run("optimistic message appends even when the clock is behind", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		e.LoadHistory("c1", []HistoryRecord{hist("future", t0.Add(time.Hour))})

		m, _ := e.SendOptimistic(context.Background(), "c1", "late")
		msgs := e.ListMessages("c1")
		if msgs[len(msgs)-1].TempKey != m.TempKey {
			t.Errorf("order = %v, want optimistic last", ids(msgs))
		}
	})

	t.Run("rejects empty input", func(t *testing.T) {
		e, _, sender := newTestEngine(SyncConfig{})
		if _, err := e.SendOptimistic(context.Background(), "c1", "   "); err == nil {
			t.Error("expected error for blank body")
		}
		if _, err := e.SendOptimistic(context.Background(), "", "hi"); err == nil {
			t.Error("expected error for empty conversation")
		}
		if sender.count() != 0 || len(e.ListMessages("c1")) != 0 {
			t.Error("rejected send left state behind")
		}
	})
}

func TestSendFailure(t *testing.T) {
	e, _, sender := newTestEngine(SyncConfig{})
	sender.setErr(ErrNotOpen)

	var mu sync.Mutex
	var kinds []SyncEventKind
	e.Subscribe(func(ev SyncEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	e.LoadHistory("c1", []HistoryRecord{hist("a", t0.Add(-time.Minute))})
	m, err := e.SendOptimistic(context.Background(), "c1", "hi")
	var se *SendError
	if !errors.As(err, &se) || se.TempKey != m.TempKey || !errors.Is(err, ErrNotOpen) {
		t.Fatalf("err = %v, want *SendError wrapping ErrNotOpen", err)
	}
	if !IsSendFailure(err) {
		t.Error("IsSendFailure = false")
	}
	if m.Status != StatusFailed {
		t.Errorf("returned status = %s, want failed", m.Status)
	}

	msgs := e.ListMessages("c1")
	if len(msgs) != 2 || msgs[1].Status != StatusFailed || msgs[1].TempKey != m.TempKey {
		t.Fatalf("messages = %+v", msgs)
	}

	t.Run("retry resends in place", func(t *testing.T) {
		sender.setErr(nil)
		r, err := e.RetrySend(context.Background(), m.TempKey)
		if err != nil {
			t.Fatalf("RetrySend: %v", err)
		}
		if r.Status != StatusOptimistic || r.TempKey != m.TempKey {
			t.Errorf("retried = %+v", r)
		}
		if sender.count() != 1 {
			t.Errorf("sent = %d, want 1", sender.count())
		}
		msgs := e.ListMessages("c1")
		if len(msgs) != 2 || msgs[1].TempKey != m.TempKey {
			t.Errorf("order = %v", ids(msgs))
		}
	})

	t.Run("retry of unknown key", func(t *testing.T) {
		if _, err := e.RetrySend(context.Background(), "nope"); !errors.Is(err, ErrUnknownMessage) {
			t.Errorf("err = %v, want ErrUnknownMessage", err)
		}
	})

	t.Run("a failed record can still be confirmed", func(t *testing.T) {
		sender.setErr(errors.New("write failed"))
		f, _ := e.SendOptimistic(context.Background(), "c1", "again")
		mustPush(t, e, push{ID: "late", Conversation: "c1", Sender: "me", Body: "again", TempKey: f.TempKey, At: t0.Add(time.Second)})
		got, ok := e.Message("late")
		if !ok || got.Status != StatusConfirmed || got.TempKey != f.TempKey {
			t.Errorf("message = %+v, %v", got, ok)
		}
	})

	mu.Lock()
	defer mu.Unlock()
	want := []SyncEventKind{SyncLoaded, SyncAppended, SyncFailed, SyncRetried}
	if !reflect.DeepEqual(kinds[:4], want) {
		t.Errorf("events = %v, want prefix %v", kinds, want)
	}
}

// ============================================================================
// Ordering
// ============================================================================

func TestOrdering(t *testing.T) {
	t.Run("push between history records lands in the middle", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		t1, t2 := t0, t0.Add(10*time.Second)
		e.LoadHistory("c1", []HistoryRecord{hist("a", t1), hist("b", t2)})
		mustPush(t, e, push{ID: "mid", Conversation: "c1", Sender: "other", Body: "m", At: t1.Add(5 * time.Second)})

		if got, want := ids(e.ListMessages("c1")), []string{"a", "mid", "b"}; !reflect.DeepEqual(got, want) {
			t.Errorf("order = %v, want %v", got, want)
		}
	})

	t.Run("equal timestamps keep insertion order", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		e.LoadHistory("c1", []HistoryRecord{hist("a", t0)})
		mustPush(t, e, push{ID: "b", Conversation: "c1", Sender: "x", Body: "b", At: t0})
		mustPush(t, e, push{ID: "c", Conversation: "c1", Sender: "x", Body: "c", At: t0})

		if got, want := ids(e.ListMessages("c1")), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
			t.Errorf("order = %v, want %v", got, want)
		}
	})

	t.Run("interleavings of history and pushes stay sorted and deduplicated", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		var all []HistoryRecord
		for i := 0; i < 12; i++ {
			// Coarse timestamps force ties.
			all = append(all, hist(fmt.Sprintf("m%02d", i), t0.Add(time.Duration(rng.Intn(5))*time.Second)))
		}

		for round := 0; round < 50; round++ {
			e, _, _ := newTestEngine(SyncConfig{})
			order := rng.Perm(len(all))
			for i := 0; i < len(order); {
				n := 1 + rng.Intn(3)
				if i+n > len(order) {
					n = len(order) - i
				}
				if rng.Intn(2) == 0 {
					var batch []HistoryRecord
					for _, j := range order[i : i+n] {
						batch = append(batch, all[j])
					}
					e.LoadHistory("c1", batch)
				} else {
					for _, j := range order[i : i+n] {
						h := all[j]
						mustPush(t, e, push{ID: h.ID, Conversation: "c1", Sender: h.SenderID, Body: h.Body, At: h.CreatedAt})
					}
				}
				i += n
			}
			// Replays after a reconnect must not duplicate anything.
			e.LoadHistory("c1", all)
			for _, h := range all[:3] {
				mustPush(t, e, push{ID: h.ID, Conversation: "c1", Sender: h.SenderID, Body: h.Body, At: h.CreatedAt})
			}

			msgs := e.ListMessages("c1")
			if len(msgs) != len(all) {
				t.Fatalf("round %d: len = %d, want %d", round, len(msgs), len(all))
			}
			for i := 1; i < len(msgs); i++ {
				if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
					t.Fatalf("round %d: not sorted at %d: %v", round, i, ids(msgs))
				}
			}
		}
	})
}

// ============================================================================
// Pushes
// ============================================================================

func TestOnPush(t *testing.T) {
	t.Run("duplicate server ids are dropped", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		p := push{ID: "s1", Conversation: "c1", Sender: "other", Body: "x", At: t0}
		e.LoadHistory("c1", nil)
		mustPush(t, e, p)
		mustPush(t, e, p)
		if n := len(e.ListMessages("c1")); n != 1 {
			t.Errorf("len = %d, want 1", n)
		}
	})

	t.Run("unknown conversation is rejected without state", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		err := e.OnPush(push{ID: "s1", Conversation: "ghost", Sender: "x", Body: "b", At: t0}.raw())
		if !errors.Is(err, ErrUnknownConversation) {
			t.Fatalf("err = %v, want ErrUnknownConversation", err)
		}
		if e.Has("ghost") {
			t.Error("engine created a thread for an unknown conversation")
		}
	})

	t.Run("conversation known to the lookup is accepted", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{
			Conversations: ConversationLookupFunc(func(id string) bool { return id == "listed" }),
		})
		mustPush(t, e, push{ID: "s1", Conversation: "listed", Sender: "x", Body: "b", At: t0})
		if n := len(e.ListMessages("listed")); n != 1 {
			t.Errorf("len = %d, want 1", n)
		}
	})

	t.Run("malformed payloads", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		e.LoadHistory("c1", nil)
		cases := map[string]string{
			"not json":        `{"type":`,
			"missing type":    `{"data":{}}`,
			"missing id":      `{"type":"message","data":{"conversation_id":"c1","created_at":"2026-03-01T12:00:00Z"}}`,
			"bad timestamp":   `{"type":"message","data":{"id":"s1","conversation_id":"c1","created_at":"yesterday"}}`,
			"data not object": `{"type":"message","data":"hello"}`,
			"no conversation": `{"type":"message","data":{"id":"s1","created_at":"2026-03-01T12:00:00Z"}}`,
			"unmatched key":   `{"type":"message","data":{"id":"s1","temp_key":"nope","created_at":"2026-03-01T12:00:00Z"}}`,
		}
		for name, raw := range cases {
			t.Run(name, func(t *testing.T) {
				if err := e.OnPush([]byte(raw)); !errors.Is(err, ErrMalformedPayload) {
					t.Errorf("err = %v, want ErrMalformedPayload", err)
				}
			})
		}
		if n := len(e.ListMessages("c1")); n != 0 {
			t.Errorf("len = %d, want 0", n)
		}
	})

	t.Run("other types are ignored", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		if err := e.OnPush([]byte(`{"type":"new_conversation","data":{"id":"c9"}}`)); err != nil {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("message_deleted removes the record", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		e.LoadHistory("c1", []HistoryRecord{hist("a", t0), hist("b", t0.Add(time.Second))})
		if err := e.OnPush([]byte(`{"type":"message_deleted","data":{"id":"a"}}`)); err != nil {
			t.Fatalf("OnPush: %v", err)
		}
		if got := ids(e.ListMessages("c1")); !reflect.DeepEqual(got, []string{"b"}) {
			t.Errorf("order = %v", got)
		}
	})
}

func TestFallbackMatch(t *testing.T) {
	t.Run("push without temp key promotes a matching optimistic record", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		m, _ := e.SendOptimistic(context.Background(), "c1", "hi")
		mustPush(t, e, push{ID: "s1", Conversation: "c1", Sender: "me", Body: "hi", At: t0.Add(2 * time.Second)})

		msgs := e.ListMessages("c1")
		if len(msgs) != 1 || msgs[0].ID != "s1" || msgs[0].TempKey != m.TempKey {
			t.Errorf("messages = %+v", msgs)
		}
	})

	t.Run("outside the window inserts a new record", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		e.SendOptimistic(context.Background(), "c1", "hi")
		mustPush(t, e, push{ID: "s1", Conversation: "c1", Sender: "me", Body: "hi", At: t0.Add(time.Minute)})
		if n := len(e.ListMessages("c1")); n != 2 {
			t.Errorf("len = %d, want 2", n)
		}
	})

	t.Run("different body does not match", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		e.SendOptimistic(context.Background(), "c1", "hi")
		mustPush(t, e, push{ID: "s1", Conversation: "c1", Sender: "me", Body: "hello", At: t0})
		if n := len(e.ListMessages("c1")); n != 2 {
			t.Errorf("len = %d, want 2", n)
		}
	})

	t.Run("disabled by a negative window", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{MatchWindow: -1})
		e.SendOptimistic(context.Background(), "c1", "hi")
		mustPush(t, e, push{ID: "s1", Conversation: "c1", Sender: "me", Body: "hi", At: t0})
		if n := len(e.ListMessages("c1")); n != 2 {
			t.Errorf("len = %d, want 2", n)
		}
	})

	t.Run("oldest matching record is promoted first", func(t *testing.T) {
		e, clock, _ := newTestEngine(SyncConfig{})
		first, _ := e.SendOptimistic(context.Background(), "c1", "ok")
		clock.Set(t0.Add(time.Second))
		second, _ := e.SendOptimistic(context.Background(), "c1", "ok")

		mustPush(t, e, push{ID: "s1", Conversation: "c1", Sender: "me", Body: "ok", At: t0.Add(2 * time.Second)})
		if got, _ := e.Message(first.TempKey); got.ID != "s1" {
			t.Errorf("first = %+v, want promoted to s1", got)
		}
		if got, _ := e.Message(second.TempKey); got.Status != StatusOptimistic {
			t.Errorf("second = %+v, want still optimistic", got)
		}
	})
}

// ============================================================================
// History
// ============================================================================

type fakeHistory struct {
	pages map[int][]HistoryRecord
	err   error
}

func (f *fakeHistory) History(ctx context.Context, conversationID string, page int) ([]HistoryRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[page], nil
}

func TestLoadHistory(t *testing.T) {
	t.Run("promotes optimistic record by temp key", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		m, _ := e.SendOptimistic(context.Background(), "c1", "hi")
		rec := HistoryRecord{ID: "s1", ConversationID: "c1", SenderID: "me", Body: "hi", CreatedAt: t0.Add(time.Second), TempKey: m.TempKey}

		n, err := e.LoadHistory("c1", []HistoryRecord{rec})
		if err != nil || n != 1 {
			t.Fatalf("LoadHistory = %d, %v", n, err)
		}
		msgs := e.ListMessages("c1")
		if len(msgs) != 1 || msgs[0].ID != "s1" || msgs[0].Status != StatusConfirmed {
			t.Errorf("messages = %+v", msgs)
		}
	})

	t.Run("never overwrites a more recent optimistic record", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		m, _ := e.SendOptimistic(context.Background(), "c1", "edited locally")
		stale := HistoryRecord{ID: "s1", ConversationID: "c1", SenderID: "me", Body: "old", CreatedAt: t0.Add(-time.Minute), TempKey: m.TempKey}

		n, _ := e.LoadHistory("c1", []HistoryRecord{stale})
		if n != 0 {
			t.Errorf("applied = %d, want 0", n)
		}
		msgs := e.ListMessages("c1")
		if len(msgs) != 1 || msgs[0].Status != StatusOptimistic || msgs[0].Body != "edited locally" {
			t.Errorf("messages = %+v", msgs)
		}
	})

	t.Run("skips records without id or timestamp and foreign records", func(t *testing.T) {
		e, _, _ := newTestEngine(SyncConfig{})
		batch := []HistoryRecord{
			{ID: "", ConversationID: "c1", CreatedAt: t0},
			{ID: "x", ConversationID: "c1"},
			{ID: "y", ConversationID: "c2", CreatedAt: t0},
			hist("ok", t0),
		}
		n, _ := e.LoadHistory("c1", batch)
		if n != 1 {
			t.Errorf("applied = %d, want 1", n)
		}
	})

	t.Run("fetch goes through the history source", func(t *testing.T) {
		src := &fakeHistory{pages: map[int][]HistoryRecord{2: {hist("p2", t0)}}}
		e, _, _ := newTestEngine(SyncConfig{History: src})
		n, err := e.FetchHistory(context.Background(), "c1", 2)
		if err != nil || n != 1 {
			t.Fatalf("FetchHistory = %d, %v", n, err)
		}

		src.err = errors.New("boom")
		if _, err := e.FetchHistory(context.Background(), "c1", 3); err == nil {
			t.Error("expected error from history source")
		}
	})
}

// ============================================================================
// Deletion and queries
// ============================================================================

func TestDeleteMessage(t *testing.T) {
	setup := func() (*SyncEngine, Message) {
		e, _, _ := newTestEngine(SyncConfig{})
		e.LoadHistory("c1", []HistoryRecord{hist("a", t0.Add(-time.Minute)), hist("b", t0.Add(-time.Second))})
		m, _ := e.SendOptimistic(context.Background(), "c1", "hi")
		return e, m
	}

	t.Run("idempotent by server id", func(t *testing.T) {
		once, _ := setup()
		twice, _ := setup()

		if !once.DeleteMessage("a") {
			t.Fatal("first delete reported nothing removed")
		}
		twice.DeleteMessage("a")
		if twice.DeleteMessage("a") {
			t.Error("second delete reported a removal")
		}
		if !reflect.DeepEqual(once.ListMessages("c1"), twice.ListMessages("c1")) {
			t.Errorf("once = %v, twice = %v", ids(once.ListMessages("c1")), ids(twice.ListMessages("c1")))
		}
	})

	t.Run("by temp key", func(t *testing.T) {
		e, m := setup()
		e.DeleteMessage(m.TempKey)
		e.DeleteMessage(m.TempKey)
		if got := ids(e.ListMessages("c1")); !reflect.DeepEqual(got, []string{"a", "b"}) {
			t.Errorf("order = %v", got)
		}
		if _, ok := e.Message(m.TempKey); ok {
			t.Error("temp key still resolvable")
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		e, _ := setup()
		if e.DeleteMessage("nope") {
			t.Error("reported removal of unknown id")
		}
	})
}

func TestQueries(t *testing.T) {
	e, _, _ := newTestEngine(SyncConfig{})
	e.LoadHistory("c1", []HistoryRecord{hist("a", t0), hist("b", t0.Add(time.Minute))})

	latest, ok := e.Latest("c1")
	if !ok || latest.ID != "b" {
		t.Errorf("Latest = %+v, %v", latest, ok)
	}
	if _, ok := e.Latest("none"); ok {
		t.Error("Latest on unknown conversation")
	}

	e.Evict("c1")
	if e.Has("c1") || len(e.ListMessages("c1")) != 0 {
		t.Error("Evict left state")
	}
	if _, ok := e.Message("a"); ok {
		t.Error("evicted id still indexed")
	}

	e.LoadHistory("c2", []HistoryRecord{hist("z", t0)})
	e.Reset()
	if e.Has("c2") {
		t.Error("Reset left state")
	}
}
