package chatsync

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestRouter() (*NotificationRouter, *[]Notification) {
	r := NewNotificationRouter(NotificationConfig{Now: func() time.Time { return t0 }})
	var got []Notification
	r.Subscribe(func(n Notification) { got = append(got, n) })
	return r, &got
}

func TestCategoryOf(t *testing.T) {
	cases := map[NotificationType]NotificationCategory{
		NotifyLike:          CategoryReaction,
		NotifyComment:       CategoryDiscussion,
		NotifyMention:       CategoryDiscussion,
		NotifyFriendRequest: CategoryNetwork,
		NotifyPostTag:       CategoryContent,
		NotifyMessage:       CategoryMessaging,
		"brand_new_feature": CategoryGeneral,
		"":                  CategoryGeneral,
	}
	for typ, want := range cases {
		if got := CategoryOf(typ); got != want {
			t.Errorf("CategoryOf(%q) = %s, want %s", typ, got, want)
		}
	}
}

func TestNotificationRouterOnPush(t *testing.T) {
	t.Run("known type", func(t *testing.T) {
		r, got := newTestRouter()
		raw := `{"type":"comment","data":{"id":"n1","actor":{"display_name":"Ada"},"content":"nice post","target_id":"p9","created_at":"2026-03-01T11:00:00Z"}}`
		if err := r.OnPush([]byte(raw)); err != nil {
			t.Fatalf("OnPush: %v", err)
		}
		if len(*got) != 1 {
			t.Fatalf("emitted %d, want 1", len(*got))
		}
		n := (*got)[0]
		if n.ID != "n1" || n.Type != NotifyComment || n.Category != CategoryDiscussion {
			t.Errorf("notification = %+v", n)
		}
		if n.Actor != "Ada" || n.Content != "nice post" || n.TargetID != "p9" || n.Read {
			t.Errorf("fields = %+v", n)
		}
		if !n.CreatedAt.Equal(t0.Add(-time.Hour)) {
			t.Errorf("created_at = %v", n.CreatedAt)
		}
	})

	t.Run("unrecognized type emits exactly one general event", func(t *testing.T) {
		r, got := newTestRouter()
		if err := r.OnPush([]byte(`{"type":"totally_unknown","data":{"content":"?"}}`)); err != nil {
			t.Fatalf("OnPush: %v", err)
		}
		if len(*got) != 1 {
			t.Fatalf("emitted %d, want 1", len(*got))
		}
		n := (*got)[0]
		if n.Category != CategoryGeneral || n.ID == "" || !n.CreatedAt.Equal(t0) {
			t.Errorf("notification = %+v", n)
		}
		if r.Label(n.Category) != "Notifications" {
			t.Errorf("label = %q", r.Label(n.Category))
		}
	})

	t.Run("odd field shapes do not fail", func(t *testing.T) {
		r, got := newTestRouter()
		raw := `{"type":"like","data":{"actor":42,"content":["x"],"created_at":"not a time"}}`
		if err := r.OnPush([]byte(raw)); err != nil {
			t.Fatalf("OnPush: %v", err)
		}
		if len(*got) != 1 || (*got)[0].Actor != "" || (*got)[0].CreatedAt != t0 {
			t.Errorf("notification = %+v", *got)
		}
	})

	t.Run("malformed payloads are dropped", func(t *testing.T) {
		r, got := newTestRouter()
		for _, raw := range []string{`garbage`, `{"data":{}}`, ``} {
			if err := r.OnPush([]byte(raw)); !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("OnPush(%q) = %v, want ErrMalformedPayload", raw, err)
			}
		}
		if len(*got) != 0 {
			t.Errorf("emitted %d, want 0", len(*got))
		}
	})

	t.Run("redelivered id is ignored", func(t *testing.T) {
		r, got := newTestRouter()
		raw := []byte(`{"type":"follow","data":{"id":"n1"}}`)
		r.OnPush(raw)
		r.OnPush(raw)
		if len(*got) != 1 || len(r.List()) != 1 {
			t.Errorf("emitted %d, stored %d", len(*got), len(r.List()))
		}
	})

	t.Run("panicking subscriber does not stop others", func(t *testing.T) {
		r := NewNotificationRouter(NotificationConfig{})
		r.Subscribe(func(Notification) { panic("ui bug") })
		var count int
		r.Subscribe(func(Notification) { count++ })
		if err := r.OnPush([]byte(`{"type":"share"}`)); err != nil {
			t.Fatalf("OnPush: %v", err)
		}
		if count != 1 {
			t.Errorf("count = %d, want 1", count)
		}
	})
}

func TestNotificationRouterState(t *testing.T) {
	r := NewNotificationRouter(NotificationConfig{Capacity: 3})
	for _, id := range []string{"a", "b", "c", "d"} {
		r.OnPush([]byte(`{"type":"like","data":{"id":"` + id + `"}}`))
	}

	list := r.List()
	if len(list) != 3 || list[0].ID != "d" || list[2].ID != "b" {
		t.Fatalf("list = %+v", list)
	}
	if r.UnreadCount() != 3 {
		t.Errorf("unread = %d, want 3", r.UnreadCount())
	}

	if !r.MarkRead("c") || r.MarkRead("a") {
		t.Error("MarkRead results wrong")
	}
	if r.UnreadCount() != 2 {
		t.Errorf("unread = %d, want 2", r.UnreadCount())
	}

	if !r.Dismiss("d") || r.Dismiss("d") {
		t.Error("Dismiss results wrong")
	}
	if len(r.List()) != 2 {
		t.Errorf("len = %d, want 2", len(r.List()))
	}

	r.MarkAllRead()
	if r.UnreadCount() != 0 {
		t.Errorf("unread = %d, want 0", r.UnreadCount())
	}

	r.Reset()
	if len(r.List()) != 0 {
		t.Error("Reset left notifications")
	}
}

func TestNotificationLabels(t *testing.T) {
	r := NewNotificationRouter(NotificationConfig{
		Labels: map[NotificationCategory]string{CategorySystem: "Admin"},
	})
	if got := r.Label(CategorySystem); got != "Admin" {
		t.Errorf("config label = %q", got)
	}

	t.Run("yaml overrides", func(t *testing.T) {
		doc := "reaction: Reacciones\nnetwork: Amigos\nsystem: \"\"\n"
		if err := r.LoadLabels(strings.NewReader(doc)); err != nil {
			t.Fatalf("LoadLabels: %v", err)
		}
		if got := r.Label(CategoryReaction); got != "Reacciones" {
			t.Errorf("reaction = %q", got)
		}
		if got := r.Label(CategorySystem); got != "Admin" {
			t.Errorf("empty value replaced label: %q", got)
		}
		if got := r.Label("nonexistent"); got != "Notifications" {
			t.Errorf("unknown category label = %q", got)
		}
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "labels.yaml")
		if err := os.WriteFile(path, []byte("content: Publicaciones\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := r.LoadLabelsFile(path); err != nil {
			t.Fatalf("LoadLabelsFile: %v", err)
		}
		if got := r.Label(CategoryContent); got != "Publicaciones" {
			t.Errorf("content = %q", got)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		if err := r.LoadLabels(strings.NewReader("- just\n- a list\n")); err == nil {
			t.Error("expected error")
		}
		if err := r.LoadLabelsFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
