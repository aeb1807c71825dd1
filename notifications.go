package chatsync

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Notification Types
// ============================================================================

// NotificationType is the type tag of a notification payload.
type NotificationType string

const (
	NotifyLike          NotificationType = "like"
	NotifyComment       NotificationType = "comment"
	NotifyReply         NotificationType = "reply"
	NotifyMention       NotificationType = "mention"
	NotifyFollow        NotificationType = "follow"
	NotifyShare         NotificationType = "share"
	NotifyFriendRequest NotificationType = "friend_request"
	NotifyFriendAccept  NotificationType = "friend_accept"
	NotifyPostTag       NotificationType = "post_tag"
	NotifyMessage       NotificationType = "message"
	NotifySystem        NotificationType = "system"
)

// NotificationCategory groups notification types for display.
type NotificationCategory string

const (
	CategoryReaction   NotificationCategory = "reaction"
	CategoryDiscussion NotificationCategory = "discussion"
	CategoryNetwork    NotificationCategory = "network"
	CategoryContent    NotificationCategory = "content"
	CategoryMessaging  NotificationCategory = "messaging"
	CategorySystem     NotificationCategory = "system"
	CategoryGeneral    NotificationCategory = "general"
)

var notificationCategories = map[NotificationType]NotificationCategory{
	NotifyLike:          CategoryReaction,
	NotifyShare:         CategoryReaction,
	NotifyComment:       CategoryDiscussion,
	NotifyReply:         CategoryDiscussion,
	NotifyMention:       CategoryDiscussion,
	NotifyFollow:        CategoryNetwork,
	NotifyFriendRequest: CategoryNetwork,
	NotifyFriendAccept:  CategoryNetwork,
	NotifyPostTag:       CategoryContent,
	NotifyMessage:       CategoryMessaging,
	NotifySystem:        CategorySystem,
}

var defaultLabels = map[NotificationCategory]string{
	CategoryReaction:   "Reactions",
	CategoryDiscussion: "Comments & mentions",
	CategoryNetwork:    "Friends & followers",
	CategoryContent:    "Posts",
	CategoryMessaging:  "Messages",
	CategorySystem:     "System",
	CategoryGeneral:    "Notifications",
}

// CategoryOf maps a type tag to its category. Unknown tags are general.
func CategoryOf(t NotificationType) NotificationCategory {
	if c, ok := notificationCategories[t]; ok {
		return c
	}
	return CategoryGeneral
}

// Notification is one routed notification.
type Notification struct {
	ID        string               `json:"id"`
	Type      NotificationType     `json:"type"`
	Category  NotificationCategory `json:"category"`
	Actor     string               `json:"actor,omitempty"`
	Content   string               `json:"content,omitempty"`
	TargetID  string               `json:"target_id,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	Read      bool                 `json:"read"`
}

// ParseNotification maps a raw notification payload to a Notification. Field
// shapes are read leniently: a missing or unparseable field is left empty.
func ParseNotification(raw []byte) (Notification, error) {
	if !gjson.ValidBytes(raw) {
		return Notification{}, fmt.Errorf("%w: invalid json", ErrMalformedPayload)
	}
	root := gjson.ParseBytes(raw)
	tag := root.Get("type").String()
	if tag == "" {
		return Notification{}, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	data := root.Get("data")

	n := Notification{
		ID:       data.Get("id").String(),
		Type:     NotificationType(tag),
		Category: CategoryOf(NotificationType(tag)),
		Actor:    firstString(data, "actor.display_name", "actor.username", "actor_name", "actor"),
		Content:  firstString(data, "content", "message", "text"),
		TargetID: firstString(data, "target_id", "post_id", "target.id"),
		Read:     data.Get("read").Bool(),
	}
	if ts := data.Get("created_at").String(); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			n.CreatedAt = t
		}
	}
	return n, nil
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

// ============================================================================
// NotificationRouter
// ============================================================================

// NotificationConfig configures a NotificationRouter.
type NotificationConfig struct {
	// Capacity bounds the retained notifications; the oldest are evicted.
	Capacity int
	Labels   map[NotificationCategory]string
	Now      func() time.Time
	Logger   *zap.Logger
}

func (c *NotificationConfig) defaults() {
	if c.Capacity <= 0 {
		c.Capacity = 200
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// NotificationRouter routes notification-channel payloads to typed records
// and transient alerts. It shares no state with the message path and keeps
// nothing beyond the process lifetime.
type NotificationRouter struct {
	config NotificationConfig
	logger *zap.Logger

	mu     sync.RWMutex
	items  []*Notification // newest first
	byID   map[string]*Notification
	labels map[NotificationCategory]string

	subMu sync.RWMutex
	subs  []func(Notification)
}

// NewNotificationRouter creates a router with the default label table.
func NewNotificationRouter(config NotificationConfig) *NotificationRouter {
	config.defaults()
	labels := make(map[NotificationCategory]string, len(defaultLabels))
	for k, v := range defaultLabels {
		labels[k] = v
	}
	for k, v := range config.Labels {
		labels[k] = v
	}
	return &NotificationRouter{
		config: config,
		logger: config.Logger,
		byID:   make(map[string]*Notification),
		labels: labels,
	}
}

// Subscribe registers a transient alert observer.
func (r *NotificationRouter) Subscribe(h func(Notification)) {
	r.subMu.Lock()
	r.subs = append(r.subs, h)
	r.subMu.Unlock()
}

// HandleEvent adapts OnPush to a registry subscription.
func (r *NotificationRouter) HandleEvent(ev Event) {
	_ = r.OnPush(ev.Raw)
}

// OnPush routes one payload and emits exactly one alert for it. Payloads that
// are not JSON objects with a type are dropped; a redelivered id is ignored.
func (r *NotificationRouter) OnPush(raw []byte) error {
	n, err := ParseNotification(raw)
	if err != nil {
		droppedPayloads.WithLabelValues("notifications", "malformed").Inc()
		r.logger.Warn("push_dropped", zap.String("component", "notifications"), zap.Error(err))
		return err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.config.Now()
	}
	if n.Category == CategoryGeneral {
		r.logger.Debug("notification_type_unmapped", zap.String("type", string(n.Type)))
	}

	r.mu.Lock()
	if r.byID[n.ID] != nil {
		r.mu.Unlock()
		droppedPayloads.WithLabelValues("notifications", "duplicate").Inc()
		return nil
	}
	stored := n
	r.items = append([]*Notification{&stored}, r.items...)
	r.byID[n.ID] = &stored
	if len(r.items) > r.config.Capacity {
		for _, old := range r.items[r.config.Capacity:] {
			delete(r.byID, old.ID)
		}
		r.items = r.items[:r.config.Capacity]
	}
	r.mu.Unlock()

	r.emit(n)
	return nil
}

// List returns the retained notifications, newest first.
func (r *NotificationRouter) List() []Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Notification, len(r.items))
	for i, n := range r.items {
		out[i] = *n
	}
	return out
}

// UnreadCount counts notifications not yet marked read.
func (r *NotificationRouter) UnreadCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, n := range r.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkRead flags one notification as read.
func (r *NotificationRouter) MarkRead(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.byID[id]
	if n == nil {
		return false
	}
	n.Read = true
	return true
}

// MarkAllRead flags every retained notification as read.
func (r *NotificationRouter) MarkAllRead() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.items {
		n.Read = true
	}
}

// Dismiss drops one notification.
func (r *NotificationRouter) Dismiss(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.byID[id]
	if n == nil {
		return false
	}
	delete(r.byID, id)
	for i, x := range r.items {
		if x == n {
			r.items = append(r.items[:i], r.items[i+1:]...)
			break
		}
	}
	return true
}

// Reset drops every notification.
func (r *NotificationRouter) Reset() {
	r.mu.Lock()
	r.items = nil
	r.byID = make(map[string]*Notification)
	r.mu.Unlock()
}

// ── Labels ───────────────────────────────────────────────

// Label returns the display label for a category.
func (r *NotificationRouter) Label(c NotificationCategory) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.labels[c]; ok {
		return l
	}
	return r.labels[CategoryGeneral]
}

// LoadLabels overrides labels from a YAML document mapping category names to
// labels:
//
//	reaction: "Reacciones"
//	network: "Amigos"
func (r *NotificationRouter) LoadLabels(src io.Reader) error {
	var doc map[string]string
	if err := yaml.NewDecoder(src).Decode(&doc); err != nil && err != io.EOF {
		return fmt.Errorf("decode notification labels: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range doc {
		if v == "" {
			continue
		}
		r.labels[NotificationCategory(k)] = v
	}
	return nil
}

// LoadLabelsFile is LoadLabels on a file path.
func (r *NotificationRouter) LoadLabelsFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open notification labels: %w", err)
	}
	defer f.Close()
	return r.LoadLabels(f)
}

func (r *NotificationRouter) emit(n Notification) {
	r.subMu.RLock()
	handlers := append([]func(Notification){}, r.subs...)
	r.subMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("notification_handler_panic", zap.Any("panic", p))
				}
			}()
			h(n)
		}()
	}
}
