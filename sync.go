package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Collaborators
// ============================================================================

// MessageSender hands an outbound command to the transport.
type MessageSender interface {
	Send(ctx context.Context, payload any) error
}

// SenderFunc adapts a function to MessageSender.
type SenderFunc func(ctx context.Context, payload any) error

// Send implements MessageSender.
func (f SenderFunc) Send(ctx context.Context, payload any) error { return f(ctx, payload) }

// HistorySource fetches one page of a conversation's history, oldest first.
type HistorySource interface {
	History(ctx context.Context, conversationID string, page int) ([]HistoryRecord, error)
}

// ConversationLookup reports whether a conversation is known outside the
// engine (for example listed by the directory).
type ConversationLookup interface {
	Has(conversationID string) bool
}

// ============================================================================
// Events
// ============================================================================

// SyncEventKind tags a SyncEvent.
type SyncEventKind string

const (
	SyncAppended SyncEventKind = "appended"
	SyncPromoted SyncEventKind = "promoted"
	SyncFailed   SyncEventKind = "failed"
	SyncRetried  SyncEventKind = "retried"
	SyncDeleted  SyncEventKind = "deleted"
	SyncLoaded   SyncEventKind = "loaded"
	SyncEvicted  SyncEventKind = "evicted"
)

// SyncEvent reports one applied change. Message is the record after the
// change (or the removed record for SyncDeleted); it is zero for SyncLoaded
// and SyncEvicted.
type SyncEvent struct {
	Kind           SyncEventKind
	ConversationID string
	Message        Message
}

// ============================================================================
// Configuration
// ============================================================================

// SyncConfig configures a SyncEngine.
type SyncConfig struct {
	// SelfID is the sender id stamped on optimistic messages.
	SelfID        string
	Sender        MessageSender
	History       HistorySource
	Conversations ConversationLookup
	// MatchWindow bounds the fallback correlation of confirmed messages
	// that arrive without a temp key. Negative disables the fallback.
	MatchWindow time.Duration
	Now         func() time.Time
	NewKey      func() string
	Logger      *zap.Logger
}

func (c *SyncConfig) defaults() {
	if c.MatchWindow == 0 {
		c.MatchWindow = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewKey == nil {
		c.NewKey = uuid.NewString
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// SyncEngine
// ============================================================================

// record is the engine's view of a message. anchor is the effective
// timestamp used for ordering; it is never changed by promotion, so a
// confirmed message keeps the position its optimistic copy had.
type record struct {
	msg    Message
	anchor time.Time
	seq    uint64
}

func (r *record) before(o *record) bool {
	if r.anchor.Equal(o.anchor) {
		return r.seq < o.seq
	}
	return r.anchor.Before(o.anchor)
}

type thread struct {
	records []*record
}

func (t *thread) insert(r *record) {
	i := len(t.records)
	for i > 0 && r.before(t.records[i-1]) {
		i--
	}
	t.records = append(t.records, nil)
	copy(t.records[i+1:], t.records[i:])
	t.records[i] = r
}

func (t *thread) remove(r *record) {
	for i, x := range t.records {
		if x == r {
			t.records = append(t.records[:i], t.records[i+1:]...)
			return
		}
	}
}

// SyncEngine merges optimistic, fetched and pushed messages into one ordered,
// deduplicated sequence per conversation. Every mutation is applied under one
// lock; subscribers are notified after it is released.
type SyncEngine struct {
	config SyncConfig
	logger *zap.Logger

	mu      sync.RWMutex
	selfID  string
	threads map[string]*thread
	byTemp  map[string]*record
	byID    map[string]*record
	seq     uint64

	subMu sync.RWMutex
	subs  []func(SyncEvent)
}

// NewSyncEngine creates an empty engine.
func NewSyncEngine(config SyncConfig) *SyncEngine {
	config.defaults()
	return &SyncEngine{
		config:  config,
		logger:  config.Logger,
		selfID:  config.SelfID,
		threads: make(map[string]*thread),
		byTemp:  make(map[string]*record),
		byID:    make(map[string]*record),
	}
}

// Subscribe registers a change observer.
func (e *SyncEngine) Subscribe(h func(SyncEvent)) {
	e.subMu.Lock()
	e.subs = append(e.subs, h)
	e.subMu.Unlock()
}

// SetSelf changes the sender id used for new optimistic messages.
func (e *SyncEngine) SetSelf(id string) {
	e.mu.Lock()
	e.selfID = id
	e.mu.Unlock()
}

// Has reports whether the engine holds a thread for conversationID.
func (e *SyncEngine) Has(conversationID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.threads[conversationID]
	return ok
}

// ── Sending ──────────────────────────────────────────────

// SendOptimistic appends an optimistic message to the end of the
// conversation and hands it to the transport. If the transport rejects it
// the message stays in place with StatusFailed and a *SendError is returned.
func (e *SyncEngine) SendOptimistic(ctx context.Context, conversationID, body string) (Message, error) {
	if conversationID == "" {
		return Message{}, fmt.Errorf("send: empty conversation id")
	}
	if strings.TrimSpace(body) == "" {
		return Message{}, fmt.Errorf("send: empty body")
	}

	e.mu.Lock()
	now := e.config.Now()
	t := e.threadLocked(conversationID)
	anchor := now
	if n := len(t.records); n > 0 && t.records[n-1].anchor.After(anchor) {
		anchor = t.records[n-1].anchor
	}
	e.seq++
	r := &record{
		msg: Message{
			ConversationID: conversationID,
			SenderID:       e.selfID,
			Body:           body,
			CreatedAt:      now,
			Status:         StatusOptimistic,
			TempKey:        e.config.NewKey(),
		},
		anchor: anchor,
		seq:    e.seq,
	}
	t.insert(r)
	e.byTemp[r.msg.TempKey] = r
	msg := r.msg
	e.mu.Unlock()

	e.emit(SyncEvent{Kind: SyncAppended, ConversationID: conversationID, Message: msg})
	return e.transmit(ctx, msg)
}

// RetrySend re-sends a failed message in place.
func (e *SyncEngine) RetrySend(ctx context.Context, tempKey string) (Message, error) {
	e.mu.Lock()
	r := e.byTemp[tempKey]
	if r == nil {
		e.mu.Unlock()
		return Message{}, fmt.Errorf("retry %s: %w", tempKey, ErrUnknownMessage)
	}
	if r.msg.Status != StatusFailed {
		msg := r.msg
		e.mu.Unlock()
		return msg, nil
	}
	r.msg.Status = StatusOptimistic
	msg := r.msg
	e.mu.Unlock()

	e.emit(SyncEvent{Kind: SyncRetried, ConversationID: msg.ConversationID, Message: msg})
	return e.transmit(ctx, msg)
}

func (e *SyncEngine) transmit(ctx context.Context, msg Message) (Message, error) {
	err := ErrNotOpen
	if e.config.Sender != nil {
		err = e.config.Sender.Send(ctx, Command{
			Type: TypeMessage,
			Data: sendData{ConversationID: msg.ConversationID, Body: msg.Body, TempKey: msg.TempKey},
		})
	}
	if err == nil {
		return msg, nil
	}

	e.mu.Lock()
	r := e.byTemp[msg.TempKey]
	if r == nil || r.msg.Status != StatusOptimistic {
		// Deleted or already confirmed by a push that raced the error.
		var cur Message
		if r != nil {
			cur = r.msg
		}
		e.mu.Unlock()
		return cur, &SendError{TempKey: msg.TempKey, Err: err}
	}
	r.msg.Status = StatusFailed
	failed := r.msg
	e.mu.Unlock()

	reconciled.WithLabelValues("send_failed").Inc()
	e.logger.Warn("send_failed",
		zap.String("conversation_id", failed.ConversationID),
		zap.String("temp_key", failed.TempKey),
		zap.Error(err),
	)
	e.emit(SyncEvent{Kind: SyncFailed, ConversationID: failed.ConversationID, Message: failed})
	return failed, &SendError{TempKey: failed.TempKey, Err: err}
}

// ── History ──────────────────────────────────────────────

// FetchHistory pulls one page from the configured HistorySource and merges it.
func (e *SyncEngine) FetchHistory(ctx context.Context, conversationID string, page int) (int, error) {
	if e.config.History == nil {
		return 0, fmt.Errorf("fetch history: no history source configured")
	}
	batch, err := e.config.History.History(ctx, conversationID, page)
	if err != nil {
		return 0, fmt.Errorf("fetch history %s page %d: %w", conversationID, page, err)
	}
	return e.LoadHistory(conversationID, batch)
}

// LoadHistory merges an ordered batch of confirmed records into the
// conversation and returns how many records became newly visible or were
// promoted. Known server ids are skipped; a fetched record never replaces a
// more recent optimistic record with the same temp key.
func (e *SyncEngine) LoadHistory(conversationID string, batch []HistoryRecord) (int, error) {
	if conversationID == "" {
		return 0, fmt.Errorf("load history: empty conversation id")
	}

	var (
		applied  int
		promoted []Message
		skipped  int
	)

	e.mu.Lock()
	t := e.threadLocked(conversationID)
	for _, h := range batch {
		if h.ID == "" || h.CreatedAt.IsZero() {
			skipped++
			continue
		}
		if h.ConversationID != "" && h.ConversationID != conversationID {
			skipped++
			continue
		}
		if existing := e.byID[h.ID]; existing != nil {
			if existing.msg.Status == StatusConfirmed && h.Body != "" {
				existing.msg.Body = h.Body
			}
			continue
		}

		local := e.byTemp[h.TempKey]
		if h.TempKey == "" {
			local = e.matchLocked(t, h.SenderID, h.Body, h.CreatedAt)
		}
		if local != nil && local.msg.ConversationID == conversationID && local.msg.Status != StatusConfirmed {
			if local.msg.CreatedAt.After(h.CreatedAt) {
				skipped++
				continue
			}
			e.promoteLocked(local, h.ID, h.SenderID, h.Body, h.CreatedAt)
			promoted = append(promoted, local.msg)
			applied++
			continue
		}

		e.seq++
		r := &record{
			msg: Message{
				ID:             h.ID,
				ConversationID: conversationID,
				SenderID:       h.SenderID,
				Body:           h.Body,
				CreatedAt:      h.CreatedAt,
				Status:         StatusConfirmed,
				TempKey:        h.TempKey,
			},
			anchor: h.CreatedAt,
			seq:    e.seq,
		}
		t.insert(r)
		e.byID[h.ID] = r
		if h.TempKey != "" && e.byTemp[h.TempKey] == nil {
			e.byTemp[h.TempKey] = r
		}
		applied++
	}
	e.mu.Unlock()

	if skipped > 0 {
		droppedPayloads.WithLabelValues("sync", "history_skipped").Add(float64(skipped))
		e.logger.Debug("history_records_skipped", zap.String("conversation_id", conversationID), zap.Int("count", skipped))
	}
	for _, m := range promoted {
		reconciled.WithLabelValues("promoted").Inc()
		e.emit(SyncEvent{Kind: SyncPromoted, ConversationID: conversationID, Message: m})
	}
	e.emit(SyncEvent{Kind: SyncLoaded, ConversationID: conversationID})
	return applied, nil
}

// ── Pushes ───────────────────────────────────────────────

// HandleEvent adapts OnPush to a registry subscription. Errors are already
// logged by OnPush.
func (e *SyncEngine) HandleEvent(ev Event) {
	_ = e.OnPush(ev.Raw)
}

// OnPush applies one inbound message-channel payload. Malformed payloads and
// pushes for unknown conversations are dropped, logged and returned as
// errors; they never leave partial state behind.
func (e *SyncEngine) OnPush(raw []byte) error {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return e.drop("malformed", err)
	}

	switch env.Type {
	case TypeMessage:
		return e.applyPush(env.Data)
	case TypeMessageDeleted:
		var d struct {
			ID      string `json:"id"`
			TempKey string `json:"temp_key"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil || (d.ID == "" && d.TempKey == "") {
			return e.drop("malformed", fmt.Errorf("%w: message_deleted without id", ErrMalformedPayload))
		}
		if d.ID != "" {
			e.DeleteMessage(d.ID)
		} else {
			e.DeleteMessage(d.TempKey)
		}
		return nil
	}
	// Other types belong to other consumers of the channel.
	return nil
}

func (e *SyncEngine) applyPush(data json.RawMessage) error {
	var p pushMessage
	if err := json.Unmarshal(data, &p); err != nil {
		return e.drop("malformed", fmt.Errorf("%w: %v", ErrMalformedPayload, err))
	}
	if p.ID == "" {
		return e.drop("malformed", fmt.Errorf("%w: message without id", ErrMalformedPayload))
	}
	ts, err := parseTime(p.CreatedAt)
	if err != nil {
		return e.drop("malformed", err)
	}

	// Consulted before taking e.mu: the lookup may read back into the engine.
	known := p.ConversationID != "" && e.config.Conversations != nil && e.config.Conversations.Has(p.ConversationID)

	e.mu.Lock()
	if e.byID[p.ID] != nil {
		e.mu.Unlock()
		reconciled.WithLabelValues("duplicate").Inc()
		e.logger.Debug("push_duplicate", zap.String("message_id", p.ID))
		return nil
	}

	// A temp key is enough to find the conversation; the server may omit it.
	var local *record
	if p.TempKey != "" {
		if r := e.byTemp[p.TempKey]; r != nil && (p.ConversationID == "" || p.ConversationID == r.msg.ConversationID) {
			local = r
		}
	}
	if local == nil && p.ConversationID == "" {
		e.mu.Unlock()
		return e.drop("malformed", fmt.Errorf("%w: message without conversation_id", ErrMalformedPayload))
	}
	t := e.threads[p.ConversationID]
	if local == nil && p.TempKey == "" && t != nil {
		local = e.matchLocked(t, p.SenderID, p.Body, ts)
	}
	if local != nil && local.msg.Status != StatusConfirmed {
		e.promoteLocked(local, p.ID, p.SenderID, p.Body, ts)
		msg := local.msg
		e.mu.Unlock()

		reconciled.WithLabelValues("promoted").Inc()
		e.emit(SyncEvent{Kind: SyncPromoted, ConversationID: msg.ConversationID, Message: msg})
		return nil
	}

	if t == nil {
		if !known {
			e.mu.Unlock()
			return e.drop("unknown_conversation", fmt.Errorf("%w: %s", ErrUnknownConversation, p.ConversationID))
		}
		t = e.threadLocked(p.ConversationID)
	}

	e.seq++
	r := &record{
		msg: Message{
			ID:             p.ID,
			ConversationID: p.ConversationID,
			SenderID:       p.SenderID,
			Body:           p.Body,
			CreatedAt:      ts,
			Status:         StatusConfirmed,
			TempKey:        p.TempKey,
		},
		anchor: ts,
		seq:    e.seq,
	}
	t.insert(r)
	e.byID[p.ID] = r
	if p.TempKey != "" && e.byTemp[p.TempKey] == nil {
		e.byTemp[p.TempKey] = r
	}
	msg := r.msg
	e.mu.Unlock()

	reconciled.WithLabelValues("inserted").Inc()
	e.emit(SyncEvent{Kind: SyncAppended, ConversationID: msg.ConversationID, Message: msg})
	return nil
}

// promoteLocked converts an optimistic or failed record into a confirmed one
// without moving it.
func (e *SyncEngine) promoteLocked(r *record, id, senderID, body string, ts time.Time) {
	r.msg.ID = id
	r.msg.Status = StatusConfirmed
	r.msg.CreatedAt = ts
	if senderID != "" {
		r.msg.SenderID = senderID
	}
	if body != "" {
		r.msg.Body = body
	}
	e.byID[id] = r
}

// matchLocked is the fallback correlation for confirmed records without a
// temp key: the oldest unconfirmed record in the thread from the same sender
// with the same body whose client timestamp is within MatchWindow.
func (e *SyncEngine) matchLocked(t *thread, senderID, body string, ts time.Time) *record {
	window := e.config.MatchWindow
	if window < 0 || senderID == "" {
		return nil
	}
	for _, r := range t.records {
		if r.msg.Status == StatusConfirmed || r.msg.SenderID != senderID || r.msg.Body != body {
			continue
		}
		d := ts.Sub(r.msg.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return r
		}
	}
	return nil
}

func (e *SyncEngine) drop(reason string, err error) error {
	droppedPayloads.WithLabelValues("sync", reason).Inc()
	e.logger.Warn("push_dropped", zap.String("reason", reason), zap.Error(err))
	return err
}

// ── Queries and removal ──────────────────────────────────

// ListMessages returns the conversation ordered by effective timestamp
// ascending, ties broken by insertion order.
func (e *SyncEngine) ListMessages(conversationID string) []Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t := e.threads[conversationID]
	if t == nil {
		return nil
	}
	out := make([]Message, len(t.records))
	for i, r := range t.records {
		out[i] = r.msg
	}
	return out
}

// Latest returns the most recent message of the conversation by timestamp.
func (e *SyncEngine) Latest(conversationID string) (Message, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t := e.threads[conversationID]
	if t == nil || len(t.records) == 0 {
		return Message{}, false
	}
	best := t.records[0]
	for _, r := range t.records[1:] {
		if !r.msg.CreatedAt.Before(best.msg.CreatedAt) {
			best = r
		}
	}
	return best.msg, true
}

// Message looks a record up by server id or temp key.
func (e *SyncEngine) Message(key string) (Message, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r := e.lookupLocked(key); r != nil {
		return r.msg, true
	}
	return Message{}, false
}

// DeleteMessage removes the record with the given server id or temp key. It
// reports whether anything was removed; deleting twice is harmless.
func (e *SyncEngine) DeleteMessage(messageID string) bool {
	e.mu.Lock()
	r := e.lookupLocked(messageID)
	if r == nil {
		e.mu.Unlock()
		return false
	}
	if t := e.threads[r.msg.ConversationID]; t != nil {
		t.remove(r)
	}
	e.forgetLocked(r)
	msg := r.msg
	e.mu.Unlock()

	e.emit(SyncEvent{Kind: SyncDeleted, ConversationID: msg.ConversationID, Message: msg})
	return true
}

// Evict drops every record of a conversation.
func (e *SyncEngine) Evict(conversationID string) {
	e.mu.Lock()
	t := e.threads[conversationID]
	if t == nil {
		e.mu.Unlock()
		return
	}
	for _, r := range t.records {
		e.forgetLocked(r)
	}
	delete(e.threads, conversationID)
	e.mu.Unlock()

	e.emit(SyncEvent{Kind: SyncEvicted, ConversationID: conversationID})
}

// Reset drops all state, typically on identity change.
func (e *SyncEngine) Reset() {
	e.mu.Lock()
	e.threads = make(map[string]*thread)
	e.byTemp = make(map[string]*record)
	e.byID = make(map[string]*record)
	e.mu.Unlock()
}

func (e *SyncEngine) threadLocked(conversationID string) *thread {
	t := e.threads[conversationID]
	if t == nil {
		t = &thread{}
		e.threads[conversationID] = t
	}
	return t
}

func (e *SyncEngine) lookupLocked(key string) *record {
	if key == "" {
		return nil
	}
	if r := e.byID[key]; r != nil {
		return r
	}
	return e.byTemp[key]
}

func (e *SyncEngine) forgetLocked(r *record) {
	if r.msg.ID != "" && e.byID[r.msg.ID] == r {
		delete(e.byID, r.msg.ID)
	}
	if r.msg.TempKey != "" && e.byTemp[r.msg.TempKey] == r {
		delete(e.byTemp, r.msg.TempKey)
	}
}

func (e *SyncEngine) emit(ev SyncEvent) {
	e.subMu.RLock()
	handlers := append([]func(SyncEvent){}, e.subs...)
	e.subMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("sync_handler_panic", zap.Any("panic", r))
				}
			}()
			h(ev)
		}()
	}
}

// IsSendFailure reports whether err came from a rejected optimistic send.
func IsSendFailure(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}
