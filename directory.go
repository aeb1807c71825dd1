package chatsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// SummaryIndex yields the newest message the sync engine knows for a
// conversation. *SyncEngine implements it.
type SummaryIndex interface {
	Latest(conversationID string) (Message, bool)
}

// DirectoryEventKind tags a DirectoryEvent.
type DirectoryEventKind string

const (
	DirectoryUpserted DirectoryEventKind = "upserted"
	DirectoryUpdated  DirectoryEventKind = "updated"
	DirectoryRemoved  DirectoryEventKind = "removed"
)

// DirectoryEvent reports a change to one conversation.
type DirectoryEvent struct {
	Kind         DirectoryEventKind
	Conversation Conversation
}

// DirectoryConfig configures a Directory.
type DirectoryConfig struct {
	// SelfID identifies messages that never count as unread.
	SelfID string
	Index  SummaryIndex
	Logger *zap.Logger
}

func (c *DirectoryConfig) defaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type dirEntry struct {
	conv  Conversation
	fetch uint64 // insertion order, the tie-break for recency
}

// Directory holds the conversation list ordered by recency. It reads message
// summaries from the sync engine and never mutates messages.
type Directory struct {
	config DirectoryConfig
	logger *zap.Logger

	mu      sync.RWMutex
	selfID  string
	entries map[string]*dirEntry
	order   []string
	seq     uint64

	subMu sync.RWMutex
	subs  []func(DirectoryEvent)
}

// NewDirectory creates an empty directory.
func NewDirectory(config DirectoryConfig) *Directory {
	config.defaults()
	return &Directory{
		config:  config,
		logger:  config.Logger,
		selfID:  config.SelfID,
		entries: make(map[string]*dirEntry),
	}
}

// Subscribe registers a change observer.
func (d *Directory) Subscribe(h func(DirectoryEvent)) {
	d.subMu.Lock()
	d.subs = append(d.subs, h)
	d.subMu.Unlock()
}

// SetSelf changes the identity used for unread accounting.
func (d *Directory) SetSelf(id string) {
	d.mu.Lock()
	d.selfID = id
	d.mu.Unlock()
}

// Upsert inserts or merges a conversation record and re-ranks the list.
// Empty fields of rec never erase known values; a fetched last message only
// replaces a newer known one if it is at least as recent.
func (d *Directory) Upsert(rec ConversationRecord) (Conversation, error) {
	if rec.ID == "" {
		return Conversation{}, fmt.Errorf("upsert conversation: empty id")
	}

	d.mu.Lock()
	e := d.entries[rec.ID]
	if e == nil {
		d.seq++
		e = &dirEntry{conv: Conversation{ID: rec.ID}, fetch: d.seq}
		d.entries[rec.ID] = e
		d.order = append(d.order, rec.ID)
	}
	if rec.Name != "" {
		e.conv.Name = rec.Name
	}
	if rec.Image != "" {
		e.conv.Image = rec.Image
	}
	if len(rec.Members) > 0 {
		e.conv.Members = append([]Member(nil), rec.Members...)
	}
	if rec.Role != "" {
		e.conv.Role = rec.Role
	}
	e.conv.UnreadCount = rec.UnreadCount
	if s := rec.LastMessage; s != nil {
		if cur := e.conv.LastMessage; cur == nil || !s.CreatedAt.Before(cur.CreatedAt) {
			cp := *s
			e.conv.LastMessage = &cp
		}
	}
	d.refreshLocked(e)
	d.reorderLocked()
	conv := e.conv
	d.mu.Unlock()

	d.emit(DirectoryEvent{Kind: DirectoryUpserted, Conversation: conv})
	return conv, nil
}

// ReorderByRecency re-ranks every conversation by its newest known message,
// descending. Conversations without messages follow, in fetch order.
func (d *Directory) ReorderByRecency() {
	d.mu.Lock()
	for _, e := range d.entries {
		d.refreshLocked(e)
	}
	d.reorderLocked()
	d.mu.Unlock()
}

// Remove drops a conversation. Removing an unknown id is a no-op.
func (d *Directory) Remove(conversationID string) bool {
	d.mu.Lock()
	e := d.entries[conversationID]
	if e == nil {
		d.mu.Unlock()
		return false
	}
	delete(d.entries, conversationID)
	for i, id := range d.order {
		if id == conversationID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	conv := e.conv
	d.mu.Unlock()

	d.emit(DirectoryEvent{Kind: DirectoryRemoved, Conversation: conv})
	return true
}

// List returns the conversations in recency order.
func (d *Directory) List() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Conversation, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.entries[id].conv)
	}
	return out
}

// Get returns one conversation.
func (d *Directory) Get(conversationID string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e := d.entries[conversationID]
	if e == nil {
		return Conversation{}, false
	}
	return e.conv, true
}

// Has implements ConversationLookup.
func (d *Directory) Has(conversationID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.entries[conversationID] != nil
}

// MarkRead clears the unread counter.
func (d *Directory) MarkRead(conversationID string) bool {
	d.mu.Lock()
	e := d.entries[conversationID]
	if e == nil {
		d.mu.Unlock()
		return false
	}
	changed := e.conv.UnreadCount != 0
	e.conv.UnreadCount = 0
	conv := e.conv
	d.mu.Unlock()

	if changed {
		d.emit(DirectoryEvent{Kind: DirectoryUpdated, Conversation: conv})
	}
	return true
}

// Reset forgets every conversation.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.entries = make(map[string]*dirEntry)
	d.order = nil
	d.mu.Unlock()
}

// HandleSyncEvent keeps summaries, unread counts and ordering in step with
// the sync engine.
func (d *Directory) HandleSyncEvent(ev SyncEvent) {
	d.mu.Lock()
	e := d.entries[ev.ConversationID]
	if e == nil {
		d.mu.Unlock()
		return
	}

	m := ev.Message
	switch ev.Kind {
	case SyncAppended:
		if m.Status == StatusConfirmed && m.SenderID != "" && m.SenderID != d.selfID {
			e.conv.UnreadCount++
		}
	case SyncPromoted:
		if s := e.conv.LastMessage; s != nil && m.TempKey != "" && s.ID == m.TempKey {
			e.conv.LastMessage = summarize(m)
		}
	case SyncDeleted, SyncEvicted:
		if s := e.conv.LastMessage; s != nil && (ev.Kind == SyncEvicted || s.ID == m.ID || (m.TempKey != "" && s.ID == m.TempKey)) {
			e.conv.LastMessage = nil
		}
	case SyncFailed, SyncRetried:
		d.mu.Unlock()
		return
	}
	d.refreshLocked(e)
	d.reorderLocked()
	conv := e.conv
	d.mu.Unlock()

	d.emit(DirectoryEvent{Kind: DirectoryUpdated, Conversation: conv})
}

// HandleEvent adapts OnPush to a registry subscription.
func (d *Directory) HandleEvent(ev Event) {
	_ = d.OnPush(ev.Raw)
}

// OnPush consumes new_conversation payloads; other types are ignored.
func (d *Directory) OnPush(raw []byte) error {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return d.drop(err)
	}
	if env.Type != TypeNewConversation {
		return nil
	}
	var rec ConversationRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		return d.drop(fmt.Errorf("%w: %v", ErrMalformedPayload, err))
	}
	if rec.ID == "" {
		return d.drop(fmt.Errorf("%w: new_conversation without id", ErrMalformedPayload))
	}
	_, err = d.Upsert(rec)
	return err
}

func (d *Directory) drop(err error) error {
	droppedPayloads.WithLabelValues("directory", "malformed").Inc()
	d.logger.Warn("push_dropped", zap.String("component", "directory"), zap.Error(err))
	return err
}

// refreshLocked folds the engine's newest message into the summary.
func (d *Directory) refreshLocked(e *dirEntry) {
	if d.config.Index == nil {
		return
	}
	latest, ok := d.config.Index.Latest(e.conv.ID)
	if !ok {
		return
	}
	if s := e.conv.LastMessage; s == nil || !latest.CreatedAt.Before(s.CreatedAt) {
		e.conv.LastMessage = summarize(latest)
	}
}

func (d *Directory) reorderLocked() {
	sort.SliceStable(d.order, func(i, j int) bool {
		a, b := d.entries[d.order[i]], d.entries[d.order[j]]
		as, bs := a.conv.LastMessage, b.conv.LastMessage
		switch {
		case as != nil && bs != nil:
			if !as.CreatedAt.Equal(bs.CreatedAt) {
				return as.CreatedAt.After(bs.CreatedAt)
			}
		case as != nil:
			return true
		case bs != nil:
			return false
		}
		return a.fetch < b.fetch
	})
}

func (d *Directory) emit(ev DirectoryEvent) {
	d.subMu.RLock()
	handlers := append([]func(DirectoryEvent){}, d.subs...)
	d.subMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("directory_handler_panic", zap.Any("panic", r))
				}
			}()
			h(ev)
		}()
	}
}
