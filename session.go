package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConversationLookupFunc adapts a function to ConversationLookup.
type ConversationLookupFunc func(conversationID string) bool

// Has implements ConversationLookup.
func (f ConversationLookupFunc) Has(conversationID string) bool { return f(conversationID) }

// SessionConfig configures a Session.
type SessionConfig struct {
	// RealtimeURL is the websocket root; endpoints are <root>/<channel>/<identity>.
	RealtimeURL string
	// Client, when set, bootstraps the conversation list on Start and backs
	// FetchHistory.
	Client   *Client
	Realtime RealtimeConfig
	Factory  ConnectionFactory
	// MatchWindow is passed to the sync engine; negative disables the
	// temp-key-less fallback match.
	MatchWindow time.Duration
	// LabelsFile optionally points at a YAML notification label table.
	LabelsFile string
	Logger     *zap.Logger
}

func (c *SessionConfig) defaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Session owns the realtime stack for one identity lifecycle: the registry
// and the components consuming its channels. Construct one per application
// and Stop it on logout.
type Session struct {
	config SessionConfig
	logger *zap.Logger

	registry      *Registry
	engine        *SyncEngine
	directory     *Directory
	notifications *NotificationRouter

	mu       sync.Mutex
	identity string
	started  bool
}

// NewSession builds and wires the components. Nothing connects until Start.
func NewSession(config SessionConfig) (*Session, error) {
	config.defaults()
	s := &Session{config: config, logger: config.Logger}

	s.registry = NewRegistry(RegistryConfig{
		BaseURL:  config.RealtimeURL,
		Realtime: config.Realtime,
		Factory:  config.Factory,
		Logger:   config.Logger,
	})

	syncCfg := SyncConfig{
		Sender: SenderFunc(func(ctx context.Context, payload any) error {
			return s.registry.Send(ctx, ChannelMessages, payload)
		}),
		Conversations: ConversationLookupFunc(func(id string) bool {
			return s.directory.Has(id)
		}),
		MatchWindow: config.MatchWindow,
		Logger:      config.Logger.Named("sync"),
	}
	if config.Client != nil {
		syncCfg.History = config.Client
	}
	s.engine = NewSyncEngine(syncCfg)
	s.directory = NewDirectory(DirectoryConfig{Index: s.engine, Logger: config.Logger.Named("directory")})
	s.notifications = NewNotificationRouter(NotificationConfig{Logger: config.Logger.Named("notifications")})
	if config.LabelsFile != "" {
		if err := s.notifications.LoadLabelsFile(config.LabelsFile); err != nil {
			return nil, err
		}
	}

	s.engine.Subscribe(s.directory.HandleSyncEvent)
	s.registry.Subscribe(ChannelMessages, s.engine.HandleEvent)
	s.registry.Subscribe(ChannelMessages, s.directory.HandleEvent)
	s.registry.Subscribe(ChannelNotifications, s.notifications.HandleEvent)
	return s, nil
}

// Start bootstraps the conversation list (when a Client is configured) and
// attaches the realtime channels for identity. Starting the identity that is
// already running is a no-op; after Stop it bootstraps again.
func (s *Session) Start(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("start session: empty identity")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && s.identity == identity {
		return nil
	}
	if s.identity != "" && s.identity != identity {
		s.resetLocked()
	}
	s.identity = identity
	s.engine.SetSelf(identity)
	s.directory.SetSelf(identity)

	if s.config.Client != nil {
		if err := s.refresh(ctx); err != nil {
			return err
		}
	}
	if err := s.registry.Attach(ctx, identity); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	s.started = true
	s.logger.Info("session_started", zap.String("identity", identity))
	return nil
}

// SwitchIdentity drops all state of the current identity and starts over.
func (s *Session) SwitchIdentity(ctx context.Context, identity string) error {
	s.mu.Lock()
	if s.identity != identity {
		s.resetLocked()
	}
	s.mu.Unlock()
	return s.Start(ctx, identity)
}

// Stop detaches every channel. State is kept until the next identity.
func (s *Session) Stop() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.registry.Detach()
	s.logger.Info("session_stopped")
}

// Refresh re-fetches the conversation list into the directory.
func (s *Session) Refresh(ctx context.Context) error {
	if s.config.Client == nil {
		return fmt.Errorf("refresh: no client configured")
	}
	return s.refresh(ctx)
}

// MarkRead clears a conversation's unread counter and, when a Client is
// configured, reports the read to the server. The local counter is cleared
// even if the server call fails.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	if !s.directory.MarkRead(conversationID) {
		return fmt.Errorf("mark read %s: unknown conversation", conversationID)
	}
	if s.config.Client == nil {
		return nil
	}
	if err := s.config.Client.MarkRead(ctx, conversationID); err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	return nil
}

func (s *Session) refresh(ctx context.Context) error {
	records, err := s.config.Client.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}
	for _, rec := range records {
		if _, err := s.directory.Upsert(rec); err != nil {
			s.logger.Warn("conversation_skipped", zap.Error(err))
		}
	}
	return nil
}

// resetLocked must be called with s.mu held.
func (s *Session) resetLocked() {
	s.logger.Info("session_identity_reset", zap.String("from", s.identity))
	s.registry.Detach()
	s.engine.Reset()
	s.directory.Reset()
	s.notifications.Reset()
	s.identity = ""
	s.started = false
}

// OnStateChange observes connection lifecycles of every later Start.
func (s *Session) OnStateChange(h func(StateChange)) { s.registry.OnStateChange(h) }

// Identity returns the identity of the last Start.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) Registry() *Registry { return s.registry }
func (s *Session) Engine() *SyncEngine { return s.engine }
func (s *Session) Directory() *Directory { return s.directory }
func (s *Session) Notifications() *NotificationRouter { return s.notifications }
func (s *Session) ConnectionState(ch ChannelKind) ConnectionState { return s.registry.State(ch) }
