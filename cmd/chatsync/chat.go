package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatsync "github.com/LuminPulse-AI/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsJSON   bool
	conversationsUnread bool

	// history
	historyPage int
	historyJSON bool

	// send
	sendWait time.Duration

	// watch
	watchMetricsAddr string
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		records, err := client.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		dir := chatsync.NewDirectory(chatsync.DirectoryConfig{SelfID: cfg.Auth.UserID})
		for _, rec := range records {
			if _, err := dir.Upsert(rec); err != nil {
				fmt.Fprintf(os.Stderr, "skipping conversation: %v\n", err)
			}
		}

		convs := dir.List()
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Println(formatConversation(c, time.Now()))
		}
		return nil
	},
}

func formatConversation(c chatsync.Conversation, now time.Time) string {
	name := c.Name
	if name == "" {
		name = "(untitled)"
	}
	line := fmt.Sprintf("  %s: %s", c.ID, name)
	if c.UnreadCount > 0 {
		line += fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	if m := c.LastMessage; m != nil {
		line += fmt.Sprintf("  %s: %q", humanize.RelTime(m.CreatedAt, now, "ago", "from now"), truncate(m.Body, 40))
	}
	return line
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show one page of a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		engine := chatsync.NewSyncEngine(chatsync.SyncConfig{
			SelfID:  cfg.Auth.UserID,
			History: getClient(cfg),
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := engine.FetchHistory(ctx, args[0], historyPage); err != nil {
			return err
		}

		msgs := engine.ListMessages(args[0])
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		now := time.Now()
		for _, m := range msgs {
			fmt.Printf("  [%s] %s: %s\n", humanize.RelTime(m.CreatedAt, now, "ago", "from now"), m.SenderID, m.Body)
		}
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		logger, err := newLogger(cfg.Default.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		session, err := getSession(cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := session.Refresh(ctx); err != nil {
			return err
		}
		conv, _ := session.Directory().Get(args[0])
		if err := session.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Marked %s as read (%d cleared)\n", args[0], conv.UnreadCount)
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		logger, err := newLogger(cfg.Default.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		session, err := getSession(cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendWait)
		defer cancel()

		confirmed := make(chan chatsync.Message, 16)
		session.Engine().Subscribe(func(ev chatsync.SyncEvent) {
			if ev.Kind == chatsync.SyncPromoted {
				select {
				case confirmed <- ev.Message:
				default:
				}
			}
		})

		if err := session.Start(ctx, cfg.Auth.UserID); err != nil {
			return err
		}
		defer session.Stop()

		if err := session.Registry().Connection(chatsync.ChannelMessages).WaitOpen(ctx); err != nil {
			return fmt.Errorf("messages channel: %w", err)
		}

		msg, err := session.Engine().SendOptimistic(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Sent (temp key %s), waiting for confirmation...\n", msg.TempKey)

		for {
			select {
			case m := <-confirmed:
				if m.TempKey == msg.TempKey {
					fmt.Printf("Confirmed as %s at %s\n", m.ID, m.CreatedAt.Format(time.RFC3339))
					return nil
				}
			case <-ctx.Done():
				return fmt.Errorf("no confirmation within %s", sendWait)
			}
		}
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live messages, notifications and connection changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		logger, err := newLogger(cfg.Default.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		session, err := getSession(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		session.OnStateChange(func(sc chatsync.StateChange) {
			line := fmt.Sprintf("* %s: %s -> %s", sc.Channel, sc.From, sc.To)
			if sc.Attempt > 0 {
				line += fmt.Sprintf(" (attempt %d)", sc.Attempt)
			}
			fmt.Println(line)
		})
		session.Engine().Subscribe(func(ev chatsync.SyncEvent) {
			switch ev.Kind {
			case chatsync.SyncAppended, chatsync.SyncPromoted:
				fmt.Printf("[%s] %s: %s\n", ev.ConversationID, ev.Message.SenderID, ev.Message.Body)
			case chatsync.SyncDeleted:
				fmt.Printf("[%s] message %s deleted\n", ev.ConversationID, ev.Message.Key())
			}
		})
		notes := session.Notifications()
		notes.Subscribe(func(n chatsync.Notification) {
			actor := valueOrDefault(n.Actor, "someone")
			fmt.Printf("! %s: %s %s\n", notes.Label(n.Category), actor, n.Content)
		})

		if watchMetricsAddr != "" {
			srv, err := serveDebug(watchMetricsAddr, session, logger)
			if err != nil {
				return err
			}
			defer srv.Shutdown(context.Background())
		}

		if err := session.Start(ctx, cfg.Auth.UserID); err != nil {
			return err
		}
		defer session.Stop()

		fmt.Printf("Watching as %s (%d conversations). Ctrl-C to stop.\n", cfg.Auth.UserID, len(session.Directory().List()))
		<-ctx.Done()
		return nil
	},
}

// newDebugRouter exposes Prometheus metrics and a snapshot of the session.
func newDebugRouter(session *chatsync.Session, reg *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/debug/conversations", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, session.Directory().List())
	}).Methods(http.MethodGet)
	r.HandleFunc("/debug/conversations/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, session.Engine().ListMessages(mux.Vars(req)["id"]))
	}).Methods(http.MethodGet)
	r.HandleFunc("/debug/state", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{
			"identity":      session.Identity(),
			"messages":      session.ConnectionState(chatsync.ChannelMessages),
			"notifications": session.ConnectionState(chatsync.ChannelNotifications),
			"unread":        session.Notifications().UnreadCount(),
		})
	}).Methods(http.MethodGet)
	return r
}

func serveDebug(addr string, session *chatsync.Session, logger *zap.Logger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := chatsync.RegisterMetrics(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newDebugRouter(session, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("debug_server_failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("debug_server_listening", zap.String("addr", addr))
	return srv, nil
}

// ============================================================================
// Helpers
// ============================================================================

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")

	historyCmd.Flags().IntVarP(&historyPage, "page", "p", 1, "Page number, starting at 1")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().DurationVar(&sendWait, "wait", 30*time.Second, "How long to wait for the connection and the confirmation")

	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve /metrics and /debug endpoints on this address")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(watchCmd)
}
