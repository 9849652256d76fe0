package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/transflow/chatsync"
)

var (
	watchMetricsAddr  string
	watchConversation string
	watchTypingTTL    time.Duration
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().StringVar(&watchConversation, "open", "", "Open a conversation and print its timeline")
	watchCmd.Flags().DurationVar(&watchTypingTTL, "typing-timeout", 8*time.Second, "Expire typing indicators after this long")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print live chat activity",
	Long:  "Bootstrap the sync engine over the websocket transport and print notifications, typing and unread changes until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		id, err := identity(ctx, client, cfg)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := chatsync.NewMetrics(reg)
		if watchMetricsAddr != "" {
			srv := serveMetrics(watchMetricsAddr, reg)
			defer srv.Close()
			logger.Info("metrics listening", "addr", watchMetricsAddr)
		}

		transport := chatsync.NewWSTransport(client.BaseURL(), &chatsync.RealtimeConfig{
			AutoReconnect: true,
			Logger:        logger,
			Metrics:       metrics,
		})
		engine := chatsync.NewEngine(id, client.SnapshotAPI(), transport, chatsync.Config{
			TypingTimeout: watchTypingTTL,
			Logger:        logger,
			Metrics:       metrics,
		})

		runErr := make(chan error, 1)
		go func() { runErr <- engine.Run(ctx) }()
		defer engine.Close()

		if err := engine.Bootstrap(ctx); err != nil {
			return err
		}
		if watchConversation != "" {
			if err := engine.SetWidgetOpen(ctx, true); err != nil {
				return err
			}
			if err := engine.SetActive(ctx, watchConversation, ""); err != nil {
				return err
			}
		}
		fmt.Printf("Watching as %s. Press Ctrl+C to stop.\n", id.UserID)

		var last watchState
		for {
			select {
			case <-ctx.Done():
				fmt.Println("Stopped.")
				return nil
			case err := <-runErr:
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			case <-engine.LoggedOut():
				v, _ := engine.Snapshot(context.Background())
				return fmt.Errorf("logged out by server: %s", valueOrDefault(v.LogoutReason, "no reason given"))
			case <-engine.Changes():
				v, err := engine.Snapshot(ctx)
				if err != nil {
					continue
				}
				last = last.print(v)
			}
		}
	},
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return srv
}

// watchState remembers what was last printed so only differences are shown.
type watchState struct {
	connected    bool
	unread       int
	notification string
	typing       string
	timeline     int
}

func (w watchState) print(v chatsync.View) watchState {
	if v.Connected != w.connected {
		if v.Connected {
			fmt.Println("* connected")
		} else {
			fmt.Println("* connection lost, reconnecting")
		}
	}
	if v.TotalUnread != w.unread {
		fmt.Printf("* unread: %d\n", v.TotalUnread)
	}
	if n := v.Notification; n != nil && n.ID != w.notification {
		fmt.Printf("! %s: %s\n", n.SenderName, n.Preview)
	}

	typing := describeTyping(v)
	if typing != w.typing && typing != "" {
		fmt.Printf("… %s\n", typing)
	}

	if len(v.Timeline) > w.timeline {
		for _, m := range v.Timeline[w.timeline:] {
			fmt.Printf("  [%s] %s: %s\n", since(m.CreatedAt), m.Sender.Name(), m.Preview())
		}
	}

	next := watchState{
		connected: v.Connected,
		unread:    v.TotalUnread,
		typing:    typing,
		timeline:  len(v.Timeline),
	}
	if v.Notification != nil {
		next.notification = v.Notification.ID
	}
	return next
}

func describeTyping(v chatsync.View) string {
	var parts []string
	for conv, users := range v.Typing {
		c, ok := v.Conversation(conv)
		title := conv
		if ok {
			title = c.Title(v.Self)
		}
		parts = append(parts, fmt.Sprintf("%s typing in %s", strings.Join(users, ", "), title))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
