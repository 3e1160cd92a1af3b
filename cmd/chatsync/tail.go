package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	tailWebhookAddr string
	tailMetricsAddr string
	tailReadOnly    bool
)

var tailCmd = &cobra.Command{
	Use:   "tail <thread-id>",
	Short: "Follow a thread live",
	Long: `Open a thread, print its history and follow new activity.

Lines typed on stdin are sent as messages unless --read-only is set.
Commands: /older, /retry <id>, /delete <id>, /react <id> <emoji>, /jump <id>, /offline, /online.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		transport, err := openTransport(ctx, cfg, client.BaseURL(), log)
		if err != nil {
			return err
		}
		if c, ok := transport.(connector); ok {
			defer c.Disconnect()
		}

		opts := []chatsync.Option{
			chatsync.WithLogger(log),
			chatsync.WithConfig(cfg),
			chatsync.WithTransport(transport),
		}

		cache, err := chatsync.OpenCache(ctx, cfg.Cache)
		if err != nil {
			return fmt.Errorf("cannot open cache: %w", err)
		}
		if cache != nil {
			opts = append(opts, chatsync.WithCache(cache))
			if c, ok := cache.(io.Closer); ok {
				defer c.Close()
			}
		}

		if tailMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			opts = append(opts, chatsync.WithMetrics(chatsync.NewMetrics(reg)))
			serve(ctx, tailMetricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), log)
		}

		eng := chatsync.New(client, cfg.Server.UserID, opts...)
		eng.Subscribe(newPrinter(os.Stdout).print)
		eng.SwitchThread(args[0])

		if !tailReadOnly {
			go readCommands(os.Stdin, eng)
		}

		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// openTransport connects the configured transport, or starts the webhook
// receiver when --webhook is set.
func openTransport(ctx context.Context, cfg *chatsync.Config, baseURL string, log *slog.Logger) (chatsync.Transport, error) {
	if tailWebhookAddr != "" {
		src, err := chatsync.NewWebhookSource(cfg.Server.WebhookSecret, log)
		if err != nil {
			return nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/webhook", src.HTTPHandler())
		serve(ctx, tailWebhookAddr, mux, log)
		return src, nil
	}

	conn, err := newTransport(cfg, baseURL, log)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("cannot connect realtime: %w", err)
	}
	return conn, nil
}

// serve runs an HTTP server until ctx is done.
func serve(ctx context.Context, addr string, h http.Handler, log *slog.Logger) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// printer writes each message once, and again whenever it changes.
type printer struct {
	w      io.Writer
	shown  map[int64]string
	typing string
	unread int
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, shown: make(map[int64]string)}
}

func (p *printer) print(s *chatsync.Snapshot) {
	now := time.Now()
	for _, m := range s.Messages {
		key := formatMessage(m, m.Timestamp)
		if p.shown[m.ID] == key {
			continue
		}
		p.shown[m.ID] = key
		fmt.Fprintln(p.w, formatMessage(m, now))
	}

	typing := strings.Join(s.Typing, ", ")
	if typing != p.typing {
		p.typing = typing
		if typing != "" {
			fmt.Fprintf(p.w, "… %s typing\n", typing)
		}
	}

	unread := 0
	if s.Unread != nil {
		unread = s.Unread.Count
	}
	if unread != p.unread {
		p.unread = unread
		if unread > 0 {
			fmt.Fprintf(p.w, "↓ %d new\n", unread)
		}
	}
}

// readCommands feeds stdin lines to the engine.
func readCommands(r io.Reader, eng *chatsync.Engine) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			eng.SendText(line, 0)
			continue
		}

		fields := strings.Fields(line)
		arg := func(i int) int64 {
			if len(fields) <= i {
				return 0
			}
			// Placeholders have negative IDs.
			id, _ := strconv.ParseInt(fields[i], 10, 64)
			return id
		}
		switch fields[0] {
		case "/older":
			eng.LoadOlder()
		case "/retry":
			eng.RetryMessage(arg(1))
		case "/delete":
			eng.DeleteMessage(arg(1))
		case "/react":
			if len(fields) == 3 {
				eng.ToggleReaction(arg(1), fields[2])
			}
		case "/jump":
			eng.JumpToMessage(arg(1))
		case "/offline":
			eng.SetOnline(false)
		case "/online":
			eng.SetOnline(true)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %s\n", fields[0])
		}
	}
}

func init() {
	tailCmd.Flags().StringVar(&tailWebhookAddr, "webhook", "", "receive events through signed webhooks on this address instead of a realtime connection")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	tailCmd.Flags().BoolVar(&tailReadOnly, "read-only", false, "do not read messages from stdin")
	rootCmd.AddCommand(tailCmd)
}
