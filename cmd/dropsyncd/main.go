// dropsyncd is a headless stand-in for a DropSync browser endpoint:
// it joins a room against a signaling relay, negotiates transport and
// auth the same way the browser client does, writes accepted files
// under its configured download directory, and logs chat to stdout.
//
// Usage:
//
//	dropsyncd --room <id> [--password <pw>] --relay-url wss://relay.example/ws
//	dropsyncd --config /etc/dropsync/dropsync.yaml
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/dropsync/core/internal/config"
	"github.com/dropsync/core/internal/control"
	"github.com/dropsync/core/internal/filetransfer"
	"github.com/dropsync/core/internal/healing"
	"github.com/dropsync/core/internal/roomid"
	"github.com/dropsync/core/internal/session"
	"github.com/dropsync/core/internal/telemetry"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to config file")
	room := flag.String("room", "", "room id to join (generated if omitted and --create is set)")
	create := flag.Bool("create", false, "create a new room instead of joining one")
	password := flag.String("password", "", "session password (empty disables encryption and auth)")
	relayURL := flag.String("relay-url", "", "signaling relay URL")
	downloadDir := flag.String("download-dir", "", "directory accepted files are written to")
	logLevel := flag.String("log-level", "", "log level (debug/info/warn/error)")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dropsyncd %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	if *room != "" {
		cfg.Room = *room
	}
	if *password != "" {
		cfg.Password = *password
	}
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *downloadDir != "" {
		cfg.DownloadDir = *downloadDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	cfg.ApplyEnvOverrides()

	if cfg.Room == "" {
		if !*create {
			fmt.Fprintln(os.Stderr, "CONFIG ERROR: --room is required unless --create is set")
			os.Exit(1)
		}
		id, err := roomid.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: generate room id: %v\n", err)
			os.Exit(1)
		}
		cfg.Room = id
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG ERROR: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("dropsyncd starting",
		"version", Version,
		"room", cfg.Room,
		"relay_url", cfg.RelayURL,
		"encrypted", cfg.Password != "",
	)

	host, err := newHost(cfg)
	if err != nil {
		slog.Error("failed to initialize host", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := host.start(ctx); err != nil {
		slog.Error("failed to start host", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig)
	host.stop(ctx)
	slog.Info("dropsyncd stopped")
}

// host wires the session engine to local stdin/stdout and the
// filesystem, playing the role a browser tab plays for a real
// DropSync endpoint.
type host struct {
	cfg      *config.Config
	engine   *session.Engine
	telem    *telemetry.Reporter
	watchdog *healing.Monitor
	done     chan struct{}
}

func newHost(cfg *config.Config) (*host, error) {
	if err := os.MkdirAll(cfg.DownloadDir, 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	engine := session.New(cfg)
	telem := telemetry.NewReporter(engine)
	watchdog := healing.NewMonitor(engine, engine)

	h := &host{cfg: cfg, engine: engine, telem: telem, watchdog: watchdog, done: make(chan struct{})}

	engine.OnPendingFile(h.handlePendingFile)
	engine.OnChatMessage(h.handleChatMessage)
	engine.OnTransferUpdate(h.handleTransferUpdate)

	return h, nil
}

func (h *host) start(ctx context.Context) error {
	if err := h.engine.Join(ctx, h.cfg.Room); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	go h.telem.Run(h.done, time.Duration(h.cfg.StatsSampleIntervalSec)*time.Second)
	h.watchdog.Start()
	go h.readStdinCommands(ctx)

	slog.Info("host fully started", "room", h.cfg.Room, "download_dir", h.cfg.DownloadDir)
	return nil
}

func (h *host) stop(ctx context.Context) {
	h.watchdog.Stop()
	close(h.done)
	h.engine.Leave(ctx)
}

func (h *host) handleChatMessage(msg control.ChatMessage) {
	if msg.Origin == "remote" {
		fmt.Printf("peer> %s\n", msg.Text)
	}
}

func (h *host) handleTransferUpdate(t *filetransfer.Transfer) {
	slog.Info("transfer update", "id", t.ID, "name", t.Name, "status", t.Status, "progress", t.Progress)
}

func (h *host) handlePendingFile(p *filetransfer.PendingFile) {
	slog.Info("inbound file pending accept", "id", p.ID, "name", p.Name, "size", p.Size)

	dest := filepath.Join(h.cfg.DownloadDir, p.Name)
	f, err := os.Create(dest)
	if err != nil {
		slog.Error("failed to create destination file, declining", "error", err)
		h.engine.DeclineFile(p.ID)
		return
	}
	defer f.Close()

	if err := h.engine.AcceptFile(p.ID, f); err != nil {
		slog.Error("failed to accept file", "error", err)
		return
	}
	slog.Info("file saved", "path", dest)
}

// readStdinCommands offers a minimal line-oriented chat/send console
// so this headless binary can stand in for a browser endpoint in
// manual interop testing. Lines prefixed "/send <path>" send a file;
// anything else is sent as a chat message.
func (h *host) readStdinCommands(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if len(line) > len("/send ") && line[:len("/send ")] == "/send " {
			path := line[len("/send "):]
			h.sendFile(ctx, path)
			continue
		}

		if _, err := h.engine.SendChat(line); err != nil {
			slog.Warn("failed to send chat", "error", err)
		}
	}
}

func (h *host) sendFile(ctx context.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		slog.Error("failed to open file to send", "error", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Error("failed to stat file to send", "error", err)
		return
	}

	src := &fileSource{File: f, name: filepath.Base(path), size: info.Size()}
	transfer, err := h.engine.SendFile(ctx, src)
	if err != nil {
		slog.Error("failed to send file", "error", err)
		return
	}
	slog.Info("file send finished", "name", transfer.Name, "status", transfer.Status)
}

type fileSource struct {
	*os.File
	name string
	size int64
}

func (s *fileSource) Name() string { return s.name }
func (s *fileSource) Size() int64  { return s.size }

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
