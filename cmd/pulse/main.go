// Command pulse reads newline-delimited events from stdin and delivers them to the data plane.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/pulse/internal/domain/event"
	"github.com/coachpo/pulse/internal/infra/config"
	httpserver "github.com/coachpo/pulse/internal/infra/server/http"
	"github.com/coachpo/pulse/pkg/analytics"
)

const (
	pulseLoggerPrefix            = "pulse "
	shutdownTimeout              = 30 * time.Second
	drainTimeout                 = 20 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	maxLineBytes                 = 1 << 20
)

func main() {
	cfgPath, input := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newPulseLogger()

	cfg, err := config.LoadOrDefault(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, storage=%s, destinations=%d",
		cfg.Environment, cfg.Storage.Mode, len(cfg.Destinations))

	client, err := analytics.New(ctx, cfg)
	if err != nil {
		logger.Fatalf("initialise client: %v", err)
	}

	var lifecycle conc.WaitGroup
	var control *http.Server
	if cfg.Control.Addr != "" {
		control = buildControlServer(cfg.Control.Addr, cfg.WriteKey, client)
		startControlServer(&lifecycle, logger, control)
		logger.Printf("control API listening on %s", control.Addr)
	}

	reader, closeInput, err := openInput(input)
	if err != nil {
		logger.Fatalf("open input: %v", err)
	}
	defer closeInput()

	accepted, rejected, err := ingest(ctx, reader, client, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("read input: %v", err)
	}
	logger.Printf("input finished: accepted=%d, rejected=%d", accepted, rejected)

	if ctx.Err() == nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := client.Drain(drainCtx); err != nil {
			logger.Printf("drain: %v", err)
		}
		drainCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()
	if control != nil {
		stepCtx, stepCancel := context.WithTimeout(shutdownCtx, controlServerShutdownTimeout)
		if err := control.Shutdown(stepCtx); err != nil {
			logger.Printf("shutdown: control server: %v", err)
		}
		stepCancel()
		lifecycle.Wait()
	}
	if err := client.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	for _, dropped := range client.DeadLetters() {
		logger.Printf("batch dropped: ref=%s, reason=%s, status=%d, bytes=%d",
			dropped.Reference, dropped.Reason, dropped.HTTP, dropped.Bytes)
	}
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", "Path to configuration file (default: environment only)")
	input := flag.String("input", "-", "Newline-delimited JSON events to send; - reads stdin")
	flag.Parse()
	return *cfgPath, *input
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newPulseLogger() *log.Logger {
	return log.New(os.Stderr, pulseLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func buildControlServer(addr, writeKey string, client httpserver.Controller) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           httpserver.NewHandler(writeKey, client),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startControlServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
		}
	})
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}

// recorder is the subset of the client the ingest loop drives.
type recorder interface {
	Track(ctx context.Context, name string, props event.Properties, opts ...event.Option) error
	Screen(ctx context.Context, name, category string, props event.Properties, opts ...event.Option) error
	Identify(ctx context.Context, userID string, traits event.Properties, opts ...event.Option) error
	Group(ctx context.Context, groupID string, traits event.Properties, opts ...event.Option) error
	Alias(ctx context.Context, newID string, opts ...event.Option) error
	Flush(ctx context.Context)
	Reset(ctx context.Context) error
}

// inputLine is one command read from the input stream.
type inputLine struct {
	Type         string           `json:"type"`
	Event        string           `json:"event"`
	Name         string           `json:"name"`
	Category     string           `json:"category"`
	UserID       string           `json:"userId"`
	GroupID      string           `json:"groupId"`
	Properties   event.Properties `json:"properties"`
	Traits       event.Properties `json:"traits"`
	Context      map[string]any   `json:"context"`
	Integrations map[string]any   `json:"integrations"`
	Timestamp    string           `json:"timestamp"`
}

func ingest(ctx context.Context, r io.Reader, client recorder, logger *log.Logger) (int, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	accepted, rejected := 0, 0
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return accepted, rejected, err
		}
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := apply(ctx, client, text); err != nil {
			rejected++
			logger.Printf("line %d rejected: %v", lineNo, err)
			continue
		}
		accepted++
	}
	return accepted, rejected, scanner.Err()
}

func apply(ctx context.Context, client recorder, text string) error {
	var line inputLine
	if err := json.Unmarshal([]byte(text), &line); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	opts, err := line.options()
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(line.Type)) {
	case "track":
		return client.Track(ctx, line.Event, line.Properties, opts...)
	case "screen":
		name := line.Name
		if name == "" {
			name = line.Event
		}
		return client.Screen(ctx, name, line.Category, line.Properties, opts...)
	case "identify":
		return client.Identify(ctx, line.UserID, line.Traits, opts...)
	case "group":
		return client.Group(ctx, line.GroupID, line.Traits, opts...)
	case "alias":
		return client.Alias(ctx, line.UserID, opts...)
	case "flush":
		client.Flush(ctx)
		return nil
	case "reset":
		return client.Reset(ctx)
	default:
		return fmt.Errorf("unknown type %q", line.Type)
	}
}

func (l inputLine) options() ([]event.Option, error) {
	var opts []event.Option
	if len(l.Context) > 0 {
		opts = append(opts, event.WithContext(l.Context))
	}
	if len(l.Integrations) > 0 {
		opts = append(opts, event.WithIntegrations(l.Integrations))
	}
	if l.Timestamp != "" {
		ts, err := event.ParseTimestamp(l.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
		opts = append(opts, event.WithTimestamp(ts))
	}
	return opts, nil
}
