package cmd

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/core"
	"github.com/miladsoleymani/relaymux/core/middleware"
	"github.com/miladsoleymani/relaymux/internal/config"
	"github.com/miladsoleymani/relaymux/messaging"
	"github.com/miladsoleymani/relaymux/receive"
)

var (
	listenPayload bool
	listenReport  bool
	listenCount   int
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run a receiver until interrupted",
	Long: `Register a receiver on the configured destination and print every
message it receives as one JSON object per line. Stop with Ctrl-C.

With metrics enabled in the configuration, Prometheus metrics are served on
metrics.address at metrics.path.

Examples:
  relaymux listen -c relaymux.yaml
  relaymux listen -d dynamicTopics/eXistdb --payload --report
  relaymux listen -d dynamicQueues/jobs --count 1`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().BoolVar(&listenPayload, "payload", false, "include the decoded payload in the output")
	listenCmd.Flags().BoolVar(&listenReport, "report", false, "print the receiver report on exit")
	listenCmd.Flags().IntVarP(&listenCount, "count", "n", 0, "exit after this many messages (0 = no limit)")
	rootCmd.AddCommand(listenCmd)
}

type received struct {
	ReceiverID      int               `json:"receiver_id"`
	MessageID       string            `json:"message_id"`
	Destination     string            `json:"destination"`
	Kind            core.EventKind    `json:"kind"`
	ResourceType    core.ResourceType `json:"resource_type"`
	Path            string            `json:"path,omitempty"`
	DestinationPath string            `json:"destination_path,omitempty"`
	Size            int               `json:"size"`
	Payload         string            `json:"payload,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
}

func runListen(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, done := context.WithCancel(ctx)
	defer done()

	reg := prometheus.NewRegistry()
	collector, err := middleware.NewPrometheusCollector(reg)
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		srv := serveMetrics(cfg.Metrics, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	svc := messaging.NewService(
		messaging.WithLogger(logger),
		messaging.WithReceiverOptions(
			receive.WithCollector(collector),
			receive.WithMiddleware(middleware.Logging(logger)),
		),
	)

	out := &lineWriter{w: cmd.OutOrStdout()}
	caller := cfg.AsCaller()
	var seen atomic.Int64
	id, err := svc.RegisterReceiver(ctx, caller, cfg.Parameters(), func(c core.Context) error {
		if err := out.write(describe(c, listenPayload)); err != nil {
			return err
		}
		if listenCount > 0 && seen.Add(1) >= int64(listenCount) {
			// Pause at once so nothing past the limit is consumed.
			if err := svc.StopReceiver(c.Context(), caller, c.ReceiverID()); err != nil {
				logger.Warn("problem pausing receiver", zap.Error(err))
			}
			done()
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("listening", zap.Int("receiver_id", id), zap.String("destination", cfg.Broker.Destination))

	<-ctx.Done()

	r, _ := svc.Manager().Get(id)
	closeErr := svc.Close(context.Background())
	if listenReport && r != nil {
		if err := writeJSON(cmd.ErrOrStderr(), r.Info()); err != nil {
			return err
		}
	}
	return closeErr
}

func describe(c core.Context, withPayload bool) received {
	env := c.Envelope()
	r := received{
		ReceiverID:      c.ReceiverID(),
		MessageID:       c.Delivery().ID(),
		Destination:     c.Destination(),
		Kind:            env.Kind(),
		ResourceType:    env.ResourceType(),
		Path:            env.Path(),
		DestinationPath: env.DestinationPath(),
		Size:            env.PayloadSize(),
		Properties:      c.Properties().StringMap(),
	}
	if withPayload {
		r.Payload = string(env.Payload())
	}
	return r
}

func serveMetrics(cfg config.MetricsConfig, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", zap.String("address", cfg.Address), zap.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

// lineWriter serialises JSON lines from concurrent handlers.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return writeJSONLine(l.w, v)
}
