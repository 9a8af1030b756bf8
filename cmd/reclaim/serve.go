package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	configpkg "github.com/reclaimhq/reclaim/server/config"
	"github.com/reclaimhq/reclaim/server/gate"
	"github.com/reclaimhq/reclaim/server/health"
	"github.com/reclaimhq/reclaim/server/queue"
	"github.com/reclaimhq/reclaim/server/reclaim"
	"github.com/reclaimhq/reclaim/server/retry"
	"github.com/reclaimhq/reclaim/server/service"
	"github.com/reclaimhq/reclaim/server/worker"
	"github.com/spf13/cobra"
)

func createServeCmd(configManager configpkg.Manager) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Launch the Reclaim server",
		Long: `
Launch the Reclaim server

Use reclaim serve to run the job queue, the integration health tracker and
the HTTP API. Use the options below to customize the way the server works.
`,
		Run: func(cmd *cobra.Command, args []string) {
			config := configManager.LoadConfig()

			logger := initLogger(config.Logging)

			ctx, cancelFunc := context.WithCancel(context.Background())
			defer cancelFunc()

			clk := clock.C

			tracker := health.NewTracker(config.Health, kitlog.With(logger, "component", "health"), clk)
			executor := retry.NewExecutor(kitlog.With(logger, "component", "retry"))

			q := queue.New(config.Queue, executor, tracker, kitlog.With(logger, "component", "queue"), clk)
			q.SetMetrics(queue.NewMetrics(prometheus.DefaultRegisterer))

			workerLog := kitlog.With(logger, "component", "worker")
			emailProcessor := &worker.EmailDelivery{
				Mailer: worker.DevMailService{Log: workerLog},
				Log:    workerLog,
			}
			q.Register(
				&worker.DocumentGeneration{Store: worker.DevDocumentStore{Log: workerLog}, Log: workerLog},
				emailProcessor,
				&worker.CRMSync{Client: worker.DevCRMClient{Log: workerLog}, Log: workerLog},
				&worker.PaymentWebhookReplay{Notifier: worker.DevPaymentNotifier{Log: workerLog}, Log: workerLog},
			)

			g := gate.New(config.Gate, tracker, q, kitlog.With(logger, "component", "gate"))

			svc := service.NewService(q, tracker, g, emailProcessor, kitlog.With(logger, "component", "http"))
			apiHandler, err := service.MakeHandler(svc, config)
			if err != nil {
				initFatal(err, "service handler")
			}

			queueDone := make(chan struct{})
			go func() {
				q.Start(ctx)
				close(queueDone)
			}()

			go runCleanup(ctx, q, config.Queue, kitlog.With(logger, "component", "cleanup"))
			go runProbes(ctx, tracker, config.Health)

			healthCheckers := make(map[string]health.Checker)
			for _, intg := range reclaim.KnownIntegrations() {
				healthCheckers[string(intg)] = tracker.Checker(intg)
			}

			httpLogger := kitlog.With(logger, "component", "http")

			rootMux := http.NewServeMux()
			rootMux.Handle("/healthz", health.Handler(httpLogger, healthCheckers))
			rootMux.Handle("/metrics", promhttp.Handler())
			rootMux.Handle("/", apiHandler)

			var handler http.Handler = rootMux
			if prefix := config.Server.URLPrefix; prefix != "" {
				handler = http.StripPrefix(prefix, rootMux)
			}

			srv := &http.Server{
				Addr:              config.Server.Address,
				Handler:           handler,
				ReadTimeout:       25 * time.Second,
				WriteTimeout:      40 * time.Second,
				ReadHeaderTimeout: 5 * time.Second,
				IdleTimeout:       5 * time.Minute,
				MaxHeaderBytes:    1 << 18,
			}

			errs := make(chan error, 2)
			go func() {
				logger.Log("transport", "http", "address", config.Server.Address, "msg", "listening")
				errs <- srv.ListenAndServe()
			}()
			go func() {
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				<-sig // block on signal
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				errs <- func() error {
					cancelFunc()
					// wait for in-flight jobs to drain
					select {
					case <-queueDone:
					case <-ctx.Done():
					}
					return srv.Shutdown(ctx)
				}()
			}()

			// block on errs signal
			logger.Log("terminated", <-errs)
		},
	}

	return serveCmd
}

func initLogger(cfg configpkg.LoggingConfig) kitlog.Logger {
	var logger kitlog.Logger
	{
		output := kitlog.NewSyncWriter(os.Stderr)
		if cfg.JSON {
			logger = kitlog.NewJSONLogger(output)
		} else {
			logger = kitlog.NewLogfmtLogger(output)
		}
		if cfg.Debug {
			logger = level.NewFilter(logger, level.AllowDebug())
		} else {
			logger = level.NewFilter(logger, level.AllowInfo())
		}
		logger = kitlog.With(
			logger,
			"ts", kitlog.DefaultTimestampUTC,
			"caller", kitlog.Caller(5),
		)
	}
	return logger
}

// runCleanup periodically drops resolved jobs that fell out of the
// retention window.
func runCleanup(ctx context.Context, q *queue.Queue, cfg configpkg.QueueConfig, logger kitlog.Logger) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if removed := q.CleanupOldJobs(ctx, cfg.RetentionWindow); removed > 0 {
			level.Info(logger).Log("msg", "removed old jobs", "count", removed)
		}
	}
}

// runProbes issues trial calls against integrations whose circuit is not
// healthy, so recovery is detected without waiting for live traffic. The
// development backends are local and always reachable.
func runProbes(ctx context.Context, tracker *health.Tracker, cfg configpkg.HealthConfig) {
	ping := func(ctx context.Context) error { return nil }

	ticker := time.NewTicker(cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, intg := range reclaim.KnownIntegrations() {
			switch tracker.Status(intg).Status {
			case reclaim.IntegrationFailed, reclaim.IntegrationRecovering:
				_ = tracker.Probe(ctx, intg, ping)
			}
		}
	}
}
