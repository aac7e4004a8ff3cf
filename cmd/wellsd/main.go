package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/austindbirch/wells/internal/agent"
	"github.com/austindbirch/wells/internal/config"
	"github.com/austindbirch/wells/internal/db"
	"github.com/austindbirch/wells/internal/deadletter"
	"github.com/austindbirch/wells/internal/dispatch"
	"github.com/austindbirch/wells/internal/engine"
	"github.com/austindbirch/wells/internal/health"
	"github.com/austindbirch/wells/internal/inflight"
	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/metrics"
	"github.com/austindbirch/wells/internal/tracing"
	"github.com/austindbirch/wells/internal/transport/direct"
	"github.com/austindbirch/wells/internal/transport/queue"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("wellsd")

	shutdownTracing, err := tracing.InitTracing(ctx, "wellsd")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	fs := afero.NewOsFs()
	st := newStore(fs, cfg.Store)

	template, err := collectorTemplate(cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid collector configuration")
	}

	ts, err := tokenSource(fs, cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("upload signing setup failed")
	}
	uploader := newUploader(fs, cfg, ts)

	// Transport
	var (
		tr        dispatch.Transport
		closeTr   func(context.Context)
		pool      *pgxpool.Pool
		consumer  *nsq.Consumer
		producer  *nsq.Producer
		monitored []string
	)
	switch cfg.Transport.Kind {
	case "nsq":
		var registry inflight.Registry = inflight.NewMemory()
		if cfg.Transport.Registry == "postgres" {
			pool, err = db.Connect(ctx, cfg.DSN())
			if err != nil {
				logger.Plain().WithError(err).Fatal("db connect failed")
			}
			pg := inflight.NewPostgres(pool)
			if err := pg.EnsureSchema(ctx); err != nil {
				logger.Plain().WithError(err).Fatal("transfer registry setup failed")
			}
			registry = pg
		}

		producer, err = queue.NewProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		qt := queue.New(producer, cfg.NSQ.TransfersTopic, registry, uploader, logging.New("wellsd-transport"))
		consumer, err = queue.Consume(qt, queue.ConsumerConfig{
			Channel:        cfg.NSQ.UploaderChannel,
			NsqdTCPAddr:    cfg.NSQ.NsqdTCPAddr,
			LookupHTTPAddr: cfg.NSQ.LookupHTTPAddr,
			MaxInFlight:    32,
			Concurrency:    4,
		})
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer setup failed")
		}
		tr = qt
		closeTr = func(context.Context) {
			consumer.Stop()
			<-consumer.StopChan
			qt.Close()
		}
		monitored = append(monitored, qt.Topic())
	default:
		dt := direct.New(uploader, logging.New("wellsd-transport"))
		tr = dt
		closeTr = func(ctx context.Context) {
			if err := dt.Close(ctx); err != nil {
				logger.Plain().WithError(err).Warn("transfers cancelled at shutdown")
			}
		}
	}

	dispatcher := dispatch.New(tr, dispatch.WithLogger(logging.New("wellsd-dispatch")))
	dispatcher.Start(ctx)

	// Engine
	engineOpts := []engine.Option{
		engine.WithPolicy(policyFromConfig(cfg.Engine)),
		engine.WithLogger(logging.New("wellsd-engine")),
	}
	var dlq *deadletter.NSQPublisher
	if cfg.NSQ.PublishDLQ {
		dlq, err = deadletter.NewNSQPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		engineOpts = append(engineOpts, engine.WithDeadLetters(dlq))
		monitored = append(monitored, dlq.Topic())
	}
	eng := engine.New(st, dispatcher, engineOpts...)
	if cfg.Engine.ResubmitOrphans {
		eng.SetOrphanHandler(eng.ResubmitOrphans(template))
	}

	if cfg.Engine.PolicyFile != "" {
		initial, err := config.WatchPolicy(cfg.Engine.PolicyFile, cfg.Engine, func(c config.Engine) {
			eng.SetPolicy(policyFromConfig(c))
		})
		if err != nil {
			logger.Plain().WithError(err).Fatal("policy file load failed")
		}
		eng.SetPolicy(policyFromConfig(initial))
	}
	eng.Start(ctx)

	if len(monitored) > 0 {
		mon := &queue.Monitor{
			StatsURL: queue.StatsURL(cfg.NSQ.NsqdHTTPAddr),
			Topics:   monitored,
			Interval: cfg.NSQ.MonitorInterval,
		}
		go mon.Run(ctx)
	}

	// HTTP: report API, health, metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	checker := health.Checker{Fs: fs, Dir: st.Root(), Pending: st.Len}
	if pool != nil {
		checker.DB = pool
	}

	mux := http.NewServeMux()
	agent.NewServer(eng, st, template, agent.WithLogger(logging.New("wellsd-api"))).Register(mux)
	mux.HandleFunc("/healthz", health.HTTPHandler(checker))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("wellsd HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatalf("wellsd HTTP server on %s failed", httpSrv.Addr)
		}
	}()

	logger.Plain().WithFields(map[string]any{
		"transport": cfg.Transport.Kind,
		"store":     st.Root(),
		"collector": cfg.CollectorURL,
	}).Info("wellsd started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down wellsd")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	_ = httpSrv.Shutdown(shutdownCtx)
	eng.Stop()
	// the dispatcher keeps running so completions of draining transfers are handled
	closeTr(shutdownCtx)
	dispatcher.Stop()
	cancel()

	if producer != nil {
		producer.Stop()
	}
	if dlq != nil {
		dlq.Stop()
	}
	if pool != nil {
		pool.Close()
	}
	logger.Plain().Info("wellsd stopped")
}
