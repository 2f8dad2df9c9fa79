package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/eventbus"
	healthcheck "github.com/vladislavdragonenkov/cartsync/internal/health"
	"github.com/vladislavdragonenkov/cartsync/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
	"github.com/vladislavdragonenkov/cartsync/internal/notify"
	grpcsvc "github.com/vladislavdragonenkov/cartsync/internal/service/grpc"
	"github.com/vladislavdragonenkov/cartsync/internal/service/outbox"
	"github.com/vladislavdragonenkov/cartsync/internal/session"
	"github.com/vladislavdragonenkov/cartsync/internal/telemetry"
	"github.com/vladislavdragonenkov/cartsync/internal/version"
)

const (
	gracefulStopTimeout = 5 * time.Second
	outboxFlushTimeout  = 2 * time.Second
)

// transport связывает шины процессов через Kafka.
type transport struct {
	producer *kafka.Producer
	consumer *kafka.Consumer
	worker   *outbox.Worker
	cleaner  *outbox.CleanupWorker
}

// Run поднимает gRPC API и ops HTTP-сервер и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if deps.closeFn != nil {
			if err := deps.closeFn(); err != nil {
				logger.WithError(err).Warn("failed to close storage")
			}
		}
	}()

	syncMetrics := metrics.NewSyncMetrics()
	collab := telemetry.NewTracedCollaborator(deps.collab, nil, syncMetrics)
	manager := session.NewManager(collab, session.Options{
		Logger:      logger.WithField("layer", "session"),
		Metrics:     syncMetrics,
		Notifier:    notify.NewLogNotifier(logger.WithField("layer", "notify")),
		Reporter:    busErrorReporter(logger.WithField("layer", "bus")),
		SelectRate:  rate.Limit(cfg.SelectRate),
		SelectBurst: cfg.SelectBurst,
	})
	defer manager.CloseAll()

	tr := initTransport(cfg, deps, manager, syncMetrics, logger)

	grpcMetrics := registerGRPCMetrics(logger)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	grpcsvc.RegisterCartSyncServer(grpcServer, grpcsvc.NewCartSyncService(manager, logger.WithField("layer", "grpc")))
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	healthHandler := healthcheck.NewHandler(version.Current().Version)
	registerCheckers(healthHandler, cfg, deps, manager, tr)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		tr.close(logger)
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stopGRPC(grpcServer, logger)
		return nil
	})
	if tr.worker != nil {
		g.Go(func() error {
			tr.worker.Run(gctx)
			return nil
		})
	}
	if tr.cleaner != nil {
		g.Go(func() error {
			tr.cleaner.Run(gctx)
			return nil
		})
	}
	if tr.consumer != nil {
		if err := tr.consumer.Start(gctx); err != nil {
			logger.WithError(err).Warn("failed to start kafka consumer")
		}
	}

	runErr := g.Wait()

	// Сессии закрываются до остановки транспорта: последние сообщения шин
	// успевают попасть в outbox.
	manager.CloseAll()
	tr.flush(logger)
	tr.close(logger)

	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

func initTransport(cfg Config, deps runtimeDependencies, manager *session.Manager, m *metrics.SyncMetrics, logger *log.Entry) transport {
	brokers := cfg.Brokers()
	producer, err := initKafkaProducer(brokers, logger)
	if err != nil || producer == nil {
		return transport{}
	}

	bridge := kafka.NewBridge(deps.outboxRepo, manager, kafka.BridgeOptions{
		Origin:  cfg.InstanceID,
		Logger:  logger.WithField("layer", "bridge"),
		Metrics: m,
	})
	manager.SetAttacher(bridge)

	topic := cfg.KafkaTopic
	if topic == "" {
		topic = kafka.TopicSyncEvents
	}
	outboxMetrics := metrics.NewOutboxMetrics()
	worker := outbox.NewWorker(
		deps.outboxRepo,
		kafka.NewOutboxPublisher(producer, topic),
		outbox.WithLogger(logger.WithField("layer", "outbox")),
		outbox.WithMetrics(outboxMetrics),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	group := cfg.KafkaGroup
	if group == "" {
		group = "cartsync-" + bridge.Origin()
	}
	consumer, err := kafka.NewConsumer(brokers, group, []string{topic}, bridge.HandleMessage,
		kafka.WithDLQProducer(producer),
		kafka.WithConsumerLogger(logger.WithField("layer", "kafka-consumer")),
	)
	if err != nil {
		// Исходящая синхронизация продолжает работать.
		logger.WithError(err).Warn("failed to create kafka consumer, remote events are ignored")
		consumer = nil
	}

	logger.WithFields(log.Fields{
		"topic":  topic,
		"group":  group,
		"origin": bridge.Origin(),
	}).Info("kafka bus bridge enabled")
	return transport{
		producer: producer,
		consumer: consumer,
		worker:   worker,
		cleaner:  newOutboxCleaner(cfg, deps, outboxMetrics, logger),
	}
}

// newOutboxCleaner возвращает nil, если хранилище не умеет удалять обработанные записи.
func newOutboxCleaner(cfg Config, deps runtimeDependencies, m *metrics.OutboxMetrics, logger *log.Entry) *outbox.CleanupWorker {
	pruner, ok := deps.outboxRepo.(domain.OutboxPruner)
	if !ok {
		return nil
	}
	return outbox.NewCleanupWorker(pruner,
		outbox.WithCleanupLogger(logger.WithField("layer", "outbox-cleanup")),
		outbox.WithCleanupMetrics(m),
		outbox.WithCleanupInterval(cfg.OutboxCleanupInterval),
		outbox.WithRetention(cfg.OutboxRetention),
	)
}

func (t transport) flush(logger *log.Entry) {
	if t.worker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), outboxFlushTimeout)
	defer cancel()
	if sent := t.worker.Drain(ctx); sent > 0 {
		logger.WithField("sent", sent).Info("outbox flushed on shutdown")
	}
}

func (t transport) close(logger *log.Entry) {
	stopConsumer(t.consumer, logger)
	closeKafka(t.producer, logger)
}

func registerCheckers(h *healthcheck.Handler, cfg Config, deps runtimeDependencies, manager *session.Manager, tr transport) {
	if deps.storageChecker != nil {
		h.RegisterChecker("storage", deps.storageChecker)
	}
	h.RegisterChecker("sessions", healthcheck.NewThresholdChecker("sessions", 0, func(context.Context) (int, error) {
		return manager.Count(), nil
	}))
	if tr.worker != nil {
		h.RegisterChecker("outbox", healthcheck.NewThresholdChecker("outbox", cfg.OutboxMaxPending, func(context.Context) (int, error) {
			stats, err := deps.outboxRepo.Stats()
			return stats.PendingCount, err
		}))
	}
}

func busErrorReporter(logger *log.Entry) eventbus.ErrorReporter {
	return eventbus.ErrorReporterFunc(func(_ context.Context, channel eventbus.Channel, err error) {
		logger.WithError(err).WithField("channel", channel).Warn("bus handler failed")
	})
}

// registerGRPCMetrics регистрирует метрики gRPC сервера или переиспользует уже зарегистрированные.
func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("failed to register grpc metrics")
	}
	return grpcMetrics
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(gracefulStopTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

func newOpsRouter(healthHandler *healthcheck.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Method(http.MethodGet, "/healthz", healthHandler)
	r.Get("/livez", healthcheck.LivenessHandler)
	r.Get("/readyz", healthHandler.ReadinessHandler)
	return r
}

// startMetricsServer запускает ops HTTP-сервер: метрики Prometheus и health checks.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newOpsRouter(healthHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
