// Command conference runs the WebRTC conferencing orchestration core:
// the internal HTTP API, the message-broker request/response
// dispatcher, the backend long-poll event drain, the outbox delivery
// worker, and the transaction watchdog, all sharing one configuration
// and database pool.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/foxford/conference/pkg/apperror"
	"github.com/foxford/conference/pkg/backend"
	"github.com/foxford/conference/pkg/broker"
	"github.com/foxford/conference/pkg/config"
	"github.com/foxford/conference/pkg/correlator"
	"github.com/foxford/conference/pkg/database"
	"github.com/foxford/conference/pkg/eventbus"
	"github.com/foxford/conference/pkg/httpapi"
	"github.com/foxford/conference/pkg/metrics"
	"github.com/foxford/conference/pkg/outbox"
	"github.com/foxford/conference/pkg/signaling"
	"github.com/foxford/conference/pkg/stages"
	"github.com/foxford/conference/pkg/waitlist"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", "./config/conference.yaml"), "path to the YAML configuration file")
	flag.Parse()

	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("no .env file loaded", "path", envPath, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			slog.Error("failed to initialize sentry", "error", err)
		}
		defer sentry.Flush(2 * time.Second)
	}
	reporter := apperror.NewReporter(256)
	defer reporter.Close()

	dbClient, err := database.NewClient(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MinOpenConns:    cfg.Database.MinOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "database", cfg.Database.Database)

	natsConn, err := nats.Connect(cfg.NATS.URI)
	if err != nil {
		slog.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer natsConn.Close()
	eventPublisher := eventbus.NewPublisher(natsConn)

	mqttOpts := mqtt.NewClientOptions().AddBroker(cfg.MQTT.URI).SetClientID(cfg.ID)
	mqttOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	})
	mqttClient := mqtt.NewClient(mqttOpts)
	if token := mqttClient.Connect(); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		slog.Error("failed to connect to mqtt broker", "error", token.Error())
		os.Exit(1)
	}
	defer mqttClient.Disconnect(250)
	notificationPublisher := broker.NewPublisher(mqttClient, cfg.Backend.DefaultTimeout)

	eventsCh := backend.NewEventChannel(64)
	pool := backend.NewPool(eventsCh, cfg.Backend.DefaultTimeout)
	registry := backend.NewRegistry(dbClient.Pool)

	wl := waitlist.New[signaling.PluginReply](cfg.Waitlist.EpochDuration)

	watchdog := correlator.NewWatchdog(cfg.Backend.TransactionWatchdogCheckPeriod, func(correlationID, method string, _ any) {
		if id, err := signaling.ParseWaitlistID(correlationID); err == nil {
			wl.Fire(id, signaling.PluginReply{
				Error: apperror.New(apperror.KindTimeout, "backend did not reply in time").WithDetail(method),
			})
		}
	})
	watchdog.Start(ctx)
	defer watchdog.Stop()

	store := signaling.NewStore(dbClient.Pool)
	machine := signaling.NewMachine(store, registry, pool, wl, watchdog, cfg.Backend.DefaultTimeout, cfg.Backend.StreamUploadTimeout)

	go machine.DrainEvents(ctx, pool.Events())

	dispatcher := broker.NewDispatcher(mqttClient, store, machine, cfg.Backend.DefaultTimeout)
	if err := dispatcher.Subscribe(cfg.ID, cfg.BrokerID, 1); err != nil {
		slog.Error("failed to subscribe to inbound topic", "error", err)
		os.Exit(1)
	}

	outboxWorker := outbox.NewWorker(dbClient.Pool, map[string]outbox.Handler{
		stages.StageUpdateJanusConfig:    stages.UpdateJanusConfigHandler{Pool: pool},
		stages.StageSendNatsNotification: stages.SendNatsNotificationHandler{Publisher: eventPublisher, AgentID: cfg.ID},
		stages.StageSendMqttNotification: stages.SendMqttNotificationHandler{Publisher: notificationPublisher},
	}, outbox.Config{
		MessagesPerTry:      cfg.Outbox.MessagesPerTry,
		TryWakeInterval:     cfg.Outbox.TryWakeInterval,
		MaxDeliveryInterval: cfg.Outbox.MaxDeliveryInterval,
		PollInterval:        cfg.Outbox.TryWakeInterval,
	}, reporter)
	outboxWorker.Start(ctx)
	defer outboxWorker.Stop()

	metricsRegistry := metrics.NewRegistry(cfg.ID)
	jwtManager := httpapi.NewJWTManager(cfg.ServiceJWT.Secret)

	gin.SetMode(getEnv("GIN_MODE", "release"))
	server := httpapi.NewServer(cfg, dbClient, registry, pool, machine, metricsRegistry, jwtManager)

	serverErrCh := make(chan error, 1)
	go func() {
		slog.Info("starting internal http server", "addr", cfg.HTTPAddr)
		serverErrCh <- server.Start(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serverErrCh:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error shutting down http server", "error", err)
	}
}
