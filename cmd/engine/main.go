package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fleetsense/iot-backend/internal/api"
	"github.com/fleetsense/iot-backend/internal/broker"
	"github.com/fleetsense/iot-backend/internal/constants"
	"github.com/fleetsense/iot-backend/internal/directory"
	"github.com/fleetsense/iot-backend/internal/ingest"
	"github.com/fleetsense/iot-backend/internal/live"
	"github.com/fleetsense/iot-backend/internal/readings"
	"github.com/fleetsense/iot-backend/internal/service_registry"
	"github.com/fleetsense/iot-backend/internal/storage"
	"github.com/fleetsense/iot-backend/internal/subscriptions"
	"github.com/fleetsense/iot-backend/internal/utils"
	"github.com/fleetsense/iot-backend/pkg/file"
	"github.com/fleetsense/iot-backend/pkg/mqtt"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	fileClient := file.NewFileService()

	config, err := utils.LoadConfig("configs/config.yaml", fileClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Unique client id so parallel deployments never steal each other's session
	config.MQTT.ClientID = config.MQTT.ClientID + "-" + uuid.New().String()
	logger.Info().Str("client_id", config.MQTT.ClientID).Msg("Using MQTT client ID")

	ctx := context.Background()

	// Main database: device/site records and cached last readings
	mainCfg, err := pgxpool.ParseConfig(config.Storage.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid storage URL")
	}
	if config.Storage.MainDatabase != "" {
		mainCfg.ConnConfig.Database = config.Storage.MainDatabase
	}
	mainPool, err := pgxpool.NewWithConfig(ctx, mainCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to main database")
	}
	defer mainPool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Cache.RedisAddr,
		Password: config.Cache.RedisPassword,
	})
	defer rdb.Close()

	// Device directory: built now, refreshed through the API when the
	// management service mutates devices or sites
	deviceDirectory := directory.New(directory.NewPgSource(mainPool), logger)
	if err := deviceDirectory.Rebuild(ctx); err != nil {
		// An empty directory drops every message, but a refresh can heal it
		// without a restart
		logger.Error().Err(err).Msg("Initial device directory build failed, starting empty")
	}

	router := storage.NewRouter(
		storage.NewPgxDialer(config.Storage.PostgresURL, config.Storage.ConnectTimeout, logger),
		logger,
	)
	defer router.Close()

	mqttClient := mqtt.NewMqttService(fileClient)
	manager := broker.NewManager(mqttClient, broker.Options{
		BrokerURL:            config.MQTT.Broker,
		ClientID:             config.MQTT.ClientID,
		CACertificate:        config.MQTT.CACertificate,
		QOS:                  config.MQTT.QOS,
		ConnectTimeout:       config.MQTT.ConnectTimeout,
		KeepAlive:            config.MQTT.KeepAlive,
		MaxReconnectAttempts: config.MQTT.MaxReconnectAttempts,
		ReconnectBaseDelay:   config.MQTT.ReconnectBaseDelay,
		ReconnectMaxBackoff:  config.MQTT.ReconnectMaxBackoff,
	}, logger)

	registry := subscriptions.NewRegistry(manager, deviceDirectory, logger)
	hub := live.NewHub(registry, logger)

	readingStore := readings.NewStore(rdb, mainPool, config.Cache.LastReadingTTL, logger)

	workerPool := utils.NewWorkerPool(config.Ingest.Workers, config.Ingest.Workers*4)
	defer workerPool.Shutdown()

	dispatcher := ingest.NewDispatcher(
		deviceDirectory,
		router,
		readingStore,
		hub,
		workerPool,
		constants.ParseDispatchMode(config.Ingest.Mode),
		5*time.Second,
		logger,
	)
	manager.SetMessageHandler(dispatcher.HandleMessage)

	apiServer := api.NewServer(config.Server.ListenAddress, deviceDirectory, manager, hub, hub.ServeWS, logger)

	serviceRegistry := service_registry.NewServiceRegistry(logger)
	serviceRegistry.RegisterService("broker", manager)
	serviceRegistry.RegisterService("live-hub", hub)
	serviceRegistry.RegisterService("http", apiServer)

	if err := serviceRegistry.StartServices(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start services")
	}
	logger.Info().Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	logger.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		logger.Error().Err(err).Msg("Shutdown finished with errors")
	}
}
