package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/application"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/config"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
)

func main() {

	serviceName := "iot-telemetry-ingest"

	log := logging.NewLogger()
	log.Infof("Starting up %s ...", serviceName)

	cfg, err := config.Load(serviceName)
	if err != nil {
		log.Fatalf("Invalid configuration: %s", err.Error())
	}

	if err = logging.SetLevel(cfg.LogLevel); err != nil {
		log.Warnf("Ignoring log level: %s", err.Error())
	}

	db, err := database.NewDatabaseConnection(database.NewPostgreSQLConnector(cfg.Database, log), log)
	if err != nil {
		log.Fatalf("Failed to connect to database: %s", err.Error())
	}

	var messenger application.MessagingContext

	if cfg.RabbitMQHost != "" {
		msgConfig := messaging.LoadConfiguration(serviceName)
		msgContext, err := messaging.Initialize(msgConfig)
		if err != nil {
			log.Errorf("Messaging disabled: %s", err.Error())
		} else {
			defer msgContext.Close()
			messenger = msgContext
		}
	}

	ingestor := application.NewIngestor(db, log, messenger)

	if cfg.MQTTAddress != "" {
		hook := application.NewTelemetryHook(ingestor, log, cfg.RequestTimeout)
		broker, err := application.StartMQTTBroker(cfg.MQTTAddress, hook, log)
		if err != nil {
			log.Fatalf("Failed to start MQTT broker: %s", err.Error())
		}
		defer broker.Close()
	}

	router := application.CreateRequestRouter(log, db, ingestor, cfg.RequestTimeout)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Infof("Starting %s on port %s.", serviceName, cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %s", err.Error())
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Infof("Shutting down %s ...", serviceName)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Graceful shutdown failed: %s", err.Error())
	}
}
