package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/application"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/config"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/notifications"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/opcua"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/repositories/database"
)

func main() {

	serviceName := "opcua-gateway"

	log := logging.NewLogger()
	log.Infof("Starting up %s ...", serviceName)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %s", err.Error())
	}

	var messenger notifications.MessagingContext
	messengerConfig := messaging.LoadConfiguration(serviceName)
	if ctx, err := messaging.Initialize(messengerConfig); err != nil {
		log.Warnf("Messaging disabled, failed to connect to the message bus: %s", err.Error())
	} else {
		defer ctx.Close()
		messenger = ctx
	}

	connector := database.NewPostgreSQLConnector(cfg.Database.DSN, log.WithComponent(logging.ComponentDatabase))
	if cfg.Database.Driver == "sqlite" {
		connector = database.NewSQLiteConnector(cfg.Database.DSN)
	}

	db, err := database.NewDatabaseConnection(connector, log.WithComponent(logging.ComponentDatabase))
	if err != nil {
		log.Fatalf("Failed to connect to the database: %s", err.Error())
	}

	gw := application.NewGatewayState(cfg, opcua.NewDialer(log.WithComponent(logging.ComponentSession)), db, messenger, log)
	gw.Start(context.Background())

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		<-signals

		log.Infof("Shutting down %s ...", serviceName)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		gw.Close(ctx)
		os.Exit(0)
	}()

	log.Fatal(application.CreateRouterAndStartServing(gw, log, cfg.Server.Port))
}
