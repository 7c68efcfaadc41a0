package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/speedwagon-io/climalink/internal/buffer"
	"github.com/speedwagon-io/climalink/internal/config"
	"github.com/speedwagon-io/climalink/internal/health"
	"github.com/speedwagon-io/climalink/internal/lib/logger/sl"
	"github.com/speedwagon-io/climalink/internal/sender"
	"github.com/speedwagon-io/climalink/internal/session"
	"github.com/speedwagon-io/climalink/internal/telemetry"
	"github.com/speedwagon-io/climalink/internal/transport"
	"github.com/speedwagon-io/climalink/internal/transport/httppoll"
	"github.com/speedwagon-io/climalink/internal/transport/modbus"
	"github.com/speedwagon-io/climalink/internal/transport/mqtt"
	"github.com/speedwagon-io/climalink/internal/watchdog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	dryRun := flag.Bool("dry-run", false, "log snapshots instead of sending")
	flag.Parse()

	cfg := config.MustLoad(*configPath)

	log := sl.SetupLogger(cfg.Log.Level, cfg.Log.Format)

	log.Info("starting climalink",
		slog.String("env", cfg.Env),
		slog.String("device", cfg.Device.Serial),
		slog.String("transport", cfg.Device.Transport),
		slog.Bool("dry_run", *dryRun),
	)

	schema := config.MustLoadSchema(cfg.Schema.Path)

	log.Info("loaded schema",
		slog.String("version", schema.Version),
		slog.Int("registers", len(schema.Registers)),
		slog.Int("coils", len(schema.Coils)),
		slog.Int("alarms", len(schema.Alarms)),
	)

	decoder, err := telemetry.NewDecoder(schema)
	if err != nil {
		log.Error("invalid schema", sl.Err(err))
		os.Exit(1)
	}

	tr, err := newTransport(log, cfg, schema)
	if err != nil {
		log.Error("failed to create transport", sl.Err(err))
		os.Exit(1)
	}

	// Use LogSender for dry-run mode, HTTPSender otherwise
	var dataSender sender.Sender
	switch {
	case *dryRun:
		dataSender = sender.NewLogSender(log)
		log.Info("dry-run mode: snapshots will be logged instead of sent")
	case cfg.Sender.Enabled:
		dataSender = sender.NewHTTPSender(log, &cfg.Sender)
	}

	var buf buffer.Buffer
	var sqliteBuf *buffer.SQLiteBuffer
	if dataSender != nil && cfg.Buffer.Enabled && !*dryRun {
		sqliteBuf, err = buffer.NewSQLiteBuffer(log, cfg.Buffer.Path)
		if err != nil {
			log.Error("failed to create buffer", sl.Err(err))
			os.Exit(1)
		}
		buf = sqliteBuf
		log.Info("buffer enabled", slog.String("path", cfg.Buffer.Path))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var forwarder *session.Forwarder
	var publisher session.Publisher
	if dataSender != nil {
		forwarder = session.NewForwarder(log, cfg.Device.Serial, schema, dataSender, buf, &cfg.Buffer)
		forwarder.Start(ctx)
		publisher = forwarder
	}

	wd := watchdog.New(cfg.Watchdog.Timeout, watchdog.RealClock())
	ctrl := session.New(log, tr, decoder, wd, publisher)

	healthServer := health.NewServer(log, cfg.Health.Address, ctrl)
	healthServer.AddChecker(health.NewLinkHealthChecker(ctrl))
	if dataSender != nil {
		healthServer.AddChecker(health.NewSenderHealthChecker(dataSender.Health))
	}
	if sqliteBuf != nil {
		healthServer.AddChecker(health.NewBufferHealthChecker(sqliteBuf.Count))
	}

	if err := healthServer.Start(); err != nil {
		log.Error("failed to start health server", sl.Err(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	exitCode := 0
	if err := ctrl.Run(ctx); err != nil {
		log.Error("session failed", sl.Err(err))
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := ctrl.Close(); err != nil {
		log.Error("failed to close session", sl.Err(err))
	}

	if forwarder != nil {
		forwarder.Stop()
	}

	if err := healthServer.Stop(shutdownCtx); err != nil {
		log.Error("failed to stop health server", sl.Err(err))
	}

	if buf != nil {
		if err := buf.Close(); err != nil {
			log.Error("failed to close buffer", sl.Err(err))
		}
	}

	log.Info("climalink stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func newTransport(log *slog.Logger, cfg *config.Config, schema telemetry.Schema) (transport.Transport, error) {
	switch cfg.Device.Transport {
	case config.TransportMQTT:
		return mqtt.New(log, mqtt.Config{
			Broker:          cfg.MQTT.Broker,
			Topic:           cfg.MQTT.TopicFor(cfg.Device.Serial),
			ClientIDPrefix:  cfg.MQTT.ClientIDPrefix,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			QoS:             cfg.MQTT.QoS,
			KeepAlive:       cfg.MQTT.KeepAlive,
			ConnectTimeout:  cfg.MQTT.ConnectTimeout,
			ReconnectPeriod: cfg.MQTT.ReconnectPeriod,
			WillTopic:       cfg.MQTT.WillTopic,
			WillPayload:     cfg.MQTT.WillPayload,
		})
	case config.TransportModbus:
		holding := cfg.Modbus.HoldingCount
		if holding == 0 {
			holding = uint16(schema.HoldingLen())
		}
		coils := cfg.Modbus.CoilCount
		if coils == 0 {
			coils = uint16(schema.CoilLen())
		}
		return modbus.New(log, modbus.Config{
			Serial:         cfg.Device.Serial,
			Endpoint:       cfg.Modbus.Endpoint,
			UnitID:         cfg.Modbus.UnitID,
			Timeout:        cfg.Modbus.Timeout,
			Interval:       cfg.Modbus.Interval,
			HoldingAddress: cfg.Modbus.HoldingAddress,
			HoldingCount:   holding,
			CoilAddress:    cfg.Modbus.CoilAddress,
			CoilCount:      coils,
		})
	case config.TransportHTTP:
		return httppoll.New(log, httppoll.Config{
			URL:      cfg.HTTPPoll.URL,
			Token:    cfg.HTTPPoll.Token,
			Timeout:  cfg.HTTPPoll.Timeout,
			Interval: cfg.HTTPPoll.Interval,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Device.Transport)
	}
}
