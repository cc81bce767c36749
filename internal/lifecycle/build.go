package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
	"github.com/nerrad567/telemetry-bridge/internal/deadletter"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/config"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/database"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/natsbus"
	"github.com/nerrad567/telemetry-bridge/internal/iothub"
	"github.com/nerrad567/telemetry-bridge/internal/sink"
	"github.com/nerrad567/telemetry-bridge/internal/store"
	"github.com/nerrad567/telemetry-bridge/internal/store/postgres"
	"github.com/nerrad567/telemetry-bridge/internal/store/sqlite"
)

// DeviceFromConfig resolves the hub identity from explicit fields or a
// device connection string. The connection string wins when both are set.
func DeviceFromConfig(cfg config.IoTHubConfig) (iothub.Device, error) {
	var dev iothub.Device
	if cfg.ConnectionString != "" {
		cs, err := iothub.ParseConnectionString(cfg.ConnectionString)
		if err != nil {
			return iothub.Device{}, err
		}
		dev = iothub.FromConnectionString(cs)
	} else {
		host := cfg.HostName
		if host == "" {
			host = iothub.HostFor(cfg.Name)
		}
		dev = iothub.Device{
			HostName: host,
			DeviceID: cfg.DeviceID,
			SASToken: cfg.SASToken,
			Key:      cfg.DeviceKey,
		}
	}

	dev.APIVersion = cfg.APIVersion
	dev.Port = cfg.Port
	dev.TokenTTL = time.Duration(cfg.TokenTTL) * time.Second
	dev.CAFile = cfg.CAFile

	if err := dev.Validate(); err != nil {
		return iothub.Device{}, err
	}
	return dev, nil
}

// BuildTransport returns the broker transport selected by the configuration:
// paho MQTT or NATS in broker mode, paho MQTT with device credentials in
// hub mode.
func BuildTransport(cfg *config.Config, logger *logging.Logger) (broker.Transport, error) {
	switch cfg.Mode {
	case config.ModeIoTHub:
		dev, err := DeviceFromConfig(cfg.IoTHub)
		if err != nil {
			return nil, fmt.Errorf("iothub device: %w", err)
		}
		tlsConfig, err := dev.TLSConfig()
		if err != nil {
			return nil, fmt.Errorf("iothub tls: %w", err)
		}
		settings := mqtt.Settings{
			BrokerURL:      dev.BrokerURL(),
			ClientID:       dev.ClientID(),
			Username:       dev.Username(),
			Password:       dev.Password,
			TLS:            tlsConfig,
			KeepAlive:      cfg.GetKeepAlive(),
			ConnectTimeout: cfg.GetConnectTimeout(),
		}
		logger.Info("using iothub transport", "host", dev.HostName, "device_id", dev.DeviceID)
		return mqtt.New(settings, logger), nil

	case config.ModeBroker:
		if cfg.MQTT.Transport == config.TransportNATS {
			logger.Info("using nats transport", "url", cfg.NATS.URL)
			return natsbus.New(cfg.NATS), nil
		}
		settings, err := mqtt.SettingsFromConfig(cfg.MQTT)
		if err != nil {
			return nil, err
		}
		logger.Info("using mqtt transport", "broker", settings.BrokerURL, "client_id", settings.ClientID)
		return mqtt.New(settings, logger), nil
	}
	return nil, fmt.Errorf("mode %q is not supported", cfg.Mode)
}

// StoreOpener returns the sink.Opener for the configured driver.
func StoreOpener(cfg config.StoreConfig) sink.Opener {
	if cfg.Driver == config.DriverPostgres {
		return func(ctx context.Context) (store.Store, error) {
			return postgres.Open(ctx, cfg.DSN)
		}
	}
	return func(ctx context.Context) (store.Store, error) {
		return sqlite.Open(ctx, database.Config{
			Path:        cfg.Path,
			WALMode:     cfg.WALMode,
			BusyTimeout: cfg.BusyTimeout,
		})
	}
}

// OpenSpool opens the dead-letter spool with an S3 archiver when enabled.
// It returns nil without error when no spool directory is configured.
func OpenSpool(ctx context.Context, cfg config.DeadLetterConfig, logger *logging.Logger) (*deadletter.Spool, error) {
	if cfg.Dir == "" {
		return nil, nil
	}

	opts := deadletter.Options{
		MaxFileBytes: cfg.MaxFileBytes,
		Logger:       logger.Component("deadletter"),
	}
	if cfg.S3.Enabled {
		up, err := deadletter.NewS3Uploader(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("dead-letter archive: %w", err)
		}
		opts.Uploader = up
	}
	return deadletter.Open(cfg.Dir, opts)
}

// connectInflux opens the time-series mirror. A disabled mirror yields nil;
// an unreachable one is logged and skipped, since the mirror is auxiliary.
func connectInflux(ctx context.Context, cfg config.InfluxDBConfig, logger *logging.Logger) *influxdb.Client {
	client, err := influxdb.Connect(ctx, cfg)
	if err != nil {
		if !errors.Is(err, influxdb.ErrDisabled) {
			logger.Warn("influxdb mirror unavailable, continuing without it", "error", err)
		}
		return nil
	}
	client.SetOnError(func(err error) {
		logger.Warn("influxdb write failed", "error", err)
	})
	logger.Info("influxdb mirror connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return client
}
