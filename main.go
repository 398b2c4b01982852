package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nimdanitro/meridian-scraper-go/pkg/hass"
	"github.com/nimdanitro/meridian-scraper-go/pkg/meridian"
)

const instrumentationName = "github.com/nimdanitro/meridian-scraper-go"

// Each refresh cycle gets up to maxAttempts tries before the sensors
// are flipped to unavailable.
const maxAttempts = 3

var (
	username        string
	password        string
	portalURL       string
	scanInterval    int
	historyDays     int
	mqttBroker      string
	mqttUsername    string
	mqttPassword    string
	mqttClientID    string
	discoveryPrefix string
	deviceID        string
	metricsAddr     string
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Parse command line flags
	pflag.StringVarP(&username, "username", "u", "", "Portal account email address")
	pflag.StringVarP(&password, "password", "p", "", "Portal account password")
	pflag.StringVar(&portalURL, "portal-url", meridian.DefaultBaseURL, "Customer portal base URL")
	pflag.IntVar(&scanInterval, "scan-interval", 30, "Minutes between refresh cycles (1-180)")
	pflag.IntVar(&historyDays, "history-days", 7, "Days of usage history to average over (1-30)")
	pflag.StringVar(&mqttBroker, "mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
	pflag.StringVar(&mqttUsername, "mqtt-username", "", "MQTT username")
	pflag.StringVar(&mqttPassword, "mqtt-password", "", "MQTT password")
	pflag.StringVar(&mqttClientID, "mqtt-client-id", "meridian-scraper", "MQTT client ID")
	pflag.StringVar(&discoveryPrefix, "discovery-prefix", "homeassistant", "Home Assistant MQTT discovery prefix")
	pflag.StringVar(&deviceID, "device-id", "meridian_solar", "Device ID the sensors hang off")
	pflag.StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	envOverride("username", "MERIDIAN_USERNAME")
	envOverride("password", "MERIDIAN_PASSWORD")
	envOverride("portal-url", "PORTAL_URL")
	envOverride("scan-interval", "SCAN_INTERVAL")
	envOverride("history-days", "HISTORY_DAYS")
	envOverride("mqtt-broker", "MQTT_BROKER")
	envOverride("mqtt-username", "MQTT_USERNAME")
	envOverride("mqtt-password", "MQTT_PASSWORD")
	envOverride("mqtt-client-id", "MQTT_CLIENT_ID")
	envOverride("discovery-prefix", "DISCOVERY_PREFIX")
	envOverride("device-id", "DEVICE_ID")
	envOverride("metrics-addr", "METRICS_ADDR")
	pflag.Parse()

	// Setup Otel
	shutdown, err := setupOTelSDK(ctx)
	defer shutdown(ctx)
	if err != nil {
		panic(err)
	}

	// Initialize logger
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(os.Stdout), zapcore.DebugLevel),
		otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(global.GetLoggerProvider())),
	)
	logger := zap.New(core)
	defer logger.Sync()
	logger.Info("starting up", zap.String("version", version), zap.String("commit", commit), zap.String("buildDate", date))

	if username == "" || password == "" {
		logger.Fatal("portal credentials are required, set --username/--password or MERIDIAN_USERNAME/MERIDIAN_PASSWORD")
	}
	scanInterval = clamp(scanInterval, 1, 180, "scan-interval", logger)
	historyDays = clamp(historyDays, 1, 30, "history-days", logger)

	// Initialize metrics
	meter := otel.Meter(
		instrumentationName,
		metric.WithInstrumentationAttributes(semconv.OTelScopeName(instrumentationName)),
	)
	currentRate, _ := meter.Float64Gauge("meridian.rate.current",
		metric.WithUnit("$/kWh"),
		metric.WithDescription("Current electricity rate"),
	)
	nextRate, _ := meter.Float64Gauge("meridian.rate.next",
		metric.WithUnit("$/kWh"),
		metric.WithDescription("Next electricity rate"),
	)
	solarGeneration, _ := meter.Float64Gauge("meridian.solar.generation",
		metric.WithUnit("kWh"),
		metric.WithDescription("Most recent half-hour solar feed-in figure"),
	)
	dailyConsumption, _ := meter.Float64Gauge("meridian.consumption.daily",
		metric.WithUnit("kWh"),
		metric.WithDescription("Today's electricity consumption"),
	)
	dailyFeedIn, _ := meter.Float64Gauge("meridian.feedin.daily",
		metric.WithUnit("kWh"),
		metric.WithDescription("Today's solar feed-in total"),
	)
	averageDailyUse, _ := meter.Float64Gauge("meridian.consumption.average",
		metric.WithUnit("kWh"),
		metric.WithDescription("Average daily consumption over the history window"),
	)
	refreshDuration, _ := meter.Float64Histogram("meridian.refresh.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of a full refresh cycle including retries"),
	)

	// Serve the Prometheus reader alongside the OTLP pipeline.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("serving metrics", zap.String("addr", metricsAddr))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// create the portal client
	client, err := meridian.NewClient(
		meridian.WithLogger(logger),
		meridian.WithCredentials(username, password),
		meridian.WithBaseURL(portalURL),
		meridian.WithHistoryDays(historyDays),
	)
	if err != nil {
		logger.Fatal("cannot create portal client", zap.Error(err))
	}

	publisher := hass.NewPublisher(hass.Config{
		BrokerURL:       mqttBroker,
		ClientID:        mqttClientID,
		Username:        mqttUsername,
		Password:        mqttPassword,
		DiscoveryPrefix: discoveryPrefix,
		DeviceID:        deviceID,
	}, logger)
	if err := publisher.Connect(ctx); err != nil {
		logger.Fatal("cannot connect to MQTT broker", zap.Error(err))
	}
	defer publisher.Close()

	if err := publisher.PublishDiscovery(); err != nil {
		logger.Fatal("cannot publish discovery configs", zap.Error(err))
	}

	refresh := func() {
		start := time.Now()
		logger.Info("fetching data from portal")

		var reading *meridian.Reading
		op := func() error {
			r, err := client.Fetch(ctx)
			if err != nil {
				logger.Warn("refresh attempt failed", zap.Error(err))
				return err
			}
			reading = r
			return nil
		}
		err := backoff.Retry(op, backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx))

		refreshDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.Bool("success", err == nil),
		))

		if err != nil {
			logger.Error("refresh failed, marking sensors unavailable", zap.Error(err))
			if err := publisher.SetAvailable(false); err != nil {
				logger.Error("cannot publish availability", zap.Error(err))
			}
			return
		}

		logger.Info("fetched readings",
			zap.Float64("currentRate", reading.CurrentRate),
			zap.Float64("nextRate", reading.NextRate),
			zap.Float64("solarGeneration", reading.SolarGeneration),
			zap.Float64("dailyConsumption", reading.DailyConsumption),
			zap.Float64("dailyFeedIn", reading.DailyFeedIn),
			zap.Float64("averageDailyUse", reading.AverageDailyUse),
			zap.Time("fetchedAt", reading.FetchedAt),
		)
		currentRate.Record(ctx, reading.CurrentRate)
		nextRate.Record(ctx, reading.NextRate)
		solarGeneration.Record(ctx, reading.SolarGeneration)
		dailyConsumption.Record(ctx, reading.DailyConsumption)
		dailyFeedIn.Record(ctx, reading.DailyFeedIn)
		averageDailyUse.Record(ctx, reading.AverageDailyUse)

		if err := publisher.PublishReading(reading); err != nil {
			logger.Error("cannot publish reading", zap.Error(err))
		}
	}

	refresh()

	ticker := time.NewTicker(time.Duration(scanInterval) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			refresh()
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		}
	}
}

// envOverride lets an environment variable take precedence over the
// flag default, keeping the flag itself authoritative when passed.
func envOverride(flagName, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		pflag.Lookup(flagName).Value.Set(v)
	}
}

func clamp(v, lo, hi int, name string, logger *zap.Logger) int {
	switch {
	case v < lo:
		logger.Warn("flag below allowed range, clamping", zap.String("flag", name), zap.Int("value", v), zap.Int("min", lo))
		return lo
	case v > hi:
		logger.Warn("flag above allowed range, clamping", zap.String("flag", name), zap.Int("value", v), zap.Int("max", hi))
		return hi
	default:
		return v
	}
}
