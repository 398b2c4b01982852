// Package hass republishes portal readings as Home Assistant sensor
// entities over MQTT discovery. All six sensors share one JSON state
// topic and one availability topic, so a failed refresh flips every
// entity to unavailable at once instead of leaving stale values.
package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/nimdanitro/meridian-scraper-go/pkg/meridian"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// DiscoveryPrefix is the Home Assistant MQTT discovery prefix,
	// normally "homeassistant".
	DiscoveryPrefix string
	// DeviceID names the device all six sensors hang off.
	DeviceID string
}

// publisher is the slice of mqtt.Client the Publisher needs; tests
// substitute a recording fake.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Publisher struct {
	client mqtt.Client
	pub    publisher
	log    *zap.Logger
	cfg    Config
}

// sensorMeta describes one discovered sensor entity.
type sensorMeta struct {
	Key         string
	Name        string
	Unit        string
	DeviceClass string
	Precision   int
}

var sensors = []sensorMeta{
	{Key: "current_rate", Name: "Current Rate", Unit: "$/kWh", DeviceClass: "monetary", Precision: 3},
	{Key: "next_rate", Name: "Next Rate", Unit: "$/kWh", DeviceClass: "monetary", Precision: 3},
	{Key: "solar_generation", Name: "Solar Generation", Unit: "kWh", DeviceClass: "energy", Precision: 2},
	{Key: "daily_consumption", Name: "Daily Consumption", Unit: "kWh", DeviceClass: "energy", Precision: 2},
	{Key: "daily_feed_in", Name: "Daily Feed-in", Unit: "kWh", DeviceClass: "energy", Precision: 2},
	{Key: "average_daily_use", Name: "Average Daily Use", Unit: "kWh", DeviceClass: "energy", Precision: 2},
}

// discoveryConfig is the retained per-sensor config payload Home
// Assistant consumes to create the entity.
type discoveryConfig struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	StateTopic        string `json:"state_topic"`
	AvailabilityTopic string `json:"availability_topic"`
	ValueTemplate     string `json:"value_template"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	DisplayPrecision  int    `json:"suggested_display_precision,omitempty"`
	Device            struct {
		Identifiers  []string `json:"identifiers"`
		Name         string   `json:"name"`
		Manufacturer string   `json:"manufacturer,omitempty"`
		Model        string   `json:"model,omitempty"`
	} `json:"device"`
}

// statePayload mirrors meridian.Reading onto the state topic.
type statePayload struct {
	CurrentRate      float64 `json:"current_rate"`
	NextRate         float64 `json:"next_rate"`
	SolarGeneration  float64 `json:"solar_generation"`
	DailyConsumption float64 `json:"daily_consumption"`
	DailyFeedIn      float64 `json:"daily_feed_in"`
	AverageDailyUse  float64 `json:"average_daily_use"`
	FetchedAt        string  `json:"fetched_at"`
}

func NewPublisher(cfg Config, log *zap.Logger) *Publisher {
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "meridian_solar"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "meridian-scraper"
	}

	p := &Publisher{log: log, cfg: cfg}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// Broker marks the sensors unavailable if the scraper dies.
	opts.SetWill(p.availabilityTopic(), payloadOffline, 1, true)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info("mqtt connected", zap.String("broker", cfg.BrokerURL))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})

	p.client = mqtt.NewClient(opts)
	p.pub = p.client
	return p
}

// Connect blocks until the broker accepts the connection or the
// context is cancelled.
func (p *Publisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			p.client.Disconnect(0)
			return ctx.Err()
		default:
		}
	}
}

func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Disconnect(250)
	}
}

func (p *Publisher) stateTopic() string {
	return fmt.Sprintf("%s/sensor/%s/state", p.cfg.DiscoveryPrefix, p.cfg.DeviceID)
}

func (p *Publisher) availabilityTopic() string {
	return fmt.Sprintf("%s/sensor/%s/availability", p.cfg.DiscoveryPrefix, p.cfg.DeviceID)
}

func (p *Publisher) configTopic(key string) string {
	return fmt.Sprintf("%s/sensor/%s_%s/config", p.cfg.DiscoveryPrefix, p.cfg.DeviceID, key)
}

// PublishDiscovery announces all six sensors. Config messages are
// retained so entities survive a Home Assistant restart.
func (p *Publisher) PublishDiscovery() error {
	for _, s := range sensors {
		cfg := discoveryConfig{
			Name:              s.Name,
			UniqueID:          fmt.Sprintf("%s_%s", p.cfg.DeviceID, s.Key),
			StateTopic:        p.stateTopic(),
			AvailabilityTopic: p.availabilityTopic(),
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", s.Key),
			UnitOfMeasurement: s.Unit,
			DeviceClass:       s.DeviceClass,
			StateClass:        "measurement",
			DisplayPrecision:  s.Precision,
		}
		cfg.Device.Identifiers = []string{p.cfg.DeviceID}
		cfg.Device.Name = "Meridian Solar"
		cfg.Device.Manufacturer = "Meridian Energy"
		cfg.Device.Model = "Solar Plan"

		payload, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshaling discovery config for %s: %w", s.Key, err)
		}
		if err := p.publish(p.configTopic(s.Key), true, payload); err != nil {
			return err
		}
	}
	p.log.Info("published discovery configs", zap.Int("sensors", len(sensors)))
	return nil
}

// PublishReading pushes a refreshed state and flips availability to
// online.
func (p *Publisher) PublishReading(r *meridian.Reading) error {
	state := statePayload{
		CurrentRate:      r.CurrentRate,
		NextRate:         r.NextRate,
		SolarGeneration:  r.SolarGeneration,
		DailyConsumption: r.DailyConsumption,
		DailyFeedIn:      r.DailyFeedIn,
		AverageDailyUse:  r.AverageDailyUse,
		FetchedAt:        r.FetchedAt.Format(time.RFC3339),
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := p.publish(p.stateTopic(), false, payload); err != nil {
		return err
	}
	return p.SetAvailable(true)
}

// SetAvailable publishes the retained availability flag. Publishing
// offline makes every sensor entity unavailable rather than stale.
func (p *Publisher) SetAvailable(online bool) error {
	payload := payloadOffline
	if online {
		payload = payloadOnline
	}
	return p.publish(p.availabilityTopic(), true, []byte(payload))
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	token := p.pub.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
