package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/raterudder/srpenergy/pkg/log"
	"github.com/raterudder/srpenergy/pkg/metrics"
	"github.com/raterudder/srpenergy/pkg/types"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	defaultTopicPrefix     = types.Domain
	defaultDiscoveryPrefix = "homeassistant"

	connectTimeout = 10 * time.Second
)

// MQTTClient is the part of mqtt.Client used by MQTTPublisher.
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// ConnectMQTT connects to the broker in cfg. The first connection attempt
// must succeed within connectTimeout; later drops are reconnected
// automatically.
func ConnectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	return connectMQTT(cfg, connectTimeout)
}

func connectMQTT(cfg MQTTConfig, timeout time.Duration) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "srpenergy"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(timeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to MQTT broker: timed out after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", err)
	}
	return client, nil
}

// MQTTPublisher mirrors entity states to Home Assistant using MQTT discovery.
// The discovery config is published once per entity, state and availability
// on every write.
type MQTTPublisher struct {
	client          MQTTClient
	topicPrefix     string
	discoveryPrefix string

	mu         sync.Mutex
	discovered map[string]bool
}

// NewMQTTPublisher returns a publisher using client. Empty prefixes use the
// defaults.
func NewMQTTPublisher(client MQTTClient, topicPrefix, discoveryPrefix string) *MQTTPublisher {
	if topicPrefix == "" {
		topicPrefix = defaultTopicPrefix
	}
	if discoveryPrefix == "" {
		discoveryPrefix = defaultDiscoveryPrefix
	}
	return &MQTTPublisher{
		client:          client,
		topicPrefix:     strings.TrimSuffix(topicPrefix, "/"),
		discoveryPrefix: strings.TrimSuffix(discoveryPrefix, "/"),
		discovered:      make(map[string]bool),
	}
}

func (p *MQTTPublisher) configTopic(uniqueID string) string {
	return fmt.Sprintf("%s/sensor/%s/config", p.discoveryPrefix, uniqueID)
}

func (p *MQTTPublisher) stateTopic(uniqueID string) string {
	return fmt.Sprintf("%s/%s/state", p.topicPrefix, uniqueID)
}

func (p *MQTTPublisher) availabilityTopic(uniqueID string) string {
	return fmt.Sprintf("%s/%s/availability", p.topicPrefix, uniqueID)
}

type discoveryConfig struct {
	Name                string  `json:"name"`
	UniqueID            string  `json:"unique_id"`
	ObjectID            string  `json:"object_id"`
	StateTopic          string  `json:"state_topic"`
	AvailabilityTopic   string  `json:"availability_topic"`
	PayloadAvailable    string  `json:"payload_available"`
	PayloadNotAvailable string  `json:"payload_not_available"`
	DeviceClass         string  `json:"device_class,omitempty"`
	StateClass          string  `json:"state_class,omitempty"`
	UnitOfMeasurement   string  `json:"unit_of_measurement,omitempty"`
	Icon                string  `json:"icon,omitempty"`
	Device              *Device `json:"device,omitempty"`
}

func (p *MQTTPublisher) discovery(s State) discoveryConfig {
	return discoveryConfig{
		Name:                s.Attributes.FriendlyName,
		UniqueID:            s.UniqueID,
		ObjectID:            strings.TrimPrefix(s.EntityID, "sensor."),
		StateTopic:          p.stateTopic(s.UniqueID),
		AvailabilityTopic:   p.availabilityTopic(s.UniqueID),
		PayloadAvailable:    payloadOnline,
		PayloadNotAvailable: payloadOffline,
		DeviceClass:         s.Attributes.DeviceClass,
		StateClass:          s.Attributes.StateClass,
		UnitOfMeasurement:   s.Attributes.UnitOfMeasurement,
		Icon:                s.Attributes.Icon,
		Device:              s.Device,
	}
}

func (p *MQTTPublisher) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 1, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publishing to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// WriteState implements StateWriter.
func (p *MQTTPublisher) WriteState(ctx context.Context, s State) (err error) {
	defer func() {
		metrics.StateWritesTotal.WithLabelValues("mqtt", metrics.Result(err)).Inc()
	}()

	p.mu.Lock()
	discovered := p.discovered[s.UniqueID]
	p.mu.Unlock()

	if !discovered {
		b, err := json.Marshal(p.discovery(s))
		if err != nil {
			return fmt.Errorf("encoding discovery config: %w", err)
		}
		if err := p.publish(ctx, p.configTopic(s.UniqueID), true, b); err != nil {
			return err
		}
		p.mu.Lock()
		p.discovered[s.UniqueID] = true
		p.mu.Unlock()
		log.Ctx(ctx).DebugContext(ctx, "published mqtt discovery config", slog.String("entityID", s.EntityID))
	}

	availability := payloadOffline
	if s.Available {
		availability = payloadOnline
	}
	if s.State != nil {
		if err := p.publish(ctx, p.stateTopic(s.UniqueID), true, []byte(*s.State)); err != nil {
			return err
		}
	}
	return p.publish(ctx, p.availabilityTopic(s.UniqueID), true, []byte(availability))
}

// RemoveState marks the entity offline and clears its retained discovery
// config so Home Assistant drops it.
func (p *MQTTPublisher) RemoveState(ctx context.Context, s State) error {
	if err := p.publish(ctx, p.availabilityTopic(s.UniqueID), true, []byte(payloadOffline)); err != nil {
		return err
	}
	if err := p.publish(ctx, p.configTopic(s.UniqueID), true, []byte{}); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.discovered, s.UniqueID)
	p.mu.Unlock()
	return nil
}
