package hass

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
)

// Store is the state store used by the service. States are always kept in
// memory and are also published over MQTT when a broker is configured.
type Store struct {
	*MemoryStore

	writer     Multi
	mqttClient mqtt.Client
}

// NewStore returns a Store that writes to memory and to every extra writer.
func NewStore(extra ...StateWriter) *Store {
	mem := NewMemoryStore()
	return &Store{
		MemoryStore: mem,
		writer:      append(Multi{mem}, extra...),
	}
}

// Configured sets up the Store based on flags.
func Configured() *Store {
	broker := lflag.String("mqtt-broker", "", "MQTT broker address (host:port); publishing is disabled when empty")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	topicPrefix := lflag.String("mqtt-topic-prefix", defaultTopicPrefix, "Prefix for MQTT state topics")
	discoveryPrefix := lflag.String("mqtt-discovery-prefix", defaultDiscoveryPrefix, "Home Assistant MQTT discovery prefix")

	s := NewStore()

	lflag.Do(func() {
		if *broker == "" {
			return
		}
		client, err := ConnectMQTT(MQTTConfig{
			Broker:          *broker,
			Username:        *username,
			Password:        *password,
			TopicPrefix:     *topicPrefix,
			DiscoveryPrefix: *discoveryPrefix,
		})
		if err != nil {
			panic(fmt.Sprintf("mqtt init failed: %v", err))
		}
		s.mqttClient = client
		s.writer = append(s.writer, NewMQTTPublisher(client, *topicPrefix, *discoveryPrefix))
	})

	return s
}

// WriteState implements StateWriter.
func (s *Store) WriteState(ctx context.Context, st State) error {
	return s.writer.WriteState(ctx, st)
}

// RemoveState implements StateWriter.
func (s *Store) RemoveState(ctx context.Context, st State) error {
	return s.writer.RemoveState(ctx, st)
}

// Close disconnects from the MQTT broker, if connected.
func (s *Store) Close() error {
	if s.mqttClient != nil && s.mqttClient.IsConnected() {
		s.mqttClient.Disconnect(250)
	}
	return nil
}
