// Package hass holds the entity state store that sensors write to. States are
// kept in memory for the HTTP API and optionally mirrored to Home Assistant
// over MQTT.
package hass

import (
	"context"
	"errors"
	"time"
)

// Attributes are the static and presentation attributes of an entity.
type Attributes struct {
	Attribution       string `json:"attribution,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	FriendlyName      string `json:"friendly_name,omitempty"`
	Icon              string `json:"icon,omitempty"`
}

// Device groups entities that belong to the same account.
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
}

// State is a snapshot of an entity. A nil State means the entity has never
// had a value.
type State struct {
	EntityID    string     `json:"entity_id"`
	UniqueID    string     `json:"unique_id"`
	State       *string    `json:"state"`
	Available   bool       `json:"available"`
	Attributes  Attributes `json:"attributes"`
	Device      *Device    `json:"device,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
}

// StateWriter accepts entity state snapshots.
type StateWriter interface {
	WriteState(ctx context.Context, s State) error
	RemoveState(ctx context.Context, s State) error
}

// Multi writes to every writer and joins their errors. A failing writer does
// not stop the others.
type Multi []StateWriter

// WriteState implements StateWriter.
func (m Multi) WriteState(ctx context.Context, s State) error {
	var errs []error
	for _, w := range m {
		if err := w.WriteState(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveState implements StateWriter.
func (m Multi) RemoveState(ctx context.Context, s State) error {
	var errs []error
	for _, w := range m {
		if err := w.RemoveState(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
