package types

import (
	"fmt"
	"time"
	// embedded so the phoenix location loads on hosts without zoneinfo
	_ "time/tzdata"
)

const (
	Domain      = "srp_energy"
	DefaultName = "SRP Energy"
	SensorName  = "Energy Usage"
	SensorType  = "energy_usage"
	Attribution = "Powered by SRP Energy"
	Icon        = "mdi:flash"

	DeviceClassEnergy         = "energy"
	StateClassTotalIncreasing = "total_increasing"
	UnitKilowattHour          = "kWh"

	PhoenixTimeZone = "America/Phoenix"

	// DefaultUpdateInterval is how often the coordinator polls the API.
	DefaultUpdateInterval = 30 * time.Minute
	// DefaultFetchTimeout bounds a single usage fetch.
	DefaultFetchTimeout = 10 * time.Second
)

// PhoenixLocation is the time zone SRP reports usage in.
var PhoenixLocation = func() *time.Location {
	loc, err := time.LoadLocation(PhoenixTimeZone)
	if err != nil {
		panic(fmt.Errorf("failed to load phoenix time location: %w", err))
	}
	return loc
}()

// UsageRecord is a single hourly usage reading returned by the SRP API.
type UsageRecord struct {
	// Date is the day of the reading formatted as YYYY-MM-DD.
	Date string `json:"date"`
	// Hour is the hour of the reading formatted as HH:MM.
	Hour string `json:"hour"`
	// ISODate is the full timestamp of the start of the hour.
	ISODate string  `json:"isoDate"`
	KWh     float64 `json:"kwh"`
	// Cost is nil when the API did not report a cost for the hour.
	Cost *float64 `json:"cost,omitempty"`
}
