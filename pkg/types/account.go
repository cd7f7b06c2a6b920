package types

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Window selects which span of usage the sensor aggregates.
type Window string

const (
	// WindowDay sums the trailing 24 hours.
	WindowDay Window = "day"
	// WindowMonth sums everything since the first of the current month.
	WindowMonth Window = "month"
)

// DisplayMode selects how the sensor renders its numeric state.
type DisplayMode string

const (
	// DisplayFixed always renders two decimal places ("69.40").
	DisplayFixed DisplayMode = "fixed"
	// DisplayNative renders the shortest representation and leaves
	// precision to the host ("69.4").
	DisplayNative DisplayMode = "native"
)

// AccountConfig is the configuration for a single SRP account. It is
// created once at setup and never modified afterwards.
type AccountConfig struct {
	AccountID string      `yaml:"id" json:"id"`
	Username  string      `yaml:"username" json:"username"`
	Password  string      `yaml:"password" json:"-"`
	Name      string      `yaml:"name" json:"name"`
	TimeOfUse bool        `yaml:"is_tou" json:"isTOU"`
	Window    Window      `yaml:"window,omitempty" json:"window,omitempty"`
	Display   DisplayMode `yaml:"display,omitempty" json:"display,omitempty"`
}

// Validate ensures the required fields are present and the optional ones
// hold known values. Missing optional values are filled with defaults.
func (c *AccountConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AccountID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	switch c.Window {
	case "":
		c.Window = WindowDay
	case WindowDay, WindowMonth:
	default:
		errs = append(errs, fmt.Errorf("unknown window: %s", c.Window))
	}
	switch c.Display {
	case "":
		c.Display = DisplayFixed
	case DisplayFixed, DisplayNative:
	default:
		errs = append(errs, fmt.Errorf("unknown display mode: %s", c.Display))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid account %q: %w", c.AccountID, errors.Join(errs...))
	}
	return nil
}

// LogValue keeps the password out of structured logs.
func (c AccountConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("accountID", c.AccountID),
		slog.String("name", c.Name),
		slog.Bool("isTOU", c.TimeOfUse),
		slog.String("window", string(c.Window)),
	)
}
