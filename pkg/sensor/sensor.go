package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/raterudder/srpenergy/pkg/coordinator"
	"github.com/raterudder/srpenergy/pkg/hass"
	"github.com/raterudder/srpenergy/pkg/log"
	"github.com/raterudder/srpenergy/pkg/metrics"
	"github.com/raterudder/srpenergy/pkg/types"
)

// Source is the coordinator a Sensor reads from.
type Source interface {
	Data() (float64, bool)
	LastUpdateSuccess() bool
	LastUpdate() time.Time
	AddListener(fn coordinator.Listener) func()
}

// FormatState renders a kWh value for the state store. It returns false when
// there is no value yet.
func FormatState(value float64, seeded bool, mode types.DisplayMode) (string, bool) {
	if !seeded {
		return "", false
	}
	switch mode {
	case types.DisplayNative:
		return strconv.FormatFloat(value, 'f', -1, 64), true
	default:
		return fmt.Sprintf("%.2f", value), true
	}
}

// Slug lowercases s and replaces every run of characters that are not
// letters or digits with a single underscore.
func Slug(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// Sensor presents the usage total of one account as an energy entity. It is
// push based: every coordinator refresh writes a new snapshot.
type Sensor struct {
	accountID  string
	entryName  string
	mode       types.DisplayMode
	source     Source
	attributes hass.Attributes

	// writeMu serializes writes with removal so nothing is written after
	// Detach removed the entity
	writeMu sync.Mutex

	mu     sync.Mutex
	ctx    context.Context
	writer hass.StateWriter
	remove func()
}

// New returns a Sensor for the account reading from source.
func New(cfg types.AccountConfig, source Source) *Sensor {
	name := cfg.Name
	if name == "" {
		name = types.DefaultName
	}
	s := &Sensor{
		accountID: cfg.AccountID,
		entryName: name,
		mode:      cfg.Display,
		source:    source,
	}
	s.attributes = hass.Attributes{
		Attribution:       types.Attribution,
		DeviceClass:       types.DeviceClassEnergy,
		StateClass:        types.StateClassTotalIncreasing,
		UnitOfMeasurement: types.UnitKilowattHour,
		FriendlyName:      s.Name(),
		Icon:              types.Icon,
	}
	return s
}

// Name is the display name of the entity.
func (s *Sensor) Name() string {
	return s.entryName + " " + types.SensorName
}

// UniqueID is stable across restarts for the same account.
func (s *Sensor) UniqueID() string {
	return s.accountID + "_" + types.SensorType
}

// EntityID is the host entity id derived from the display name.
func (s *Sensor) EntityID() string {
	return "sensor." + Slug(s.Name())
}

// State returns the formatted value, or false when no fetch has succeeded.
func (s *Sensor) State() (string, bool) {
	v, seeded := s.source.Data()
	return FormatState(v, seeded, s.mode)
}

// Available reports whether the last refresh succeeded.
func (s *Sensor) Available() bool {
	return s.source.LastUpdateSuccess()
}

// Attributes returns the static entity attributes.
func (s *Sensor) Attributes() hass.Attributes {
	return s.attributes
}

// Snapshot returns the current state of the entity.
func (s *Sensor) Snapshot() hass.State {
	st := hass.State{
		EntityID:    s.EntityID(),
		UniqueID:    s.UniqueID(),
		Available:   s.Available(),
		Attributes:  s.attributes,
		LastUpdated: s.source.LastUpdate(),
		Device: &hass.Device{
			Identifiers:  []string{s.accountID},
			Name:         s.entryName,
			Manufacturer: types.DefaultName,
		},
	}
	if v, ok := s.State(); ok {
		st.State = &v
	}
	return st
}

// Attach registers the sensor with w, writes its current snapshot and then
// writes again after every coordinator refresh.
func (s *Sensor) Attach(ctx context.Context, w hass.StateWriter) error {
	s.mu.Lock()
	if s.remove != nil {
		s.mu.Unlock()
		return fmt.Errorf("sensor %s is already attached", s.EntityID())
	}
	s.ctx = log.WithAttrs(ctx, slog.String("entityID", s.EntityID()))
	s.writer = w
	s.remove = s.source.AddListener(s.handleUpdate)
	s.mu.Unlock()

	return s.write()
}

// Detach stops writing updates and removes the entity from the store.
func (s *Sensor) Detach(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	remove, w := s.remove, s.writer
	s.remove, s.writer = nil, nil
	s.mu.Unlock()

	if remove == nil {
		return nil
	}
	remove()
	metrics.UsageKWh.DeleteLabelValues(s.EntityID())
	return w.RemoveState(ctx, s.Snapshot())
}

func (s *Sensor) handleUpdate() {
	if err := s.write(); err != nil {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to write sensor state", slog.Any("error", err))
		}
	}
}

func (s *Sensor) write() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	ctx, w := s.ctx, s.writer
	s.mu.Unlock()
	if w == nil {
		return nil
	}

	st := s.Snapshot()
	if v, seeded := s.source.Data(); seeded && st.Available {
		metrics.UsageKWh.WithLabelValues(st.EntityID).Set(v)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"writing sensor state",
		slog.Bool("available", st.Available),
		slog.Bool("hasValue", st.State != nil),
	)
	return w.WriteState(ctx, st)
}
