// Package integration wires configured SRP accounts into running entries.
// Each entry owns an API client, a polling coordinator and the sensor that
// presents its usage.
package integration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/srpenergy/pkg/coordinator"
	"github.com/raterudder/srpenergy/pkg/energy"
	"github.com/raterudder/srpenergy/pkg/hass"
	"github.com/raterudder/srpenergy/pkg/log"
	"github.com/raterudder/srpenergy/pkg/sensor"
	"github.com/raterudder/srpenergy/pkg/srp"
	"github.com/raterudder/srpenergy/pkg/types"
)

var ErrEntryNotFound = errors.New("entry not found")

// requestRefreshCooldown matches how often on demand refreshes may hit the
// API once data is fresh.
const requestRefreshCooldown = 10 * time.Second

// AccountClient is the API client used by an entry.
type AccountClient interface {
	Validator
	energy.UsageClient
}

// ClientFunc creates the client for an account.
type ClientFunc func(cfg types.AccountConfig) AccountClient

// ProviderClients returns a ClientFunc backed by p.
func ProviderClients(p *srp.Provider) ClientFunc {
	return func(cfg types.AccountConfig) AccountClient {
		return p.Client(cfg)
	}
}

// EntryState is the lifecycle state of an entry.
type EntryState string

const (
	EntryNotLoaded EntryState = "not_loaded"
	EntryLoaded    EntryState = "loaded"
)

// Entry is the runtime context of one configured account.
type Entry struct {
	id     string
	config types.AccountConfig

	client      AccountClient
	aggregator  *energy.Aggregator
	coordinator *coordinator.Coordinator[float64]
	sensor      *sensor.Sensor

	mu     sync.Mutex
	state  EntryState
	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the generated entry id.
func (e *Entry) ID() string { return e.id }

// Title returns the display name of the entry.
func (e *Entry) Title() string { return e.config.Name }

// AccountID returns the SRP bill account id.
func (e *Entry) AccountID() string { return e.config.AccountID }

// Config returns the account configuration.
func (e *Entry) Config() types.AccountConfig { return e.config }

// Coordinator returns the usage coordinator of the entry.
func (e *Entry) Coordinator() *coordinator.Coordinator[float64] { return e.coordinator }

// Sensor returns the usage sensor of the entry.
func (e *Entry) Sensor() *sensor.Sensor { return e.sensor }

// State returns the lifecycle state.
func (e *Entry) State() EntryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Manager owns every configured entry. It replaces a process wide registry;
// callers hold the Manager and look entries up by id.
type Manager struct {
	newClient      ClientFunc
	store          hass.StateWriter
	updateInterval time.Duration
	fetchTimeout   time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewManager returns a Manager. Zero durations use the defaults.
func NewManager(newClient ClientFunc, store hass.StateWriter, updateInterval, fetchTimeout time.Duration) *Manager {
	if updateInterval <= 0 {
		updateInterval = types.DefaultUpdateInterval
	}
	if fetchTimeout <= 0 {
		fetchTimeout = types.DefaultFetchTimeout
	}
	return &Manager{
		newClient:      newClient,
		store:          store,
		updateInterval: updateInterval,
		fetchTimeout:   fetchTimeout,
		entries:        make(map[string]*Entry),
	}
}

// Configured registers the polling flags and returns a Manager creating
// clients from p and writing states to store.
func Configured(p *srp.Provider, store hass.StateWriter) *Manager {
	updateInterval := lflag.Duration("update-interval", types.DefaultUpdateInterval, "How often to poll the SRP API for usage")
	fetchTimeout := lflag.Duration("fetch-timeout", types.DefaultFetchTimeout, "Maximum time a single usage fetch may take")

	m := NewManager(ProviderClients(p), store, 0, 0)

	lflag.Do(func() {
		if *updateInterval <= 0 {
			panic(fmt.Sprintf("update-interval must be positive: %s", *updateInterval))
		}
		if *fetchTimeout <= 0 {
			panic(fmt.Sprintf("fetch-timeout must be positive: %s", *fetchTimeout))
		}
		m.updateInterval = *updateInterval
		m.fetchTimeout = *fetchTimeout
	})

	return m
}

func newEntryID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate entry id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (m *Manager) configured(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.config.AccountID == accountID {
			return true
		}
	}
	return false
}

// ConfigureAccount validates cfg against the API and sets up an entry for it.
// A *FlowError is returned when the account is already configured or its
// credentials are not accepted.
func (m *Manager) ConfigureAccount(ctx context.Context, cfg types.AccountConfig) (*Entry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &FlowError{Code: CodeInvalidAccount, Err: err}
	}
	if m.configured(cfg.AccountID) {
		return nil, &FlowError{Code: CodeAlreadyConfigured, Abort: true}
	}
	if err := ValidateInput(ctx, m.newClient(cfg)); err != nil {
		return nil, err
	}
	return m.SetupEntry(ctx, cfg)
}

// SetupEntry creates an entry for cfg, performs the first refresh, registers
// the sensor with the state store and starts polling. A failed first refresh
// does not fail setup; the sensor starts out unavailable instead.
func (m *Manager) SetupEntry(ctx context.Context, cfg types.AccountConfig) (*Entry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id, err := newEntryID()
	if err != nil {
		return nil, err
	}

	ctx = log.WithAttrs(ctx, slog.String("entryID", id), slog.String("accountID", cfg.AccountID))
	log.Ctx(ctx).DebugContext(ctx, "setting up entry", slog.String("name", cfg.Name))

	client := m.newClient(cfg)
	agg := energy.NewAggregator(client, cfg, m.fetchTimeout)
	coord := coordinator.New(coordinator.Config[float64]{
		Name:     id,
		Interval: m.updateInterval,
		Cooldown: requestRefreshCooldown,
		Fetch:    agg.Fetch,
	})
	e := &Entry{
		id:          id,
		config:      cfg,
		client:      client,
		aggregator:  agg,
		coordinator: coord,
		sensor:      sensor.New(cfg, coord),
		state:       EntryNotLoaded,
	}

	// fetch before the sensor is attached so it starts with data; failures
	// are recorded and logged by the coordinator
	_ = coord.Refresh(ctx)

	// the sensor and the polling loop outlive the setup call so they are
	// detached from the caller's cancellation but keep its logger
	bgCtx := context.WithoutCancel(ctx)
	if err := e.sensor.Attach(bgCtx, m.store); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to write initial sensor state", slog.Any("error", err))
	}

	runCtx, cancel := context.WithCancel(bgCtx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		coord.Run(runCtx)
	}()
	e.state = EntryLoaded

	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "entry loaded", slog.String("entityID", e.sensor.EntityID()))
	return e, nil
}

// UnloadEntry stops polling for the entry, removes its sensor from the state
// store and forgets it.
func (m *Manager) UnloadEntry(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	e.mu.Lock()
	e.cancel()
	done := e.done
	e.state = EntryNotLoaded
	e.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.sensor.Detach(ctx); err != nil {
		return fmt.Errorf("failed to remove sensor state: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "entry unloaded", slog.String("entryID", id))
	return nil
}

// UnloadAll unloads every entry, returning the joined errors.
func (m *Manager) UnloadAll(ctx context.Context) error {
	var errs []error
	for _, e := range m.Entries() {
		if err := m.UnloadEntry(ctx, e.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Entry returns the entry with id.
func (m *Manager) Entry(id string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

// Entries returns every entry sorted by title then id.
func (m *Manager) Entries() []*Entry {
	m.mu.Lock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title() != out[j].Title() {
			return out[i].Title() < out[j].Title()
		}
		return out[i].id < out[j].id
	})
	return out
}

// RefreshEntry requests a refresh of the entry's coordinator.
func (m *Manager) RefreshEntry(ctx context.Context, id string) error {
	e, ok := m.Entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return e.coordinator.RequestRefresh(ctx)
}
