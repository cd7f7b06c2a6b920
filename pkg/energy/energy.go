package energy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/raterudder/srpenergy/pkg/log"
	"github.com/raterudder/srpenergy/pkg/types"
)

// UsageClient fetches hourly usage records. It is implemented by srp.Client.
type UsageClient interface {
	Usage(ctx context.Context, start, end time.Time, isTOU bool) ([]types.UsageRecord, error)
}

// UpdateFailedError is the single failure signal returned by Fetch. The
// underlying cause is kept for diagnostics.
type UpdateFailedError struct {
	Message string
	Err     error
}

func (e *UpdateFailedError) Error() string {
	return e.Message
}

func (e *UpdateFailedError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the update failed because the fetch took too long.
func (e *UpdateFailedError) Timeout() bool {
	return isTimeout(e.Err)
}

type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}

func updateFailed(err error) *UpdateFailedError {
	if isTimeout(err) {
		return &UpdateFailedError{Message: "Timeout communicating with API", Err: err}
	}
	return &UpdateFailedError{Message: fmt.Sprintf("Error communicating with API: %v", err), Err: err}
}

// Sum returns the total kWh across records. An empty slice sums to 0.
func Sum(records []types.UsageRecord) float64 {
	var total float64
	for _, r := range records {
		total += r.KWh
	}
	return total
}

// Aggregator sums usage for one account over its configured window.
type Aggregator struct {
	client  UsageClient
	isTOU   bool
	window  types.Window
	timeout time.Duration
	now     func() time.Time
}

// NewAggregator returns an Aggregator for the account. A zero timeout uses
// types.DefaultFetchTimeout.
func NewAggregator(client UsageClient, cfg types.AccountConfig, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = types.DefaultFetchTimeout
	}
	window := cfg.Window
	if window == "" {
		window = types.WindowDay
	}
	return &Aggregator{
		client:  client,
		isTOU:   cfg.TimeOfUse,
		window:  window,
		timeout: timeout,
		now:     time.Now,
	}
}

// SetClock overrides the clock used to compute the window. This is primarily
// used for testing.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Range returns the [start, end) span to fetch for the given time.
func (a *Aggregator) Range(now time.Time) (time.Time, time.Time) {
	switch a.window {
	case types.WindowMonth:
		local := now.In(types.PhoenixLocation)
		start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, types.PhoenixLocation)
		return start, now
	default:
		return now.Add(-24 * time.Hour), now
	}
}

type fetchResult struct {
	records []types.UsageRecord
	err     error
}

// Fetch retrieves usage for the current window and returns its sum. Every
// failure, including a timeout, is returned as an *UpdateFailedError. Fetch
// never retries.
func (a *Aggregator) Fetch(ctx context.Context) (float64, error) {
	start, end := a.Range(a.now())
	if !start.Before(end) {
		// first instant of a new month has nothing to sum yet
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	log.Ctx(ctx).DebugContext(ctx, "fetching usage", slog.Time("start", start), slog.Time("end", end))

	// the client call blocks so it runs on its own goroutine and we wait for
	// either the result or the deadline
	ch := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- fetchResult{err: fmt.Errorf("usage client panicked: %v", r)}
			}
		}()
		records, err := a.client.Usage(ctx, start, end, a.isTOU)
		ch <- fetchResult{records: records, err: err}
	}()

	var res fetchResult
	select {
	case <-ctx.Done():
		return 0, updateFailed(ctx.Err())
	case res = <-ch:
	}
	if res.err != nil {
		return 0, updateFailed(res.err)
	}

	total := Sum(res.records)
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, updateFailed(fmt.Errorf("invalid usage total: %v", total))
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched usage",
		slog.Int("count", len(res.records)),
		slog.Float64("kwh", total),
	)
	return total, nil
}
