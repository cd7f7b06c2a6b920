package srp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/srpenergy/pkg/common"
	"github.com/raterudder/srpenergy/pkg/log"
	"github.com/raterudder/srpenergy/pkg/types"
)

const (
	defaultAPIURL = "https://myaccount.srpnet.com/myaccountapi/api"

	loginSuccessMessage = "Log in successful."
)

var (
	// ErrInvalidAccount is returned when the bill account id is malformed.
	ErrInvalidAccount = errors.New("invalid srp account id")

	// ErrInvalidDates is returned when the requested usage range is not valid.
	ErrInvalidDates = errors.New("invalid usage date range")
)

// StatusError is returned when the API responds with an unexpected status.
type StatusError struct {
	StatusCode int
	Endpoint   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("srp api returned status %d for %s", e.StatusCode, e.Endpoint)
}

// TransportError is returned when a request could not be completed. Its
// message omits the underlying error text since that names the API host; the
// cause is still available through errors.Is and errors.As.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Timeout() {
		return fmt.Sprintf("request to %s timed out", e.Endpoint)
	}
	return fmt.Sprintf("request to %s failed", e.Endpoint)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request failed because a deadline passed.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Provider creates clients that share the configured API location.
type Provider struct {
	apiURL  string
	timeout time.Duration
}

// Configured registers the srp flags and returns the Provider.
func Configured() *Provider {
	p := &Provider{
		timeout: types.DefaultFetchTimeout,
	}
	apiURL := lflag.String("srp-api-url", defaultAPIURL, "URL for the SRP account API")
	timeout := lflag.Duration("srp-http-timeout", types.DefaultFetchTimeout, "HTTP timeout for SRP API requests")

	lflag.Do(func() {
		p.apiURL = *apiURL
		p.timeout = *timeout
		if err := p.Validate(); err != nil {
			panic(fmt.Sprintf("srp validation failed: %v", err))
		}
	})

	return p
}

// NewProvider returns a Provider for the given API URL.
func NewProvider(apiURL string, timeout time.Duration) *Provider {
	return &Provider{apiURL: apiURL, timeout: timeout}
}

// Validate ensures the configuration is valid.
func (p *Provider) Validate() error {
	if p.apiURL == "" {
		return fmt.Errorf("srp-api-url is required")
	}
	if _, err := url.Parse(p.apiURL); err != nil {
		return fmt.Errorf("failed to parse srp url: %w", err)
	}
	return nil
}

// Client returns a new Client for the given account. Each client keeps its
// own session.
func (p *Provider) Client(cfg types.AccountConfig) *Client {
	return &Client{
		apiURL:    strings.TrimSuffix(p.apiURL, "/"),
		accountID: cfg.AccountID,
		username:  cfg.Username,
		password:  cfg.Password,
		client:    common.SessionClient(p.timeout),
	}
}

// Client talks to the SRP account API on behalf of a single bill account.
type Client struct {
	apiURL    string
	accountID string
	username  string
	password  string
	client    *http.Client
}

type loginResponse struct {
	Message string `json:"message"`
}

type antiForgeryResponse struct {
	XSRFToken string `json:"xsrfToken"`
}

type hourlyUsage struct {
	Date            string     `json:"date"`
	Hour            string     `json:"hour"`
	OnPeakKWh       flexFloat  `json:"onPeakKwh"`
	OffPeakKWh      flexFloat  `json:"offPeakKwh"`
	ShoulderKWh     flexFloat  `json:"shoulderKwh"`
	SuperOffPeakKWh flexFloat  `json:"superOffPeakKwh"`
	TotalKWh        flexFloat  `json:"totalKwh"`
	OnPeakCost      *flexFloat `json:"onPeakCost"`
	OffPeakCost     *flexFloat `json:"offPeakCost"`
	ShoulderCost    *flexFloat `json:"shoulderCost"`
	SuperOffCost    *flexFloat `json:"superOffPeakCost"`
	TotalCost       *flexFloat `json:"totalCost"`
}

type hourlyDetailResponse struct {
	HourlyUsageList []hourlyUsage `json:"hourlyUsageList"`
}

// flexFloat accepts both JSON numbers and numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric value %s: %w", b, err)
	}
	*f = flexFloat(v)
	return nil
}

func validAccountID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Validate checks the account id and credentials. It returns false with no
// error if the credentials were rejected.
func (c *Client) Validate(ctx context.Context) (bool, error) {
	if !validAccountID(c.accountID) {
		return false, ErrInvalidAccount
	}
	ok, err := c.login(ctx)
	if err != nil {
		return false, err
	}
	log.Ctx(ctx).DebugContext(ctx, "validated srp credentials", slog.Bool("valid", ok))
	return ok, nil
}

func (c *Client) login(ctx context.Context) (bool, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiURL+"/login/authorize", strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var res loginResponse
	if err := c.do(req, "login", &res); err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
			return false, nil
		}
		return false, err
	}
	return res.Message == loginSuccessMessage, nil
}

func (c *Client) antiForgeryToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiURL+"/login/antiforgerytoken", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var res antiForgeryResponse
	if err := c.do(req, "antiforgerytoken", &res); err != nil {
		return "", err
	}
	if res.XSRFToken == "" {
		return "", errors.New("srp api returned an empty xsrf token")
	}
	return res.XSRFToken, nil
}

// do executes the request and decodes the JSON body into dst. endpoint names
// the call in errors in place of the url.
func (c *Client) do(req *http.Request, endpoint string, dst any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Endpoint: endpoint}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

// Usage returns the hourly usage records between start and end. Records are
// limited to hours starting in [start, end).
func (c *Client) Usage(ctx context.Context, start, end time.Time, isTOU bool) ([]types.UsageRecord, error) {
	if !validAccountID(c.accountID) {
		return nil, ErrInvalidAccount
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: start %s is not before end %s", ErrInvalidDates, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if start.After(time.Now()) {
		return nil, fmt.Errorf("%w: start %s is in the future", ErrInvalidDates, start.Format(time.RFC3339))
	}

	start = start.In(types.PhoenixLocation)
	end = end.In(types.PhoenixLocation)

	ok, err := c.login(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("srp login failed")
	}
	token, err := c.antiForgeryToken(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("billaccount", c.accountID)
	params.Set("beginDate", start.Format("01-02-2006"))
	params.Set("endDate", end.Format("01-02-2006"))

	req, err := http.NewRequestWithContext(ctx, "GET", c.apiURL+"/usage/hourlydetail?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-xsrf-token", token)

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetching srp hourly usage",
		slog.Time("start", start),
		slog.Time("end", end),
		slog.Bool("isTOU", isTOU),
	)

	var res hourlyDetailResponse
	if err := c.do(req, "hourlydetail", &res); err != nil {
		return nil, err
	}

	records := make([]types.UsageRecord, 0, len(res.HourlyUsageList))
	for _, u := range res.HourlyUsageList {
		ts, err := parseTimestamp(u.Hour)
		if err != nil {
			return nil, fmt.Errorf("invalid hour %q: %w", u.Hour, err)
		}
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		records = append(records, u.record(ts, isTOU))
	}

	log.Ctx(ctx).DebugContext(ctx, "fetched srp hourly usage", slog.Int("count", len(records)))
	return records, nil
}

func (u hourlyUsage) record(ts time.Time, isTOU bool) types.UsageRecord {
	r := types.UsageRecord{
		Date:    ts.Format("2006-01-02"),
		Hour:    ts.Format("15:04"),
		ISODate: ts.Format(time.RFC3339),
	}
	if isTOU {
		r.KWh = float64(u.OnPeakKWh + u.OffPeakKWh + u.ShoulderKWh + u.SuperOffPeakKWh)
		var cost float64
		var found bool
		for _, c := range []*flexFloat{u.OnPeakCost, u.OffPeakCost, u.ShoulderCost, u.SuperOffCost} {
			if c != nil {
				cost += float64(*c)
				found = true
			}
		}
		if found {
			r.Cost = &cost
		}
		return r
	}
	r.KWh = float64(u.TotalKWh)
	if u.TotalCost != nil {
		cost := float64(*u.TotalCost)
		r.Cost = &cost
	}
	return r
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(types.PhoenixLocation), nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", s, types.PhoenixLocation)
}
