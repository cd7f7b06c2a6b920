package srp

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raterudder/srpenergy/pkg/log"
	"github.com/raterudder/srpenergy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHourlyDetail = `{
	"hourlyUsageList": [
		{"date":"2022-08-01T00:00:00","hour":"2022-08-01T22:00:00","onPeakKwh":0,"offPeakKwh":0.5,"shoulderKwh":0,"superOffPeakKwh":0,"totalKwh":1.0,"totalCost":0.2,"offPeakCost":0.1},
		{"date":"2022-08-01T00:00:00","hour":"2022-08-01T23:00:00","onPeakKwh":1.2,"offPeakKwh":0,"shoulderKwh":0,"superOffPeakKwh":0.3,"totalKwh":"2.4","totalCost":"0.5","onPeakCost":0.4},
		{"date":"2022-08-02T00:00:00","hour":"2022-08-02T05:00:00","onPeakKwh":0,"offPeakKwh":0,"shoulderKwh":0,"superOffPeakKwh":0,"totalKwh":9.9,"totalCost":1.0}
	]
}`

const (
	testUsername = "abba"
	testPassword = "s3cr3t-pw"
)

type fakeSRP struct {
	t           *testing.T
	detail      string
	loginStatus int
	loginMsg    string
	lastQuery   string
	requests    int
}

func (f *fakeSRP) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/authorize", func(w http.ResponseWriter, r *http.Request) {
		f.requests++
		assert.NoError(f.t, r.ParseForm())
		if f.loginStatus != 0 {
			w.WriteHeader(f.loginStatus)
			return
		}
		msg := f.loginMsg
		if msg == "" {
			msg = loginSuccessMessage
		}
		if r.PostForm.Get("username") != testUsername || r.PostForm.Get("password") != testPassword {
			msg = "Invalid username or password."
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
		_, _ = w.Write([]byte(`{"message":"` + msg + `"}`))
	})
	mux.HandleFunc("GET /login/antiforgerytoken", func(w http.ResponseWriter, r *http.Request) {
		f.requests++
		if _, err := r.Cookie("session"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"xsrfToken":"tok"}`))
	})
	mux.HandleFunc("GET /usage/hourlydetail", func(w http.ResponseWriter, r *http.Request) {
		f.requests++
		if r.Header.Get("x-xsrf-token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		f.lastQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(f.detail))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeSRP, accountID string) (*Client, func()) {
	ts := httptest.NewServer(f.handler())
	p := NewProvider(ts.URL+"/", 5*time.Second)
	require.NoError(t, p.Validate())
	c := p.Client(types.AccountConfig{
		AccountID: accountID,
		Username:  testUsername,
		Password:  testPassword,
	})
	return c, ts.Close
}

func TestClientValidate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		c, done := newTestClient(t, &fakeSRP{t: t}, "123456789")
		defer done()

		ok, err := c.Validate(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("RejectedCredentials", func(t *testing.T) {
		f := &fakeSRP{t: t}
		c, done := newTestClient(t, f, "123456789")
		defer done()
		c.password = "wrong"

		ok, err := c.Validate(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		c, done := newTestClient(t, &fakeSRP{t: t, loginStatus: http.StatusUnauthorized}, "123456789")
		defer done()

		ok, err := c.Validate(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("InvalidAccount", func(t *testing.T) {
		f := &fakeSRP{t: t}
		c, done := newTestClient(t, f, "abc123")
		defer done()

		_, err := c.Validate(context.Background())
		assert.ErrorIs(t, err, ErrInvalidAccount)
		assert.Equal(t, 0, f.requests, "no request should be made for a malformed account")
	})

	t.Run("ServerError", func(t *testing.T) {
		c, done := newTestClient(t, &fakeSRP{t: t, loginStatus: http.StatusInternalServerError}, "123456789")
		defer done()

		_, err := c.Validate(context.Background())
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	})
}

func TestClientUsage(t *testing.T) {
	start := time.Date(2022, 8, 1, 0, 0, 0, 0, types.PhoenixLocation)
	end := time.Date(2022, 8, 2, 0, 0, 0, 0, types.PhoenixLocation)

	t.Run("Total", func(t *testing.T) {
		f := &fakeSRP{t: t, detail: testHourlyDetail}
		c, done := newTestClient(t, f, "123456789")
		defer done()

		records, err := c.Usage(context.Background(), start, end, false)
		require.NoError(t, err)
		require.Len(t, records, 2, "hours outside the range should be dropped")

		assert.Equal(t, "beginDate=08-01-2022&billaccount=123456789&endDate=08-02-2022", f.lastQuery)

		assert.Equal(t, "2022-08-01", records[0].Date)
		assert.Equal(t, "22:00", records[0].Hour)
		assert.Equal(t, "2022-08-01T22:00:00-07:00", records[0].ISODate)
		assert.Equal(t, 1.0, records[0].KWh)
		require.NotNil(t, records[0].Cost)
		assert.Equal(t, 0.2, *records[0].Cost)

		assert.Equal(t, 2.4, records[1].KWh)
		require.NotNil(t, records[1].Cost)
		assert.Equal(t, 0.5, *records[1].Cost)
	})

	t.Run("TimeOfUse", func(t *testing.T) {
		c, done := newTestClient(t, &fakeSRP{t: t, detail: testHourlyDetail}, "123456789")
		defer done()

		records, err := c.Usage(context.Background(), start, end, true)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, 0.5, records[0].KWh)
		assert.InDelta(t, 1.5, records[1].KWh, 1e-9)
		require.NotNil(t, records[1].Cost)
		assert.Equal(t, 0.4, *records[1].Cost)
	})

	t.Run("Empty", func(t *testing.T) {
		c, done := newTestClient(t, &fakeSRP{t: t, detail: `{"hourlyUsageList":[]}`}, "123456789")
		defer done()

		records, err := c.Usage(context.Background(), start, end, false)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("MalformedValue", func(t *testing.T) {
		detail := `{"hourlyUsageList":[{"hour":"2022-08-01T01:00:00","totalKwh":"lots"}]}`
		c, done := newTestClient(t, &fakeSRP{t: t, detail: detail}, "123456789")
		defer done()

		_, err := c.Usage(context.Background(), start, end, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid numeric value")
	})

	t.Run("MalformedHour", func(t *testing.T) {
		detail := `{"hourlyUsageList":[{"hour":"yesterday","totalKwh":1}]}`
		c, done := newTestClient(t, &fakeSRP{t: t, detail: detail}, "123456789")
		defer done()

		_, err := c.Usage(context.Background(), start, end, false)
		assert.ErrorContains(t, err, "invalid hour")
	})

	t.Run("InvalidDates", func(t *testing.T) {
		f := &fakeSRP{t: t, detail: testHourlyDetail}
		c, done := newTestClient(t, f, "123456789")
		defer done()

		_, err := c.Usage(context.Background(), end, start, false)
		assert.ErrorIs(t, err, ErrInvalidDates)

		future := time.Now().Add(48 * time.Hour)
		_, err = c.Usage(context.Background(), future, future.Add(time.Hour), false)
		assert.ErrorIs(t, err, ErrInvalidDates)
		assert.Equal(t, 0, f.requests)
	})

	t.Run("LoginFailed", func(t *testing.T) {
		c, done := newTestClient(t, &fakeSRP{t: t, detail: testHourlyDetail, loginMsg: "nope"}, "123456789")
		defer done()

		_, err := c.Usage(context.Background(), start, end, false)
		assert.ErrorContains(t, err, "login failed")
	})

	t.Run("ConnectionRefused", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		ts.Close()
		c := NewProvider(ts.URL, time.Second).Client(types.AccountConfig{AccountID: "123456789", Username: testUsername, Password: testPassword})

		_, err := c.Usage(context.Background(), start, end, false)
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "login", te.Endpoint)
		assert.False(t, te.Timeout())
		assert.NotContains(t, err.Error(), strings.TrimPrefix(ts.URL, "http://"), "errors should not include the api host")
	})
}

func TestClientTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// drain the body so the server notices the client disconnect
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := NewProvider(ts.URL, 50*time.Millisecond).Client(types.AccountConfig{AccountID: "123456789", Username: testUsername, Password: testPassword})
	_, err := c.Validate(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Timeout())
	assert.Equal(t, "request to login timed out", err.Error())
}

func TestClientDoesNotLogHost(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := log.With(context.Background(), logger)

	f := &fakeSRP{t: t, detail: testHourlyDetail}
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	c := NewProvider(ts.URL, time.Second).Client(types.AccountConfig{AccountID: "123456789", Username: testUsername, Password: testPassword})
	_, err := c.Validate(ctx)
	require.NoError(t, err)
	_, err = c.Usage(ctx, time.Date(2022, 8, 1, 0, 0, 0, 0, time.UTC), time.Date(2022, 8, 2, 0, 0, 0, 0, time.UTC), false)
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, strings.TrimPrefix(ts.URL, "http://"))
	assert.NotContains(t, out, "myaccount.srpnet.com")
	assert.Contains(t, out, "fetched srp hourly usage")
	assert.NotContains(t, out, testPassword)
}
