package meridian

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	testUser     = "user@example.com"
	testPassword = "hunter2"
	testToken    = "tok-123"
)

const testDashboard = `<html><body>
<div>Rate: $0.285</div>
<div>Price: $0.285</div>
<div>22 c/kWh off-peak</div>
<div>18.2 kWh average daily</div>
</body></html>`

// portal is a minimal fake of the customer portal: CSRF-protected
// form login, a session cookie, a dashboard, and the usage export.
type portal struct {
	mu       sync.Mutex
	sessions map[string]bool
	nextSID  int
	logins   int

	withoutToken bool
	brokenPages  bool
	withoutCSV   bool
}

func newPortal() *portal {
	return &portal{sessions: map[string]bool{}}
}

func (p *portal) expireSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = map[string]bool{}
}

func (p *portal) loginCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logins
}

func (p *portal) authed(r *http.Request) bool {
	c, err := r.Cookie("sid")
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[c.Value]
}

func (p *portal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/login":
		if p.withoutToken {
			fmt.Fprint(w, `<html><body><form action="/">no token here</form></body></html>`)
			return
		}
		fmt.Fprintf(w, `<html><body><form action="/"><input type="hidden" name="authenticity_token" value="%s" /></form></body></html>`, testToken)

	case r.Method == http.MethodPost && r.URL.Path == "/":
		r.ParseForm()
		if r.PostFormValue("authenticity_token") != testToken ||
			r.PostFormValue("email") != testUser ||
			r.PostFormValue("password") != testPassword ||
			r.PostFormValue("commit") != "Sign in" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.mu.Lock()
		p.nextSID++
		sid := fmt.Sprintf("s%d", p.nextSID)
		p.sessions[sid] = true
		p.logins++
		p.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: sid, Path: "/"})
		http.Redirect(w, r, "/", http.StatusFound)

	case !p.authed(r):
		http.Redirect(w, r, "/login", http.StatusFound)

	case p.brokenPages:
		w.WriteHeader(http.StatusInternalServerError)

	case r.URL.Path == "/":
		fmt.Fprint(w, testDashboard)

	case r.URL.Path == "/feed_in_report.csv":
		if p.withoutCSV {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		fmt.Fprint(w, testUsageCSV(time.Now()))

	default:
		http.NotFound(w, r)
	}
}

func testUsageCSV(now time.Time) string {
	return strings.Join([]string{
		usageHeader(),
		usageRow(elementConsumption, now, []float64{6.25, 6.25}),
		usageRow(elementFeedIn, now, []float64{0, 1.5, 2.5, 0}),
	}, "\n")
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(
		WithCredentials(testUser, testPassword),
		WithBaseURL(baseURL),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	c.limit = rate.NewLimiter(rate.Inf, 0)
	return c
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient()
	assert.Error(t, err)
}

func TestClientFetch(t *testing.T) {
	p := newPortal()
	srv := httptest.NewServer(p)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	reading, err := c.Fetch(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 0.285, reading.CurrentRate, 0.0001)
	assert.InDelta(t, 0.285, reading.NextRate, 0.0001)
	assert.InDelta(t, 12.5, reading.DailyConsumption, 0.001)
	assert.InDelta(t, 4.0, reading.DailyFeedIn, 0.001)
	assert.InDelta(t, 2.5, reading.SolarGeneration, 0.001)
	assert.InDelta(t, 12.5, reading.AverageDailyUse, 0.001)
	assert.WithinDuration(t, time.Now(), reading.FetchedAt, time.Minute)

	assert.Equal(t, 1, p.loginCount())
}

func TestClientAuthFailure(t *testing.T) {
	p := newPortal()
	srv := httptest.NewServer(p)
	defer srv.Close()

	c, err := NewClient(
		WithCredentials(testUser, "wrong-password"),
		WithBaseURL(srv.URL),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	c.limit = rate.NewLimiter(rate.Inf, 0)

	_, err = c.Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestClientNoCSRFToken(t *testing.T) {
	p := newPortal()
	p.withoutToken = true
	srv := httptest.NewServer(p)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoCSRFToken)
}

func TestClientReloginOnSessionExpiry(t *testing.T) {
	p := newPortal()
	srv := httptest.NewServer(p)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, p.loginCount())

	p.expireSessions()

	reading, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, p.loginCount())
	assert.InDelta(t, 12.5, reading.DailyConsumption, 0.001)
}

func TestClientDashboardFallback(t *testing.T) {
	p := newPortal()
	p.withoutCSV = true
	srv := httptest.NewServer(p)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	reading, err := c.Fetch(context.Background())
	require.NoError(t, err)

	// No CSV: daily figures stay zero, the average falls back to
	// the dashboard figure.
	assert.Zero(t, reading.DailyConsumption)
	assert.Zero(t, reading.DailyFeedIn)
	assert.InDelta(t, 18.2, reading.AverageDailyUse, 0.001)
}

func TestClientNoData(t *testing.T) {
	p := newPortal()
	p.brokenPages = true
	srv := httptest.NewServer(p)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoData)
}
