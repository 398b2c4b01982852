package meridian

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the customer portal the scraper signs in to.
const DefaultBaseURL = "https://secure.meridianenergy.co.nz"

// DefaultRate is reported when no electricity rate could be extracted
// from any portal page, in $/kWh.
const DefaultRate = 0.25

const requestTimeout = 30 * time.Second

// The portal serves different markup to non-browser user agents.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

var (
	// ErrAuthFailed indicates the portal rejected the credentials.
	ErrAuthFailed = errors.New("meridian: authentication failed")
	// ErrNoCSRFToken indicates the login page had no authenticity token to submit.
	ErrNoCSRFToken = errors.New("meridian: no authenticity token on login page")
	// ErrSessionExpired indicates the portal bounced a request back to the login page.
	ErrSessionExpired = errors.New("meridian: session expired")
	// ErrNoData indicates no portal page or CSV export could be fetched at all.
	ErrNoData = errors.New("meridian: no data could be fetched from the portal")
)

// Pages checked for electricity rate figures, in order.
var ratePages = []string{"/", "/billing", "/account", "/usage", "/rates"}

// Candidate locations of the half-hourly usage CSV export. The portal
// has moved this around between releases, so all known paths are tried.
var usageCSVPaths = []string{
	"/feed_in_report.csv",
	"/feed_in_report/download",
	"/feed_in_report/export",
	"/customers/feed_in_report.csv",
}

type Fetcher interface {
	Fetch(ctx context.Context) (*Reading, error)
}

// Client scrapes readings from the Meridian customer portal. It keeps
// the portal session in a cookie jar and re-authenticates when the
// portal bounces a request back to the login page.
type Client struct {
	client     *http.Client
	noRedirect *http.Client
	limit      *rate.Limiter
	log        *zap.Logger

	baseURL     string
	username    string
	password    string
	historyDays int
	userAgent   string

	loggedIn bool
	now      func() time.Time
}

type Option func(c *Client) error

func NewClient(opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	transport := otelhttp.NewTransport(http.DefaultTransport)
	c := &Client{
		client: &http.Client{Transport: transport, Jar: jar},
		// The login POST must not follow redirects: 302/303 is the
		// success signal.
		noRedirect: &http.Client{
			Transport: transport,
			Jar:       jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limit:       rate.NewLimiter(rate.Every(time.Second), 2),
		log:         zap.L(),
		baseURL:     DefaultBaseURL,
		historyDays: 7,
		userAgent:   defaultUserAgent,
		now:         time.Now,
	}

	// apply the options
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}

	if c.username == "" || c.password == "" {
		return nil, errors.New("meridian: username and password are required")
	}

	return c, nil
}

func WithCredentials(username, password string) Option {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		c.log = l
		return nil
	}
}

// WithBaseURL points the client at a different portal host.
func WithBaseURL(u string) Option {
	return func(c *Client) error {
		c.baseURL = strings.TrimSuffix(u, "/")
		return nil
	}
}

// WithHistoryDays bounds the averaging window for the average daily
// use reading. Values are clamped to 1..30.
func WithHistoryDays(days int) Option {
	return func(c *Client) error {
		if days < 1 {
			days = 1
		}
		if days > 30 {
			days = 30
		}
		c.historyDays = days
		return nil
	}
}

// WithTransport replaces the underlying round tripper, e.g. with a
// caching transport for offline debugging of extraction patterns.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) error {
		c.client.Transport = rt
		c.noRedirect.Transport = rt
		return nil
	}
}

// Login establishes a portal session: it scrapes the CSRF token off
// the login page and submits the sign-in form.
func (c *Client) Login(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	c.log.Debug("fetching login page")
	page, err := c.get(ctx, c.baseURL+"/login")
	if err != nil {
		return fmt.Errorf("fetching login page: %w", err)
	}

	token, ok := extractCSRFToken(page.body)
	if !ok {
		return ErrNoCSRFToken
	}

	form := url.Values{
		"email":              {c.username},
		"password":           {c.password},
		"authenticity_token": {token},
		"commit":             {"Sign in"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", c.baseURL+"/login")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if err := c.limit.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.noRedirect.Do(req)
	if err != nil {
		return fmt.Errorf("submitting login form: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusFound, http.StatusSeeOther:
		c.log.Info("portal login successful")
		c.loggedIn = true
		return nil
	default:
		return fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	}
}

// Fetch runs one refresh cycle: rates off the portal pages, daily
// figures out of the usage CSV, with a dashboard fallback for the
// average. A session expiry triggers a single re-login and retry.
func (c *Client) Fetch(ctx context.Context) (*Reading, error) {
	if !c.loggedIn {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}

	r, err := c.fetch(ctx)
	if errors.Is(err, ErrSessionExpired) {
		c.log.Info("portal session expired, signing in again")
		c.loggedIn = false
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		r, err = c.fetch(ctx)
	}
	return r, err
}

func (c *Client) fetch(ctx context.Context) (*Reading, error) {
	reading := &Reading{
		CurrentRate: DefaultRate,
		NextRate:    DefaultRate,
		FetchedAt:   c.now(),
	}
	fetched := 0

	var rates []float64
	var dashboard string
	for _, page := range ratePages {
		html, err := c.fetchPage(ctx, page)
		if err != nil {
			if errors.Is(err, ErrSessionExpired) {
				return nil, err
			}
			c.log.Debug("rate page not accessible", zap.String("page", page), zap.Error(err))
			continue
		}
		fetched++
		if page == "/" {
			dashboard = html
		}
		found := extractRates(html)
		c.log.Debug("scanned page for rates", zap.String("page", page), zap.Int("found", len(found)))
		rates = append(rates, found...)
	}

	if r, ok := mostCommonRate(rates); ok {
		reading.CurrentRate = r
		reading.NextRate = r
		c.log.Info("extracted electricity rate", zap.Float64("rate", r), zap.Int("samples", len(rates)))
	} else {
		c.log.Warn("no electricity rate found on any page, using default", zap.Float64("default", DefaultRate))
	}

	csvData, err := c.downloadUsageCSV(ctx)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return nil, err
		}
		c.log.Warn("usage CSV not available", zap.Error(err))
	} else {
		fetched++
		stats, err := parseUsageCSV(csvData, c.now(), c.historyDays)
		if err != nil {
			c.log.Warn("cannot parse usage CSV", zap.Error(err))
		} else {
			reading.DailyConsumption = stats.DailyConsumption
			reading.DailyFeedIn = stats.DailyFeedIn
			reading.SolarGeneration = stats.SolarGeneration
			reading.AverageDailyUse = stats.AverageDailyUse
			if !stats.HaveToday {
				c.log.Warn("no usage rows for today in CSV", zap.Int("days", stats.Days))
			}
		}
	}

	if reading.AverageDailyUse == 0 && dashboard != "" {
		if v, ok := medianDailyUse(extractDailyUse(dashboard)); ok {
			reading.AverageDailyUse = v
			c.log.Info("average daily use taken from dashboard", zap.Float64("kwh", v))
		}
	}

	if fetched == 0 {
		return nil, ErrNoData
	}
	return reading, nil
}

// fetchPage retrieves a portal page relative to the base URL. Landing
// back on the login page means the session is gone.
func (c *Client) fetchPage(ctx context.Context, page string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.get(ctx, c.baseURL+page)
	if err != nil {
		return "", err
	}
	if strings.Contains(resp.finalURL, "/login") {
		return "", ErrSessionExpired
	}
	return resp.body, nil
}

// downloadUsageCSV tries the known CSV export locations until one
// responds with CSV-looking content.
func (c *Client) downloadUsageCSV(ctx context.Context) (string, error) {
	for _, path := range usageCSVPaths {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		resp, err := c.get(reqCtx, c.baseURL+path)
		cancel()
		if err != nil {
			c.log.Debug("CSV path not accessible", zap.String("path", path), zap.Error(err))
			continue
		}
		if strings.Contains(resp.finalURL, "/login") {
			return "", ErrSessionExpired
		}
		if looksLikeCSV(resp.contentType, resp.body) {
			c.log.Debug("found usage CSV", zap.String("path", path), zap.Int("bytes", len(resp.body)))
			return resp.body, nil
		}
		c.log.Debug("response does not look like CSV", zap.String("path", path), zap.String("contentType", resp.contentType))
	}
	return "", errors.New("meridian: no usage CSV export found")
}

type pageResponse struct {
	body        string
	contentType string
	finalURL    string
}

func (c *Client) get(ctx context.Context, url string) (*pageResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", c.baseURL+"/")

	if err := c.limit.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &pageResponse{
		body:        string(data),
		contentType: resp.Header.Get("Content-Type"),
		finalURL:    finalURL,
	}, nil
}
