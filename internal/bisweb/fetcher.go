// Package bisweb is the adapter for the NYC DOB Building Information System
// portal. It simulates the browser interaction the portal expects (session
// cookie, referer, detail-page request) and turns the HTML response into a
// field record or a classified failure.
package bisweb

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/bbl"
	"github.com/openparcels/bisharvest/internal/harvest"
)

// Config controls the portal client.
type Config struct {
	// BaseURL is the portal root, e.g. https://a810-bisweb.nyc.gov/bisweb.
	BaseURL string
	// UserAgent, when set, is sent verbatim; when empty a randomized browser
	// UA is generated per session.
	UserAgent string
	// RequestTimeout bounds a single round trip.
	RequestTimeout time.Duration
	// SessionRotationEvery starts a fresh session (new cookies, new UA) after
	// this many requests, which the portal's informal rate limiting rewards.
	// Zero disables rotation.
	SessionRotationEvery int
}

// Fetcher implements harvest.Fetcher against the BIS portal.
type Fetcher struct {
	cfg      Config
	logger   *zap.Logger
	session  *colly.Collector
	requests int
}

// New validates cfg and builds a Fetcher with an initial session.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("portal base url %q: %w", cfg.BaseURL, err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{cfg: cfg, logger: logger}
	f.session = f.newSession()
	return f, nil
}

// Fetch performs the detail-page request for one parcel and classifies the
// outcome. The engine paces calls; the fetcher itself imposes no delay.
func (f *Fetcher) Fetch(ctx context.Context, b bbl.BBL) (*harvest.FieldRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.requests++
	if f.cfg.SessionRotationEvery > 0 && f.requests%f.cfg.SessionRotationEvery == 0 {
		f.session = f.newSession()
		f.logger.Info("rotated portal session", zap.Int("requests", f.requests))
	}

	body, err := f.get(ctx, f.profileURL(b))
	if err != nil {
		return nil, err
	}
	if IsQueuePage(body) {
		return nil, harvest.Transient("portal queue interstitial", nil)
	}
	return ParseProfile(body)
}

func (f *Fetcher) profileURL(b bbl.BBL) string {
	return fmt.Sprintf(
		"%s/PropertyProfileOverviewServlet?boro=%s&block=%s&lot=%s&go3=+GO+&requestid=0",
		f.cfg.BaseURL, b.Borough(), b.Block(), b.Lot(),
	)
}

// get runs one GET through a clone of the session collector and returns the
// body. Clones share the session's cookie jar, so the portal sees one
// continuous visitor between rotations.
func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	collector := f.session.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Referer", f.cfg.BaseURL+"/bispi00.jsp")
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	})
	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{body: append([]byte(nil), r.Body...)})
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		send(fetchResult{err: classify(status, err)})
	})

	if err := collector.Visit(rawURL); err != nil {
		return nil, harvest.Transient("dispatch request", err)
	}
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case res := <-resultCh:
		return res.body, res.err
	default:
		return nil, harvest.Fatal("portal request produced no response", nil)
	}
}

type fetchResult struct {
	body []byte
	err  error
}

// classify maps transport and HTTP failures onto the engine's taxonomy.
// Timeouts, resets, throttling, and server errors are worth retrying;
// anything else from a stable legacy portal means the adapter is wrong.
func classify(status int, err error) error {
	if err == nil {
		err = errors.New("request failed")
	}
	switch {
	case status == 0:
		return harvest.Transient("network failure", err)
	case status == http.StatusTooManyRequests || status == http.StatusForbidden:
		return harvest.Transient(fmt.Sprintf("portal throttling (HTTP %d)", status), err)
	case status >= 500:
		return harvest.Transient(fmt.Sprintf("portal error (HTTP %d)", status), err)
	default:
		return harvest.Fatal(fmt.Sprintf("unexpected HTTP %d", status), err)
	}
}

// newSession builds a collector with fresh cookies and visits the portal
// landing page to pick up a session cookie. A failed bootstrap is logged and
// tolerated; the detail request will surface any real outage itself.
func (f *Fetcher) newSession() *colly.Collector {
	ua := f.cfg.UserAgent
	if ua == "" {
		ua = randomUserAgent()
	}
	c := colly.NewCollector(colly.UserAgent(ua))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.SetRequestTimeout(f.cfg.RequestTimeout)
	c.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: f.cfg.RequestTimeout,
	})

	if err := c.Visit(f.cfg.BaseURL + "/bispi00.jsp"); err != nil {
		f.logger.Warn("session bootstrap failed", zap.Error(err))
	} else {
		c.Wait()
	}
	return c
}

// randomUserAgent varies the browser fingerprint between sessions the same
// way real clients vary across visits.
func randomUserAgent() string {
	return fmt.Sprintf(
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_%d_%d) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.%d.%d Safari/537.36",
		12+rand.IntN(4), rand.IntN(8),
		90+rand.IntN(31), 1000+rand.IntN(9000), 100+rand.IntN(900),
	)
}
