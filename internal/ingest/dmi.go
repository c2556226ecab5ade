package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/lox/dmistats/internal/httputil"
	"github.com/lox/dmistats/internal/metrics"
)

const (
	DefaultBaseURL = "https://opendataapi.dmi.dk/v2/metObs/collections/observation/items"

	// BulkPageSize is used by ingestion runs, InteractivePageSize by the
	// ad-hoc series endpoint.
	BulkPageSize        = 300000
	InteractivePageSize = 1000

	DefaultPageTimeout = 2 * time.Minute
	DefaultMaxRetries  = 5

	maxBreakers = 1024
)

type ClientConfig struct {
	BaseURL     string
	APIKey      string // sent as api-key when non-empty
	PageSize    int
	PageTimeout time.Duration

	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Consecutive failed page requests of one station and parameter series
	// before its breaker opens, and how long it stays open. BreakerFailures
	// defaults to two pages' worth of attempts, so a single page exhausting
	// its retries never opens the breaker by itself.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	HTTPClient *http.Client
}

func (c *ClientConfig) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.PageSize <= 0 {
		c.PageSize = BulkPageSize
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = DefaultPageTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = uint32(max(5, 2*(c.MaxRetries+1)))
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = httputil.NewClient(c.PageTimeout)
	}
}

// Client fetches observations from the DMI metObs API. Each station and
// parameter series has its own circuit breaker, so a failing series fails
// fast without affecting the others.
type Client struct {
	cfg ClientConfig
	log zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:      cfg,
		log:      logger.With().Str("component", "dmi").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

func (c *Client) breaker(q Query) *gobreaker.CircuitBreaker[[]byte] {
	key := q.StationID + "/" + q.ParameterID

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}
	// Ad-hoc queries can name arbitrary series; start over rather than grow
	// without bound.
	if len(c.breakers) >= maxBreakers {
		clear(c.breakers)
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "dmi-metobs/" + key,
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var ab abandonedError
			if errors.As(err, &ab) {
				return true
			}
			var te *TransportError
			if errors.As(err, &te) {
				return !te.retryable()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
		},
	})
	c.breakers[key] = cb
	return cb
}

// Query selects observations of one parameter at one station within the
// inclusive window [Start, End].
type Query struct {
	StationID   string
	ParameterID string
	Start       time.Time
	End         time.Time
	PageSize    int // zero uses the client default
}

// Record is one provider observation. Value is nil when the provider
// reported no measurement.
type Record struct {
	ObservedAt  time.Time
	StationID   string
	ParameterID string
	Value       *float64
}

type featureCollection struct {
	Features []struct {
		Properties struct {
			Observed    string   `json:"observed"`
			ParameterID string   `json:"parameterId"`
			StationID   string   `json:"stationId"`
			Value       *float64 `json:"value"`
		} `json:"properties"`
	} `json:"features"`
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

type page struct {
	records []Record
	// hasLinks is set when the response carried a links array, in which
	// case hasNext is authoritative.
	hasLinks bool
	hasNext  bool
}

func (p page) more(limit int) bool {
	if p.hasLinks {
		return p.hasNext
	}
	return len(p.records) >= limit
}

// Pages returns a lazy sequence of result pages. Each iteration starts again
// from offset zero and requests a page only when the consumer asks for it.
// A failure is yielded once as the final element.
func (c *Client) Pages(ctx context.Context, q Query) iter.Seq2[[]Record, error] {
	return func(yield func([]Record, error) bool) {
		limit := q.PageSize
		if limit <= 0 {
			limit = c.cfg.PageSize
		}

		offset := 0
		for {
			p, err := c.fetchPage(ctx, q, limit, offset)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(p.records) == 0 {
				return
			}
			if !yield(p.records, nil) {
				return
			}
			if !p.more(limit) {
				return
			}
			offset += len(p.records)
		}
	}
}

// FetchRange drains Pages. On failure it returns every record retrieved
// before the failing page together with the error. Records are sorted by
// observation time.
func (c *Client) FetchRange(ctx context.Context, q Query) ([]Record, error) {
	var records []Record
	var fetchErr error
	for recs, err := range c.Pages(ctx, q) {
		if err != nil {
			fetchErr = err
			break
		}
		records = append(records, recs...)
	}

	slices.SortStableFunc(records, func(a, b Record) int {
		return a.ObservedAt.Compare(b.ObservedAt)
	})
	return records, fetchErr
}

func (c *Client) pageURL(q Query, limit, offset int) string {
	v := url.Values{}
	v.Set("stationId", q.StationID)
	v.Set("parameterId", q.ParameterID)
	v.Set("datetime", q.Start.UTC().Format(time.RFC3339)+"/"+q.End.UTC().Format(time.RFC3339))
	v.Set("limit", strconv.Itoa(limit))
	v.Set("offset", strconv.Itoa(offset))
	if c.cfg.APIKey != "" {
		v.Set("api-key", c.cfg.APIKey)
	}
	return c.cfg.BaseURL + "?" + v.Encode()
}

func (c *Client) fetchPage(ctx context.Context, q Query, limit, offset int) (page, error) {
	u := c.pageURL(q, limit, offset)
	cb := c.breaker(q)

	var (
		body    []byte
		lastErr *TransportError
	)
	operation := func() error {
		b, err := cb.Execute(func() ([]byte, error) {
			return c.get(ctx, u, q.ParameterID, offset)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Keep the provider failure that opened the breaker as the cause.
			if lastErr != nil {
				return backoff.Permanent(&TransportError{
					Offset:     offset,
					StatusCode: lastErr.StatusCode,
					Err:        fmt.Errorf("%w; %w", lastErr.Err, err),
				})
			}
			return backoff.Permanent(&TransportError{Offset: offset, Err: err})
		}
		if err != nil {
			var te *TransportError
			if errors.As(err, &te) {
				lastErr = te
			}
			return err
		}
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).
			Str("station", q.StationID).
			Str("parameter", q.ParameterID).
			Int("offset", offset).
			Dur("wait", wait).
			Msg("retrying page")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx), notify)
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Offset: offset, Err: err}
		}
		return page{}, err
	}

	p, err := decodePage(body, offset)
	if err != nil {
		return page{}, err
	}

	metrics.PagesFetched.WithLabelValues(q.ParameterID).Inc()
	c.log.Debug().
		Str("station", q.StationID).
		Str("parameter", q.ParameterID).
		Int("offset", offset).
		Int("records", len(p.records)).
		Msg("fetched page")
	return p, nil
}

// get performs a single page request under its own deadline. Errors that
// another attempt cannot fix are marked permanent.
func (c *Client) get(ctx context.Context, u, parameter string, offset int) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(&TransportError{Offset: offset, Err: err})
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	metrics.ProviderLatency.WithLabelValues(parameter).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(parameter, "error").Inc()
		if ctx.Err() != nil {
			return nil, backoff.Permanent(&TransportError{Offset: offset, Err: abandonedError{err: ctx.Err()}})
		}
		return nil, &TransportError{Offset: offset, Err: err}
	}
	defer resp.Body.Close()

	metrics.ProviderCallsTotal.WithLabelValues(parameter, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		te := &TransportError{
			Offset:     offset,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %s", errUnexpectedStatus, string(snippet)),
		}
		if te.retryable() {
			return nil, te
		}
		return nil, backoff.Permanent(te)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Offset: offset, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

func decodePage(body []byte, offset int) (page, error) {
	var fc featureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return page{}, &DecodingError{Offset: offset, Err: err}
	}

	p := page{
		records:  make([]Record, 0, len(fc.Features)),
		hasLinks: fc.Links != nil,
	}
	for _, l := range fc.Links {
		if l.Rel == "next" {
			p.hasNext = true
		}
	}

	for i, f := range fc.Features {
		observed, err := time.Parse(time.RFC3339, f.Properties.Observed)
		if err != nil {
			return page{}, &DecodingError{Offset: offset, Err: fmt.Errorf("feature %d: observed %q: %w", i, f.Properties.Observed, err)}
		}
		p.records = append(p.records, Record{
			ObservedAt:  observed.UTC(),
			StationID:   f.Properties.StationID,
			ParameterID: f.Properties.ParameterID,
			Value:       f.Properties.Value,
		})
	}
	return p, nil
}
