package oracle

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StaticFeed is an in-memory primary feed used for tests and manual
// overrides during incident response.
type StaticFeed struct {
	mu      sync.RWMutex
	reading Reading
	err     error
}

// NewStaticFeed constructs a feed with no reading; LatestPrice fails until
// Set is called.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{err: ErrInvalidPrice}
}

// Set stores the reading returned by subsequent LatestPrice calls.
func (f *StaticFeed) Set(reading Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reading.Answer != nil {
		reading.Answer = new(big.Int).Set(reading.Answer)
	}
	f.reading = reading
	f.err = nil
}

// Fail makes subsequent LatestPrice calls return the supplied error.
func (f *StaticFeed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// LatestPrice implements the PrimaryFeed interface.
func (f *StaticFeed) LatestPrice() (Reading, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return Reading{}, f.err
	}
	reading := f.reading
	if reading.Answer != nil {
		reading.Answer = new(big.Int).Set(reading.Answer)
	}
	return reading, nil
}

// StaticPool is an in-memory fallback pool for tests and overrides.
type StaticPool struct {
	mu    sync.RWMutex
	price *big.Int
	err   error
}

// NewStaticPool constructs a pool with no observation.
func NewStaticPool() *StaticPool {
	return &StaticPool{err: ErrInvalidPrice}
}

// Set stores the TWAP value returned by subsequent Observe calls.
func (p *StaticPool) Set(price *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = new(big.Int).Set(price)
	p.err = nil
}

// Fail makes subsequent Observe calls return the supplied error.
func (p *StaticPool) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Observe implements the FallbackPool interface.
func (p *StaticPool) Observe(time.Duration) (*big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return nil, p.err
	}
	return new(big.Int).Set(p.price), nil
}

// StaticUptime is a fixed uptime status for tests and environments without a
// sequencer guard.
type StaticUptime struct {
	mu    sync.RWMutex
	down  bool
	since time.Time
}

// SetStatus updates the reported status.
func (u *StaticUptime) SetStatus(down bool, since time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.down = down
	u.since = since
}

// LatestStatus implements the UptimeFeed interface.
func (u *StaticUptime) LatestStatus() (bool, time.Time, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.down, u.since, nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed adapts a JSON price endpoint into a primary feed. The endpoint is
// expected to answer `{"round": n, "price": "...", "timestamp": unixSeconds}`
// for the configured symbol.
type HTTPFeed struct {
	client   HTTPDoer
	endpoint string
	symbol   string
	decimals uint8
}

// NewHTTPFeed constructs an adapter for the given endpoint and symbol. When
// the client is nil http.DefaultClient is used.
func NewHTTPFeed(client HTTPDoer, endpoint, symbol string, decimals uint8) *HTTPFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		decimals: decimals,
	}
}

// LatestPrice implements the PrimaryFeed interface.
func (f *HTTPFeed) LatestPrice() (Reading, error) {
	if f == nil || f.endpoint == "" {
		return Reading{}, fmt.Errorf("http feed not configured")
	}
	req, err := http.NewRequest(http.MethodGet, f.endpoint, nil)
	if err != nil {
		return Reading{}, err
	}
	values := url.Values{}
	values.Set("symbol", f.symbol)
	req.URL.RawQuery = values.Encode()
	resp, err := f.client.Do(req)
	if err != nil {
		return Reading{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Reading{}, fmt.Errorf("http feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Round     uint64 `json:"round"`
		Price     string `json:"price"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Reading{}, fmt.Errorf("http feed: decode: %w", err)
	}
	answer, ok := new(big.Int).SetString(strings.TrimSpace(payload.Price), 10)
	if !ok || answer.Sign() <= 0 {
		return Reading{}, fmt.Errorf("http feed: invalid price %q", payload.Price)
	}
	return Reading{
		RoundID:   payload.Round,
		Answer:    answer,
		UpdatedAt: time.Unix(payload.Timestamp, 0),
		Complete:  true,
	}, nil
}

// Decimals reports the feed's native precision for FeedConfig wiring.
func (f *HTTPFeed) Decimals() uint8 { return f.decimals }

// HTTPFallbackPool adapts a JSON TWAP endpoint into a fallback pool. The
// endpoint is expected to answer `{"twap": "..."}` for the configured symbol
// and the requested window in seconds.
type HTTPFallbackPool struct {
	client   HTTPDoer
	endpoint string
	symbol   string
}

// NewHTTPFallbackPool constructs an adapter for the given endpoint and symbol.
// When the client is nil http.DefaultClient is used.
func NewHTTPFallbackPool(client HTTPDoer, endpoint, symbol string) *HTTPFallbackPool {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFallbackPool{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
	}
}

// Observe implements the FallbackPool interface.
func (p *HTTPFallbackPool) Observe(window time.Duration) (*big.Int, error) {
	if p == nil || p.endpoint == "" {
		return nil, fmt.Errorf("http fallback pool not configured")
	}
	req, err := http.NewRequest(http.MethodGet, p.endpoint, nil)
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("symbol", p.symbol)
	values.Set("window", strconv.FormatInt(int64(window/time.Second), 10))
	req.URL.RawQuery = values.Encode()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("http fallback pool: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		TWAP string `json:"twap"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("http fallback pool: decode: %w", err)
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(payload.TWAP), 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("http fallback pool: invalid twap %q", payload.TWAP)
	}
	return value, nil
}

// HTTPUptimeFeed adapts a JSON status endpoint into an uptime feed. The
// endpoint is expected to answer `{"down": bool, "since": unixSeconds}` where
// since is the start of the current status.
type HTTPUptimeFeed struct {
	client   HTTPDoer
	endpoint string
}

// NewHTTPUptimeFeed constructs an adapter for the given endpoint. When the
// client is nil http.DefaultClient is used.
func NewHTTPUptimeFeed(client HTTPDoer, endpoint string) *HTTPUptimeFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPUptimeFeed{client: client, endpoint: strings.TrimSpace(endpoint)}
}

// LatestStatus implements the UptimeFeed interface.
func (f *HTTPUptimeFeed) LatestStatus() (bool, time.Time, error) {
	if f == nil || f.endpoint == "" {
		return false, time.Time{}, fmt.Errorf("http uptime feed not configured")
	}
	req, err := http.NewRequest(http.MethodGet, f.endpoint, nil)
	if err != nil {
		return false, time.Time{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false, time.Time{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, time.Time{}, fmt.Errorf("http uptime feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Down  bool  `json:"down"`
		Since int64 `json:"since"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, time.Time{}, fmt.Errorf("http uptime feed: decode: %w", err)
	}
	return payload.Down, time.Unix(payload.Since, 0), nil
}
