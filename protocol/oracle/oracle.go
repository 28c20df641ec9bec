package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrOracleNotConfigured is returned for tokens without a feed entry.
	ErrOracleNotConfigured = errors.New("oracle: token not configured")
	// ErrInvalidPrice marks a non-positive or incomplete primary reading.
	ErrInvalidPrice = errors.New("oracle: invalid price")
	// ErrStalePrice marks a primary reading older than the staleness bound.
	ErrStalePrice = errors.New("oracle: stale price")
	// ErrSequencerDown is returned while the platform uptime guard reports
	// downtime or the post-recovery grace period has not elapsed.
	ErrSequencerDown = errors.New("oracle: sequencer down")
	// ErrPriceDeviation marks primary/fallback disagreement beyond the bound.
	ErrPriceDeviation = errors.New("oracle: price deviation too high")
	// ErrBothOraclesFailed is returned when no source produced a usable price.
	ErrBothOraclesFailed = errors.New("oracle: both oracles failed")
)

// wad is the fixed-point scale every resolved price is normalized to.
var wad = big.NewInt(1_000_000_000_000_000_000)

const defaultMaxDeviationBps = 500

// StaleReadingError carries the observed age of a rejected primary reading.
type StaleReadingError struct {
	Age time.Duration
	Max time.Duration
}

func (e *StaleReadingError) Error() string {
	return fmt.Sprintf("oracle: stale price: age %s exceeds %s", e.Age, e.Max)
}

// Unwrap lets callers branch on ErrStalePrice.
func (e *StaleReadingError) Unwrap() error { return ErrStalePrice }

// DeviationError carries both disputed prices for observability.
type DeviationError struct {
	Primary  *big.Int
	Fallback *big.Int
}

func (e *DeviationError) Error() string {
	return fmt.Sprintf("oracle: price deviation too high: primary %s fallback %s", e.Primary, e.Fallback)
}

// Unwrap lets callers branch on ErrPriceDeviation.
func (e *DeviationError) Unwrap() error { return ErrPriceDeviation }

// Reading is a single primary-feed observation in the feed's native
// precision.
type Reading struct {
	RoundID   uint64
	Answer    *big.Int
	UpdatedAt time.Time
	Complete  bool
}

// PrimaryFeed is the push-style price feed collaborator.
type PrimaryFeed interface {
	LatestPrice() (Reading, error)
}

// FallbackPool reports a time-weighted average price over the supplied
// window, in the pool's native precision.
type FallbackPool interface {
	Observe(window time.Duration) (*big.Int, error)
}

// UptimeFeed is the optional platform-uptime collaborator.
type UptimeFeed interface {
	LatestStatus() (down bool, since time.Time, err error)
}

// FeedConfig describes the price sources for one token. Set by an
// administrative collaborator, read-only at query time.
type FeedConfig struct {
	Primary          PrimaryFeed
	PrimaryDecimals  uint8
	MaxStaleness     time.Duration
	Fallback         FallbackPool
	FallbackDecimals uint8
	FallbackWindow   time.Duration
	// Inverted flags a fallback pool quoting the reciprocal orientation.
	Inverted bool
}

// Price is a resolved quote normalized to the WAD scale.
type Price struct {
	Value          *big.Int
	Timestamp      time.Time
	FallbackSource bool
}

// FeedStatus summarises the most recent resolution outcome for a token.
type FeedStatus struct {
	Token       common.Address
	LastSuccess time.Time
	LastFailure time.Time
	LastSource  string
	LastError   string
}

// Resolver answers price queries from a primary feed with a TWAP fallback
// and a deviation check between the two. Prices are never cached: staleness
// and deviation policies depend on wall-clock time, so every call consults
// the sources fresh.
type Resolver struct {
	mu              sync.RWMutex
	feeds           map[common.Address]FeedConfig
	uptime          UptimeFeed
	gracePeriod     time.Duration
	maxDeviationBps uint64
	now             func() time.Time
	health          map[common.Address]FeedStatus
}

// NewResolver constructs an empty resolver with the default 5% deviation
// bound.
func NewResolver() *Resolver {
	return &Resolver{
		feeds:           make(map[common.Address]FeedConfig),
		maxDeviationBps: defaultMaxDeviationBps,
		now:             time.Now,
		health:          make(map[common.Address]FeedStatus),
	}
}

// SetFeed registers or replaces the feed configuration for a token.
func (r *Resolver) SetFeed(token common.Address, cfg FeedConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[token] = cfg
}

// SetUptimeFeed wires the optional platform-uptime guard with its recovery
// grace period.
func (r *Resolver) SetUptimeFeed(feed UptimeFeed, grace time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uptime = feed
	r.gracePeriod = grace
}

// SetMaxDeviationBps overrides the primary/fallback disagreement bound.
func (r *Resolver) SetMaxDeviationBps(bps uint64) {
	if bps == 0 {
		bps = defaultMaxDeviationBps
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxDeviationBps = bps
}

// SetClock overrides the wall clock, for tests.
func (r *Resolver) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// GetPrice resolves the token's current price at the WAD scale.
//
// Resolution order: the uptime guard first, then the primary feed, then the
// fallback pool. When both sources answer, the relative deviation
// |a-b|/avg(a,b) must stay within the configured bound and the primary value
// wins. A deviation breach is surfaced, never silently downgraded to either
// source.
func (r *Resolver) GetPrice(token common.Address) (Price, error) {
	r.mu.RLock()
	cfg, ok := r.feeds[token]
	uptime := r.uptime
	grace := r.gracePeriod
	maxDeviation := r.maxDeviationBps
	now := r.now()
	r.mu.RUnlock()

	if !ok {
		return Price{}, ErrOracleNotConfigured
	}

	price, err := r.resolve(cfg, uptime, grace, maxDeviation, now)
	r.record(token, price, err, now)
	return price, err
}

func (r *Resolver) resolve(cfg FeedConfig, uptime UptimeFeed, grace time.Duration, maxDeviationBps uint64, now time.Time) (Price, error) {
	if uptime != nil {
		down, since, err := uptime.LatestStatus()
		if err != nil || down {
			return Price{}, ErrSequencerDown
		}
		if grace > 0 && now.Sub(since) < grace {
			return Price{}, ErrSequencerDown
		}
	}

	primary, primaryErr := readPrimary(cfg, now)
	fallback, fallbackErr := readFallback(cfg)

	switch {
	case primaryErr == nil && fallbackErr == nil:
		if err := checkDeviation(primary, fallback, maxDeviationBps); err != nil {
			return Price{}, err
		}
		return Price{Value: primary, Timestamp: now}, nil
	case primaryErr == nil:
		return Price{Value: primary, Timestamp: now}, nil
	case fallbackErr == nil:
		return Price{Value: fallback, Timestamp: now, FallbackSource: true}, nil
	default:
		return Price{}, fmt.Errorf("%w: primary: %v; fallback: %v", ErrBothOraclesFailed, primaryErr, fallbackErr)
	}
}

func readPrimary(cfg FeedConfig, now time.Time) (*big.Int, error) {
	if cfg.Primary == nil {
		return nil, ErrOracleNotConfigured
	}
	reading, err := cfg.Primary.LatestPrice()
	if err != nil {
		return nil, err
	}
	if reading.Answer == nil || reading.Answer.Sign() <= 0 || !reading.Complete {
		return nil, ErrInvalidPrice
	}
	if cfg.MaxStaleness > 0 {
		age := now.Sub(reading.UpdatedAt)
		if age > cfg.MaxStaleness {
			return nil, &StaleReadingError{Age: age, Max: cfg.MaxStaleness}
		}
	}
	return normalize(reading.Answer, cfg.PrimaryDecimals), nil
}

func readFallback(cfg FeedConfig) (*big.Int, error) {
	if cfg.Fallback == nil {
		return nil, ErrOracleNotConfigured
	}
	raw, err := cfg.Fallback.Observe(cfg.FallbackWindow)
	if err != nil {
		return nil, err
	}
	if raw == nil || raw.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	value := normalize(raw, cfg.FallbackDecimals)
	if cfg.Inverted {
		value = invert(value)
		if value == nil {
			return nil, ErrInvalidPrice
		}
	}
	return value, nil
}

func checkDeviation(primary, fallback *big.Int, maxBps uint64) error {
	diff := new(big.Int).Sub(primary, fallback)
	diff.Abs(diff)
	avg := new(big.Int).Add(primary, fallback)
	avg.Rsh(avg, 1)
	if avg.Sign() == 0 {
		return &DeviationError{Primary: primary, Fallback: fallback}
	}
	// diff/avg > maxBps/10000, compared cross-multiplied to stay integral.
	lhs := new(big.Int).Mul(diff, big.NewInt(10_000))
	rhs := new(big.Int).Mul(avg, new(big.Int).SetUint64(maxBps))
	if lhs.Cmp(rhs) > 0 {
		return &DeviationError{
			Primary:  new(big.Int).Set(primary),
			Fallback: new(big.Int).Set(fallback),
		}
	}
	return nil
}

// normalize rescales a native-precision value to 18 fractional digits.
func normalize(value *big.Int, decimals uint8) *big.Int {
	if decimals == 18 {
		return new(big.Int).Set(value)
	}
	if decimals < 18 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
		return new(big.Int).Mul(value, scale)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil)
	return new(big.Int).Quo(new(big.Int).Set(value), scale)
}

// invert flips a WAD price to the reciprocal orientation.
func invert(value *big.Int) *big.Int {
	if value == nil || value.Sign() == 0 {
		return nil
	}
	num := new(big.Int).Mul(wad, wad)
	return num.Quo(num, value)
}

func (r *Resolver) record(token common.Address, price Price, err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.health[token]
	status.Token = token
	if err != nil {
		status.LastFailure = now
		status.LastError = err.Error()
	} else {
		status.LastSuccess = now
		status.LastError = ""
		if price.FallbackSource {
			status.LastSource = "fallback"
		} else {
			status.LastSource = "primary"
		}
	}
	r.health[token] = status
}

// Health reports the most recent resolution outcome per configured token,
// sorted by token address for stable output.
func (r *Resolver) Health() []FeedStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FeedStatus, 0, len(r.health))
	for _, status := range r.health {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Token.Hex() < out[j].Token.Hex()
	})
	return out
}
