package oracle

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testToken = common.HexToAddress("0x00000000000000000000000000000000000000C0")
	testTime  = time.Unix(1_700_000_000, 0)
)

func wadPrice(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), wad)
}

func newTestResolver() *Resolver {
	r := NewResolver()
	r.SetClock(func() time.Time { return testTime })
	return r
}

func freshReading(answer *big.Int) Reading {
	return Reading{
		RoundID:   7,
		Answer:    answer,
		UpdatedAt: testTime.Add(-time.Minute),
		Complete:  true,
	}
}

func TestGetPriceUnconfiguredToken(t *testing.T) {
	r := newTestResolver()
	if _, err := r.GetPrice(testToken); !errors.Is(err, ErrOracleNotConfigured) {
		t.Fatalf("expected ErrOracleNotConfigured, got %v", err)
	}
}

func TestGetPricePrimaryOnly(t *testing.T) {
	r := newTestResolver()
	feed := NewStaticFeed()
	feed.Set(freshReading(wadPrice(2000)))
	r.SetFeed(testToken, FeedConfig{Primary: feed, PrimaryDecimals: 18, MaxStaleness: time.Hour})

	price, err := r.GetPrice(testToken)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if price.Value.Cmp(wadPrice(2000)) != 0 {
		t.Fatalf("expected 2000 WAD, got %s", price.Value)
	}
	if price.FallbackSource {
		t.Fatalf("expected primary-sourced price")
	}
}

func TestGetPriceNormalizesDecimals(t *testing.T) {
	r := newTestResolver()
	feed := NewStaticFeed()
	// 2000 at 8 decimals.
	feed.Set(freshReading(big.NewInt(2000_0000_0000)))
	r.SetFeed(testToken, FeedConfig{Primary: feed, PrimaryDecimals: 8, MaxStaleness: time.Hour})

	price, err := r.GetPrice(testToken)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if price.Value.Cmp(wadPrice(2000)) != 0 {
		t.Fatalf("expected normalized 2000 WAD, got %s", price.Value)
	}
}

func TestGetPriceDeviationPolicy(t *testing.T) {
	r := newTestResolver()
	feed := NewStaticFeed()
	feed.Set(freshReading(wadPrice(2000)))
	pool := NewStaticPool()
	pool.Set(wadPrice(2200))
	cfg := FeedConfig{
		Primary:          feed,
		PrimaryDecimals:  18,
		MaxStaleness:     time.Hour,
		Fallback:         pool,
		FallbackDecimals: 18,
		FallbackWindow:   30 * time.Minute,
	}
	r.SetFeed(testToken, cfg)

	// 2000 vs 2200 deviates by ~9.5% of the average, over the 5% bound.
	_, err := r.GetPrice(testToken)
	if !errors.Is(err, ErrPriceDeviation) {
		t.Fatalf("expected ErrPriceDeviation, got %v", err)
	}
	var deviation *DeviationError
	if !errors.As(err, &deviation) {
		t.Fatalf("expected DeviationError, got %T", err)
	}
	if deviation.Primary.Cmp(wadPrice(2000)) != 0 || deviation.Fallback.Cmp(wadPrice(2200)) != 0 {
		t.Fatalf("deviation error carries wrong prices: %v", deviation)
	}

	// 2000 vs 2050 is inside the bound; the primary value wins.
	pool.Set(wadPrice(2050))
	price, err := r.GetPrice(testToken)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if price.Value.Cmp(wadPrice(2000)) != 0 {
		t.Fatalf("expected primary 2000, got %s", price.Value)
	}
	if price.FallbackSource {
		t.Fatalf("expected primary-sourced price when both agree")
	}
}

func TestGetPriceStalePrimaryFallsBack(t *testing.T) {
	r := newTestResolver()
	feed := NewStaticFeed()
	stale := freshReading(wadPrice(2000))
	stale.UpdatedAt = testTime.Add(-2 * time.Hour)
	feed.Set(stale)
	pool := NewStaticPool()
	pool.Set(wadPrice(1990))
	r.SetFeed(testToken, FeedConfig{
		Primary:          feed,
		PrimaryDecimals:  18,
		MaxStaleness:     time.Hour,
		Fallback:         pool,
		FallbackDecimals: 18,
		FallbackWindow:   30 * time.Minute,
	})

	price, err := r.GetPrice(testToken)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if !price.FallbackSource {
		t.Fatalf("expected fallback-sourced price")
	}
	if price.Value.Cmp(wadPrice(1990)) != 0 {
		t.Fatalf("expected fallback 1990, got %s", price.Value)
	}
}

func TestGetPriceStaleWithoutFallbackFails(t *testing.T) {
	r := newTestResolver()
	feed := NewStaticFeed()
	stale := freshReading(wadPrice(2000))
	stale.UpdatedAt = testTime.Add(-2 * time.Hour)
	feed.Set(stale)
	r.SetFeed(testToken, FeedConfig{Primary: feed, PrimaryDecimals: 18, MaxStaleness: time.Hour})

	_, err := r.GetPrice(testToken)
	if !errors.Is(err, ErrBothOraclesFailed) {
		t.Fatalf("expected ErrBothOraclesFailed, got %v", err)
	}
}

func TestBothOraclesFailedReportsBothCauses(t *testing.T) {
	r := newTestResolver()
	feed := NewStaticFeed()
	feed.Fail(errors.New("feed offline"))
	pool := NewStaticPool()
	pool.Fail(errors.New("pool drained"))
	r.SetFeed(testToken, FeedConfig{
		Primary:          feed,
		PrimaryDecimals:  18,
		MaxStaleness:     time.Hour,
		Fallback:         pool,
		FallbackDecimals: 18,
		FallbackWindow:   30 * time.Minute,
	})

	_, err := r.GetPrice(testToken)
	if !errors.Is(err, ErrBothOraclesFailed) {
		t.Fatalf("expected ErrBothOraclesFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "feed offline") || !strings.Contains(err.Error(), "pool drained") {
		t.Fatalf("expected both causes reported, got %q", err.Error())
	}
}

func TestStaleReadingErrorCarriesAge(t *testing.T) {
	cfg := FeedConfig{MaxStaleness: time.Hour, PrimaryDecimals: 18}
	feed := NewStaticFeed()
	stale := freshReading(wadPrice(2000))
	stale.UpdatedAt = testTime.Add(-90 * time.Minute)
	feed.Set(stale)
	cfg.Primary = feed

	_, err := readPrimary(cfg, testTime)
	var staleErr *StaleReadingError
	if !errors.As(err, &staleErr) {
		t.Fatalf("expected StaleReadingError, got %v", err)
	}
	if !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected unwrap to ErrStalePrice")
	}
	if staleErr.Age != 90*time.Minute || staleErr.Max != time.Hour {
		t.Fatalf("unexpected ages: %+v", staleErr)
	}
}

func TestGetPriceIncompleteRoundRejected(t *testing.T) {
	r := newTestResolver()
	feed := NewStaticFeed()
	reading := freshReading(wadPrice(2000))
	reading.Complete = false
	feed.Set(reading)
	r.SetFeed(testToken, FeedConfig{Primary: feed, PrimaryDecimals: 18, MaxStaleness: time.Hour})

	if _, err := r.GetPrice(testToken); !errors.Is(err, ErrBothOraclesFailed) {
		t.Fatalf("expected ErrBothOraclesFailed, got %v", err)
	}
}

func TestSequencerGuard(t *testing.T) {
	r := newTestResolver()
	feed := NewStaticFeed()
	feed.Set(freshReading(wadPrice(2000)))
	r.SetFeed(testToken, FeedConfig{Primary: feed, PrimaryDecimals: 18, MaxStaleness: time.Hour})

	uptime := &StaticUptime{}
	uptime.SetStatus(true, testTime.Add(-time.Minute))
	r.SetUptimeFeed(uptime, time.Hour)
	if _, err := r.GetPrice(testToken); !errors.Is(err, ErrSequencerDown) {
		t.Fatalf("expected ErrSequencerDown while down, got %v", err)
	}

	// Recovered, but inside the grace window.
	uptime.SetStatus(false, testTime.Add(-30*time.Minute))
	if _, err := r.GetPrice(testToken); !errors.Is(err, ErrSequencerDown) {
		t.Fatalf("expected ErrSequencerDown within grace, got %v", err)
	}

	uptime.SetStatus(false, testTime.Add(-2*time.Hour))
	if _, err := r.GetPrice(testToken); err != nil {
		t.Fatalf("expected success after grace, got %v", err)
	}
}

func TestInvertedFallback(t *testing.T) {
	r := newTestResolver()
	pool := NewStaticPool()
	// The pool quotes the reciprocal: 1/2000 at WAD scale.
	pool.Set(new(big.Int).Quo(new(big.Int).Mul(wad, wad), wadPrice(2000)))
	r.SetFeed(testToken, FeedConfig{
		Fallback:         pool,
		FallbackDecimals: 18,
		FallbackWindow:   30 * time.Minute,
		Inverted:         true,
	})

	price, err := r.GetPrice(testToken)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if price.Value.Cmp(wadPrice(2000)) != 0 {
		t.Fatalf("expected inverted 2000, got %s", price.Value)
	}
	if !price.FallbackSource {
		t.Fatalf("expected fallback-sourced price")
	}
}

func TestHealthTracksOutcomes(t *testing.T) {
	r := newTestResolver()
	feed := NewStaticFeed()
	feed.Set(freshReading(wadPrice(2000)))
	r.SetFeed(testToken, FeedConfig{Primary: feed, PrimaryDecimals: 18, MaxStaleness: time.Hour})

	if _, err := r.GetPrice(testToken); err != nil {
		t.Fatalf("get price: %v", err)
	}
	feed.Fail(errors.New("feed offline"))
	if _, err := r.GetPrice(testToken); err == nil {
		t.Fatalf("expected failure after feed outage")
	}

	health := r.Health()
	if len(health) != 1 {
		t.Fatalf("expected one tracked token, got %d", len(health))
	}
	status := health[0]
	if status.Token != testToken {
		t.Fatalf("unexpected token %s", status.Token.Hex())
	}
	if status.LastSource != "primary" {
		t.Fatalf("expected last success from primary, got %q", status.LastSource)
	}
	if status.LastError == "" {
		t.Fatalf("expected last error recorded")
	}
}
