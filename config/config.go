package config

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"isolend/protocol/auction"
	"isolend/protocol/interest"
	"isolend/protocol/market"
)

// Config is the protocol configuration: oracle policy, auction curve, and one
// entry per isolated market.
type Config struct {
	Oracle  OracleConfig   `toml:"Oracle"`
	Auction AuctionConfig  `toml:"Auction"`
	Markets []MarketConfig `toml:"Market"`
}

// OracleConfig holds the resolver-wide policy knobs. An empty
// SequencerEndpoint disables the uptime guard.
type OracleConfig struct {
	MaxDeviationBps       uint64 `toml:"MaxDeviationBps"`
	SequencerEndpoint     string `toml:"SequencerEndpoint"`
	SequencerGraceSeconds int64  `toml:"SequencerGraceSeconds"`
}

// AuctionConfig holds the Dutch-auction curve parameters as decimal
// fractions.
type AuctionConfig struct {
	CloseFactor     float64 `toml:"CloseFactor"`
	StartPremium    float64 `toml:"StartPremium"`
	EndDiscount     float64 `toml:"EndDiscount"`
	DurationSeconds int64   `toml:"DurationSeconds"`
	MinFill         float64 `toml:"MinFill"`
}

// MarketConfig describes one collateral/borrow pair.
type MarketConfig struct {
	Symbol               string          `toml:"Symbol"`
	CollateralToken      string          `toml:"CollateralToken"`
	BorrowToken          string          `toml:"BorrowToken"`
	CollateralDecimals   uint8           `toml:"CollateralDecimals"`
	BorrowDecimals       uint8           `toml:"BorrowDecimals"`
	LTV                  float64         `toml:"LTV"`
	LiquidationThreshold float64         `toml:"LiquidationThreshold"`
	LiquidationPenalty   float64         `toml:"LiquidationPenalty"`
	ReserveFactor        float64         `toml:"ReserveFactor"`
	RateModel            RateModelConfig `toml:"RateModel"`
	Feeds                FeedConfig      `toml:"Feeds"`
}

// RateModelConfig holds the kinked-curve parameters as annual fractions.
type RateModelConfig struct {
	Base   float64 `toml:"Base"`
	Slope1 float64 `toml:"Slope1"`
	Slope2 float64 `toml:"Slope2"`
	Kink   float64 `toml:"Kink"`
}

// FeedConfig describes the per-market price sources.
type FeedConfig struct {
	CollateralEndpoint    string `toml:"CollateralEndpoint"`
	CollateralSymbol      string `toml:"CollateralSymbol"`
	CollateralDecimals    uint8  `toml:"CollateralFeedDecimals"`
	BorrowEndpoint        string `toml:"BorrowEndpoint"`
	BorrowSymbol          string `toml:"BorrowSymbol"`
	BorrowDecimals        uint8  `toml:"BorrowFeedDecimals"`
	MaxStalenessSeconds   int64  `toml:"MaxStalenessSeconds"`
	FallbackEndpoint      string `toml:"FallbackEndpoint"`
	FallbackSymbol        string `toml:"FallbackSymbol"`
	FallbackWindowSeconds int64  `toml:"FallbackWindowSeconds"`
	FallbackDecimals      uint8  `toml:"FallbackDecimals"`
	Inverted              bool   `toml:"Inverted"`
}

// Load reads and validates a protocol configuration file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config: unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section for internally consistent values.
func (c *Config) Validate() error {
	if c.Oracle.SequencerGraceSeconds < 0 {
		return fmt.Errorf("config: SequencerGraceSeconds must not be negative")
	}
	if _, err := c.Auction.EngineConfig(); err != nil {
		return err
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("config: at least one market is required")
	}
	seen := make(map[string]bool, len(c.Markets))
	for i := range c.Markets {
		m := &c.Markets[i]
		if strings.TrimSpace(m.Symbol) == "" {
			return fmt.Errorf("config: market %d: Symbol is required", i)
		}
		if seen[m.Symbol] {
			return fmt.Errorf("config: duplicate market symbol %q", m.Symbol)
		}
		seen[m.Symbol] = true
		if _, err := m.Params(); err != nil {
			return fmt.Errorf("config: market %q: %w", m.Symbol, err)
		}
		if _, err := m.Model(); err != nil {
			return fmt.Errorf("config: market %q: %w", m.Symbol, err)
		}
		if m.Feeds.FallbackEndpoint != "" && m.Feeds.FallbackWindowSeconds <= 0 {
			return fmt.Errorf("config: market %q: FallbackWindowSeconds must be positive with a fallback endpoint", m.Symbol)
		}
	}
	return nil
}

// Params converts the market entry into validated engine parameters.
func (m *MarketConfig) Params() (market.Params, error) {
	if !common.IsHexAddress(m.CollateralToken) || !common.IsHexAddress(m.BorrowToken) {
		return market.Params{}, fmt.Errorf("token addresses must be hex addresses")
	}
	params := market.Params{
		CollateralToken:      common.HexToAddress(m.CollateralToken),
		BorrowToken:          common.HexToAddress(m.BorrowToken),
		CollateralDecimals:   m.CollateralDecimals,
		BorrowDecimals:       m.BorrowDecimals,
		LTV:                  FracToWad(m.LTV),
		LiquidationThreshold: FracToWad(m.LiquidationThreshold),
		LiquidationPenalty:   FracToWad(m.LiquidationPenalty),
		ReserveFactor:        FracToWad(m.ReserveFactor),
	}
	if err := params.Validate(); err != nil {
		return market.Params{}, err
	}
	return params, nil
}

// Model builds the market's interest rate model.
func (m *MarketConfig) Model() (*interest.Model, error) {
	return interest.NewModel(m.RateModel.Base, m.RateModel.Slope1, m.RateModel.Slope2, m.RateModel.Kink)
}

// EngineConfig converts the auction section into validated engine
// configuration.
func (a *AuctionConfig) EngineConfig() (auction.Config, error) {
	cfg := auction.Config{
		CloseFactor:  FracToWad(a.CloseFactor),
		StartPremium: FracToWad(a.StartPremium),
		EndDiscount:  FracToWad(a.EndDiscount),
		Duration:     time.Duration(a.DurationSeconds) * time.Second,
		MinFill:      FracToWad(a.MinFill),
	}
	if err := cfg.Validate(); err != nil {
		return auction.Config{}, err
	}
	return cfg, nil
}

// MaxStaleness returns the primary feed freshness bound.
func (f *FeedConfig) MaxStaleness() time.Duration {
	return time.Duration(f.MaxStalenessSeconds) * time.Second
}

// FallbackWindow returns the TWAP observation window.
func (f *FeedConfig) FallbackWindow() time.Duration {
	return time.Duration(f.FallbackWindowSeconds) * time.Second
}

// SequencerGrace returns the post-recovery grace period.
func (o *OracleConfig) SequencerGrace() time.Duration {
	return time.Duration(o.SequencerGraceSeconds) * time.Second
}

// FracToWad converts a decimal fraction to its WAD fixed-point value. The
// conversion goes through the shortest decimal representation so a configured
// 0.8 lands on exactly 8e17.
func FracToWad(v float64) *big.Int {
	rat, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	if !ok {
		return big.NewInt(0)
	}
	rat.Mul(rat, new(big.Rat).SetInt64(1_000_000_000_000_000_000))
	return new(big.Int).Quo(rat.Num(), rat.Denom())
}
