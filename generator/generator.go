package generator

import (
	"fmt"
	"math/rand"

	"github.com/alwitt/quotefeed/catalog"
	"github.com/alwitt/quotefeed/common"
	"github.com/alwitt/quotefeed/quote"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// TickSource source of simulated market data. Each call returns one Quote
// per catalog ticker; per-ticker timestamps never decrease and prices stay
// positive. Implementations are not safe for concurrent use; the broadcaster
// is the only caller
type TickSource interface {
	Next() []quote.Quote
}

// tier base volumes keyed by symbol prominence
var baseVolumeTiers = map[string]uint32{
	"AAPL": 5000, "MSFT": 5000, "GOOGL": 5000,
	"TSLA": 3000, "AMZN": 3000, "NVDA": 3000,
	"META": 2000, "JPM": 2000, "JNJ": 2000,
}

// defaultBaseVolume base volume for symbols outside the tier table
const defaultBaseVolume = 1000

// randomWalkSource implements TickSource with a multiplicative random walk
type randomWalkSource struct {
	common.Component
	volatility    float64
	rnd           *rand.Rand
	clock         clockwork.Clock
	tickers       []string
	prices        map[string]float64
	lastTimestamp map[string]int64
}

// DefineRandomWalkSource create the reference random walk tick source
//
// Passing a seeded rand.Rand gives a fully deterministic stream, which the
// tests rely on.
func DefineRandomWalkSource(
	tickers catalog.TickerCatalog,
	volatility float64,
	rnd *rand.Rand,
	clock clockwork.Clock,
) (TickSource, error) {
	if volatility <= 0 || volatility >= 1 {
		return nil, fmt.Errorf("volatility %f outside of (0, 1)", volatility)
	}
	logTags := log.Fields{
		"module": "generator", "component": "random-walk",
	}
	instance := &randomWalkSource{
		Component:     common.Component{LogTags: logTags},
		volatility:    volatility,
		rnd:           rnd,
		clock:         clock,
		tickers:       tickers.Symbols(),
		prices:        make(map[string]float64),
		lastTimestamp: make(map[string]int64),
	}
	for _, ticker := range instance.tickers {
		// Seed each ticker somewhere in [50, 1000)
		instance.prices[ticker] = 50.0 + rnd.Float64()*950.0
	}
	log.WithFields(logTags).Infof(
		"Initialized random walk for %d tickers with volatility %f",
		len(instance.tickers), volatility,
	)
	return instance, nil
}

// Next generate one Quote per catalog ticker
func (g *randomWalkSource) Next() []quote.Quote {
	now := g.clock.Now().UnixMilli()
	quotes := make([]quote.Quote, 0, len(g.tickers))
	for _, ticker := range g.tickers {
		price := g.prices[ticker] * (1.0 + (g.rnd.Float64()*2.0-1.0)*g.volatility)
		if price < 1.0 {
			price = 1.0
		}
		g.prices[ticker] = price

		timestamp := now
		if last := g.lastTimestamp[ticker]; timestamp < last {
			timestamp = last
		}
		g.lastTimestamp[ticker] = timestamp

		quotes = append(quotes, quote.Quote{
			Ticker:    ticker,
			Price:     decimal.NewFromFloat(price).Round(2),
			Volume:    g.nextVolume(ticker),
			Timestamp: timestamp,
		})
	}
	return quotes
}

// nextVolume sample a trade volume around the ticker's base volume
func (g *randomWalkSource) nextVolume(ticker string) uint32 {
	base, ok := baseVolumeTiers[ticker]
	if !ok {
		base = defaultBaseVolume
	}
	stdDev := float64(base) * 0.3
	sampled := float64(base) + (g.rnd.Float64()*4.0-2.0)*stdDev
	if sampled < 100.0 {
		sampled = 100.0
	}
	// Occasional volume spike
	if g.rnd.Float64() < 0.05 {
		sampled *= 3.0
	}
	return uint32(sampled)
}
