package quote

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Quote one price and volume observation for a ticker at a point in time
type Quote struct {
	// Ticker is the instrument symbol
	Ticker string `json:"ticker" validate:"required"`
	// Price is the observed price. Always positive
	Price decimal.Decimal `json:"price"`
	// Volume is the observed trade volume
	Volume uint32 `json:"volume"`
	// Timestamp is milliseconds since epoch. Non-decreasing per ticker
	Timestamp int64 `json:"timestamp" validate:"gte=0"`
}

// wireFieldCount number of fields in the datagram encoding
const wireFieldCount = 4

// Encode serialize the quote into its canonical datagram form
//
// The wire format is `TICKER|<price 2dp>|<volume>|<timestamp_ms>`. Each
// datagram is self contained and independently interpretable.
func (q Quote) Encode() []byte {
	return []byte(fmt.Sprintf(
		"%s|%s|%d|%d", q.Ticker, q.Price.StringFixed(2), q.Volume, q.Timestamp,
	))
}

// String implement fmt.Stringer
func (q Quote) String() string {
	return string(q.Encode())
}

// Decode parse a datagram in the canonical wire form back into a quote
func Decode(data []byte) (Quote, error) {
	parts := strings.Split(string(data), "|")
	if len(parts) != wireFieldCount {
		return Quote{}, fmt.Errorf("quote datagram has %d fields, expect %d", len(parts), wireFieldCount)
	}
	ticker := strings.TrimSpace(parts[0])
	if len(ticker) == 0 {
		return Quote{}, fmt.Errorf("quote datagram missing ticker")
	}
	price, err := decimal.NewFromString(parts[1])
	if err != nil {
		return Quote{}, fmt.Errorf("quote datagram has invalid price %s: %s", parts[1], err)
	}
	if !price.IsPositive() {
		return Quote{}, fmt.Errorf("quote datagram has non-positive price %s", parts[1])
	}
	volume, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Quote{}, fmt.Errorf("quote datagram has invalid volume %s: %s", parts[2], err)
	}
	timestamp, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("quote datagram has invalid timestamp %s: %s", parts[3], err)
	}
	return Quote{
		Ticker: ticker, Price: price, Volume: uint32(volume), Timestamp: timestamp,
	}, nil
}
