package catalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/apex/log"
)

// TickerCatalog static set of tradable instrument symbols known to the server
type TickerCatalog interface {
	// Has check whether a symbol is part of the catalog
	Has(symbol string) bool
	// Symbols return all catalog symbols in sorted order
	Symbols() []string
}

// tickerCatalogImpl implements TickerCatalog
type tickerCatalogImpl struct {
	symbols map[string]bool
}

// ParseTickerCatalog read a newline delimited symbol list
//
// Symbols are trimmed and uppercased. Blank lines are skipped. An empty
// result is a configuration error.
func ParseTickerCatalog(reader io.Reader) (TickerCatalog, error) {
	symbols := make(map[string]bool)
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		symbol := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		if len(symbol) > 0 {
			symbols[symbol] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("ticker catalog contains no symbols")
	}
	return &tickerCatalogImpl{symbols: symbols}, nil
}

// LoadTickerCatalog read the ticker catalog from a file
func LoadTickerCatalog(filename string) (TickerCatalog, error) {
	logTags := log.Fields{"module": "catalog", "component": "ticker-catalog"}
	file, err := os.Open(filename)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to open catalog file %s", filename)
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()
	parsed, err := ParseTickerCatalog(file)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to parse catalog file %s", filename)
		return nil, err
	}
	log.WithFields(logTags).Infof(
		"Loaded %d tickers from %s", len(parsed.Symbols()), filename,
	)
	return parsed, nil
}

// Has check whether a symbol is part of the catalog
func (c *tickerCatalogImpl) Has(symbol string) bool {
	return c.symbols[strings.ToUpper(symbol)]
}

// Symbols return all catalog symbols in sorted order
func (c *tickerCatalogImpl) Symbols() []string {
	result := make([]string, 0, len(c.symbols))
	for symbol := range c.symbols {
		result = append(result, symbol)
	}
	sort.Strings(result)
	return result
}
