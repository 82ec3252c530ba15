package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickerCatalogParsing(t *testing.T) {
	assert := assert.New(t)

	// Case 0: empty input is rejected
	{
		_, err := ParseTickerCatalog(strings.NewReader(""))
		assert.NotNil(err)
	}

	// Case 1: blank lines only is rejected
	{
		_, err := ParseTickerCatalog(strings.NewReader("\n \n\t\n"))
		assert.NotNil(err)
	}

	// Case 2: symbols are trimmed, uppercased, and deduplicated
	{
		uut, err := ParseTickerCatalog(strings.NewReader("aapl\n TSLA \n\nAAPL\nmsft\n"))
		assert.Nil(err)
		assert.Equal([]string{"AAPL", "MSFT", "TSLA"}, uut.Symbols())
		assert.True(uut.Has("AAPL"))
		assert.True(uut.Has("aapl"))
		assert.True(uut.Has("Tsla"))
		assert.False(uut.Has("GOOGL"))
		assert.False(uut.Has(""))
	}
}

func TestTickerCatalogFileLoading(t *testing.T) {
	assert := assert.New(t)

	// Case 0: missing file
	{
		_, err := LoadTickerCatalog(filepath.Join(t.TempDir(), "no-such-file.txt"))
		assert.NotNil(err)
	}

	// Case 1: load from file
	{
		catalogFile := filepath.Join(t.TempDir(), "tickers.txt")
		assert.Nil(os.WriteFile(catalogFile, []byte("AAPL\nMSFT\n"), 0644))
		uut, err := LoadTickerCatalog(catalogFile)
		assert.Nil(err)
		assert.Equal([]string{"AAPL", "MSFT"}, uut.Symbols())
	}
}
