package apis

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alwitt/quotefeed/catalog"
	"github.com/alwitt/quotefeed/common"
	"github.com/alwitt/quotefeed/registry"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestMonitorAPI(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	tickers, err := catalog.ParseTickerCatalog(strings.NewReader("AAPL\nTSLA\n"))
	assert.Nil(err)
	tp, err := common.GetNewTaskProcessorInstance("ut-apis", 16, utCtxt)
	assert.Nil(err)
	sessions, err := registry.DefineSessionRegistry(tickers, clockwork.NewRealClock(), tp)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))

	uut, err := GetAPIRestMonitorHandler(sessions, tickers)
	assert.Nil(err)

	// Case 0: check alive
	{
		req, err := http.NewRequest("GET", "/alive", nil)
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		handler := uut.AliveHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 1: check ready
	{
		req, err := http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		handler := uut.ReadyHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 2: stats reflects an empty registry
	{
		req, err := http.NewRequest("GET", "/v1/stats", nil)
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		handler := uut.StatsHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespServerStats
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(0, msg.TotalSessions)
		assert.Equal(0, msg.ActiveSessions)
		assert.EqualValues([]string{"AAPL", "TSLA"}, msg.Tickers)
	}

	// Case 3: stats tracks registrations and activation
	sessionID, err := sessions.Register(
		&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 45678},
		[]string{"AAPL", "TSLA"},
		nil,
		utCtxt,
	)
	assert.Nil(err)
	{
		req, err := http.NewRequest("GET", "/v1/stats", nil)
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		handler := uut.StatsHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespServerStats
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.Equal(1, msg.TotalSessions)
		assert.Equal(0, msg.ActiveSessions)
		assert.Equal(1, msg.SubscriptionsPerTicker["AAPL"])
		assert.Equal(1, msg.SubscriptionsPerTicker["TSLA"])
	}
	{
		known, err := sessions.Touch(sessionID, utCtxt)
		assert.Nil(err)
		assert.True(known)

		req, err := http.NewRequest("GET", "/v1/stats", nil)
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		handler := uut.StatsHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespServerStats
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.Equal(1, msg.ActiveSessions)
	}

	// Case 4: prometheus exposition responds
	{
		req, err := http.NewRequest("GET", "/metrics", nil)
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		handler := uut.MetricsHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		assert.Contains(respRecorder.Body.String(), "quotefeed_active_sessions")
	}
}
