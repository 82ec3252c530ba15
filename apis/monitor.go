package apis

import (
	"net/http"

	"github.com/alwitt/quotefeed/catalog"
	"github.com/alwitt/quotefeed/common"
	"github.com/alwitt/quotefeed/registry"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIRestMonitorHandler REST handler for server status queries
type APIRestMonitorHandler struct {
	APIRestHandler
	sessions registry.SessionRegistry
	tickers  catalog.TickerCatalog
}

// GetAPIRestMonitorHandler define APIRestMonitorHandler
func GetAPIRestMonitorHandler(
	sessions registry.SessionRegistry, tickers catalog.TickerCatalog,
) (APIRestMonitorHandler, error) {
	logTags := log.Fields{
		"module": "apis", "component": "monitor",
	}
	return APIRestMonitorHandler{
		APIRestHandler: APIRestHandler{
			Component: common.Component{LogTags: logTags},
		},
		sessions: sessions,
		tickers:  tickers,
	}, nil
}

// APIRestRespServerStats response structure for the server stats query
type APIRestRespServerStats struct {
	StandardResponse
	// TotalSessions all sessions regardless of state
	TotalSessions int `json:"total_sessions"`
	// ActiveSessions sessions eligible for data delivery
	ActiveSessions int `json:"active_sessions"`
	// SubscriptionsPerTicker subscriber counts keyed by symbol
	SubscriptionsPerTicker map[string]int `json:"subscriptions_per_ticker"`
	// Tickers the full catalog being simulated
	Tickers []string `json:"tickers"`
}

// Stats query for the current session and subscription counters
func (h APIRestMonitorHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessions.Stats(r.Context())
	if err != nil {
		msg := err.Error()
		h.reply(
			w, http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg), "GET /v1/stats",
		)
		return
	}
	resp := APIRestRespServerStats{
		StandardResponse:       getStdRESTSuccessMsg(),
		TotalSessions:          stats.TotalSessions,
		ActiveSessions:         stats.ActiveSessions,
		SubscriptionsPerTicker: stats.SubscriptionsPerTicker,
		Tickers:                h.tickers.Symbols(),
	}
	h.reply(w, http.StatusOK, resp, "GET /v1/stats")
}

// StatsHandler Wrapper around Stats
func (h APIRestMonitorHandler) StatsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Stats(w, r)
	})
}

// -----------------------------------------------------------------------

// Alive liveness check
func (h APIRestMonitorHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestMonitorHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// -----------------------------------------------------------------------

// Ready readiness check. Ready once the session registry event loop answers
func (h APIRestMonitorHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.sessions.Stats(r.Context()); err != nil {
		msg := "not ready"
		h.reply(
			w, http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg), "GET /ready",
		)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestMonitorHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}

// -----------------------------------------------------------------------

// MetricsHandler prometheus metrics exposition
func (h APIRestMonitorHandler) MetricsHandler() http.HandlerFunc {
	metrics := promhttp.Handler()
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.ServeHTTP(w, r)
	}
}
