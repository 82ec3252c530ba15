package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"time"

	"github.com/alwitt/quotefeed/catalog"
	"github.com/alwitt/quotefeed/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrUnknownTicker subscribe request referenced a symbol outside the catalog
var ErrUnknownTicker = errors.New("unknown ticker")

// ErrUnknownSession request referenced a session id not in the registry
var ErrUnknownSession = errors.New("unknown session")

var activeSessionGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "quotefeed_active_sessions",
	Help: "Number of sessions currently eligible for data delivery",
})

var sessionEvictionCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quotefeed_session_evictions_total",
	Help: "Number of sessions evicted due to liveness timeout",
})

// SessionRegistry the source of truth on who is subscribed to what and where
// to send it. All mutations and reads are serialized through one event loop,
// so no half-updated view is ever observable.
type SessionRegistry interface {
	// Register create a new session in Registered state. Rejects the whole
	// call if any ticker is outside the catalog
	Register(
		dataEndpoint *net.UDPAddr,
		tickers []string,
		onClose SessionCloseCB,
		ctxt context.Context,
	) (uuid.UUID, error)
	// Resubscribe replace an existing session's subscriptions and endpoint
	Resubscribe(
		id uuid.UUID, dataEndpoint *net.UDPAddr, tickers []string, ctxt context.Context,
	) error
	// Unsubscribe drop tickers from an existing session's subscriptions
	Unsubscribe(id uuid.UUID, tickers []string, ctxt context.Context) error
	// Touch record a liveness signal. Promotes Registered to Active on first
	// call. No-op for an unknown session; a heartbeat racing an eviction is
	// expected and harmless
	Touch(id uuid.UUID, ctxt context.Context) (bool, error)
	// Remove delete a session and release its control connection. Idempotent
	Remove(id uuid.UUID, ctxt context.Context) error
	// SnapshotSubscribers point-in-time copy of the Active data endpoints
	// subscribed to a ticker
	SnapshotSubscribers(ticker string, ctxt context.Context) ([]*net.UDPAddr, error)
	// EvictStale remove all sessions silent for longer than timeout. Returns
	// the evicted session ids
	EvictStale(timeout time.Duration, ctxt context.Context) ([]uuid.UUID, error)
	// Stats point-in-time registry counters
	Stats(ctxt context.Context) (RegistryStats, error)
}

// sessionRegistryImpl implements SessionRegistry
type sessionRegistryImpl struct {
	common.Component
	tp       common.TaskProcessor
	tickers  catalog.TickerCatalog
	clock    clockwork.Clock
	sessions map[uuid.UUID]*ClientSession
	// byTicker index from symbol to subscribed session ids. Recomputable
	// from sessions; maintained incrementally
	byTicker map[string]map[uuid.UUID]bool
}

// DefineSessionRegistry create new session registry
func DefineSessionRegistry(
	tickers catalog.TickerCatalog,
	clock clockwork.Clock,
	tp common.TaskProcessor,
) (SessionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "session-registry",
	}
	instance := sessionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		tickers:   tickers,
		clock:     clock,
		sessions:  make(map[uuid.UUID]*ClientSession),
		byTicker:  make(map[string]map[uuid.UUID]bool),
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryRegisterReq{}), instance.processRegisterRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryResubscribeReq{}), instance.processResubscribeRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryUnsubscribeReq{}), instance.processUnsubscribeRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryTouchReq{}), instance.processTouchRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryRemoveReq{}), instance.processRemoveRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registrySnapshotReq{}), instance.processSnapshotRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryEvictStaleReq{}), instance.processEvictStaleRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryStatsReq{}), instance.processStatsRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// validateTickers verify all symbols are within the catalog
func (r *sessionRegistryImpl) validateTickers(tickers []string) error {
	for _, ticker := range tickers {
		if !r.tickers.Has(ticker) {
			return fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
		}
	}
	return nil
}

// updateActiveSessionGauge refresh the prometheus active session gauge
func (r *sessionRegistryImpl) updateActiveSessionGauge() {
	active := 0
	for _, session := range r.sessions {
		if session.State == SessionActive {
			active++
		}
	}
	activeSessionGauge.Set(float64(active))
}

// dropFromIndex remove a session from the per-ticker index
func (r *sessionRegistryImpl) dropFromIndex(session *ClientSession) {
	for ticker := range session.Tickers {
		if subscribers, ok := r.byTicker[ticker]; ok {
			delete(subscribers, session.ID)
			if len(subscribers) == 0 {
				delete(r.byTicker, ticker)
			}
		}
	}
}

// addToIndex add a session to the per-ticker index
func (r *sessionRegistryImpl) addToIndex(session *ClientSession) {
	for ticker := range session.Tickers {
		if _, ok := r.byTicker[ticker]; !ok {
			r.byTicker[ticker] = make(map[uuid.UUID]bool)
		}
		r.byTicker[ticker][session.ID] = true
	}
}

// ----------------------------------------------------------------------------------------

type registryRegisterReq struct {
	dataEndpoint *net.UDPAddr
	tickers      []string
	onClose      SessionCloseCB
	resultCB     func(uuid.UUID, error)
}

// Register create a new session in Registered state
func (r *sessionRegistryImpl) Register(
	dataEndpoint *net.UDPAddr,
	tickers []string,
	onClose SessionCloseCB,
	ctxt context.Context,
) (uuid.UUID, error) {
	complete := make(chan bool, 1)
	var sessionID uuid.UUID
	var processError error
	handler := func(id uuid.UUID, err error) {
		sessionID = id
		processError = err
		complete <- true
	}

	request := registryRegisterReq{
		dataEndpoint: dataEndpoint, tickers: tickers, onClose: onClose, resultCB: handler,
	}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit register request")
		return uuid.UUID{}, err
	}

	select {
	case <-complete:
		return sessionID, processError
	case <-ctxt.Done():
		return uuid.UUID{}, ctxt.Err()
	}
}

// processRegisterRequest support task processor, deal with register request
func (r *sessionRegistryImpl) processRegisterRequest(param interface{}) error {
	request, ok := param.(registryRegisterReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session registration", reflect.TypeOf(param),
		)
	}
	id, err := r.ProcessRegisterRequest(request.dataEndpoint, request.tickers, request.onClose)
	request.resultCB(id, err)
	return err
}

// ProcessRegisterRequest create a new session in Registered state
func (r *sessionRegistryImpl) ProcessRegisterRequest(
	dataEndpoint *net.UDPAddr, tickers []string, onClose SessionCloseCB,
) (uuid.UUID, error) {
	if err := r.validateTickers(tickers); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Rejected session registration")
		return uuid.UUID{}, err
	}

	session := &ClientSession{
		ID:            uuid.New(),
		DataEndpoint:  dataEndpoint,
		Tickers:       make(map[string]bool),
		LastHeartbeat: r.clock.Now(),
		State:         SessionRegistered,
		closeControl:  onClose,
	}
	for _, ticker := range tickers {
		session.Tickers[ticker] = true
	}
	r.sessions[session.ID] = session
	r.addToIndex(session)

	log.WithFields(r.LogTags).Infof(
		"Registered session %s -> %s for %v. Total sessions %d",
		session.ID, dataEndpoint, tickers, len(r.sessions),
	)
	return session.ID, nil
}

// ----------------------------------------------------------------------------------------

type registryResubscribeReq struct {
	sessionID    uuid.UUID
	dataEndpoint *net.UDPAddr
	tickers      []string
	resultCB     func(error)
}

// Resubscribe replace an existing session's subscriptions and endpoint
func (r *sessionRegistryImpl) Resubscribe(
	id uuid.UUID, dataEndpoint *net.UDPAddr, tickers []string, ctxt context.Context,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryResubscribeReq{
		sessionID: id, dataEndpoint: dataEndpoint, tickers: tickers, resultCB: handler,
	}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit resubscribe request")
		return err
	}

	select {
	case <-complete:
		return processError
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// processResubscribeRequest support task processor, deal with resubscribe request
func (r *sessionRegistryImpl) processResubscribeRequest(param interface{}) error {
	request, ok := param.(registryResubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session resubscribe", reflect.TypeOf(param),
		)
	}
	err := r.ProcessResubscribeRequest(request.sessionID, request.dataEndpoint, request.tickers)
	request.resultCB(err)
	return err
}

// ProcessResubscribeRequest replace an existing session's subscriptions and endpoint
func (r *sessionRegistryImpl) ProcessResubscribeRequest(
	id uuid.UUID, dataEndpoint *net.UDPAddr, tickers []string,
) error {
	session, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if err := r.validateTickers(tickers); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Rejected resubscribe for session %s", id,
		)
		return err
	}

	r.dropFromIndex(session)
	session.DataEndpoint = dataEndpoint
	session.Tickers = make(map[string]bool)
	for _, ticker := range tickers {
		session.Tickers[ticker] = true
	}
	r.addToIndex(session)

	log.WithFields(r.LogTags).Infof(
		"Session %s resubscribed -> %s for %v", id, dataEndpoint, tickers,
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryUnsubscribeReq struct {
	sessionID uuid.UUID
	tickers   []string
	resultCB  func(error)
}

// Unsubscribe drop tickers from an existing session's subscriptions
func (r *sessionRegistryImpl) Unsubscribe(
	id uuid.UUID, tickers []string, ctxt context.Context,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryUnsubscribeReq{sessionID: id, tickers: tickers, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit unsubscribe request")
		return err
	}

	select {
	case <-complete:
		return processError
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// processUnsubscribeRequest support task processor, deal with unsubscribe request
func (r *sessionRegistryImpl) processUnsubscribeRequest(param interface{}) error {
	request, ok := param.(registryUnsubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session unsubscribe", reflect.TypeOf(param),
		)
	}
	err := r.ProcessUnsubscribeRequest(request.sessionID, request.tickers)
	request.resultCB(err)
	return err
}

// ProcessUnsubscribeRequest drop tickers from an existing session's subscriptions
func (r *sessionRegistryImpl) ProcessUnsubscribeRequest(id uuid.UUID, tickers []string) error {
	session, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	r.dropFromIndex(session)
	for _, ticker := range tickers {
		delete(session.Tickers, ticker)
	}
	r.addToIndex(session)

	log.WithFields(r.LogTags).Infof(
		"Session %s unsubscribed from %v. %d tickers remain", id, tickers, len(session.Tickers),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryTouchReq struct {
	sessionID uuid.UUID
	resultCB  func(bool, error)
}

// Touch record a liveness signal for a session
func (r *sessionRegistryImpl) Touch(id uuid.UUID, ctxt context.Context) (bool, error) {
	complete := make(chan bool, 1)
	var known bool
	var processError error
	handler := func(found bool, err error) {
		known = found
		processError = err
		complete <- true
	}

	request := registryTouchReq{sessionID: id, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit touch request")
		return false, err
	}

	select {
	case <-complete:
		return known, processError
	case <-ctxt.Done():
		return false, ctxt.Err()
	}
}

// processTouchRequest support task processor, deal with touch request
func (r *sessionRegistryImpl) processTouchRequest(param interface{}) error {
	request, ok := param.(registryTouchReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session touch", reflect.TypeOf(param),
		)
	}
	known := r.ProcessTouchRequest(request.sessionID)
	request.resultCB(known, nil)
	return nil
}

// ProcessTouchRequest record a liveness signal for a session
func (r *sessionRegistryImpl) ProcessTouchRequest(id uuid.UUID) bool {
	session, ok := r.sessions[id]
	if !ok {
		// A heartbeat racing an eviction. Expected, not an error
		log.WithFields(r.LogTags).Debugf("Heartbeat for unknown session %s", id)
		return false
	}
	now := r.clock.Now()
	if now.After(session.LastHeartbeat) {
		session.LastHeartbeat = now
	}
	if session.State == SessionRegistered {
		session.State = SessionActive
		r.updateActiveSessionGauge()
		log.WithFields(r.LogTags).Infof("Session %s activated by first heartbeat", id)
	}
	return true
}

// ----------------------------------------------------------------------------------------

type registryRemoveReq struct {
	sessionID uuid.UUID
	resultCB  func(error)
}

// Remove delete a session and release its control connection
func (r *sessionRegistryImpl) Remove(id uuid.UUID, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryRemoveReq{sessionID: id, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit remove request")
		return err
	}

	select {
	case <-complete:
		return processError
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// processRemoveRequest support task processor, deal with remove request
func (r *sessionRegistryImpl) processRemoveRequest(param interface{}) error {
	request, ok := param.(registryRemoveReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session removal", reflect.TypeOf(param),
		)
	}
	r.ProcessRemoveRequest(request.sessionID)
	request.resultCB(nil)
	return nil
}

// ProcessRemoveRequest delete a session and release its control connection.
// Removing an unknown session is a no-op
func (r *sessionRegistryImpl) ProcessRemoveRequest(id uuid.UUID) {
	session, ok := r.sessions[id]
	if !ok {
		return
	}
	r.dropFromIndex(session)
	delete(r.sessions, id)
	session.State = SessionEvicted
	if session.closeControl != nil {
		session.closeControl()
	}
	r.updateActiveSessionGauge()
	log.WithFields(r.LogTags).Infof(
		"Removed session %s. Total sessions %d", id, len(r.sessions),
	)
}

// ----------------------------------------------------------------------------------------

type registrySnapshotReq struct {
	ticker   string
	resultCB func([]*net.UDPAddr, error)
}

// SnapshotSubscribers point-in-time copy of the Active data endpoints
// subscribed to a ticker
func (r *sessionRegistryImpl) SnapshotSubscribers(
	ticker string, ctxt context.Context,
) ([]*net.UDPAddr, error) {
	complete := make(chan bool, 1)
	var endpoints []*net.UDPAddr
	var processError error
	handler := func(result []*net.UDPAddr, err error) {
		endpoints = result
		processError = err
		complete <- true
	}

	request := registrySnapshotReq{ticker: ticker, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit snapshot request")
		return nil, err
	}

	select {
	case <-complete:
		return endpoints, processError
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

// processSnapshotRequest support task processor, deal with snapshot request
func (r *sessionRegistryImpl) processSnapshotRequest(param interface{}) error {
	request, ok := param.(registrySnapshotReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscriber snapshot", reflect.TypeOf(param),
		)
	}
	request.resultCB(r.ProcessSnapshotRequest(request.ticker), nil)
	return nil
}

// ProcessSnapshotRequest copy out the Active data endpoints subscribed to a
// ticker. The copy is handed to the broadcaster so no network I/O ever
// happens inside the registry event loop
func (r *sessionRegistryImpl) ProcessSnapshotRequest(ticker string) []*net.UDPAddr {
	subscribers, ok := r.byTicker[ticker]
	if !ok {
		return nil
	}
	endpoints := make([]*net.UDPAddr, 0, len(subscribers))
	for id := range subscribers {
		session, ok := r.sessions[id]
		if !ok || session.State != SessionActive {
			continue
		}
		endpoints = append(endpoints, session.DataEndpoint)
	}
	return endpoints
}

// ----------------------------------------------------------------------------------------

type registryEvictStaleReq struct {
	timeout  time.Duration
	resultCB func([]uuid.UUID, error)
}

// EvictStale remove all sessions silent for longer than timeout
func (r *sessionRegistryImpl) EvictStale(
	timeout time.Duration, ctxt context.Context,
) ([]uuid.UUID, error) {
	complete := make(chan bool, 1)
	var evicted []uuid.UUID
	var processError error
	handler := func(result []uuid.UUID, err error) {
		evicted = result
		processError = err
		complete <- true
	}

	request := registryEvictStaleReq{timeout: timeout, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit evict-stale request")
		return nil, err
	}

	select {
	case <-complete:
		return evicted, processError
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

// processEvictStaleRequest support task processor, deal with evict-stale request
func (r *sessionRegistryImpl) processEvictStaleRequest(param interface{}) error {
	request, ok := param.(registryEvictStaleReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for stale session eviction", reflect.TypeOf(param),
		)
	}
	request.resultCB(r.ProcessEvictStaleRequest(request.timeout), nil)
	return nil
}

// ProcessEvictStaleRequest remove all sessions silent for longer than timeout
func (r *sessionRegistryImpl) ProcessEvictStaleRequest(timeout time.Duration) []uuid.UUID {
	now := r.clock.Now()
	stale := []uuid.UUID{}
	for id, session := range r.sessions {
		if now.Sub(session.LastHeartbeat) > timeout {
			stale = append(stale, id)
			log.WithFields(r.LogTags).Warnf(
				"Session %s last heartbeat at %s. Timed out",
				id, session.LastHeartbeat.Format(time.RFC3339),
			)
		}
	}
	for _, id := range stale {
		r.ProcessRemoveRequest(id)
		sessionEvictionCounter.Inc()
	}
	return stale
}

// ----------------------------------------------------------------------------------------

type registryStatsReq struct {
	resultCB func(RegistryStats, error)
}

// Stats point-in-time registry counters
func (r *sessionRegistryImpl) Stats(ctxt context.Context) (RegistryStats, error) {
	complete := make(chan bool, 1)
	var stats RegistryStats
	var processError error
	handler := func(result RegistryStats, err error) {
		stats = result
		processError = err
		complete <- true
	}

	request := registryStatsReq{resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit stats request")
		return RegistryStats{}, err
	}

	select {
	case <-complete:
		return stats, processError
	case <-ctxt.Done():
		return RegistryStats{}, ctxt.Err()
	}
}

// processStatsRequest support task processor, deal with stats request
func (r *sessionRegistryImpl) processStatsRequest(param interface{}) error {
	request, ok := param.(registryStatsReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for registry stats", reflect.TypeOf(param),
		)
	}
	request.resultCB(r.ProcessStatsRequest(), nil)
	return nil
}

// ProcessStatsRequest compute point-in-time registry counters
func (r *sessionRegistryImpl) ProcessStatsRequest() RegistryStats {
	stats := RegistryStats{
		TotalSessions:          len(r.sessions),
		SubscriptionsPerTicker: make(map[string]int),
	}
	for _, session := range r.sessions {
		if session.State == SessionActive {
			stats.ActiveSessions++
		}
	}
	for ticker, subscribers := range r.byTicker {
		stats.SubscriptionsPerTicker[ticker] = len(subscribers)
	}
	return stats
}
