package registry

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/quotefeed/catalog"
	"github.com/alwitt/quotefeed/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func defineTestRegistry(
	t *testing.T, symbols string, clock clockwork.Clock,
) (SessionRegistry, context.CancelFunc, *sync.WaitGroup) {
	assert := assert.New(t)

	wg := &sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())

	tickers, err := catalog.ParseTickerCatalog(strings.NewReader(symbols))
	assert.Nil(err)
	tp, err := common.GetNewTaskProcessorInstance("ut-registry", 16, ctxt)
	assert.Nil(err)
	uut, err := DefineSessionRegistry(tickers, clock, tp)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))

	return uut, cancel, wg
}

func testEndpoint(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func TestSessionRegistration(t *testing.T) {
	assert := assert.New(t)

	clock := clockwork.NewFakeClock()
	uut, cancel, wg := defineTestRegistry(t, "AAPL\nTSLA\n", clock)
	defer wg.Wait()
	defer cancel()
	utCtxt := context.Background()

	// Case 0: subscribing with an unknown ticker rejects the whole call
	{
		_, err := uut.Register(testEndpoint(55560), []string{"AAPL", "GOOGL"}, nil, utCtxt)
		assert.NotNil(err)
		assert.True(errors.Is(err, ErrUnknownTicker))
		stats, err := uut.Stats(utCtxt)
		assert.Nil(err)
		assert.Equal(0, stats.TotalSessions)
	}

	// Case 1: valid registration starts in Registered state
	{
		id, err := uut.Register(testEndpoint(55560), []string{"AAPL"}, nil, utCtxt)
		assert.Nil(err)
		assert.NotEqual(uuid.UUID{}, id)
		stats, err := uut.Stats(utCtxt)
		assert.Nil(err)
		assert.Equal(1, stats.TotalSessions)
		assert.Equal(0, stats.ActiveSessions)
	}

	// Case 2: an empty ticker set is legal and means no tickers
	{
		id, err := uut.Register(testEndpoint(55561), []string{}, nil, utCtxt)
		assert.Nil(err)
		assert.NotEqual(uuid.UUID{}, id)
	}
}

func TestSnapshotOnlyContainsActiveSessions(t *testing.T) {
	assert := assert.New(t)

	clock := clockwork.NewFakeClock()
	uut, cancel, wg := defineTestRegistry(t, "AAPL\nTSLA\n", clock)
	defer wg.Wait()
	defer cancel()
	utCtxt := context.Background()

	session1, err := uut.Register(testEndpoint(55560), []string{"AAPL"}, nil, utCtxt)
	assert.Nil(err)
	session2, err := uut.Register(testEndpoint(55561), []string{"AAPL", "TSLA"}, nil, utCtxt)
	assert.Nil(err)

	// Case 0: no session has sent a heartbeat yet, so nothing is eligible
	{
		endpoints, err := uut.SnapshotSubscribers("AAPL", utCtxt)
		assert.Nil(err)
		assert.Empty(endpoints)
	}

	// Case 1: first heartbeat activates a session
	{
		known, err := uut.Touch(session1, utCtxt)
		assert.Nil(err)
		assert.True(known)
		endpoints, err := uut.SnapshotSubscribers("AAPL", utCtxt)
		assert.Nil(err)
		assert.Len(endpoints, 1)
		assert.Equal(55560, endpoints[0].Port)
	}

	// Case 2: session subscribed to AAPL only never shows up for TSLA
	{
		endpoints, err := uut.SnapshotSubscribers("TSLA", utCtxt)
		assert.Nil(err)
		assert.Empty(endpoints)
		known, err := uut.Touch(session2, utCtxt)
		assert.Nil(err)
		assert.True(known)
		endpoints, err = uut.SnapshotSubscribers("TSLA", utCtxt)
		assert.Nil(err)
		assert.Len(endpoints, 1)
		assert.Equal(55561, endpoints[0].Port)
	}

	// Case 3: removal takes immediate effect on snapshots
	{
		assert.Nil(uut.Remove(session2, utCtxt))
		endpoints, err := uut.SnapshotSubscribers("AAPL", utCtxt)
		assert.Nil(err)
		assert.Len(endpoints, 1)
		endpoints, err = uut.SnapshotSubscribers("TSLA", utCtxt)
		assert.Nil(err)
		assert.Empty(endpoints)
	}
}

func TestSessionRemovalIdempotence(t *testing.T) {
	assert := assert.New(t)

	clock := clockwork.NewFakeClock()
	uut, cancel, wg := defineTestRegistry(t, "AAPL\n", clock)
	defer wg.Wait()
	defer cancel()
	utCtxt := context.Background()

	closeCalls := 0
	id, err := uut.Register(
		testEndpoint(55560), []string{"AAPL"}, func() { closeCalls++ }, utCtxt,
	)
	assert.Nil(err)

	// Case 0: removal releases the control handle exactly once
	{
		assert.Nil(uut.Remove(id, utCtxt))
		assert.Equal(1, closeCalls)
	}

	// Case 1: removing an already removed session is a no-op
	{
		assert.Nil(uut.Remove(id, utCtxt))
		assert.Equal(1, closeCalls)
	}

	// Case 2: removing a never known session is a no-op
	{
		assert.Nil(uut.Remove(uuid.New(), utCtxt))
	}

	// Case 3: a heartbeat racing the removal is harmless
	{
		known, err := uut.Touch(id, utCtxt)
		assert.Nil(err)
		assert.False(known)
	}
}

func TestStaleSessionEviction(t *testing.T) {
	assert := assert.New(t)

	clock := clockwork.NewFakeClock()
	uut, cancel, wg := defineTestRegistry(t, "AAPL\n", clock)
	defer wg.Wait()
	defer cancel()
	utCtxt := context.Background()

	session1, err := uut.Register(testEndpoint(55560), []string{"AAPL"}, nil, utCtxt)
	assert.Nil(err)
	session2, err := uut.Register(testEndpoint(55561), []string{"AAPL"}, nil, utCtxt)
	assert.Nil(err)
	_, err = uut.Touch(session1, utCtxt)
	assert.Nil(err)
	_, err = uut.Touch(session2, utCtxt)
	assert.Nil(err)

	timeout := time.Second * 5

	// Case 0: nothing is stale yet
	{
		evicted, err := uut.EvictStale(timeout, utCtxt)
		assert.Nil(err)
		assert.Empty(evicted)
	}

	// Case 1: one session keeps sending heartbeats, the other goes silent
	{
		clock.Advance(time.Second * 3)
		_, err := uut.Touch(session1, utCtxt)
		assert.Nil(err)
		clock.Advance(time.Second * 3)
		evicted, err := uut.EvictStale(timeout, utCtxt)
		assert.Nil(err)
		assert.Equal([]uuid.UUID{session2}, evicted)
		endpoints, err := uut.SnapshotSubscribers("AAPL", utCtxt)
		assert.Nil(err)
		assert.Len(endpoints, 1)
		assert.Equal(55560, endpoints[0].Port)
	}

	// Case 2: the remaining session also times out eventually
	{
		clock.Advance(time.Second * 6)
		evicted, err := uut.EvictStale(timeout, utCtxt)
		assert.Nil(err)
		assert.Equal([]uuid.UUID{session1}, evicted)
		endpoints, err := uut.SnapshotSubscribers("AAPL", utCtxt)
		assert.Nil(err)
		assert.Empty(endpoints)
	}
}

func TestSubscriptionUpdates(t *testing.T) {
	assert := assert.New(t)

	clock := clockwork.NewFakeClock()
	uut, cancel, wg := defineTestRegistry(t, "AAPL\nTSLA\nMSFT\n", clock)
	defer wg.Wait()
	defer cancel()
	utCtxt := context.Background()

	id, err := uut.Register(testEndpoint(55560), []string{"AAPL", "TSLA"}, nil, utCtxt)
	assert.Nil(err)
	_, err = uut.Touch(id, utCtxt)
	assert.Nil(err)

	// Case 0: resubscribe replaces the whole subscription set
	{
		assert.Nil(uut.Resubscribe(id, testEndpoint(55570), []string{"MSFT"}, utCtxt))
		endpoints, err := uut.SnapshotSubscribers("AAPL", utCtxt)
		assert.Nil(err)
		assert.Empty(endpoints)
		endpoints, err = uut.SnapshotSubscribers("MSFT", utCtxt)
		assert.Nil(err)
		assert.Len(endpoints, 1)
		assert.Equal(55570, endpoints[0].Port)
	}

	// Case 1: resubscribe with an unknown ticker leaves the session untouched
	{
		err := uut.Resubscribe(id, testEndpoint(55571), []string{"GOOGL"}, utCtxt)
		assert.True(errors.Is(err, ErrUnknownTicker))
		endpoints, err := uut.SnapshotSubscribers("MSFT", utCtxt)
		assert.Nil(err)
		assert.Len(endpoints, 1)
		assert.Equal(55570, endpoints[0].Port)
	}

	// Case 2: unsubscribe drops individual tickers
	{
		assert.Nil(uut.Resubscribe(id, testEndpoint(55570), []string{"AAPL", "TSLA"}, utCtxt))
		assert.Nil(uut.Unsubscribe(id, []string{"TSLA"}, utCtxt))
		endpoints, err := uut.SnapshotSubscribers("TSLA", utCtxt)
		assert.Nil(err)
		assert.Empty(endpoints)
		endpoints, err = uut.SnapshotSubscribers("AAPL", utCtxt)
		assert.Nil(err)
		assert.Len(endpoints, 1)
	}

	// Case 3: operations against an unknown session are rejected
	{
		err := uut.Resubscribe(uuid.New(), testEndpoint(55572), []string{"AAPL"}, utCtxt)
		assert.True(errors.Is(err, ErrUnknownSession))
		err = uut.Unsubscribe(uuid.New(), []string{"AAPL"}, utCtxt)
		assert.True(errors.Is(err, ErrUnknownSession))
	}
}
