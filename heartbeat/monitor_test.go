package heartbeat

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/quotefeed/catalog"
	"github.com/alwitt/quotefeed/common"
	"github.com/alwitt/quotefeed/registry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

type monitorTestEnv struct {
	sessions registry.SessionRegistry
	monitor  Monitor
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
}

func defineMonitorTestEnv(t *testing.T, timeout time.Duration) *monitorTestEnv {
	assert := assert.New(t)

	wg := &sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())

	tickers, err := catalog.ParseTickerCatalog(strings.NewReader("AAPL\n"))
	assert.Nil(err)
	tp, err := common.GetNewTaskProcessorInstance("ut-heartbeat", 16, ctxt)
	assert.Nil(err)
	sessions, err := registry.DefineSessionRegistry(tickers, clockwork.NewRealClock(), tp)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))

	uut, err := DefineMonitor(0, timeout, sessions, ctxt, wg)
	assert.Nil(err)
	assert.Nil(uut.Start())

	return &monitorTestEnv{sessions: sessions, monitor: uut, cancel: cancel, wg: wg}
}

func dialHeartbeat(t *testing.T, env *monitorTestEnv) *net.UDPConn {
	assert := assert.New(t)
	server, ok := env.monitor.LocalAddr().(*net.UDPAddr)
	assert.True(ok)
	client, err := net.DialUDP(
		"udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: server.Port},
	)
	assert.Nil(err)
	return client
}

func TestHeartbeatExchange(t *testing.T) {
	assert := assert.New(t)

	env := defineMonitorTestEnv(t, time.Minute)
	defer env.wg.Wait()
	defer env.cancel()
	utCtxt := context.Background()

	sessionID, err := env.sessions.Register(
		&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 55560}, []string{"AAPL"}, nil, utCtxt,
	)
	assert.Nil(err)

	client := dialHeartbeat(t, env)
	defer func() {
		_ = client.Close()
	}()
	buffer := make([]byte, 1024)

	// Case 0: valid heartbeat gets a pong and activates the session
	{
		_, err := client.Write([]byte(fmt.Sprintf("PING %s", sessionID)))
		assert.Nil(err)
		assert.Nil(client.SetReadDeadline(time.Now().Add(time.Second)))
		read, err := client.Read(buffer)
		assert.Nil(err)
		assert.Equal(fmt.Sprintf("PONG %s", sessionID), string(buffer[:read]))
		stats, err := env.sessions.Stats(utCtxt)
		assert.Nil(err)
		assert.Equal(1, stats.ActiveSessions)
	}

	// Case 1: heartbeat for an unknown session is silently dropped
	{
		_, err := client.Write([]byte(fmt.Sprintf("PING %s", uuid.New())))
		assert.Nil(err)
		assert.Nil(client.SetReadDeadline(time.Now().Add(time.Millisecond * 200)))
		_, err = client.Read(buffer)
		assert.NotNil(err)
	}

	// Case 2: malformed packets are silently dropped
	{
		for _, packet := range []string{"PING", "PING not-a-uuid", "HELLO", ""} {
			_, err := client.Write([]byte(packet))
			assert.Nil(err)
		}
		assert.Nil(client.SetReadDeadline(time.Now().Add(time.Millisecond * 200)))
		_, err = client.Read(buffer)
		assert.NotNil(err)
	}
}

func TestHeartbeatTimeoutEviction(t *testing.T) {
	assert := assert.New(t)

	timeout := time.Millisecond * 300
	env := defineMonitorTestEnv(t, timeout)
	defer env.wg.Wait()
	defer env.cancel()
	utCtxt := context.Background()

	sessionID, err := env.sessions.Register(
		&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 55560}, []string{"AAPL"}, nil, utCtxt,
	)
	assert.Nil(err)

	client := dialHeartbeat(t, env)
	defer func() {
		_ = client.Close()
	}()
	buffer := make([]byte, 1024)

	// Case 0: regular heartbeats keep the session alive past the timeout
	{
		for itr := 0; itr < 5; itr++ {
			_, err := client.Write([]byte(fmt.Sprintf("PING %s", sessionID)))
			assert.Nil(err)
			assert.Nil(client.SetReadDeadline(time.Now().Add(time.Second)))
			_, err = client.Read(buffer)
			assert.Nil(err)
			time.Sleep(timeout / 3)
		}
		stats, err := env.sessions.Stats(utCtxt)
		assert.Nil(err)
		assert.Equal(1, stats.TotalSessions)
	}

	// Case 1: once heartbeats stop the session is evicted within one sweep
	// interval past the timeout
	{
		assert.Eventually(
			func() bool {
				stats, err := env.sessions.Stats(utCtxt)
				return err == nil && stats.TotalSessions == 0
			},
			timeout*3, time.Millisecond*20,
		)
	}
}
