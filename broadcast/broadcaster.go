package broadcast

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alwitt/quotefeed/common"
	"github.com/alwitt/quotefeed/generator"
	"github.com/alwitt/quotefeed/registry"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var datagramSentCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quotefeed_datagrams_sent_total",
	Help: "Number of quote datagrams sent",
})

var datagramFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quotefeed_datagram_send_failures_total",
	Help: "Number of quote datagrams which could not be transmitted",
})

// Broadcaster fans generated quotes out to every matching Active session.
// Delivery is fire-and-forget: no acknowledgement, no retry, no backpressure
// from a slow or unreachable client
type Broadcaster interface {
	// Start begin periodic quote generation and fan-out
	Start(interval time.Duration) error
	// ProcessRound run one generate-and-fan-out pass
	ProcessRound() error
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	common.Component
	source           generator.TickSource
	sessions         registry.SessionRegistry
	timer            common.IntervalTimer
	operationContext context.Context
	wg               *sync.WaitGroup
	lock             *sync.Mutex
	socket           *net.UDPConn
}

// DefineBroadcaster create new fan-out broadcaster
func DefineBroadcaster(
	source generator.TickSource,
	sessions registry.SessionRegistry,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (Broadcaster, error) {
	logTags := log.Fields{
		"module": "broadcast", "component": "fan-out",
	}
	timer, err := common.GetIntervalTimerInstance("broadcast", ctxt, wg)
	if err != nil {
		return nil, err
	}
	return &broadcasterImpl{
		Component:        common.Component{LogTags: logTags},
		source:           source,
		sessions:         sessions,
		timer:            timer,
		operationContext: ctxt,
		wg:               wg,
		lock:             &sync.Mutex{},
	}, nil
}

// Start begin periodic quote generation and fan-out
func (b *broadcasterImpl) Start(interval time.Duration) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.socket != nil {
		return fmt.Errorf("broadcaster already started")
	}

	socket, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to open data socket")
		return err
	}
	b.socket = socket

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		<-b.operationContext.Done()
		_ = socket.Close()
	}()

	log.WithFields(b.LogTags).Infof("Starting fan-out every %s", interval)
	return b.timer.Start(interval, b.ProcessRound, false)
}

// ProcessRound run one generate-and-fan-out pass
//
// The subscriber list is copied out of the registry before any network send,
// so registry mutation is never blocked on I/O. An endpoint evicted mid-pass
// may still receive one more datagram, which best-effort delivery allows.
func (b *broadcasterImpl) ProcessRound() error {
	for _, entry := range b.source.Next() {
		endpoints, err := b.sessions.SnapshotSubscribers(entry.Ticker, b.operationContext)
		if err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Unable to snapshot subscribers for %s", entry.Ticker,
			)
			return err
		}
		if len(endpoints) == 0 {
			continue
		}
		payload := entry.Encode()
		for _, endpoint := range endpoints {
			if _, err := b.socket.WriteToUDP(payload, endpoint); err != nil {
				// An unreachable destination is not proof of client death;
				// only the heartbeat path evicts
				datagramFailureCounter.Inc()
				log.WithError(err).WithFields(b.LogTags).Errorf(
					"Failed to send %s to %s", entry.Ticker, endpoint,
				)
				continue
			}
			datagramSentCounter.Inc()
		}
		log.WithFields(b.LogTags).Debugf(
			"Sent %s to %d subscribers", entry.String(), len(endpoints),
		)
	}
	return nil
}
