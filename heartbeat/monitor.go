package heartbeat

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/quotefeed/common"
	"github.com/alwitt/quotefeed/registry"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Monitor the client liveness channel. Inbound heartbeat packets refresh
// sessions in the registry; a periodic sweep evicts sessions which have gone
// silent past the timeout
type Monitor interface {
	// Start begin serving heartbeats and sweeping for stale sessions
	Start() error
	// LocalAddr the bound UDP address. Valid after Start
	LocalAddr() net.Addr
}

// monitorImpl implements Monitor
type monitorImpl struct {
	common.Component
	port             int
	timeout          time.Duration
	sessions         registry.SessionRegistry
	sweep            common.IntervalTimer
	operationContext context.Context
	wg               *sync.WaitGroup
	lock             *sync.Mutex
	socket           *net.UDPConn
}

// DefineMonitor create new heartbeat monitor
func DefineMonitor(
	port int,
	timeout time.Duration,
	sessions registry.SessionRegistry,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (Monitor, error) {
	logTags := log.Fields{
		"module": "heartbeat", "component": "monitor", "port": port,
	}
	sweep, err := common.GetIntervalTimerInstance("heartbeat-sweep", ctxt, wg)
	if err != nil {
		return nil, err
	}
	return &monitorImpl{
		Component:        common.Component{LogTags: logTags},
		port:             port,
		timeout:          timeout,
		sessions:         sessions,
		sweep:            sweep,
		operationContext: ctxt,
		wg:               wg,
		lock:             &sync.Mutex{},
	}, nil
}

// Start begin serving heartbeats and sweeping for stale sessions
func (m *monitorImpl) Start() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.socket != nil {
		return fmt.Errorf("heartbeat monitor already started")
	}

	socket, err := net.ListenUDP("udp", &net.UDPAddr{Port: m.port})
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to bind heartbeat socket")
		return err
	}
	m.socket = socket
	log.WithFields(m.LogTags).Infof("Heartbeat listener on %s", socket.LocalAddr())

	// Unblock the read loop on shutdown
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-m.operationContext.Done()
		_ = socket.Close()
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer log.WithFields(m.LogTags).Info("Heartbeat loop exiting")
		buffer := make([]byte, 1024)
		for {
			read, sender, err := socket.ReadFromUDP(buffer)
			if err != nil {
				if m.operationContext.Err() != nil {
					return
				}
				log.WithError(err).WithFields(m.LogTags).Error("Heartbeat receive failed")
				continue
			}
			m.processPacket(socket, buffer[:read], sender)
		}
	}()

	// Sweep at half the timeout so a silent session is gone at most one
	// sweep interval after its timeout elapses
	return m.sweep.Start(m.timeout/2, func() error {
		evicted, err := m.sessions.EvictStale(m.timeout, m.operationContext)
		if err != nil {
			return err
		}
		if len(evicted) > 0 {
			log.WithFields(m.LogTags).Warnf("Evicted %d stale sessions %v", len(evicted), evicted)
		}
		return nil
	}, false)
}

// LocalAddr the bound UDP address
func (m *monitorImpl) LocalAddr() net.Addr {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.socket == nil {
		return nil
	}
	return m.socket.LocalAddr()
}

// processPacket handle one inbound heartbeat. Packet format `PING
// <session_id>`; the session id was handed to the client in the subscribe
// acknowledgement. Invalid packets are dropped without reply
func (m *monitorImpl) processPacket(socket *net.UDPConn, packet []byte, sender *net.UDPAddr) {
	parts := strings.Fields(string(packet))
	if len(parts) != 2 || strings.ToUpper(parts[0]) != "PING" {
		log.WithFields(m.LogTags).Debugf("Dropped non-heartbeat packet from %s", sender)
		return
	}
	sessionID, err := uuid.Parse(parts[1])
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Debugf(
			"Dropped heartbeat with invalid session id from %s", sender,
		)
		return
	}

	known, err := m.sessions.Touch(sessionID, m.operationContext)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to process heartbeat for session %s", sessionID,
		)
		return
	}
	if !known {
		log.WithFields(m.LogTags).Debugf(
			"Heartbeat from %s for unknown session %s", sender, sessionID,
		)
		return
	}

	if _, err := socket.WriteToUDP([]byte(fmt.Sprintf("PONG %s", sessionID)), sender); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Failed to send pong to %s", sender)
	}
}
