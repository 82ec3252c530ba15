package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/alwitt/quotefeed/common"
	"github.com/alwitt/quotefeed/registry"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// welcomeBanner greeting sent to every new control connection
const welcomeBanner = `Welcome to Quote Feed!
Available commands:
SUBSCRIBE <data_port> <ticker1,ticker2,...> - Start streaming quotes to your UDP port
UNSUBSCRIBE <ticker1,ticker2,...> - Drop tickers from the subscription
PING - Probe the control connection
DISCONNECT - End the session
HELP - Show this help
`

// Listener the control channel TCP listener. One handler goroutine per
// accepted connection; connections only touch the registry through its
// defined operations
type Listener interface {
	// Start begin accepting control connections
	Start() error
	// ListenerAddr the bound listener address. Valid after Start
	ListenerAddr() net.Addr
}

// listenerImpl implements Listener
type listenerImpl struct {
	common.Component
	listenOn         string
	port             int
	sessions         registry.SessionRegistry
	operationContext context.Context
	wg               *sync.WaitGroup
	lock             *sync.Mutex
	listener         net.Listener
}

// DefineListener create new control listener
func DefineListener(
	listenOn string,
	port int,
	sessions registry.SessionRegistry,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (Listener, error) {
	logTags := log.Fields{
		"module": "control", "component": "listener", "port": port,
	}
	return &listenerImpl{
		Component:        common.Component{LogTags: logTags},
		listenOn:         listenOn,
		port:             port,
		sessions:         sessions,
		operationContext: ctxt,
		wg:               wg,
		lock:             &sync.Mutex{},
	}, nil
}

// Start begin accepting control connections
func (l *listenerImpl) Start() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.listener != nil {
		return fmt.Errorf("control listener already started")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", l.listenOn, l.port))
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Error("Unable to bind control listener")
		return err
	}
	l.listener = listener
	log.WithFields(l.LogTags).Infof("Control listener on %s", listener.Addr())

	// Stop accepting once the runtime context ends
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		<-l.operationContext.Done()
		_ = listener.Close()
	}()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer log.WithFields(l.LogTags).Info("Accept loop exiting")
		for {
			conn, err := listener.Accept()
			if err != nil {
				if l.operationContext.Err() != nil {
					return
				}
				log.WithError(err).WithFields(l.LogTags).Error("Failed to accept connection")
				continue
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.handleConnection(conn)
			}()
		}
	}()
	return nil
}

// ListenerAddr the bound listener address
func (l *listenerImpl) ListenerAddr() net.Addr {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// handleConnection serve one control connection for the session's lifetime
func (l *listenerImpl) handleConnection(conn net.Conn) {
	peer := conn.RemoteAddr()
	logTags := log.Fields{
		"module": "control", "component": "connection-handler", "peer": fmt.Sprintf("%s", peer),
	}

	// A failure in one connection's handling must never cross into other
	// sessions' handling
	defer func() {
		if p := recover(); p != nil {
			log.WithFields(logTags).Errorf("Connection handler panic: %v", p)
		}
	}()

	// The registry close callback and this handler both release the
	// connection; only one of them wins
	closeOnce := sync.Once{}
	closeConn := func() {
		closeOnce.Do(func() { _ = conn.Close() })
	}
	defer closeConn()

	// Unblock the read loop on shutdown
	connCtxt, connCancel := context.WithCancel(l.operationContext)
	defer connCancel()
	go func() {
		<-connCtxt.Done()
		closeConn()
	}()

	log.WithFields(logTags).Info("New control connection")
	if _, err := conn.Write([]byte(welcomeBanner)); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send welcome banner")
		return
	}

	sessionID := uuid.UUID{}
	// Remove the session when the connection goes away for any reason;
	// removal of an already removed session is a no-op
	defer func() {
		if sessionID != (uuid.UUID{}) {
			if err := l.sessions.Remove(sessionID, l.operationContext); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Failed to remove session %s", sessionID,
				)
			}
		}
	}()

	reply := func(msg string) bool {
		if _, err := conn.Write([]byte(msg + "\n")); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to write reply")
			return false
		}
		return true
	}

	// The scanner buffers partial reads and reassembles full lines
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		parsed, err := ParseMessage(scanner.Text())
		if err != nil {
			log.WithError(err).WithFields(logTags).Debug("Rejected control input")
			if !reply(fmt.Sprintf("ERROR %s", ErrMalformedCommand)) {
				return
			}
			continue
		}

		switch parsed.Type {
		case MsgSubscribe:
			if !l.processSubscribe(parsed, peer, &sessionID, closeConn, reply, logTags) {
				return
			}
		case MsgUnsubscribe:
			if sessionID == (uuid.UUID{}) {
				if !reply("ERROR not_subscribed") {
					return
				}
				continue
			}
			if err := l.sessions.Unsubscribe(
				sessionID, parsed.Tickers, l.operationContext,
			); err != nil {
				if !reply(fmt.Sprintf("ERROR %s", errorReason(err))) {
					return
				}
				continue
			}
			if !reply("OK") {
				return
			}
		case MsgPing:
			if !reply("PONG") {
				return
			}
		case MsgDisconnect:
			log.WithFields(logTags).Info("Client disconnected")
			return
		case MsgHelp:
			if _, err := conn.Write([]byte(welcomeBanner)); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to write help text")
				return
			}
		}
	}
	if err := scanner.Err(); err != nil && connCtxt.Err() == nil {
		// Unexpected closure of the control connection. Same outcome as an
		// explicit disconnect
		log.WithError(err).WithFields(logTags).Warn("Control connection lost")
	}
}

// processSubscribe handle a subscribe message. Returns false if the
// connection is no longer usable
func (l *listenerImpl) processSubscribe(
	parsed Message,
	peer net.Addr,
	sessionID *uuid.UUID,
	closeConn registry.SessionCloseCB,
	reply func(string) bool,
	logTags log.Fields,
) bool {
	dataEndpoint, err := dataEndpointFor(peer, parsed.DataPort)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to resolve data endpoint")
		return reply("ERROR invalid_data_endpoint")
	}

	if *sessionID == (uuid.UUID{}) {
		newID, err := l.sessions.Register(
			dataEndpoint, parsed.Tickers, closeConn, l.operationContext,
		)
		if err != nil {
			return reply(fmt.Sprintf("ERROR %s", errorReason(err)))
		}
		*sessionID = newID
		return reply(fmt.Sprintf("OK %s", newID))
	}

	// Repeat subscribe on the same connection replaces the subscription
	if err := l.sessions.Resubscribe(
		*sessionID, dataEndpoint, parsed.Tickers, l.operationContext,
	); err != nil {
		return reply(fmt.Sprintf("ERROR %s", errorReason(err)))
	}
	return reply(fmt.Sprintf("OK %s", *sessionID))
}

// dataEndpointFor derive the quote delivery endpoint from the control
// connection peer address and the client chosen UDP port
func dataEndpointFor(peer net.Addr, dataPort int) (*net.UDPAddr, error) {
	peerTCP, ok := peer.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("peer address %s is not TCP", peer)
	}
	return &net.UDPAddr{IP: peerTCP.IP, Port: dataPort, Zone: peerTCP.Zone}, nil
}

// errorReason map registry errors to protocol error reasons
func errorReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnknownTicker):
		return "unknown_ticker"
	case errors.Is(err, registry.ErrUnknownSession):
		return "not_subscribed"
	}
	return "internal_error"
}
