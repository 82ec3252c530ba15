package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/quotefeed/common"
	"github.com/alwitt/quotefeed/quote"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// QuoteHandler callback invoked for every decoded quote datagram
type QuoteHandler func(quote.Quote)

// ClientParams connection parameters for the reference feed client
type ClientParams struct {
	// ServerHost host running the quote feed server
	ServerHost string `validate:"required"`
	// ControlPort the server's TCP control channel port
	ControlPort int `validate:"required,gt=0,lt=65536"`
	// HeartbeatPort the server's UDP heartbeat port
	HeartbeatPort int `validate:"required,gt=0,lt=65536"`
	// DataPort local UDP port for quote delivery. Zero selects an ephemeral port
	DataPort int `validate:"gte=0,lt=65536"`
	// Tickers symbols to subscribe to
	Tickers []string `validate:"required,min=1"`
	// HeartbeatInterval how often to send a heartbeat. Must stay well under
	// the server's liveness timeout
	HeartbeatInterval time.Duration `validate:"required"`
}

// FeedClient reference client for the quote feed server. Drives the control
// handshake, keeps the session alive with heartbeats, and hands every
// received quote to the registered handler
type FeedClient interface {
	// Start connect, subscribe, and begin the heartbeat and receive loops
	Start() error
	// SessionID the session id from the subscribe acknowledgement. Valid
	// after Start
	SessionID() uuid.UUID
}

// feedClientImpl implements FeedClient
type feedClientImpl struct {
	common.Component
	params           ClientParams
	handler          QuoteHandler
	operationContext context.Context
	wg               *sync.WaitGroup
	lock             *sync.Mutex
	sessionID        uuid.UUID
	control          net.Conn
	dataSocket       *net.UDPConn
}

// DefineFeedClient create new reference feed client
func DefineFeedClient(
	params ClientParams,
	handler QuoteHandler,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (FeedClient, error) {
	logTags := log.Fields{
		"module": "client", "component": "feed-client", "server": params.ServerHost,
	}
	if handler == nil {
		return nil, fmt.Errorf("feed client requires a quote handler")
	}
	return &feedClientImpl{
		Component:        common.Component{LogTags: logTags},
		params:           params,
		handler:          handler,
		operationContext: ctxt,
		wg:               wg,
		lock:             &sync.Mutex{},
	}, nil
}

// Start connect, subscribe, and begin the heartbeat and receive loops
func (c *feedClientImpl) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.control != nil {
		return fmt.Errorf("feed client already started")
	}

	dataSocket, err := net.ListenUDP("udp", &net.UDPAddr{Port: c.params.DataPort})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to open data socket")
		return err
	}
	dataPort := dataSocket.LocalAddr().(*net.UDPAddr).Port

	control, err := net.Dial(
		"tcp", fmt.Sprintf("%s:%d", c.params.ServerHost, c.params.ControlPort),
	)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to dial control channel")
		_ = dataSocket.Close()
		return err
	}

	// Subscribe and wait for the acknowledgement. Everything else on the
	// control channel before that is banner text
	request := fmt.Sprintf(
		"SUBSCRIBE %d %s\n", dataPort, strings.Join(c.params.Tickers, ","),
	)
	if _, err := control.Write([]byte(request)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to send subscribe")
		_ = control.Close()
		_ = dataSocket.Close()
		return err
	}
	scanner := bufio.NewScanner(control)
	sessionID, err := awaitSubscribeAck(scanner)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Subscribe rejected")
		_ = control.Close()
		_ = dataSocket.Close()
		return err
	}
	c.sessionID = sessionID
	c.control = control
	c.dataSocket = dataSocket
	log.WithFields(c.LogTags).Infof(
		"Subscribed as session %s for %v", sessionID, c.params.Tickers,
	)

	// Say goodbye and release the sockets on shutdown
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-c.operationContext.Done()
		_, _ = control.Write([]byte("DISCONNECT\n"))
		_ = control.Close()
		_ = dataSocket.Close()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.receiveLoop()
	}()

	// Drain control replies so the server never blocks on a full buffer
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for scanner.Scan() {
			log.WithFields(c.LogTags).Debugf("Control: %s", scanner.Text())
		}
	}()
	return nil
}

// SessionID the session id from the subscribe acknowledgement
func (c *feedClientImpl) SessionID() uuid.UUID {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.sessionID
}

// awaitSubscribeAck scan control channel lines until the subscribe verdict
func awaitSubscribeAck(scanner *bufio.Scanner) (uuid.UUID, error) {
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "OK ") {
			return uuid.Parse(strings.TrimPrefix(line, "OK "))
		}
		if strings.HasPrefix(line, "ERROR") {
			return uuid.UUID{}, fmt.Errorf("server rejected subscribe: %s", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return uuid.UUID{}, err
	}
	return uuid.UUID{}, fmt.Errorf("control channel closed before subscribe acknowledgement")
}

// heartbeatLoop send a heartbeat at the configured cadence until shutdown
func (c *feedClientImpl) heartbeatLoop() {
	heartbeat, err := net.Dial(
		"udp", fmt.Sprintf("%s:%d", c.params.ServerHost, c.params.HeartbeatPort),
	)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to dial heartbeat channel")
		return
	}
	defer func() {
		_ = heartbeat.Close()
	}()

	packet := []byte(fmt.Sprintf("PING %s", c.sessionID))
	buffer := make([]byte, 256)
	ticker := time.NewTicker(c.params.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if _, err := heartbeat.Write(packet); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Failed to send heartbeat")
		} else {
			// The pong is informational. A missed pong is not an error; the
			// server judges liveness from our pings alone
			_ = heartbeat.SetReadDeadline(time.Now().Add(c.params.HeartbeatInterval))
			if _, err := heartbeat.Read(buffer); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("No pong received")
			}
		}
		select {
		case <-ticker.C:
		case <-c.operationContext.Done():
			return
		}
	}
}

// receiveLoop decode inbound quote datagrams and hand them to the handler
func (c *feedClientImpl) receiveLoop() {
	defer log.WithFields(c.LogTags).Info("Receive loop exiting")
	buffer := make([]byte, 1024)
	for {
		read, _, err := c.dataSocket.ReadFromUDP(buffer)
		if err != nil {
			if c.operationContext.Err() != nil {
				return
			}
			log.WithError(err).WithFields(c.LogTags).Error("Data receive failed")
			continue
		}
		received, err := quote.Decode(buffer[:read])
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Warn("Dropped undecodable datagram")
			continue
		}
		c.handler(received)
	}
}
