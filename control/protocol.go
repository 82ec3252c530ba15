package control

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedCommand control input could not be parsed. Recoverable; the
// connection stays open
var ErrMalformedCommand = errors.New("malformed_command")

// MessageType operation tag of a control message
type MessageType int

const (
	// MsgSubscribe start or replace a quote subscription
	MsgSubscribe MessageType = iota
	// MsgUnsubscribe drop tickers from the current subscription
	MsgUnsubscribe
	// MsgPing control channel liveness probe. Does not feed the heartbeat
	// state machine
	MsgPing
	// MsgDisconnect terminate the session
	MsgDisconnect
	// MsgHelp request the usage text
	MsgHelp
)

// Message one parsed control message
type Message struct {
	// Type is the operation tag
	Type MessageType
	// DataPort is the client's UDP port for quote delivery. Subscribe only
	DataPort int
	// Tickers are the operand symbols. Subscribe and unsubscribe only
	Tickers []string
}

// parseTickerList split a comma separated ticker operand
func parseTickerList(operand string) ([]string, error) {
	tickers := []string{}
	for _, part := range strings.Split(operand, ",") {
		symbol := strings.ToUpper(strings.TrimSpace(part))
		if len(symbol) > 0 {
			tickers = append(tickers, symbol)
		}
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("%w: no tickers given", ErrMalformedCommand)
	}
	return tickers, nil
}

// ParseMessage parse one line of control input into a Message
//
// The control protocol is textual and newline delimited:
//
//	SUBSCRIBE <data_port> <ticker1,ticker2,...>
//	UNSUBSCRIBE <ticker1,ticker2,...>
//	PING
//	DISCONNECT
//	HELP
func ParseMessage(line string) (Message, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Message{}, fmt.Errorf("%w: empty command", ErrMalformedCommand)
	}

	switch strings.ToUpper(parts[0]) {
	case "SUBSCRIBE":
		if len(parts) != 3 {
			return Message{}, fmt.Errorf(
				"%w: SUBSCRIBE requires data port and tickers", ErrMalformedCommand,
			)
		}
		dataPort, err := strconv.Atoi(parts[1])
		if err != nil || dataPort <= 0 || dataPort > 65535 {
			return Message{}, fmt.Errorf(
				"%w: invalid data port %s", ErrMalformedCommand, parts[1],
			)
		}
		tickers, err := parseTickerList(parts[2])
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MsgSubscribe, DataPort: dataPort, Tickers: tickers}, nil
	case "UNSUBSCRIBE":
		if len(parts) != 2 {
			return Message{}, fmt.Errorf(
				"%w: UNSUBSCRIBE requires tickers", ErrMalformedCommand,
			)
		}
		tickers, err := parseTickerList(parts[1])
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MsgUnsubscribe, Tickers: tickers}, nil
	case "PING":
		return Message{Type: MsgPing}, nil
	case "DISCONNECT":
		return Message{Type: MsgDisconnect}, nil
	case "HELP":
		return Message{Type: MsgHelp}, nil
	}
	return Message{}, fmt.Errorf("%w: unknown command %s", ErrMalformedCommand, parts[0])
}
