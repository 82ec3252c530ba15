// Copyright 2026 The quotefeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/quotefeed/client"
	"github.com/alwitt/quotefeed/quote"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// ClientCLIArgs arguments for the reference client
type ClientCLIArgs struct {
	ServerHost          string `validate:"required"`
	ControlPort         int    `validate:"required,gt=0,lt=65536"`
	HeartbeatPort       int    `validate:"required,gt=0,lt=65536"`
	DataPort            int    `validate:"gte=0,lt=65536"`
	Tickers             string `validate:"required"`
	HeartbeatIntervalMS int    `validate:"required,gte=100"`
	RunForSec           int    `validate:"gte=0"`
}

// GetClientCLIFlags retrieve the set of CMD flags for the reference client
func GetClientCLIFlags(args *ClientCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "server-host",
			Usage:       "Quote feed server host",
			Aliases:     []string{"s"},
			EnvVars:     []string{"QUOTEFEED_SERVER_HOST"},
			Value:       "127.0.0.1",
			DefaultText: "127.0.0.1",
			Destination: &args.ServerHost,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "control-port",
			Usage:       "Server TCP control channel port",
			EnvVars:     []string{"QUOTEFEED_CONTROL_PORT"},
			Value:       8080,
			DefaultText: "8080",
			Destination: &args.ControlPort,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "heartbeat-port",
			Usage:       "Server UDP heartbeat channel port",
			EnvVars:     []string{"QUOTEFEED_HEARTBEAT_PORT"},
			Value:       34254,
			DefaultText: "34254",
			Destination: &args.HeartbeatPort,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "data-port",
			Usage:       "Local UDP port for quote delivery. 0 selects an ephemeral port",
			EnvVars:     []string{"QUOTEFEED_DATA_PORT"},
			Value:       0,
			DefaultText: "0",
			Destination: &args.DataPort,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "tickers",
			Usage:       "Comma separated tickers to subscribe to",
			Aliases:     []string{"t"},
			EnvVars:     []string{"QUOTEFEED_TICKERS"},
			Value:       "AAPL",
			DefaultText: "AAPL",
			Destination: &args.Tickers,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "heartbeat-interval-ms",
			Usage:       "Heartbeat cadence in milliseconds",
			EnvVars:     []string{"QUOTEFEED_HEARTBEAT_INTERVAL_MS"},
			Value:       2000,
			DefaultText: "2000",
			Destination: &args.HeartbeatIntervalMS,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "run-for-sec",
			Usage:       "Stop after this many seconds. 0 runs until interrupted",
			EnvVars:     []string{"QUOTEFEED_RUN_FOR_SEC"},
			Value:       0,
			DefaultText: "0",
			Destination: &args.RunForSec,
			Required:    false,
		},
	}
}

// RunClient run the reference client until the runtime context ends
func RunClient(
	runTimeContext context.Context,
	params ClientCLIArgs,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "client",
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	localCtxt := runTimeContext
	if params.RunForSec > 0 {
		var lclCancel context.CancelFunc
		localCtxt, lclCancel = context.WithTimeout(
			runTimeContext, time.Second*time.Duration(params.RunForSec),
		)
		defer lclCancel()
	}

	feed, err := client.DefineFeedClient(
		client.ClientParams{
			ServerHost:        params.ServerHost,
			ControlPort:       params.ControlPort,
			HeartbeatPort:     params.HeartbeatPort,
			DataPort:          params.DataPort,
			Tickers:           strings.Split(params.Tickers, ","),
			HeartbeatInterval: time.Millisecond * time.Duration(params.HeartbeatIntervalMS),
		},
		func(q quote.Quote) {
			fmt.Printf(
				"%s: $%s x %d @ %s\n",
				q.Ticker,
				q.Price.StringFixed(2),
				q.Volume,
				time.UnixMilli(q.Timestamp).Format(time.RFC3339),
			)
		},
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define feed client")
		return err
	}
	if err := feed.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start feed client")
		return err
	}
	log.WithFields(logTags).Infof("Streaming as session %s", feed.SessionID())

	<-localCtxt.Done()
	return nil
}
