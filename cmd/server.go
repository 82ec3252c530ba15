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
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/quotefeed/apis"
	"github.com/alwitt/quotefeed/broadcast"
	"github.com/alwitt/quotefeed/catalog"
	"github.com/alwitt/quotefeed/common"
	"github.com/alwitt/quotefeed/control"
	"github.com/alwitt/quotefeed/generator"
	"github.com/alwitt/quotefeed/heartbeat"
	"github.com/alwitt/quotefeed/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// registryTaskQueueLen depth of the session registry request queue
const registryTaskQueueLen = 64

// RunServer run the quote feed server
func RunServer(
	runTimeContext context.Context,
	config *common.ServerConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid server config")
		return err
	}

	tickers, err := catalog.LoadTickerCatalog(config.Generator.TickerFile)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to load ticker catalog %s", config.Generator.TickerFile,
		)
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Session registry

	tp, err := common.GetNewTaskProcessorInstance(
		"session-registry", registryTaskQueueLen, localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return err
	}
	sessions, err := registry.DefineSessionRegistry(tickers, clockwork.NewRealClock(), tp)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session registry")
		return err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start registry event loop")
		return err
	}

	// -------------------------------------------------------------------
	// Client facing channels

	controlListener, err := control.DefineListener(
		config.Control.ListenOn, config.Control.Port, sessions, localCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define control listener")
		return err
	}
	if err := controlListener.Start(); err != nil {
		return err
	}

	heartbeatMonitor, err := heartbeat.DefineMonitor(
		config.Heartbeat.Port,
		time.Second*time.Duration(config.Heartbeat.TimeoutSec),
		sessions,
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat monitor")
		return err
	}
	if err := heartbeatMonitor.Start(); err != nil {
		return err
	}

	// -------------------------------------------------------------------
	// Quote generation and fan-out

	source, err := generator.DefineRandomWalkSource(
		tickers,
		config.Generator.Volatility,
		rand.New(rand.NewSource(time.Now().UnixNano())),
		clockwork.NewRealClock(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define tick source")
		return err
	}
	broadcaster, err := broadcast.DefineBroadcaster(source, sessions, localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}
	if err := broadcaster.Start(
		time.Millisecond * time.Duration(config.Generator.IntervalMS),
	); err != nil {
		return err
	}

	// -------------------------------------------------------------------
	// Start the monitoring HTTP server

	httpHandler, err := apis.GetAPIRestMonitorHandler(sessions, tickers)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, "/", nil)

	// Server stats
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/stats", map[string]http.HandlerFunc{
		"get": httpHandler.StatsHandler(),
	})

	// Prometheus exposition
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
		"get": httpHandler.MetricsHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf("%s:%d", config.Monitor.ListenOn, config.Monitor.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.Monitor.WriteTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started monitor HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
