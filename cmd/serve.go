// Copyright 2021-2022 The tdstream Authors
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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/tdstream/apis"
	"github.com/alwitt/tdstream/common"
	"github.com/alwitt/tdstream/stream"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// listenerBuffer records queued per HTTP listener before it counts as too slow
const listenerBuffer = 1024

// RunStreamServer serve the streaming API until runtimeContext ends or the client closes
func RunStreamServer(
	runtimeContext context.Context,
	config *common.HTTPConfig,
	instance string,
	client stream.Client,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "stream-server",
		"instance":  instance,
	}

	if config == nil {
		return fmt.Errorf("%w: stream server can't start without its configurations", common.ErrUsage)
	}
	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid HTTP config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()
	hub, err := apis.GetStreamHub(localCtxt, client, nil, listenerBuffer, instance, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stream hub")
		return err
	}
	httpHandler, err := apis.GetAPIRestStreamHandler(hub, client, config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	httpHandler.DefineRoutes(router, config.PathPrefix)

	serverListen := fmt.Sprintf("%s:%d", config.Server.ListenOn, config.Server.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Server.IdleTimeout),
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

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	select {
	case <-runtimeContext.Done():
	case <-client.Done():
		log.WithFields(logTags).Warn("Stream client closed, stopping HTTP server")
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return client.Err()
}
