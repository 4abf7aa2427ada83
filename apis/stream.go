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

package apis

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tdstream/catalog"
	"github.com/alwitt/tdstream/common"
	"github.com/alwitt/tdstream/stream"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestStreamHandler REST handler for the streaming API
type APIRestStreamHandler struct {
	APIRestHandler
	hub    *StreamHub
	source StreamSource
}

// GetAPIRestStreamHandler define APIRestStreamHandler
func GetAPIRestStreamHandler(
	hub *StreamHub, source StreamSource, httpConfig *common.HTTPConfig,
) (APIRestStreamHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "stream",
	}
	if hub == nil || source == nil {
		return APIRestStreamHandler{}, fmt.Errorf("%w: stream handler needs a hub and a source", common.ErrUsage)
	}
	return APIRestStreamHandler{
		APIRestHandler: defineAPIRestHandler(logTags, httpConfig),
		hub:            hub,
		source:         source,
	}, nil
}

// APIRestRespStreamRecord wrapper object for one streamed record
type APIRestRespStreamRecord struct {
	goutils.RestAPIBaseResponse
	Record common.StreamRecord `json:"record"`
}

// statusForError HTTP status of a subscribe failure
func statusForError(err error) int {
	switch {
	case errors.Is(err, common.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, common.ErrUsage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// splitList read a comma separated query list, allowing the parameter to repeat
func splitList(values []string) []string {
	result := []string{}
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}

// parseFeedQuery convert the query into subscribe parameters. Every parameter other
// than symbols and fields is a feed modifier.
func parseFeedQuery(r *http.Request) (stream.SubscribeParams, error) {
	params := stream.SubscribeParams{Modifiers: map[string]string{}}
	for name, values := range r.URL.Query() {
		switch name {
		case "symbols":
			params.Symbols = splitList(values)
		case "fields":
			for _, raw := range splitList(values) {
				idx, err := strconv.Atoi(raw)
				if err != nil {
					return params, fmt.Errorf("%w: field index %q is not an integer", common.ErrUsage, raw)
				}
				params.Fields = append(params.Fields, idx)
			}
		default:
			if len(values) != 1 {
				return params, fmt.Errorf("%w: modifier %s given %d times", common.ErrUsage, name, len(values))
			}
			params.Modifiers[name] = values[0]
		}
	}
	return params, nil
}

// =======================================================================
// Streaming

// streamRecords write listener records as newline delimited JSON until the caller
// leaves or the listener ends
func (h APIRestStreamHandler) streamRecords(
	w http.ResponseWriter, r *http.Request, one *Listener, logTags log.Fields,
) {
	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Errorf(msg)
		h.reply(w, r, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, msg,
		), "stream")
		return
	}

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set(h.requestIDHeader, h.requestID(r))
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	send := func(record common.StreamRecord) error {
		resp := APIRestRespStreamRecord{
			RestAPIBaseResponse: goutils.RestAPIBaseResponse{
				Success: true, RequestID: h.requestID(r),
			},
			Record: record,
		}
		serialize, err := json.Marshal(&resp)
		if err != nil {
			return err
		}
		written, err := fmt.Fprintf(w, "%s\n", serialize)
		writeFlusher.Flush()
		if err != nil {
			return err
		}
		log.WithFields(logTags).Debugf("Written %dB", written)
		return nil
	}

	for {
		select {
		case <-r.Context().Done():
			log.WithFields(logTags).Info("Terminating stream on request end")
			return
		case <-one.Overflow():
			log.WithFields(logTags).Warn("Terminating stream of slow reader")
			return
		case record := <-one.Records():
			if err := send(record); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to transmit record")
				return
			}
		case <-one.Ended():
			// flush what is left then end
			for {
				select {
				case record := <-one.Records():
					if err := send(record); err != nil {
						log.WithError(err).WithFields(logTags).Error("Failed to transmit record")
						return
					}
				default:
					log.WithFields(logTags).Info("Terminating stream on upstream close")
					return
				}
			}
		}
	}
}

// StreamFeed godoc
// @Summary Stream one feed
// @Description Subscribe to a feed and stream its records as newline delimited JSON. This
// is a long lived server send event stream.
// @tags Stream
// @Produce json
// @Param Tdstream-Request-ID header string false "User provided request ID to match against logs"
// @Param feed path string true "Feed name"
// @Param symbols query string true "Comma separated entity keys"
// @Param fields query string false "Comma separated field indices"
// @Success 200 {object} APIRestRespStreamRecord "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/stream/feed/{feed} [get]
func (h APIRestStreamHandler) StreamFeed(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	replyError := func(code int, msg string, err error) {
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, r, code, h.GetStdRESTErrorMsg(r.Context(), code, msg, err.Error()), "feed")
	}

	feedName, ok := mux.Vars(r)["feed"]
	if !ok {
		msg := "No feed name provided"
		replyError(http.StatusBadRequest, msg, errors.New(msg))
		return
	}
	params, err := parseFeedQuery(r)
	if err != nil {
		replyError(http.StatusBadRequest, "Invalid stream query", err)
		return
	}

	one, leave, err := h.hub.JoinFeed(catalog.Feed(strings.ToLower(feedName)), params)
	if err != nil {
		replyError(statusForError(err), fmt.Sprintf("Unable to stream %s", feedName), err)
		return
	}
	defer leave()

	localLogTags["feed"] = feedName
	localLogTags["symbols"] = params.Symbols
	h.streamRecords(w, r, one, localLogTags)
}

// StreamFeedHandler Wrapper around StreamFeed
func (h APIRestStreamHandler) StreamFeedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamFeed(w, r)
	}
}

// StreamLive godoc
// @Summary Stream every record
// @Description Stream every record the client receives as newline delimited JSON
// @tags Stream
// @Produce json
// @Param Tdstream-Request-ID header string false "User provided request ID to match against logs"
// @Param symbols query string false "Comma separated entity keys to keep"
// @Success 200 {object} APIRestRespStreamRecord "success"
// @Router /v1/stream/live [get]
func (h APIRestStreamHandler) StreamLive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	one, leave := h.hub.JoinLive(splitList(r.URL.Query()["symbols"]))
	defer leave()
	h.streamRecords(w, r, one, localLogTags)
}

// StreamLiveHandler Wrapper around StreamLive
func (h APIRestStreamHandler) StreamLiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamLive(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For streaming API liveness check
// @Description Will return success to indicate the streaming API is live
// @tags Stream
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestStreamHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), "alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestStreamHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For streaming API readiness check
// @Description Will return success if the streaming client is logged in
// @tags Stream
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestStreamHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if state := h.source.State(); state != stream.StateReady {
		msg := fmt.Sprintf("stream client %s", state)
		h.reply(w, r, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, "not ready", msg,
		), "ready")
		return
	}
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), "ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestStreamHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// ========================================================================================

// DefineRoutes attach the streaming API under the path prefix
func (h APIRestStreamHandler) DefineRoutes(router *mux.Router, pathPrefix string) {
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)
	mainRouter.Use(h.AttachRequestID)
	streamRouter := RegisterPathPrefix(mainRouter, "/v1/stream", nil)
	_ = RegisterPathPrefix(streamRouter, "/feed/{feed}", MethodHandlers{
		"get": h.StreamFeedHandler(),
	})
	_ = RegisterPathPrefix(streamRouter, "/live", MethodHandlers{
		"get": h.StreamLiveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
}
