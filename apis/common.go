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
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tdstream/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// DefaultRequestIDHeader header carrying the caller request ID, when none is configured
const DefaultRequestIDHeader = "Tdstream-Request-ID"

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(strings.ToUpper(method)).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	goutils.RestAPIHandler
	requestIDHeader string
}

// defineAPIRestHandler define the base handler of an API group
func defineAPIRestHandler(logTags log.Fields, httpConfig *common.HTTPConfig) APIRestHandler {
	header := DefaultRequestIDHeader
	if httpConfig != nil && httpConfig.Logging.RequestIDHeader != "" {
		header = httpConfig.Logging.RequestIDHeader
	}
	return APIRestHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{LogTags: logTags},
		},
		requestIDHeader: header,
	}
}

// logTagsForRequest log tags of the handler extended with the request's parameters
func (h APIRestHandler) logTagsForRequest(r *http.Request) log.Fields {
	tags, err := common.UpdateLogTags(r.Context(), h.LogTags)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Failed to update logtags")
	}
	return tags
}

// requestID the request ID attached by AttachRequestID
func (h APIRestHandler) requestID(r *http.Request) string {
	return r.Header.Get(h.requestIDHeader)
}

// reply helper function for writing responses
func (h APIRestHandler) reply(
	w http.ResponseWriter, r *http.Request, respCode int, resp interface{}, restCall string,
) {
	if err := h.WriteRESTResponse(
		w, respCode, resp, map[string]string{h.requestIDHeader: h.requestID(r)},
	); err != nil {
		log.WithError(err).WithFields(h.logTagsForRequest(r)).Errorf(
			"Failed to write REST response for %s", restCall,
		)
	}
}

// AttachRequestID middleware to attach a request ID and log the request
func (h APIRestHandler) AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
			r.Header.Set(h.requestIDHeader, reqID)
		}
		ctxt := common.WithRequestParam(r.Context(), common.RequestParam{
			ID: reqID, Method: r.Method, URI: r.URL.String(),
		})
		r = r.WithContext(ctxt)
		logTags := h.logTagsForRequest(r)
		start := time.Now()
		log.WithFields(logTags).Debug("Request start")
		next.ServeHTTP(rw, r)
		log.WithFields(logTags).Debugf("Request complete after %s", time.Since(start))
	})
}
