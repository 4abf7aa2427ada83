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

package common

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// RequestParam is a helper object for logging a request's parameters into its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Method is the request method: GET, POST, etc.
	Method string `json:"method"`
	// URI is the request URI
	URI string `json:"uri"`
}

// requestParamKey context key the request parameters are stored under
type requestParamKey struct{}

// WithRequestParam attach request parameters to a context
func WithRequestParam(ctxt context.Context, param RequestParam) context.Context {
	return context.WithValue(ctxt, requestParamKey{}, param)
}

// updateLogTags add the request's parameters to a log.Fields map
func (i RequestParam) updateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_method"] = i.Method
	tags["request_uri"] = fmt.Sprintf("'%s'", i.URI)
}

// UpdateLogTags copy the original tags, adding the request parameters found in ctxt
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	result := log.Fields{}
	for k, v := range original {
		result[k] = v
	}
	if ctxt == nil {
		return result, nil
	}
	raw := ctxt.Value(requestParamKey{})
	if raw == nil {
		return result, nil
	}
	param, ok := raw.(RequestParam)
	if !ok {
		return result, fmt.Errorf("context carries request parameters of type %T", raw)
	}
	param.updateLogTags(result)
	return result, nil
}
