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

package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/alwitt/tdstream/common"
)

// Request one outbound command envelope. Field order is the wire order.
type Request struct {
	Service    string            `json:"service"`
	Command    string            `json:"command"`
	RequestID  string            `json:"requestid"`
	Account    string            `json:"account"`
	Source     string            `json:"source"`
	Parameters map[string]string `json:"parameters"`
}

// RequestBatch one outbound frame
type RequestBatch struct {
	Requests []Request `json:"requests"`
}

// Encoder builds outbound commands for one connection.
//
// Request ids come from a per encoder counter, so a fresh encoder must be used for each
// connection.
type Encoder struct {
	account string
	source  string
	lock    sync.Mutex
	counter int64
	pending []Request
}

// NewEncoder define a new encoder for the given account and application id
func NewEncoder(account, source string) *Encoder {
	return &Encoder{account: account, source: source, pending: make([]Request, 0)}
}

// Build construct one envelope. When requestID is empty, the next counter value is
// assigned.
func (e *Encoder) Build(
	service, command string, params map[string]interface{}, requestID string,
) Request {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.build(service, command, params, requestID)
}

func (e *Encoder) build(
	service, command string, params map[string]interface{}, requestID string,
) Request {
	if requestID == "" {
		e.counter++
		requestID = strconv.FormatInt(e.counter, 10)
	}
	converted := make(map[string]string, len(params))
	for name, value := range params {
		converted[name] = common.JoinParamValue(value)
	}
	return Request{
		Service:    strings.ToUpper(service),
		Command:    strings.ToUpper(command),
		RequestID:  requestID,
		Account:    e.account,
		Source:     e.source,
		Parameters: converted,
	}
}

// Queue build an envelope and hold it until the next Flush
func (e *Encoder) Queue(
	service, command string, params map[string]interface{}, requestID string,
) string {
	e.lock.Lock()
	defer e.lock.Unlock()
	req := e.build(service, command, params, requestID)
	e.pending = append(e.pending, req)
	return req.RequestID
}

// Flush serialize every queued envelope into one frame. Returns nil when nothing is queued.
func (e *Encoder) Flush() ([]byte, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.flush()
}

func (e *Encoder) flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	frame, err := json.Marshal(&RequestBatch{Requests: e.pending})
	if err != nil {
		return nil, err
	}
	e.pending = make([]Request, 0)
	return frame, nil
}

// Encode build an envelope and flush it, together with anything already queued, as
// one frame
func (e *Encoder) Encode(
	service, command string, params map[string]interface{}, requestID string,
) ([]byte, string, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	req := e.build(service, command, params, requestID)
	e.pending = append(e.pending, req)
	frame, err := e.flush()
	return frame, req.RequestID, err
}

// LastRequestID the most recently assigned counter id, 0 if none
func (e *Encoder) LastRequestID() int64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.counter
}
