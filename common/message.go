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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// StreamRecord one decoded data record.
//
// Fields only holds the positions present in the raw record. The stream sends deltas,
// so a missing field means "unchanged since the last record for this entity", not null.
// A StreamRecord is shared between every channel it is delivered on and must not be
// modified by consumers.
type StreamRecord struct {
	// Key is the subscription key, SERVICE-COMMAND
	Key string `json:"key"`
	// Feed is the catalog feed name the record was decoded with
	Feed string `json:"feed"`
	// Service is the wire service name
	Service string `json:"service"`
	// Entity is the record level key, usually the symbol
	Entity string `json:"entity"`
	// Seq is the record sequence number, when the record carried one
	Seq *int64 `json:"seq,omitempty"`
	// ReceivedAt is when the frame carrying this record was read off the socket
	ReceivedAt time.Time `json:"received_at"`
	// Fields decoded field name to value. Values are string, json.Number, bool,
	// json.RawMessage (nested objects and arrays) or nil.
	Fields map[string]interface{} `json:"fields"`
}

// String toString function
func (r StreamRecord) String() string {
	if r.Seq != nil {
		return fmt.Sprintf("%s/%s[%d]", r.Key, r.Entity, *r.Seq)
	}
	return fmt.Sprintf("%s/%s", r.Key, r.Entity)
}

// Has whether the record carries a value for the field
func (r StreamRecord) Has(field string) bool {
	_, ok := r.Fields[field]
	return ok
}

// Text read a field as a string
func (r StreamRecord) Text(field string) (string, bool) {
	value, ok := r.Fields[field]
	if !ok {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	case json.RawMessage:
		return string(v), true
	case nil:
		return "", true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// Decimal read a numeric field. Prices are sent either as JSON numbers or strings.
func (r StreamRecord) Decimal(field string) (decimal.Decimal, bool, error) {
	value, ok := r.Fields[field]
	if !ok {
		return decimal.Zero, false, nil
	}
	switch v := value.(type) {
	case json.Number:
		parsed, err := decimal.NewFromString(v.String())
		return parsed, true, err
	case string:
		parsed, err := decimal.NewFromString(v)
		return parsed, true, err
	default:
		return decimal.Zero, true, fmt.Errorf("field %s of %s is not numeric", field, r.String())
	}
}

// Int64 read an integral field, for sizes, volumes and epoch timestamps
func (r StreamRecord) Int64(field string) (int64, bool, error) {
	value, ok := r.Fields[field]
	if !ok {
		return 0, false, nil
	}
	switch v := value.(type) {
	case json.Number:
		parsed, err := v.Int64()
		return parsed, true, err
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		return parsed, true, err
	default:
		return 0, true, fmt.Errorf("field %s of %s is not integral", field, r.String())
	}
}
