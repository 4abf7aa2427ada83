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
	"errors"
	"fmt"
	"strconv"

	"github.com/alwitt/tdstream/catalog"
	"github.com/alwitt/tdstream/common"
	"github.com/buger/jsonparser"
)

// Response the server's answer to one request
type Response struct {
	Service   string
	Command   string
	RequestID string
	// Status is the plain status string, when the server sends one
	Status string
	// Code and Message come from the response content block
	Code    int64
	Message string
	Raw     json.RawMessage
}

// IsLogin whether this answers the login / logout handshake
func (r Response) IsLogin() bool {
	return r.RequestID == LoginRequestID
}

// Notification an unsolicited informational entry, e.g. heartbeat
type Notification struct {
	// Heartbeat is the heartbeat timestamp, 0 if this is not a heartbeat
	Heartbeat int64
	Raw       json.RawMessage
}

// RawRecord one positional data record
type RawRecord struct {
	// Key is the entity key, usually the symbol
	Key string
	// Seq is the record sequence number, when present
	Seq *int64
	// Positions field position, as a decimal string, to value
	Positions map[string]interface{}
}

// Data one block of records for a service
type Data struct {
	Service   string
	Command   string
	Timestamp int64
	Content   []RawRecord
}

// Key the subscription key the block is routed by
func (d Data) Key() string {
	return catalog.SubscriptionKey(d.Service, d.Command)
}

// Frame one parsed inbound frame. A frame may carry any number of each section.
type Frame struct {
	Responses     []Response
	Notifications []Notification
	Data          []Data
}

// ParseFrame classify an inbound frame. Any structural problem fails the whole frame
// with common.ErrMalformedFrame.
func ParseFrame(raw []byte) (Frame, error) {
	result := Frame{
		Responses:     make([]Response, 0),
		Notifications: make([]Notification, 0),
		Data:          make([]Data, 0),
	}
	_, dataType, _, err := jsonparser.Get(raw)
	if err != nil {
		return result, fmt.Errorf("%w: %s", common.ErrMalformedFrame, err.Error())
	}
	if dataType != jsonparser.Object {
		return result, fmt.Errorf("%w: frame is not an object", common.ErrMalformedFrame)
	}

	if err := eachEntry(raw, "response", func(entry []byte) error {
		resp, err := parseResponse(entry)
		if err != nil {
			return err
		}
		result.Responses = append(result.Responses, resp)
		return nil
	}); err != nil {
		return result, err
	}

	if err := eachEntry(raw, "notify", func(entry []byte) error {
		note := Notification{Raw: json.RawMessage(append([]byte(nil), entry...))}
		if beat, err := jsonparser.GetString(entry, "heartbeat"); err == nil {
			note.Heartbeat, _ = strconv.ParseInt(beat, 10, 64)
		} else if beat, err := jsonparser.GetInt(entry, "heartbeat"); err == nil {
			note.Heartbeat = beat
		}
		result.Notifications = append(result.Notifications, note)
		return nil
	}); err != nil {
		return result, err
	}

	if err := eachEntry(raw, "data", func(entry []byte) error {
		block, err := parseData(entry)
		if err != nil {
			return err
		}
		result.Data = append(result.Data, block)
		return nil
	}); err != nil {
		return result, err
	}

	return result, nil
}

// eachEntry call handler on every object in the named top level array. A missing
// array is not an error.
func eachEntry(raw []byte, section string, handler func(entry []byte) error) error {
	var handleErr error
	_, err := jsonparser.ArrayEach(
		raw,
		func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
			if handleErr != nil {
				return
			}
			if dataType != jsonparser.Object {
				handleErr = fmt.Errorf(
					"%w: %s entry is not an object", common.ErrMalformedFrame, section,
				)
				return
			}
			handleErr = handler(value)
		},
		section,
	)
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s section: %s", common.ErrMalformedFrame, section, err.Error())
	}
	return handleErr
}

func parseResponse(entry []byte) (Response, error) {
	result := Response{Raw: json.RawMessage(append([]byte(nil), entry...))}
	requestID, err := scalarText(entry, "requestid")
	if err != nil {
		return result, fmt.Errorf("%w: response without requestid", common.ErrMalformedFrame)
	}
	result.RequestID = requestID
	result.Service, _ = jsonparser.GetString(entry, "service")
	result.Command, _ = jsonparser.GetString(entry, "command")
	result.Status, _ = jsonparser.GetString(entry, "status")
	result.Code, _ = jsonparser.GetInt(entry, "content", "code")
	result.Message, _ = jsonparser.GetString(entry, "content", "msg")
	return result, nil
}

func parseData(entry []byte) (Data, error) {
	result := Data{Content: make([]RawRecord, 0)}
	var err error
	if result.Service, err = jsonparser.GetString(entry, "service"); err != nil {
		return result, fmt.Errorf("%w: data without service", common.ErrMalformedFrame)
	}
	if result.Command, err = jsonparser.GetString(entry, "command"); err != nil {
		return result, fmt.Errorf("%w: data without command", common.ErrMalformedFrame)
	}
	result.Timestamp, _ = jsonparser.GetInt(entry, "timestamp")
	err = eachEntry(entry, "content", func(item []byte) error {
		record, err := parseRecord(item)
		if err != nil {
			return err
		}
		result.Content = append(result.Content, record)
		return nil
	})
	return result, err
}

func parseRecord(item []byte) (RawRecord, error) {
	result := RawRecord{Positions: make(map[string]interface{})}
	err := jsonparser.ObjectEach(
		item,
		func(key []byte, value []byte, dataType jsonparser.ValueType, _ int) error {
			switch string(key) {
			case "key":
				if dataType == jsonparser.String {
					parsed, err := jsonparser.ParseString(value)
					if err != nil {
						return err
					}
					result.Key = parsed
				} else {
					result.Key = string(value)
				}
			case "seq":
				seq, err := jsonparser.ParseInt(value)
				if err != nil {
					return fmt.Errorf("seq: %w", err)
				}
				result.Seq = &seq
			default:
				converted, err := convertValue(value, dataType)
				if err != nil {
					return fmt.Errorf("position %s: %w", key, err)
				}
				result.Positions[string(key)] = converted
			}
			return nil
		},
	)
	if err != nil {
		return result, fmt.Errorf("%w: record: %s", common.ErrMalformedFrame, err.Error())
	}
	return result, nil
}

// convertValue map a raw JSON value onto the value types StreamRecord carries
func convertValue(value []byte, dataType jsonparser.ValueType) (interface{}, error) {
	switch dataType {
	case jsonparser.String:
		return jsonparser.ParseString(value)
	case jsonparser.Number:
		return json.Number(string(value)), nil
	case jsonparser.Boolean:
		return jsonparser.ParseBoolean(value)
	case jsonparser.Null:
		return nil, nil
	case jsonparser.Object, jsonparser.Array:
		return json.RawMessage(append([]byte(nil), value...)), nil
	default:
		return nil, fmt.Errorf("unsupported value type %v", dataType)
	}
}

// scalarText read a string or number field as text
func scalarText(entry []byte, key string) (string, error) {
	value, dataType, _, err := jsonparser.Get(entry, key)
	if err != nil {
		return "", err
	}
	switch dataType {
	case jsonparser.String:
		return jsonparser.ParseString(value)
	case jsonparser.Number:
		return string(value), nil
	default:
		return "", fmt.Errorf("%s is neither string nor number", key)
	}
}
