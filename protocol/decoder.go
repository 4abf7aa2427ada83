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
	"strconv"
	"time"

	"github.com/alwitt/tdstream/catalog"
	"github.com/alwitt/tdstream/common"
)

// Decode name the positional values of a raw record using the subscription schema.
//
// Only positions present in the raw record appear in the result. Positions beyond the
// schema are dropped.
func Decode(spec catalog.SubscriptionSpec, raw RawRecord, receivedAt time.Time) common.StreamRecord {
	fields := make(map[string]interface{}, len(raw.Positions))
	for idx, name := range spec.Fields {
		if value, ok := raw.Positions[strconv.Itoa(idx)]; ok {
			fields[name] = value
		}
	}
	var seq *int64
	if raw.Seq != nil {
		copied := *raw.Seq
		seq = &copied
	}
	return common.StreamRecord{
		Key:        spec.ID,
		Feed:       string(spec.Feed),
		Service:    spec.Service,
		Entity:     raw.Key,
		Seq:        seq,
		ReceivedAt: receivedAt,
		Fields:     fields,
	}
}

// DecodeBlock decode every record of a data block, in order
func DecodeBlock(spec catalog.SubscriptionSpec, block Data, receivedAt time.Time) []common.StreamRecord {
	result := make([]common.StreamRecord, len(block.Content))
	for idx, raw := range block.Content {
		result[idx] = Decode(spec, raw, receivedAt)
	}
	return result
}
