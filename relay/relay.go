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

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alwitt/tdstream/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// RecordSource blocking source of stream records, such as a stream.Subscription
type RecordSource interface {
	Next(ctxt context.Context) (common.StreamRecord, error)
}

// Params relay parameters
type Params struct {
	// SubjectPrefix leading subject token
	SubjectPrefix string `validate:"required"`
	// PublishTimeout max wait for one publish acknowledgement
	PublishTimeout time.Duration `validate:"gt=0"`
}

// Stats relay counters
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Relay republishes stream records as JSON messages
type Relay struct {
	common.Component
	params    Params
	publisher Publisher
	published atomic.Uint64
	failed    atomic.Uint64
}

// GetRelay define a new Relay
func GetRelay(params Params, publisher Publisher, instance string) (*Relay, error) {
	logTags := log.Fields{"module": "relay", "component": "relay", "instance": instance}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay parameters")
		return nil, err
	}
	if publisher == nil {
		return nil, fmt.Errorf("%w: relay needs a publisher", common.ErrUsage)
	}
	return &Relay{
		Component: common.Component{LogTags: logTags},
		params:    params,
		publisher: publisher,
	}, nil
}

// subjectToken make a value safe to use as a single subject token
func subjectToken(value string) string {
	if value == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, value)
}

// SubjectFor the subject a record is published on, <prefix>.<SERVICE>.<entity>
func SubjectFor(prefix string, record common.StreamRecord) string {
	return fmt.Sprintf("%s.%s.%s", prefix, subjectToken(record.Service), subjectToken(record.Entity))
}

// Stats fetch the relay counters
func (r *Relay) Stats() Stats {
	return Stats{Published: r.published.Load(), Failed: r.failed.Load()}
}

// Run publish every record read from the source until the source is exhausted or ctxt
// is done. A failed publish is logged and counted; the relay moves on to the next record.
func (r *Relay) Run(ctxt context.Context, source RecordSource) error {
	log.WithFields(r.LogTags).Infof("Relaying records under %s", r.params.SubjectPrefix)
	defer log.WithFields(r.LogTags).Info("Relay stopped")
	for {
		record, err := source.Next(ctxt)
		if err != nil {
			if errors.Is(err, common.ErrConnectionClosed) {
				return nil
			}
			if ctxt.Err() != nil {
				return nil
			}
			log.WithError(err).WithFields(r.LogTags).Error("Record source failure")
			return err
		}
		if err := r.publish(ctxt, record); err != nil {
			r.failed.Add(1)
			if ctxt.Err() != nil {
				return nil
			}
			continue
		}
		r.published.Add(1)
	}
}

func (r *Relay) publish(ctxt context.Context, record common.StreamRecord) error {
	payload, err := json.Marshal(&record)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to serialize %s", record)
		return err
	}
	subject := SubjectFor(r.params.SubjectPrefix, record)
	lclCtxt, cancel := context.WithTimeout(ctxt, r.params.PublishTimeout)
	defer cancel()
	if err := r.publisher.Publish(lclCtxt, subject, payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to relay %s", record)
		return err
	}
	return nil
}
