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

package stream

import (
	"context"
	"fmt"
	"iter"

	"github.com/alwitt/tdstream/catalog"
	"github.com/alwitt/tdstream/common"
	"github.com/apex/log"
)

// SubscribeParams caller options of one subscription
type SubscribeParams struct {
	// Symbols entity keys to subscribe, at least one
	Symbols []string `json:"symbols"`
	// Fields schema field indices, the feed default when empty
	Fields []int `json:"fields,omitempty"`
	// Modifiers modifier name to value, for feeds which declare modifiers
	Modifiers map[string]string `json:"modifiers,omitempty"`
}

// Subscription handle on one delivery channel.
//
// Several handles may read the same channel; each record goes to exactly one reader.
type Subscription struct {
	spec      catalog.SubscriptionSpec
	key       string
	requestID string
	queue     *deliveryQueue
	registry  *registry
}

// Key the subscription key, or WildcardKey
func (s *Subscription) Key() string {
	return s.key
}

// Feed the subscribed feed. Empty for the wildcard channel.
func (s *Subscription) Feed() catalog.Feed {
	return s.spec.Feed
}

// Spec the resolved spec the channel's records are decoded with
func (s *Subscription) Spec() catalog.SubscriptionSpec {
	return s.spec
}

// RequestID request id of the SUBS command, empty for the wildcard channel
func (s *Subscription) RequestID() string {
	return s.requestID
}

// Next block for the next record. Returns common.ErrConnectionClosed once the channel
// is closed and drained.
func (s *Subscription) Next(ctxt context.Context) (common.StreamRecord, error) {
	record, ok, err := s.queue.pop(ctxt)
	if err != nil {
		return record, err
	}
	if !ok {
		return record, common.ErrConnectionClosed
	}
	return record, nil
}

// Records lazy blocking sequence over the channel. Each call starts a fresh iteration
// over the same channel; iteration ends when the channel is closed and drained.
func (s *Subscription) Records() iter.Seq[common.StreamRecord] {
	return s.RecordsContext(context.Background())
}

// RecordsContext as Records, also ending when ctxt is done
func (s *Subscription) RecordsContext(ctxt context.Context) iter.Seq[common.StreamRecord] {
	return func(yield func(common.StreamRecord) bool) {
		for {
			record, err := s.Next(ctxt)
			if err != nil {
				return
			}
			if !yield(record) {
				return
			}
		}
	}
}

// Close detach the channel. Records already queued stay readable through the handle;
// later records for the key only reach the wildcard channel.
func (s *Subscription) Close() {
	s.registry.detach(s.key, s.queue)
}

// ==============================================================================

// Subscribe request a feed and return the handle reading its channel
func (c *clientImpl) Subscribe(
	feed catalog.Feed, params SubscribeParams,
) (*Subscription, error) {
	if !c.ready() {
		return nil, common.ErrNotReady
	}
	spec, err := c.catalog.Resolve(feed, params.Modifiers)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to resolve feed")
		return nil, err
	}
	if len(params.Symbols) == 0 {
		return nil, fmt.Errorf("%w for %s", common.ErrEmptySymbolSet, feed)
	}
	fields := params.Fields
	if len(fields) == 0 {
		fields = spec.DefaultFields
	}
	for _, idx := range fields {
		if idx < 0 || idx >= len(spec.Fields) {
			return nil, fmt.Errorf(
				"%w: field index %d outside the %s schema", common.ErrUsage, idx, spec.ID,
			)
		}
	}

	// Register before sending, the first data frame may follow the command immediately
	c.activeLock.Lock()
	previous, resubscribe := c.active[spec.ID]
	c.active[spec.ID] = spec
	c.activeLock.Unlock()
	queue, created := c.registry.attach(spec.ID)

	var requestID string
	err = c.sendFrame(func() ([]byte, error) {
		frame, reqID, err := c.encoder.Encode(
			spec.Service,
			spec.Command,
			map[string]interface{}{"keys": params.Symbols, "fields": fields},
			"",
		)
		requestID = reqID
		return frame, err
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to send %s subscription", spec.ID)
		c.activeLock.Lock()
		if resubscribe {
			c.active[spec.ID] = previous
		} else {
			delete(c.active, spec.ID)
		}
		c.activeLock.Unlock()
		if created {
			c.registry.detach(spec.ID, queue)
		}
		return nil, err
	}
	log.WithFields(c.LogTags).Infof(
		"Subscribed %s [%d symbols] with request %s", spec.ID, len(params.Symbols), requestID,
	)
	return &Subscription{
		spec:      spec,
		key:       spec.ID,
		requestID: requestID,
		queue:     queue,
		registry:  c.registry,
	}, nil
}

// LiveData return a handle reading the wildcard channel
func (c *clientImpl) LiveData() (*Subscription, error) {
	if !c.ready() {
		return nil, common.ErrNotReady
	}
	return &Subscription{
		key:      WildcardKey,
		queue:    c.registry.attachWildcard(),
		registry: c.registry,
	}, nil
}
