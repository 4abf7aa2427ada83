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
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/tdstream/catalog"
	"github.com/alwitt/tdstream/common"
	"github.com/alwitt/tdstream/stream"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// StreamSource the streaming client the HTTP API serves from
type StreamSource interface {
	Subscribe(feed catalog.Feed, params stream.SubscribeParams) (*stream.Subscription, error)
	LiveData() (*stream.Subscription, error)
	State() stream.State
}

// Listener one HTTP caller waiting on records
type Listener struct {
	id          string
	symbols     map[string]bool
	records     chan common.StreamRecord
	overflow    chan struct{}
	ended       chan struct{}
	overflowOne sync.Once
	endOnce     sync.Once
}

func newListener(symbols []string, buffer int) *Listener {
	var filter map[string]bool
	if len(symbols) > 0 {
		filter = make(map[string]bool, len(symbols))
		for _, symbol := range symbols {
			filter[symbol] = true
		}
	}
	return &Listener{
		id:       uuid.NewString(),
		symbols:  filter,
		records:  make(chan common.StreamRecord, buffer),
		overflow: make(chan struct{}),
		ended:    make(chan struct{}),
	}
}

// Records records for this listener
func (l *Listener) Records() <-chan common.StreamRecord {
	return l.records
}

// Overflow closed when the listener fell behind and was dropped
func (l *Listener) Overflow() <-chan struct{} {
	return l.overflow
}

// Ended closed when the upstream channel ended. Records already queued stay readable.
func (l *Listener) Ended() <-chan struct{} {
	return l.ended
}

func (l *Listener) wants(record common.StreamRecord) bool {
	return l.symbols == nil || l.symbols[record.Entity]
}

// offer hand a record over without blocking. Returns false if the listener is full.
func (l *Listener) offer(record common.StreamRecord) bool {
	select {
	case l.records <- record:
		return true
	default:
		l.overflowOne.Do(func() { close(l.overflow) })
		return false
	}
}

func (l *Listener) end() {
	l.endOnce.Do(func() { close(l.ended) })
}

// feedPump the shared subscription of one key and its listeners
type feedPump struct {
	key       string
	symbols   map[string]bool
	fields    map[int]bool
	listeners map[string]*Listener
}

// ========================================================================================

// StreamHub fans stream records out to HTTP listeners.
//
// One pump per subscription key drains the client channel. The upstream symbol and field
// sets are the union of what every listener asked for; each listener only sees its own
// symbols. The wildcard channel is drained from the start so it never backs up.
type StreamHub struct {
	common.Component
	source         StreamSource
	feeds          *catalog.Catalog
	listenerBuffer int
	ctxt           context.Context
	wg             *sync.WaitGroup
	lock           sync.Mutex
	pumps          map[string]*feedPump
	live           map[string]*Listener
	done           chan struct{}
}

// GetStreamHub define a new StreamHub. The source must already be ready.
func GetStreamHub(
	ctxt context.Context,
	source StreamSource,
	feeds *catalog.Catalog,
	listenerBuffer int,
	instance string,
	wg *sync.WaitGroup,
) (*StreamHub, error) {
	logTags := log.Fields{"module": "apis", "component": "stream-hub", "instance": instance}
	if listenerBuffer <= 0 {
		return nil, fmt.Errorf("%w: listener buffer must be positive", common.ErrUsage)
	}
	if feeds == nil {
		feeds = catalog.Default()
	}
	wildcard, err := source.LiveData()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read live data")
		return nil, err
	}
	hub := &StreamHub{
		Component:      common.Component{LogTags: logTags},
		source:         source,
		feeds:          feeds,
		listenerBuffer: listenerBuffer,
		ctxt:           ctxt,
		wg:             wg,
		pumps:          make(map[string]*feedPump),
		live:           make(map[string]*Listener),
		done:           make(chan struct{}),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(hub.done)
		log.WithFields(logTags).Info("Started live pump")
		defer log.WithFields(logTags).Info("Stopped live pump")
		for record := range wildcard.RecordsContext(ctxt) {
			hub.lock.Lock()
			hub.broadcast(record, hub.live)
			hub.lock.Unlock()
		}
		hub.lock.Lock()
		defer hub.lock.Unlock()
		for id, one := range hub.live {
			one.end()
			delete(hub.live, id)
		}
	}()
	return hub, nil
}

// Done closed once the live channel ended
func (h *StreamHub) Done() <-chan struct{} {
	return h.done
}

// broadcast offer a record to the interested listeners. Caller holds the lock.
func (h *StreamHub) broadcast(record common.StreamRecord, listeners map[string]*Listener) {
	for id, one := range listeners {
		if !one.wants(record) {
			continue
		}
		if !one.offer(record) {
			log.WithFields(h.LogTags).Warnf("Dropping slow listener %s", id)
			delete(listeners, id)
		}
	}
}

// JoinLive register a listener on every record, optionally filtered by entity
func (h *StreamHub) JoinLive(symbols []string) (*Listener, func()) {
	one := newListener(symbols, h.listenerBuffer)
	h.lock.Lock()
	select {
	case <-h.done:
		one.end()
	default:
		h.live[one.id] = one
	}
	h.lock.Unlock()
	return one, func() {
		h.lock.Lock()
		delete(h.live, one.id)
		h.lock.Unlock()
	}
}

// JoinFeed register a listener on one feed, extending the upstream subscription when
// the listener asks for symbols or fields not requested so far
func (h *StreamHub) JoinFeed(
	feed catalog.Feed, params stream.SubscribeParams,
) (*Listener, func(), error) {
	spec, err := h.feeds.Resolve(feed, params.Modifiers)
	if err != nil {
		return nil, nil, err
	}
	if len(params.Symbols) == 0 {
		return nil, nil, fmt.Errorf("%w for %s", common.ErrEmptySymbolSet, feed)
	}
	wantFields := params.Fields
	if len(wantFields) == 0 {
		wantFields = spec.DefaultFields
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	pump, running := h.pumps[spec.ID]
	symbols := make(map[string]bool)
	fields := make(map[int]bool)
	if running {
		for symbol := range pump.symbols {
			symbols[symbol] = true
		}
		for idx := range pump.fields {
			fields[idx] = true
		}
	}
	changed := !running
	for _, symbol := range params.Symbols {
		if !symbols[symbol] {
			symbols[symbol] = true
			changed = true
		}
	}
	for _, idx := range wantFields {
		if !fields[idx] {
			fields[idx] = true
			changed = true
		}
	}

	if changed {
		symbolList := make([]string, 0, len(symbols))
		for symbol := range symbols {
			symbolList = append(symbolList, symbol)
		}
		sort.Strings(symbolList)
		fieldList := make([]int, 0, len(fields))
		for idx := range fields {
			fieldList = append(fieldList, idx)
		}
		sort.Ints(fieldList)
		sub, err := h.source.Subscribe(feed, stream.SubscribeParams{
			Symbols: symbolList, Fields: fieldList, Modifiers: params.Modifiers,
		})
		if err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf("Unable to subscribe %s", spec.ID)
			return nil, nil, err
		}
		if !running {
			pump = &feedPump{key: spec.ID, listeners: make(map[string]*Listener)}
			h.pumps[spec.ID] = pump
			h.startPump(pump, sub)
		}
		pump.symbols = symbols
		pump.fields = fields
	}

	one := newListener(params.Symbols, h.listenerBuffer)
	pump.listeners[one.id] = one
	return one, func() {
		h.lock.Lock()
		delete(pump.listeners, one.id)
		h.lock.Unlock()
	}, nil
}

// startPump drain one subscription channel into its listeners
func (h *StreamHub) startPump(pump *feedPump, sub *stream.Subscription) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		log.WithFields(h.LogTags).Infof("Started pump for %s", pump.key)
		defer log.WithFields(h.LogTags).Infof("Stopped pump for %s", pump.key)
		for record := range sub.RecordsContext(h.ctxt) {
			h.lock.Lock()
			h.broadcast(record, pump.listeners)
			h.lock.Unlock()
		}
		h.lock.Lock()
		defer h.lock.Unlock()
		if current, ok := h.pumps[pump.key]; ok && current == pump {
			delete(h.pumps, pump.key)
		}
		for id, one := range pump.listeners {
			one.end()
			delete(pump.listeners, id)
		}
	}()
}
