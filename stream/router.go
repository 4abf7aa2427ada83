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
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/tdstream/catalog"
	"github.com/alwitt/tdstream/common"
	"github.com/alwitt/tdstream/protocol"
	"github.com/apex/log"
)

// frameTask one inbound frame, in socket order
type frameTask struct {
	raw        []byte
	receivedAt time.Time
}

// transportClosedTask the read loop ended. It is queued behind every frame read
// before it, so channels close only after those frames are delivered.
type transportClosedTask struct {
	err error
}

// readLoop sole reader of the socket. Feeds the router event loop.
func (c *clientImpl) readLoop() {
	defer c.wg.Done()
	defer log.WithFields(c.LogTags).Debug("Read loop exiting")
	transport := c.transport.Load()
	for {
		raw, err := transport.read()
		if err != nil {
			if isCleanClose(err) || c.runCtxt.Err() != nil {
				log.WithFields(c.LogTags).Infof("Socket closed: %s", err.Error())
			} else {
				log.WithError(err).WithFields(c.LogTags).Error("Socket read failed")
			}
			if submitErr := c.router.Submit(c.runCtxt, transportClosedTask{err: err}); submitErr != nil {
				log.WithError(submitErr).WithFields(c.LogTags).Debug("Router already stopped")
			}
			return
		}
		c.framesReceived.Add(1)
		if err := c.router.Submit(
			c.runCtxt, frameTask{raw: raw, receivedAt: time.Now().UTC()},
		); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Router already stopped")
			return
		}
	}
}

func (c *clientImpl) processTransportClosedTask(param interface{}) error {
	task, ok := param.(transportClosedTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for transport closed", param)
	}
	if c.loggingOut.Load() {
		log.WithFields(c.LogTags).Info("Server closed connection after logout")
		c.shutdown(nil)
		return nil
	}
	c.shutdown(fmt.Errorf("%w: %s", common.ErrConnectionClosed, task.err.Error()))
	return nil
}

func (c *clientImpl) processFrameTask(param interface{}) error {
	task, ok := param.(frameTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for inbound frame", param)
	}
	if c.config.Verbose {
		log.WithFields(c.LogTags).Debugf("RECV %s", task.raw)
	}
	frame, err := protocol.ParseFrame(task.raw)
	if err != nil {
		c.reportProtocolError(err)
		return nil
	}
	for _, resp := range frame.Responses {
		c.handleResponse(resp)
	}
	for _, note := range frame.Notifications {
		if c.observer.OnNotification != nil {
			c.observer.OnNotification(note)
		}
		if note.Heartbeat == 0 {
			log.WithFields(c.LogTags).Debugf("Notification %s", note.Raw)
		}
	}
	for _, block := range frame.Data {
		if err := c.routeData(block, task.receivedAt); err != nil {
			c.reportProtocolError(err)
		}
	}
	return nil
}

func (c *clientImpl) reportProtocolError(err error) {
	c.protocolErrors.Add(1)
	log.WithError(err).WithFields(c.LogTags).Error("Inbound frame dropped")
	if c.observer.OnProtocolError != nil {
		c.observer.OnProtocolError(err)
	}
}

func (c *clientImpl) handleResponse(resp protocol.Response) {
	if c.observer.OnResponse != nil {
		c.observer.OnResponse(resp)
	}
	if !resp.IsLogin() {
		log.WithFields(c.LogTags).Debugf(
			"Response to %s %s-%s: [%d] %s", resp.RequestID, resp.Service, resp.Command, resp.Code, resp.Message,
		)
		return
	}
	switch {
	case c.loggingOut.Load():
		log.WithFields(c.LogTags).Info("Logout acknowledged")
		c.shutdown(nil)
	case c.State() == StateAwaitingLogin:
		if resp.Code != 0 {
			log.WithFields(c.LogTags).Warnf("Login answered with [%d] %s", resp.Code, resp.Message)
		}
		c.markReady()
	default:
		log.WithFields(c.LogTags).Debugf("Ignoring login response in state %s", c.State())
	}
}

// routeData decode a data block and push its records, in order, to the key's channel
// and the wildcard channel.
//
// Keys subscribed on this connection use the spec they were subscribed with. Keys known
// to the catalog but not subscribed here only reach the wildcard channel.
func (c *clientImpl) routeData(block protocol.Data, receivedAt time.Time) error {
	key := block.Key()
	spec, subscribed := c.specFor(key)
	if !subscribed {
		var known bool
		if spec, known = c.catalog.Lookup(key); !known {
			return fmt.Errorf("%w %s", common.ErrUnknownKey, key)
		}
	}

	targets := make([]*deliveryQueue, 0, 2)
	if subscribed {
		if queue, ok := c.registry.existing(key); ok {
			targets = append(targets, queue)
		}
	}
	if queue, ok := c.registry.existing(WildcardKey); ok {
		targets = append(targets, queue)
	}
	if len(targets) == 0 {
		log.WithFields(c.LogTags).Debugf("No channel attached for %s", key)
		return nil
	}

	for _, record := range protocol.DecodeBlock(spec, block, receivedAt) {
		for _, queue := range targets {
			if err := queue.push(c.runCtxt, record); err != nil {
				if errors.Is(err, common.ErrConnectionClosed) {
					// Consumer detached
					continue
				}
				if c.runCtxt.Err() != nil {
					log.WithFields(c.LogTags).Debugf("Routing of %s stopped by shutdown", key)
					return nil
				}
				return err
			}
		}
		c.recordsRouted.Add(1)
	}
	return nil
}

// specFor the spec a key was subscribed with
func (c *clientImpl) specFor(key string) (catalog.SubscriptionSpec, bool) {
	c.activeLock.RLock()
	defer c.activeLock.RUnlock()
	spec, ok := c.active[key]
	return spec, ok
}
