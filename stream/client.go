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
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/tdstream/catalog"
	"github.com/alwitt/tdstream/common"
	"github.com/alwitt/tdstream/protocol"
	"github.com/alwitt/tdstream/session"
	"github.com/apex/log"
)

// State connection lifecycle state
type State int32

// Connection states
const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingLogin
	StateReady
	StateClosed
)

// String toString function
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingLogin:
		return "awaiting-login"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Observer optional hooks on inbound traffic. Hooks run on the delivery path, so they
// must return quickly.
type Observer struct {
	OnResponse      func(resp protocol.Response)
	OnNotification  func(note protocol.Notification)
	OnProtocolError func(err error)
	OnStateChange   func(state State)
}

// Stats delivery counters of a client
type Stats struct {
	State          State          `json:"state"`
	FramesReceived uint64         `json:"frames_received"`
	RecordsRouted  uint64         `json:"records_routed"`
	ProtocolErrors uint64         `json:"protocol_errors"`
	CommandsSent   uint64         `json:"commands_sent"`
	Backlog        map[string]int `json:"backlog"`
}

// Client a streaming connection for one session.
//
// A client connects once. After it reaches StateClosed it stays closed; reconnecting
// needs a new client and a fresh session descriptor.
type Client interface {
	// Start connect and log in. Blocks until the session is ready, the login times out,
	// the transport fails, or ctxt is cancelled.
	Start(ctxt context.Context) error

	// Subscribe request a feed and return the handle reading its channel
	Subscribe(feed catalog.Feed, params SubscribeParams) (*Subscription, error)

	// LiveData return a handle reading the wildcard channel
	LiveData() (*Subscription, error)

	// Logout send the logout command. The client closes once the server acknowledges it
	// or drops the connection.
	Logout() error

	// Close tear the connection down without logging out
	Close() error

	// State current lifecycle state
	State() State

	// Done closed once the client reaches StateClosed
	Done() <-chan struct{}

	// Err the transport error that closed the client, nil after an orderly shutdown
	Err() error

	// Stats delivery counters
	Stats() Stats
}

// clientImpl implements Client
type clientImpl struct {
	common.Component
	desc     session.Descriptor
	config   common.StreamConfig
	catalog  *catalog.Catalog
	observer Observer

	state      atomic.Int32
	loggingOut atomic.Bool
	startOnce  sync.Once

	encoder   *protocol.Encoder
	sendLock  sync.Mutex
	transport atomic.Pointer[wsTransport]

	registry *registry
	// active subscription key to the spec decoding it
	active     map[string]catalog.SubscriptionSpec
	activeLock sync.RWMutex

	router      common.TaskProcessor
	statsTimer  common.IntervalTimer
	runCtxt     context.Context
	runCancel   context.CancelFunc
	wg          sync.WaitGroup
	readyCh     chan struct{}
	doneCh      chan struct{}
	closeOnce   sync.Once
	errLock     sync.Mutex
	closeReason error

	framesReceived atomic.Uint64
	recordsRouted  atomic.Uint64
	protocolErrors atomic.Uint64
	commandsSent   atomic.Uint64
}

// GetClient define a new stream client
func GetClient(
	desc session.Descriptor,
	config common.StreamConfig,
	feeds *catalog.Catalog,
	observer Observer,
) (Client, error) {
	logTags := log.Fields{
		"module": "stream", "component": "client", "instance": desc.AccountID,
	}
	if err := desc.Validate(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid session descriptor")
		return nil, err
	}
	if feeds == nil {
		feeds = catalog.Default()
	}
	if config.FrameBuffer < 1 {
		config.FrameBuffer = 1
	}
	runCtxt, cancel := context.WithCancel(context.Background())
	router, err := common.GetNewTaskProcessorInstance(
		runCtxt, fmt.Sprintf("stream-router.%s", desc.AccountID), config.FrameBuffer,
	)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define router event loop")
		return nil, err
	}
	instance := &clientImpl{
		Component: common.Component{LogTags: logTags},
		desc:      desc,
		config:    config,
		catalog:   feeds,
		observer:  observer,
		encoder:   protocol.NewEncoder(desc.AccountID, desc.AppID),
		registry:  newRegistry(config.ChannelBound),
		active:    make(map[string]catalog.SubscriptionSpec),
		router:    router,
		runCtxt:   runCtxt,
		runCancel: cancel,
		readyCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	if err := router.AddToTaskExecutionMap(
		reflect.TypeOf(frameTask{}), instance.processFrameTask,
	); err != nil {
		cancel()
		return nil, err
	}
	if err := router.AddToTaskExecutionMap(
		reflect.TypeOf(transportClosedTask{}), instance.processTransportClosedTask,
	); err != nil {
		cancel()
		return nil, err
	}
	return instance, nil
}

// State current lifecycle state
func (c *clientImpl) State() State {
	return State(c.state.Load())
}

func (c *clientImpl) setState(newState State) {
	old := State(c.state.Swap(int32(newState)))
	if old == newState {
		return
	}
	c.stateChanged(old, newState)
}

// transition move from one state to the next, only if the client is still in from
func (c *clientImpl) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.stateChanged(from, to)
	return true
}

func (c *clientImpl) stateChanged(old, newState State) {
	log.WithFields(c.LogTags).Debugf("State %s -> %s", old, newState)
	if c.observer.OnStateChange != nil {
		c.observer.OnStateChange(newState)
	}
}

// closedErr the error reported to a caller finding the client already closed
func (c *clientImpl) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return common.ErrConnectionClosed
}

// Done closed once the client reaches StateClosed
func (c *clientImpl) Done() <-chan struct{} {
	return c.doneCh
}

// Err the transport error that closed the client
func (c *clientImpl) Err() error {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	return c.closeReason
}

// Start connect and log in
func (c *clientImpl) Start(ctxt context.Context) error {
	first := false
	c.startOnce.Do(func() { first = true })
	if !first {
		return common.ErrAlreadyStarted
	}

	if !c.transition(StateIdle, StateConnecting) {
		return c.closedErr()
	}
	transport, err := dialTransport(
		ctxt, c.desc.Endpoint, c.config.ConnectTimeoutDuration(), c.LogTags,
	)
	if err != nil {
		c.shutdown(err)
		return err
	}
	c.transport.Store(transport)
	select {
	case <-c.doneCh:
		_ = transport.close(false)
		return common.ErrConnectionClosed
	default:
	}

	if err := c.router.StartEventLoop(&c.wg); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to start router event loop")
		c.shutdown(err)
		return err
	}
	c.wg.Add(1)
	go c.readLoop()

	if !c.transition(StateConnecting, StateAwaitingLogin) {
		// Read loop already saw the connection end
		return c.closedErr()
	}
	if err := c.sendFrame(func() ([]byte, error) { return c.encoder.EncodeLogin(c.desc) }); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to send login")
		c.shutdown(err)
		return err
	}

	loginTimer := time.NewTimer(c.config.LoginTimeoutDuration())
	defer loginTimer.Stop()
	select {
	case <-c.readyCh:
	case <-c.doneCh:
		return c.closedErr()
	case <-loginTimer.C:
		log.WithError(common.ErrLoginTimeout).WithFields(c.LogTags).Error("Login not acknowledged")
		c.shutdown(common.ErrLoginTimeout)
		return common.ErrLoginTimeout
	case <-ctxt.Done():
		err := fmt.Errorf("%w: %s", common.ErrTransport, ctxt.Err())
		c.shutdown(err)
		return err
	}

	if interval := c.config.StatsIntervalDuration(); interval > 0 {
		timer, err := common.GetIntervalTimerInstance(
			c.runCtxt, &c.wg, fmt.Sprintf("stream-stats.%s", c.desc.AccountID),
		)
		if err == nil {
			err = timer.Start(interval, c.logStats, false)
		}
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Unable to start stats timer")
		} else {
			c.errLock.Lock()
			c.statsTimer = timer
			c.errLock.Unlock()
		}
	}
	return nil
}

// markReady called by the router on the login response
func (c *clientImpl) markReady() {
	if !c.state.CompareAndSwap(int32(StateAwaitingLogin), int32(StateReady)) {
		return
	}
	// Wildcard channel exists from the moment the session is usable
	c.registry.openWildcard()
	log.WithFields(c.LogTags).Info("Session ready")
	if c.observer.OnStateChange != nil {
		c.observer.OnStateChange(StateReady)
	}
	close(c.readyCh)
}

// ready whether commands other than login may be issued
func (c *clientImpl) ready() bool {
	return c.State() == StateReady && !c.loggingOut.Load()
}

// sendFrame encode and write one frame. The send lock spans both steps, so frames hit
// the socket in request id order.
func (c *clientImpl) sendFrame(encode func() ([]byte, error)) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	frame, err := encode()
	if err != nil {
		return err
	}
	if c.config.Verbose {
		log.WithFields(c.LogTags).Debugf("SENT %s", frame)
	}
	transport := c.transport.Load()
	if transport == nil {
		return common.ErrConnectionClosed
	}
	if err := transport.send(frame); err != nil {
		return err
	}
	c.commandsSent.Add(1)
	return nil
}

// Logout send the logout command
func (c *clientImpl) Logout() error {
	if !c.ready() {
		return common.ErrNotReady
	}
	c.loggingOut.Store(true)
	if err := c.sendFrame(c.encoder.EncodeLogout); err != nil {
		c.loggingOut.Store(false)
		log.WithError(err).WithFields(c.LogTags).Error("Unable to send logout")
		return err
	}
	log.WithFields(c.LogTags).Info("Logout sent")
	return nil
}

// Close tear the connection down without logging out
func (c *clientImpl) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

// shutdown move to StateClosed. Only the first call has any effect.
func (c *clientImpl) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.errLock.Lock()
		c.closeReason = reason
		statsTimer := c.statsTimer
		c.errLock.Unlock()
		if reason != nil {
			log.WithError(reason).WithFields(c.LogTags).Error("Stream client closing")
		} else {
			log.WithFields(c.LogTags).Info("Stream client closing")
		}
		if statsTimer != nil {
			_ = statsTimer.Stop()
		}
		if transport := c.transport.Load(); transport != nil {
			if err := transport.close(reason == nil); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Socket close")
			}
		}
		_ = c.router.StopEventLoop()
		c.runCancel()
		c.registry.closeAll()
		c.setState(StateClosed)
		close(c.doneCh)
	})
}

// Stats delivery counters
func (c *clientImpl) Stats() Stats {
	return Stats{
		State:          c.State(),
		FramesReceived: c.framesReceived.Load(),
		RecordsRouted:  c.recordsRouted.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
		CommandsSent:   c.commandsSent.Load(),
		Backlog:        c.registry.backlog(),
	}
}

func (c *clientImpl) logStats() error {
	stats := c.Stats()
	log.WithFields(c.LogTags).WithFields(log.Fields{
		"frames":          stats.FramesReceived,
		"records":         stats.RecordsRouted,
		"protocol_errors": stats.ProtocolErrors,
		"commands":        stats.CommandsSent,
		"pending_frames":  c.router.Pending(),
	}).Debugf("Backlog %v", stats.Backlog)
	return nil
}
