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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/tdstream/catalog"
	"github.com/alwitt/tdstream/common"
	"github.com/alwitt/tdstream/protocol"
	"github.com/alwitt/tdstream/session"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// mockStreamServer in-process stand in for the streaming server
type mockStreamServer struct {
	server     *httptest.Server
	upgrader   websocket.Upgrader
	received   chan protocol.Request
	autoLogin  bool
	autoLogout bool
	lock       sync.Mutex
	conn       *websocket.Conn
}

func newMockStreamServer(autoLogin, autoLogout bool) *mockStreamServer {
	m := &mockStreamServer{
		received:   make(chan protocol.Request, 64),
		autoLogin:  autoLogin,
		autoLogout: autoLogout,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *mockStreamServer) endpoint() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/ws"
}

func (m *mockStreamServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.lock.Lock()
	m.conn = conn
	m.lock.Unlock()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var batch protocol.RequestBatch
		if err := json.Unmarshal(payload, &batch); err != nil {
			continue
		}
		for _, req := range batch.Requests {
			m.received <- req
			switch {
			case req.Command == protocol.CommandLogin && m.autoLogin:
				_ = m.send(`{"response":[{"requestid":"login","status":"ok"}]}`)
			case req.Command == protocol.CommandLogout && m.autoLogout:
				_ = m.send(`{"response":[{"service":"ADMIN","requestid":"login","command":"LOGOUT","content":{"code":0,"msg":"bye"}}]}`)
			}
		}
	}
}

func (m *mockStreamServer) send(frame string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (m *mockStreamServer) dropClient() {
	m.lock.Lock()
	defer m.lock.Unlock()
	_ = m.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance"),
		time.Now().Add(time.Second),
	)
	_ = m.conn.Close()
}

// nextRequest wait for the next command the client sent
func (m *mockStreamServer) nextRequest(timeout time.Duration) (protocol.Request, bool) {
	select {
	case req := <-m.received:
		return req, true
	case <-time.After(timeout):
		return protocol.Request{}, false
	}
}

func testDescriptor(endpoint string) session.Descriptor {
	return session.Descriptor{
		Endpoint:       endpoint,
		AccountID:      "123",
		AppID:          "APP1",
		Token:          "tok3n",
		TokenTimestamp: 1623693732000,
		UserGroup:      "ACCT",
		AccessLevel:    "ACCT",
		ACL:            "AKBP",
		Company:        "AMER",
		Segment:        "AMER",
		CDDomain:       "A000000012345678",
	}
}

func testStreamConfig() common.StreamConfig {
	config := common.DefaultStreamConfig()
	config.ConnectTimeout = 5
	config.LoginTimeout = 5
	config.Verbose = true
	return config
}

func nextWithin(sub *Subscription, timeout time.Duration) (common.StreamRecord, error) {
	ctxt, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return sub.Next(ctxt)
}

func TestClientLoginHandshake(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := newMockStreamServer(true, false)
	defer server.server.Close()

	states := make([]State, 0)
	stateLock := sync.Mutex{}
	uut, err := GetClient(
		testDescriptor(server.endpoint()), testStreamConfig(), nil, Observer{
			OnStateChange: func(state State) {
				stateLock.Lock()
				defer stateLock.Unlock()
				states = append(states, state)
			},
		},
	)
	assert.Nil(err)
	assert.Equal(StateIdle, uut.State())

	// Case 0: start completes on the login response
	{
		assert.Nil(uut.Start(context.Background()))
		assert.Equal(StateReady, uut.State())
		req, ok := server.nextRequest(time.Second)
		assert.True(ok)
		assert.Equal("ADMIN", req.Service)
		assert.Equal("LOGIN", req.Command)
		assert.Equal("login", req.RequestID)
		assert.Equal("123", req.Account)
		assert.Equal("APP1", req.Source)
		assert.Equal("1.0", req.Parameters["version"])
		assert.Equal("tok3n", req.Parameters["token"])
		assert.True(strings.HasPrefix(req.Parameters["credential"], "userid=123&token=tok3n&"))
	}

	// Case 1: start only once
	{
		err := uut.Start(context.Background())
		assert.True(errors.Is(err, common.ErrAlreadyStarted))
	}

	// Case 2: close
	{
		assert.Nil(uut.Close())
		assert.Equal(StateClosed, uut.State())
		assert.Nil(uut.Err())
		_, err := uut.Subscribe(catalog.FeedQuote, SubscribeParams{Symbols: []string{"AAPL"}})
		assert.True(errors.Is(err, common.ErrNotReady))
	}

	stateLock.Lock()
	assert.Equal(
		[]State{StateConnecting, StateAwaitingLogin, StateReady, StateClosed}, states,
	)
	stateLock.Unlock()
}

func TestClientStartFailures(t *testing.T) {
	assert := assert.New(t)

	// Case 0: nothing listening
	{
		server := newMockStreamServer(true, false)
		endpoint := server.endpoint()
		server.server.Close()
		uut, err := GetClient(testDescriptor(endpoint), testStreamConfig(), nil, Observer{})
		assert.Nil(err)
		err = uut.Start(context.Background())
		assert.NotNil(err)
		assert.True(errors.Is(err, common.ErrTransport))
		assert.Equal(StateClosed, uut.State())
		assert.NotNil(uut.Err())
	}

	// Case 1: login never acknowledged
	{
		server := newMockStreamServer(false, false)
		defer server.server.Close()
		config := testStreamConfig()
		config.LoginTimeout = 1
		uut, err := GetClient(testDescriptor(server.endpoint()), config, nil, Observer{})
		assert.Nil(err)
		start := time.Now()
		err = uut.Start(context.Background())
		assert.True(errors.Is(err, common.ErrLoginTimeout))
		assert.GreaterOrEqual(time.Since(start), time.Millisecond*900)
		assert.Equal(StateClosed, uut.State())
		assert.Nil(uut.Close())
	}

	// Case 2: caller gives up
	{
		server := newMockStreamServer(false, false)
		defer server.server.Close()
		uut, err := GetClient(testDescriptor(server.endpoint()), testStreamConfig(), nil, Observer{})
		assert.Nil(err)
		ctxt, cancel := context.WithTimeout(context.Background(), time.Millisecond*200)
		defer cancel()
		err = uut.Start(ctxt)
		assert.True(errors.Is(err, common.ErrTransport))
		assert.Equal(StateClosed, uut.State())
		assert.Nil(uut.Close())
	}

	// Case 3: incomplete session
	{
		desc := testDescriptor("ws://127.0.0.1:1/ws")
		desc.Token = ""
		_, err := GetClient(desc, testStreamConfig(), nil, Observer{})
		assert.NotNil(err)
	}

	// Case 4: a closed client can not be started
	{
		server := newMockStreamServer(true, false)
		defer server.server.Close()
		uut, err := GetClient(testDescriptor(server.endpoint()), testStreamConfig(), nil, Observer{})
		assert.Nil(err)
		assert.Nil(uut.Close())
		err = uut.Start(context.Background())
		assert.True(errors.Is(err, common.ErrConnectionClosed))
		assert.Equal(StateClosed, uut.State())
		_, ok := server.nextRequest(time.Millisecond * 100)
		assert.False(ok)
	}
}

func TestClientStateTransition(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetClient(testDescriptor("ws://127.0.0.1:1/ws"), testStreamConfig(), nil, Observer{})
	assert.Nil(err)
	impl, ok := uut.(*clientImpl)
	assert.True(ok)

	// Case 0: transition from the expected state
	{
		assert.True(impl.transition(StateIdle, StateConnecting))
		assert.Equal(StateConnecting, uut.State())
	}

	// Case 1: shutdown in between is not overwritten
	{
		impl.shutdown(fmt.Errorf("%w: dropped", common.ErrConnectionClosed))
		assert.False(impl.transition(StateConnecting, StateAwaitingLogin))
		assert.Equal(StateClosed, uut.State())
		assert.True(errors.Is(impl.closedErr(), common.ErrConnectionClosed))
	}
	assert.Nil(uut.Close())
}

func TestClientNotReady(t *testing.T) {
	assert := assert.New(t)

	server := newMockStreamServer(false, false)
	defer server.server.Close()

	uut, err := GetClient(testDescriptor(server.endpoint()), testStreamConfig(), nil, Observer{})
	assert.Nil(err)

	// Case 0: before start
	{
		_, err := uut.Subscribe(catalog.FeedQuote, SubscribeParams{Symbols: []string{"AAPL"}})
		assert.True(errors.Is(err, common.ErrNotReady))
		assert.True(errors.Is(err, common.ErrUsage))
		_, err = uut.LiveData()
		assert.True(errors.Is(err, common.ErrNotReady))
		assert.True(errors.Is(uut.Logout(), common.ErrNotReady))
	}

	startResult := make(chan error, 1)
	go func() {
		startResult <- uut.Start(context.Background())
	}()

	// Case 1: while waiting for the login response
	{
		req, ok := server.nextRequest(time.Second * 2)
		assert.True(ok)
		assert.Equal("LOGIN", req.Command)
		assert.Equal(StateAwaitingLogin, uut.State())
		_, err := uut.Subscribe(catalog.FeedQuote, SubscribeParams{Symbols: []string{"AAPL"}})
		assert.True(errors.Is(err, common.ErrNotReady))
		_, ok = server.nextRequest(time.Millisecond * 100)
		assert.False(ok)
	}

	// Case 2: login response releases start
	{
		assert.Nil(server.send(`{"response":[{"requestid":"login","status":"ok"}]}`))
		select {
		case err := <-startResult:
			assert.Nil(err)
		case <-time.After(time.Second * 2):
			assert.Fail("start did not return")
		}
		assert.Equal(StateReady, uut.State())
	}

	assert.Nil(uut.Close())
}

func TestClientSubscribeAndRoute(t *testing.T) {
	assert := assert.New(t)

	server := newMockStreamServer(true, false)
	defer server.server.Close()

	protocolErrs := make(chan error, 8)
	uut, err := GetClient(
		testDescriptor(server.endpoint()), testStreamConfig(), nil, Observer{
			OnProtocolError: func(err error) { protocolErrs <- err },
		},
	)
	assert.Nil(err)
	assert.Nil(uut.Start(context.Background()))
	defer func() {
		assert.Nil(uut.Close())
	}()
	_, ok := server.nextRequest(time.Second)
	assert.True(ok)

	live, err := uut.LiveData()
	assert.Nil(err)
	assert.Equal(WildcardKey, live.Key())
	assert.Equal(catalog.Feed(""), live.Feed())

	// Case 0: quote subscription
	var quotes *Subscription
	{
		quotes, err = uut.Subscribe(catalog.FeedQuote, SubscribeParams{Symbols: []string{"AAPL", "MSFT"}})
		assert.Nil(err)
		assert.Equal("QUOTE-SUBS", quotes.Key())
		assert.Equal(catalog.FeedQuote, quotes.Feed())
		assert.Equal("1", quotes.RequestID())
		req, ok := server.nextRequest(time.Second)
		assert.True(ok)
		assert.Equal("QUOTE", req.Service)
		assert.Equal("SUBS", req.Command)
		assert.Equal("1", req.RequestID)
		assert.Equal("AAPL,MSFT", req.Parameters["keys"])
		assert.Equal("0,1,2,3,8", req.Parameters["fields"])
	}

	// Case 1: modifier feed
	var charts *Subscription
	{
		charts, err = uut.Subscribe(catalog.FeedChart, SubscribeParams{
			Symbols: []string{"AAPL"}, Fields: []int{0, 4}, Modifiers: map[string]string{"type": "equity"},
		})
		assert.Nil(err)
		assert.Equal("CHART_EQUITY-SUBS", charts.Key())
		assert.Equal(catalog.FeedChart, charts.Feed())
		req, ok := server.nextRequest(time.Second)
		assert.True(ok)
		assert.Equal("CHART_EQUITY", req.Service)
		assert.Equal("2", req.RequestID)
		assert.Equal("0,4", req.Parameters["fields"])
	}

	// Case 2: usage errors send nothing and use no request id
	{
		_, err := uut.Subscribe(catalog.FeedChart, SubscribeParams{Symbols: []string{"AAPL"}})
		assert.True(errors.Is(err, common.ErrMissingModifier))
		_, err = uut.Subscribe(catalog.FeedQuote, SubscribeParams{})
		assert.True(errors.Is(err, common.ErrEmptySymbolSet))
		_, err = uut.Subscribe(catalog.Feed("weather"), SubscribeParams{Symbols: []string{"NYC"}})
		assert.True(errors.Is(err, common.ErrUnknownFeed))
		_, err = uut.Subscribe(catalog.FeedQuote, SubscribeParams{Symbols: []string{"A"}, Fields: []int{99}})
		assert.True(errors.Is(err, common.ErrUsage))
		_, ok := server.nextRequest(time.Millisecond * 100)
		assert.False(ok)
		news, err := uut.Subscribe(catalog.FeedNews, SubscribeParams{Symbols: []string{"IBM"}})
		assert.Nil(err)
		assert.Equal("3", news.RequestID())
		req, ok := server.nextRequest(time.Second)
		assert.True(ok)
		assert.Equal("NEWS_HEADLINES", req.Service)
		assert.Equal("0,3,4,5,8", req.Parameters["fields"])
	}

	// Case 3: one frame, several blocks
	{
		assert.Nil(server.send(`{"notify":[{"heartbeat":"1623693732000"}],"data":[
			{"service":"QUOTE","command":"SUBS","timestamp":1,"content":[
				{"key":"AAPL","seq":1,"0":"AAPL","3":"150.25"},
				{"key":"MSFT","seq":2,"0":"MSFT","1":310.5,"2":310.6}
			]},
			{"service":"CHART_EQUITY","command":"SUBS","timestamp":1,"content":[
				{"key":"AAPL","seq":3,"0":"AAPL","4":151.0}
			]},
			{"service":"QUOTE","command":"SUBS","timestamp":2,"content":[
				{"key":"AAPL","seq":4,"3":"150.30"}
			]}
		]}`))

		record, err := nextWithin(quotes, time.Second)
		assert.Nil(err)
		assert.Equal("AAPL", record.Entity)
		assert.Equal("quote", record.Feed)
		assert.Equal(map[string]interface{}{"symbol": "AAPL", "last_price": "150.25"}, record.Fields)
		assert.False(record.Has("bid_price"))
		assert.False(record.Has("ask_price"))
		assert.False(record.Has("total_volume"))

		record, err = nextWithin(quotes, time.Second)
		assert.Nil(err)
		assert.Equal("MSFT", record.Entity)
		assert.Equal(json.Number("310.5"), record.Fields["bid_price"])

		record, err = nextWithin(quotes, time.Second)
		assert.Nil(err)
		assert.Equal(int64(4), *record.Seq)
		assert.Equal(map[string]interface{}{"last_price": "150.30"}, record.Fields)

		record, err = nextWithin(charts, time.Second)
		assert.Nil(err)
		assert.Equal("chart", record.Feed)
		assert.Equal("CHART_EQUITY-SUBS", record.Key)
		assert.Equal(json.Number("151.0"), record.Fields["close_price"])

		// Wildcard sees everything in socket order
		expected := []int64{1, 2, 3, 4}
		for _, seq := range expected {
			record, err := nextWithin(live, time.Second)
			assert.Nil(err)
			assert.Equal(seq, *record.Seq)
		}
	}

	// Case 4: bad frames are isolated
	{
		assert.Nil(server.send(`{"data":[{"service":"QUOTE"`))
		assert.Nil(server.send(`{"data":[{"service":"WEATHER","command":"SUBS","content":[{"key":"NYC"}]}]}`))
		assert.Nil(server.send(`{"data":[{"service":"QUOTE","command":"SUBS","content":[{"key":"IBM","seq":5}]}]}`))

		for itr := 0; itr < 2; itr++ {
			select {
			case err := <-protocolErrs:
				assert.True(errors.Is(err, common.ErrProtocol))
			case <-time.After(time.Second):
				assert.Fail("protocol error not reported")
			}
		}
		record, err := nextWithin(quotes, time.Second)
		assert.Nil(err)
		assert.Equal("IBM", record.Entity)
		record, err = nextWithin(live, time.Second)
		assert.Nil(err)
		assert.Equal("IBM", record.Entity)
		assert.Equal(StateReady, uut.State())

		stats := uut.Stats()
		assert.Equal(uint64(2), stats.ProtocolErrors)
		assert.Equal(uint64(5), stats.RecordsRouted)
		assert.Equal(uint64(4), stats.CommandsSent)
		assert.Equal(0, stats.Backlog["QUOTE-SUBS"])
	}
}

func TestClientRecordSequences(t *testing.T) {
	assert := assert.New(t)

	server := newMockStreamServer(true, false)
	defer server.server.Close()

	config := testStreamConfig()
	config.ChannelBound = 2
	uut, err := GetClient(testDescriptor(server.endpoint()), config, nil, Observer{})
	assert.Nil(err)
	assert.Nil(uut.Start(context.Background()))

	live, err := uut.LiveData()
	assert.Nil(err)
	// Only the feed channel is read here
	live.Close()

	sub, err := uut.Subscribe(catalog.FeedForex, SubscribeParams{Symbols: []string{"EUR/USD"}})
	assert.Nil(err)

	content := make([]string, 0)
	for _, seq := range []string{"1", "2", "3", "4", "5"} {
		content = append(content, `{"key":"EUR/USD","seq":`+seq+`,"1":"1.1`+seq+`"}`)
	}
	assert.Nil(server.send(
		`{"data":[{"service":"LEVELONE_FOREX","command":"SUBS","content":[` +
			strings.Join(content, ",") + `]}]}`,
	))

	// Case 0: bounded channel holds back the router rather than dropping
	{
		time.Sleep(time.Millisecond * 100)
		assert.LessOrEqual(uut.Stats().Backlog["LEVELONE_FOREX-SUBS"], 2)
	}

	// Case 1: a sequence can be abandoned and restarted
	{
		seen := make([]int64, 0)
		for record := range sub.Records() {
			seen = append(seen, *record.Seq)
			if len(seen) == 2 {
				break
			}
		}
		for record := range sub.Records() {
			seen = append(seen, *record.Seq)
			if len(seen) == 5 {
				break
			}
		}
		assert.Equal([]int64{1, 2, 3, 4, 5}, seen)
	}

	// Case 2: server goes away, the channel drains then ends
	{
		assert.Nil(server.send(
			`{"data":[{"service":"LEVELONE_FOREX","command":"SUBS","content":[{"key":"EUR/USD","seq":6}]}]}`,
		))
		server.dropClient()
		select {
		case <-uut.Done():
		case <-time.After(time.Second * 2):
			assert.Fail("client did not close")
		}
		assert.Equal(StateClosed, uut.State())
		assert.True(errors.Is(uut.Err(), common.ErrConnectionClosed))
		assert.True(errors.Is(uut.Err(), common.ErrTransport))

		seen := make([]int64, 0)
		for record := range sub.Records() {
			seen = append(seen, *record.Seq)
		}
		assert.Equal([]int64{6}, seen)
		_, err := sub.Next(context.Background())
		assert.True(errors.Is(err, common.ErrConnectionClosed))
	}

	assert.Nil(uut.Close())
}

func TestClientUnreadWildcard(t *testing.T) {
	assert := assert.New(t)

	server := newMockStreamServer(true, false)
	defer server.server.Close()

	config := testStreamConfig()
	config.ChannelBound = 2
	uut, err := GetClient(testDescriptor(server.endpoint()), config, nil, Observer{})
	assert.Nil(err)
	assert.Nil(uut.Start(context.Background()))
	defer func() {
		assert.Nil(uut.Close())
	}()

	sub, err := uut.Subscribe(catalog.FeedForex, SubscribeParams{Symbols: []string{"EUR/USD"}})
	assert.Nil(err)

	content := make([]string, 0)
	for _, seq := range []string{"1", "2", "3", "4", "5"} {
		content = append(content, `{"key":"EUR/USD","seq":`+seq+`}`)
	}
	assert.Nil(server.send(
		`{"data":[{"service":"LEVELONE_FOREX","command":"SUBS","content":[` +
			strings.Join(content, ",") + `]}]}`,
	))

	// Case 0: feed channel gets every record though nobody reads the wildcard
	{
		seen := make([]int64, 0)
		for itr := 0; itr < 5; itr++ {
			record, err := nextWithin(sub, time.Second)
			assert.Nil(err)
			if err != nil {
				break
			}
			seen = append(seen, *record.Seq)
		}
		assert.Equal([]int64{1, 2, 3, 4, 5}, seen)
		assert.Eventually(func() bool {
			return uut.Stats().Backlog[WildcardKey] == 5
		}, time.Second, time.Millisecond*10)
	}

	// Case 1: the wildcard keeps what it buffered once read
	{
		live, err := uut.LiveData()
		assert.Nil(err)
		for itr := 1; itr <= 5; itr++ {
			record, err := nextWithin(live, time.Second)
			assert.Nil(err)
			assert.Equal(int64(itr), *record.Seq)
		}
	}
}

func TestClientSendFailure(t *testing.T) {
	assert := assert.New(t)

	server := newMockStreamServer(true, false)
	defer server.server.Close()

	uut, err := GetClient(testDescriptor(server.endpoint()), testStreamConfig(), nil, Observer{})
	assert.Nil(err)
	assert.Nil(uut.Start(context.Background()))
	defer func() {
		assert.Nil(uut.Close())
	}()
	_, ok := server.nextRequest(time.Second)
	assert.True(ok)

	impl, ok := uut.(*clientImpl)
	assert.True(ok)
	working := impl.transport.Load()
	// The read loop keeps reading the working socket
	broken := &wsTransport{closed: true}

	// Case 0: failed subscription leaves nothing registered
	{
		impl.transport.Store(broken)
		_, err := uut.Subscribe(catalog.FeedForex, SubscribeParams{Symbols: []string{"EUR/USD"}})
		assert.True(errors.Is(err, common.ErrConnectionClosed))
		_, subscribed := impl.specFor("LEVELONE_FOREX-SUBS")
		assert.False(subscribed)
		_, attached := impl.registry.existing("LEVELONE_FOREX-SUBS")
		assert.False(attached)
		impl.transport.Store(working)
	}

	// Case 1: failed re-subscription keeps the existing channel
	{
		sub, err := uut.Subscribe(catalog.FeedForex, SubscribeParams{Symbols: []string{"EUR/USD"}})
		assert.Nil(err)
		req, ok := server.nextRequest(time.Second)
		assert.True(ok)
		assert.Equal("LEVELONE_FOREX", req.Service)

		impl.transport.Store(broken)
		_, err = uut.Subscribe(
			catalog.FeedForex, SubscribeParams{Symbols: []string{"EUR/USD", "USD/JPY"}},
		)
		assert.NotNil(err)
		impl.transport.Store(working)

		_, subscribed := impl.specFor("LEVELONE_FOREX-SUBS")
		assert.True(subscribed)
		current, attached := impl.registry.existing("LEVELONE_FOREX-SUBS")
		assert.True(attached)
		assert.Same(sub.queue, current)
	}

	// Case 2: failed logout leaves the session usable
	{
		impl.transport.Store(broken)
		err := uut.Logout()
		assert.True(errors.Is(err, common.ErrConnectionClosed))
		impl.transport.Store(working)
		assert.Equal(StateReady, uut.State())

		_, err = uut.Subscribe(catalog.FeedNews, SubscribeParams{Symbols: []string{"IBM"}})
		assert.Nil(err)
		assert.Nil(uut.Logout())
		req, ok := server.nextRequest(time.Second)
		assert.True(ok)
		assert.Equal("NEWS_HEADLINES", req.Service)
		req, ok = server.nextRequest(time.Second)
		assert.True(ok)
		assert.Equal(protocol.CommandLogout, req.Command)
	}
}

func TestClientCloseWhileBlocked(t *testing.T) {
	assert := assert.New(t)

	server := newMockStreamServer(true, false)
	defer server.server.Close()

	protocolErrs := make(chan error, 8)
	config := testStreamConfig()
	config.ChannelBound = 1
	uut, err := GetClient(
		testDescriptor(server.endpoint()), config, nil, Observer{
			OnProtocolError: func(err error) { protocolErrs <- err },
		},
	)
	assert.Nil(err)
	assert.Nil(uut.Start(context.Background()))

	_, err = uut.Subscribe(catalog.FeedForex, SubscribeParams{Symbols: []string{"EUR/USD"}})
	assert.Nil(err)
	assert.Nil(server.send(
		`{"data":[{"service":"LEVELONE_FOREX","command":"SUBS","content":[` +
			`{"key":"EUR/USD","seq":1},{"key":"EUR/USD","seq":2},{"key":"EUR/USD","seq":3}]}]}`,
	))
	time.Sleep(time.Millisecond * 100)

	// Case 0: closing with the router held back is not a protocol error
	{
		assert.Nil(uut.Close())
		assert.Equal(StateClosed, uut.State())
		assert.Nil(uut.Err())
		assert.Equal(uint64(0), uut.Stats().ProtocolErrors)
		select {
		case err := <-protocolErrs:
			assert.Failf("unexpected protocol error", "%v", err)
		default:
		}
	}
}

func TestClientLogout(t *testing.T) {
	assert := assert.New(t)

	server := newMockStreamServer(true, true)
	defer server.server.Close()

	uut, err := GetClient(testDescriptor(server.endpoint()), testStreamConfig(), nil, Observer{})
	assert.Nil(err)
	assert.Nil(uut.Start(context.Background()))
	_, ok := server.nextRequest(time.Second)
	assert.True(ok)

	// Case 0: logout reaches the server and the client closes cleanly
	{
		assert.Nil(uut.Logout())
		req, ok := server.nextRequest(time.Second)
		assert.True(ok)
		assert.Equal("ADMIN", req.Service)
		assert.Equal("LOGOUT", req.Command)
		assert.Equal("login", req.RequestID)
		select {
		case <-uut.Done():
		case <-time.After(time.Second * 2):
			assert.Fail("client did not close")
		}
		assert.Equal(StateClosed, uut.State())
		assert.Nil(uut.Err())
	}

	// Case 1: nothing more is accepted
	{
		assert.True(errors.Is(uut.Logout(), common.ErrNotReady))
		_, err := uut.LiveData()
		assert.True(errors.Is(err, common.ErrNotReady))
	}

	assert.Nil(uut.Close())
}
