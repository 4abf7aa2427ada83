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

package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/tdstream/common"
	"github.com/alwitt/tdstream/protocol"
	"github.com/alwitt/tdstream/session"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli/v2"
)

func TestReadSubscribeCLIArgs(t *testing.T) {
	assert := assert.New(t)

	parse := func(required bool, args ...string) (SubscribeCLIArgs, bool, error) {
		var result SubscribeCLIArgs
		var found bool
		var parseErr error
		app := &cli.App{
			Flags: GetSubscribeCLIFlags(required),
			Action: func(c *cli.Context) error {
				result, found, parseErr = ReadSubscribeCLIArgs(c)
				return nil
			},
		}
		if err := app.Run(append([]string{"ut"}, args...)); err != nil {
			return result, found, err
		}
		return result, found, parseErr
	}

	// Case 0: full subscription
	{
		args, ok, err := parse(
			true, "--feed", "chart", "-s", "AAPL", "-s", "MSFT",
			"--fields", "0", "--fields", "4", "-m", "type=equity",
		)
		assert.Nil(err)
		assert.True(ok)
		assert.Equal("chart", args.Feed)
		assert.Equal([]string{"AAPL", "MSFT"}, args.Symbols)
		assert.Equal([]int{0, 4}, args.Fields)
		assert.Equal(map[string]string{"type": "equity"}, args.Modifiers)
	}

	// Case 1: optional feed left out
	{
		_, ok, err := parse(false)
		assert.Nil(err)
		assert.False(ok)
	}

	// Case 2: malformed modifier
	{
		_, ok, err := parse(false, "--feed", "chart", "-s", "AAPL", "-m", "equity")
		assert.True(ok)
		assert.True(errors.Is(err, common.ErrUsage))
	}

	// Case 3: required feed missing
	{
		_, _, err := parse(true, "-s", "AAPL")
		assert.NotNil(err)
	}
}

func TestRunWatch(t *testing.T) {
	assert := assert.New(t)

	var upgrader websocket.Upgrader
	subscribed := make(chan protocol.Request, 4)
	var connLock sync.Mutex
	var conn *websocket.Conn
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connLock.Lock()
		conn = c
		connLock.Unlock()
		for {
			_, payload, err := c.ReadMessage()
			if err != nil {
				return
			}
			var batch protocol.RequestBatch
			if err := json.Unmarshal(payload, &batch); err != nil {
				continue
			}
			for _, req := range batch.Requests {
				connLock.Lock()
				switch req.Command {
				case protocol.CommandLogin:
					_ = c.WriteMessage(
						websocket.TextMessage, []byte(`{"response":[{"requestid":"login","status":"ok"}]}`),
					)
				case protocol.CommandLogout:
					_ = c.WriteMessage(
						websocket.TextMessage, []byte(`{"response":[{"requestid":"login","command":"LOGOUT"}]}`),
					)
				default:
					subscribed <- req
				}
				connLock.Unlock()
			}
		}
	}))
	defer server.Close()

	config := common.DefaultStreamConfig()
	config.ConnectTimeout = 5
	config.LoginTimeout = 5
	client, err := StartStreamClient(context.Background(), session.Descriptor{
		Endpoint:       "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		AccountID:      "123",
		AppID:          "APP1",
		Token:          "tok3n",
		TokenTimestamp: 1623693732000,
	}, config, "ut-watch")
	assert.Nil(err)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	reader, writer := io.Pipe()
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- RunWatch(ctxt, "ut-watch", client, SubscribeCLIArgs{
			Feed: "NEWS", Symbols: []string{"IBM"},
		}, writer)
		_ = writer.Close()
	}()

	select {
	case req := <-subscribed:
		assert.Equal("NEWS_HEADLINES", req.Service)
		assert.Equal("IBM", req.Parameters["keys"])
	case <-time.After(time.Second * 2):
		assert.FailNow("no subscription sent")
	}

	connLock.Lock()
	assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte(
		`{"data":[{"service":"NEWS_HEADLINES","command":"SUBS","content":[{"key":"IBM","seq":1,"0":"IBM"}]}]}`,
	)))
	connLock.Unlock()

	line, err := bufio.NewReader(reader).ReadBytes('\n')
	assert.Nil(err)
	var record common.StreamRecord
	assert.Nil(json.Unmarshal(line, &record))
	assert.Equal("IBM", record.Entity)
	assert.Equal("NEWS_HEADLINES-SUBS", record.Key)

	cancel()
	select {
	case err := <-watchErr:
		assert.Nil(err)
	case <-time.After(time.Second * 2):
		assert.Fail("watch did not stop")
	}
	StopStreamClient(client, time.Second)
	assert.Nil(client.Err())
}
