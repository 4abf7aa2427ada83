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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alwitt/tdstream/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

const writeWait = time.Second * 10

// wsTransport one websocket connection. Writes are serialized; reads happen only on
// the read loop.
type wsTransport struct {
	common.Component
	conn      *websocket.Conn
	writeLock sync.Mutex
	closed    bool
}

// dialTransport open the websocket
func dialTransport(
	ctxt context.Context, endpoint string, timeout time.Duration, logTags log.Fields,
) (*wsTransport, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: timeout,
	}
	dialCtxt, cancel := context.WithTimeout(ctxt, timeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtxt, endpoint, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w: dial %s: HTTP %d: %s", common.ErrTransport, endpoint, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("%w: dial %s: %s", common.ErrTransport, endpoint, err)
		}
		log.WithError(err).WithFields(logTags).Error("Websocket connect failed")
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	log.WithFields(logTags).Infof("Connected to %s", endpoint)
	return &wsTransport{Component: common.Component{LogTags: logTags}, conn: conn}, nil
}

// send write one text frame
func (t *wsTransport) send(frame []byte) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if t.closed {
		return common.ErrConnectionClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("%w: %s", common.ErrTransport, err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %s", common.ErrTransport, err)
	}
	return nil
}

// read block for the next data frame
func (t *wsTransport) read() ([]byte, error) {
	for {
		msgType, payload, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return payload, nil
		}
	}
}

// close the socket. With graceful set, a close frame is sent first.
func (t *wsTransport) close(graceful bool) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if graceful {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := t.conn.WriteControl(
			websocket.CloseMessage, msg, time.Now().Add(time.Second),
		); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			log.WithError(err).WithFields(t.LogTags).Debug("Close frame not sent")
		}
	}
	return t.conn.Close()
}

// isCleanClose whether a read error is an orderly shutdown rather than a failure
func isCleanClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
