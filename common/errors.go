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

package common

import (
	"errors"
	"fmt"
)

// Error families. Every specific error below wraps exactly one of these, so callers
// can branch with errors.Is on either the family or the specific error.
var (
	// ErrUsage caller misuse, reported at the call site and never retried
	ErrUsage = errors.New("usage error")
	// ErrTransport socket level failure, terminal for the session
	ErrTransport = errors.New("transport error")
	// ErrProtocol a single inbound frame could not be handled
	ErrProtocol = errors.New("protocol error")
)

// Usage errors
var (
	ErrNotReady        = fmt.Errorf("%w: stream connection not ready", ErrUsage)
	ErrUnknownFeed     = fmt.Errorf("%w: unknown feed", ErrUsage)
	ErrMissingModifier = fmt.Errorf("%w: missing modifier", ErrUsage)
	ErrEmptySymbolSet  = fmt.Errorf("%w: at least one symbol needed", ErrUsage)
	ErrAlreadyStarted  = fmt.Errorf("%w: stream client already started", ErrUsage)
)

// Transport errors
var (
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", ErrTransport)
	ErrLoginTimeout     = fmt.Errorf("%w: login handshake timed out", ErrTransport)
)

// Protocol errors
var (
	ErrMalformedFrame = fmt.Errorf("%w: malformed frame", ErrProtocol)
	ErrUnknownKey     = fmt.Errorf("%w: unknown subscription key", ErrProtocol)
)
