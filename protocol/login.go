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
	"net/url"
	"strconv"
	"strings"

	"github.com/alwitt/tdstream/session"
)

// Handshake constants
const (
	// LoginRequestID reserved request id shared by login and logout
	LoginRequestID = "login"
	ServiceAdmin   = "ADMIN"
	CommandLogin   = "LOGIN"
	CommandLogout  = "LOGOUT"
	// ProtocolVersion login protocol version
	ProtocolVersion = "1.0"
)

// Credential the URL encoded credential string carried inside the login command.
//
// The server expects the pairs in this exact order, so url.Values (which sorts) is not
// usable here.
func Credential(desc session.Descriptor) string {
	pairs := [][2]string{
		{"userid", desc.AccountID},
		{"token", desc.Token},
		{"company", desc.Company},
		{"segment", desc.Segment},
		{"cddomain", desc.CDDomain},
		{"usergroup", desc.UserGroup},
		{"accesslevel", desc.AccessLevel},
		{"authorized", "Y"},
		{"timestamp", strconv.FormatInt(desc.TokenTimestamp, 10)},
		{"appid", desc.AppID},
		{"acl", desc.ACL},
	}
	encoded := make([]string, len(pairs))
	for idx, pair := range pairs {
		encoded[idx] = url.QueryEscape(pair[0]) + "=" + url.QueryEscape(pair[1])
	}
	return strings.Join(encoded, "&")
}

// LoginParams parameters of the login command
func LoginParams(desc session.Descriptor) map[string]interface{} {
	return map[string]interface{}{
		"credential": Credential(desc),
		"token":      desc.Token,
		"version":    ProtocolVersion,
	}
}

// EncodeLogin build the login frame
func (e *Encoder) EncodeLogin(desc session.Descriptor) ([]byte, error) {
	frame, _, err := e.Encode(ServiceAdmin, CommandLogin, LoginParams(desc), LoginRequestID)
	return frame, err
}

// EncodeLogout build the logout frame
func (e *Encoder) EncodeLogout() ([]byte, error) {
	frame, _, err := e.Encode(ServiceAdmin, CommandLogout, nil, LoginRequestID)
	return frame, err
}
