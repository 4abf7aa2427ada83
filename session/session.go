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

package session

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// TokenTimestampLayout layout of the token timestamp in the user principals document
const TokenTimestampLayout = "2006-01-02T15:04:05-0700"

// Descriptor pre-authenticated parameters for one streaming connection.
//
// A descriptor is spent once the connection it was used for closes; a new one must be
// obtained from the auth service before reconnecting.
type Descriptor struct {
	// Endpoint is the websocket URL
	Endpoint string `json:"endpoint" validate:"required,url"`
	// AccountID is the account the session acts for
	AccountID string `json:"account_id" validate:"required"`
	// AppID is the application id, sent as the command source
	AppID string `json:"app_id" validate:"required"`
	// Token is the streamer bearer token
	Token string `json:"token" validate:"required"`
	// TokenTimestamp is when the token was issued, ms since epoch
	TokenTimestamp int64 `json:"token_timestamp" validate:"gt=0"`
	UserGroup      string `json:"user_group"`
	AccessLevel    string `json:"access_level"`
	ACL            string `json:"acl"`
	Company        string `json:"company"`
	Segment        string `json:"segment"`
	CDDomain       string `json:"cd_domain"`
}

// Validate check the descriptor is complete enough to attempt a login
func (d Descriptor) Validate() error {
	validate := validator.New()
	return validate.Struct(&d)
}

// principals subset of the user principals document needed to stream
type principals struct {
	StreamerInfo struct {
		StreamerSocketURL string `json:"streamerSocketUrl"`
		Token             string `json:"token"`
		TokenTimestamp    string `json:"tokenTimestamp"`
		UserGroup         string `json:"userGroup"`
		AccessLevel       string `json:"accessLevel"`
		ACL               string `json:"acl"`
		AppID             string `json:"appId"`
	} `json:"streamerInfo"`
	Accounts []struct {
		AccountID         string `json:"accountId"`
		Company           string `json:"company"`
		Segment           string `json:"segment"`
		AccountCdDomainID string `json:"accountCdDomainId"`
	} `json:"accounts"`
}

// FromPrincipals build a descriptor from the user principals document returned by the
// auth service. The first listed account is used.
func FromPrincipals(raw []byte) (Descriptor, error) {
	var parsed principals
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Descriptor{}, fmt.Errorf("unable to parse user principals: %w", err)
	}
	if len(parsed.Accounts) == 0 {
		return Descriptor{}, fmt.Errorf("user principals list no accounts")
	}
	if parsed.StreamerInfo.StreamerSocketURL == "" {
		return Descriptor{}, fmt.Errorf("user principals carry no streamer socket URL")
	}
	issued, err := ISOToMillis(parsed.StreamerInfo.TokenTimestamp)
	if err != nil {
		return Descriptor{}, err
	}
	account := parsed.Accounts[0]
	result := Descriptor{
		Endpoint:       fmt.Sprintf("wss://%s/ws", parsed.StreamerInfo.StreamerSocketURL),
		AccountID:      account.AccountID,
		AppID:          parsed.StreamerInfo.AppID,
		Token:          parsed.StreamerInfo.Token,
		TokenTimestamp: issued,
		UserGroup:      parsed.StreamerInfo.UserGroup,
		AccessLevel:    parsed.StreamerInfo.AccessLevel,
		ACL:            parsed.StreamerInfo.ACL,
		Company:        account.Company,
		Segment:        account.Segment,
		CDDomain:       account.AccountCdDomainID,
	}
	return result, result.Validate()
}

// ISOToMillis convert a principals token timestamp into ms since epoch
func ISOToMillis(value string) (int64, error) {
	ts, err := time.Parse(TokenTimestampLayout, value)
	if err != nil {
		return 0, fmt.Errorf("bad token timestamp %q: %w", value, err)
	}
	return ts.UnixMilli(), nil
}

// LoadFile read a descriptor from a file. The file may hold either a descriptor or the
// raw user principals document.
func LoadFile(path string) (Descriptor, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(content, &probe); err != nil {
		return Descriptor{}, fmt.Errorf("unable to parse session file %s: %w", path, err)
	}
	if _, ok := probe["streamerInfo"]; ok {
		return FromPrincipals(content)
	}
	var result Descriptor
	if err := json.Unmarshal(content, &result); err != nil {
		return Descriptor{}, fmt.Errorf("unable to parse session file %s: %w", path, err)
	}
	return result, result.Validate()
}
