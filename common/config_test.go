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
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(DefaultStreamConfig(), cfg.Stream)
		assert.Equal(time.Second*30, cfg.Stream.LoginTimeoutDuration())
		assert.NotNil(cfg.HTTP)
		assert.Equal("Tdstream-Request-ID", cfg.HTTP.Logging.RequestIDHeader)
		assert.NotNil(cfg.NATS)
		assert.Equal("tdstream", cfg.NATS.SubjectPrefix)
		assert.Equal("TDSTREAM", cfg.NATS.StreamName)
		assert.Equal(5, cfg.NATS.PublishTimeout)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
http:
  server_config:
    listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
stream:
  channel_bound: -10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: valid override
	{
		config := []byte(`---
stream:
  channel_bound: 64
  login_timeout_sec: 5`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(64, cfg.Stream.ChannelBound)
		assert.Equal(time.Second*5, cfg.Stream.LoginTimeoutDuration())
	}
}

func TestJoinParamValue(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("AAPL,MSFT", JoinParamValue([]string{"AAPL", "MSFT"}))
	assert.Equal("0,1,2,3,8", JoinParamValue([]int{0, 1, 2, 3, 8}))
	assert.Equal("1.0", JoinParamValue("1.0"))
	assert.Equal("12", JoinParamValue(12))
	assert.Equal("a,3", JoinParamValue([]interface{}{"a", 3}))
	assert.Equal("", JoinParamValue(nil))
}
