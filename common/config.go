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
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Stream Client Related Config

// StreamConfig defines the streaming client operating parameters
type StreamConfig struct {
	// ConnectTimeout is the max duration for opening the socket in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// LoginTimeout is the max duration to wait for the login response in seconds
	LoginTimeout int `mapstructure:"login_timeout_sec" json:"login_timeout_sec" validate:"gte=1"`
	// ChannelBound is the max number of undelivered records held per delivery channel.
	// Zero means unbounded. When bounded, a full channel stalls the delivery path until
	// the consumer catches up; records are never dropped. The wildcard channel stays
	// unbounded until a LiveData reader attaches to it.
	ChannelBound int `mapstructure:"channel_bound" json:"channel_bound" validate:"gte=0"`
	// FrameBuffer is the depth of the inbound frame queue between the socket reader
	// and the routing event loop
	FrameBuffer int `mapstructure:"frame_buffer" json:"frame_buffer" validate:"gte=1"`
	// StatsInterval is the period of the delivery statistics log in seconds. Zero disables it.
	StatsInterval int `mapstructure:"stats_interval_sec" json:"stats_interval_sec" validate:"gte=0"`
	// Verbose logs every sent and received envelope at debug level
	Verbose bool `mapstructure:"verbose" json:"verbose"`
}

// ConnectTimeoutDuration ConnectTimeout as time.Duration
func (c StreamConfig) ConnectTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.ConnectTimeout)
}

// LoginTimeoutDuration LoginTimeout as time.Duration
func (c StreamConfig) LoginTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.LoginTimeout)
}

// StatsIntervalDuration StatsInterval as time.Duration
func (c StreamConfig) StatsIntervalDuration() time.Duration {
	return time.Second * time.Duration(c.StatsInterval)
}

// DefaultStreamConfig the stream config used when nothing else is provided
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ConnectTimeout: 30,
		LoginTimeout:   30,
		ChannelBound:   0,
		FrameBuffer:    256,
		StatsInterval:  0,
		Verbose:        false,
	}
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// SubjectPrefix is the leading subject token of every relayed record
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// StreamName is the JetStream stream capturing the relayed subjects
	StreamName string `mapstructure:"stream_name" json:"stream_name" validate:"required"`
	// MaxAge is the retention of relayed records in seconds, 0 keeps them forever
	MaxAge int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=0"`
	// PublishTimeout is the max wait for a publish ack in seconds
	PublishTimeout int `mapstructure:"publish_timeout_sec" json:"publish_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. Streaming responses are long lived, so
	// the default is zero (no timeout).
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header" validate:"required"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for the streaming APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Stream are the stream client config parameters
	Stream StreamConfig `mapstructure:"stream" json:"stream" validate:"required,dive"`
	// HTTP are the streaming API server configs
	HTTP *HTTPConfig `mapstructure:"http,omitempty" json:"http,omitempty" validate:"omitempty,dive"`
	// NATS are the record relay configs
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	defaultStream := DefaultStreamConfig()

	// Default stream client settings
	viper.SetDefault("stream.connect_timeout_sec", defaultStream.ConnectTimeout)
	viper.SetDefault("stream.login_timeout_sec", defaultStream.LoginTimeout)
	viper.SetDefault("stream.channel_bound", defaultStream.ChannelBound)
	viper.SetDefault("stream.frame_buffer", defaultStream.FrameBuffer)
	viper.SetDefault("stream.stats_interval_sec", defaultStream.StatsInterval)
	viper.SetDefault("stream.verbose", defaultStream.Verbose)

	// Default HTTP server settings
	viper.SetDefault("http.path_prefix", "/")
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 3000)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 0)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Tdstream-Request-ID")

	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "tdstream")
	viper.SetDefault("nats.stream_name", "TDSTREAM")
	viper.SetDefault("nats.max_age_sec", 86400)
	viper.SetDefault("nats.publish_timeout_sec", 5)
}
