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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/tdstream/catalog"
	"github.com/alwitt/tdstream/common"
	"github.com/alwitt/tdstream/protocol"
	"github.com/alwitt/tdstream/session"
	"github.com/alwitt/tdstream/stream"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// SubscribeCLIArgs one feed subscription requested on the command line
type SubscribeCLIArgs struct {
	Feed      string `validate:"required"`
	Symbols   []string
	Fields    []int
	Modifiers map[string]string
}

// GetSubscribeCLIFlags retrieve the set of CMD flags describing one feed subscription
func GetSubscribeCLIFlags(feedRequired bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "feed",
			Usage:    "Feed to subscribe: " + feedList(),
			Aliases:  []string{"f"},
			EnvVars:  []string{"STREAM_FEED"},
			Required: feedRequired,
		},
		&cli.StringSliceFlag{
			Name:    "symbols",
			Usage:   "Entity keys to subscribe, comma separated or repeated",
			Aliases: []string{"s"},
			EnvVars: []string{"STREAM_SYMBOLS"},
		},
		&cli.IntSliceFlag{
			Name:    "fields",
			Usage:   "Field indices to request. Feed defaults if not set.",
			EnvVars: []string{"STREAM_FIELDS"},
		},
		&cli.StringSliceFlag{
			Name:    "modifier",
			Usage:   "Feed modifier as name=value, e.g. type=equity",
			Aliases: []string{"m"},
		},
	}
}

func feedList() string {
	feeds := catalog.Default().Feeds()
	names := make([]string, len(feeds))
	for idx, feed := range feeds {
		names[idx] = string(feed)
	}
	return "[" + strings.Join(names, " ") + "]"
}

// ReadSubscribeCLIArgs read the subscription flags. ok is false when no feed was given.
func ReadSubscribeCLIArgs(c *cli.Context) (args SubscribeCLIArgs, ok bool, err error) {
	args.Feed = c.String("feed")
	if args.Feed == "" {
		return args, false, nil
	}
	for _, value := range c.StringSlice("symbols") {
		for _, symbol := range strings.Split(value, ",") {
			if symbol = strings.TrimSpace(symbol); symbol != "" {
				args.Symbols = append(args.Symbols, symbol)
			}
		}
	}
	args.Fields = c.IntSlice("fields")
	args.Modifiers = map[string]string{}
	for _, pair := range c.StringSlice("modifier") {
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return args, true, fmt.Errorf("%w: modifier %q is not name=value", common.ErrUsage, pair)
		}
		args.Modifiers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	if err := validator.New().Struct(&args); err != nil {
		return args, true, err
	}
	return args, true, nil
}

// Subscribe issue the subscription on a ready client
func (a SubscribeCLIArgs) Subscribe(client stream.Client) (*stream.Subscription, error) {
	return client.Subscribe(catalog.Feed(strings.ToLower(a.Feed)), stream.SubscribeParams{
		Symbols: a.Symbols, Fields: a.Fields, Modifiers: a.Modifiers,
	})
}

// ========================================================================================

// StartStreamClient define the stream client and log in
func StartStreamClient(
	runtimeContext context.Context,
	desc session.Descriptor,
	config common.StreamConfig,
	instance string,
) (stream.Client, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "stream-client",
		"instance":  instance,
	}
	observer := stream.Observer{
		OnResponse: func(resp protocol.Response) {
			log.WithFields(logTags).Debugf(
				"Response %s/%s [%s] code %d: %s",
				resp.Service, resp.Command, resp.RequestID, resp.Code, resp.Message,
			)
		},
		OnProtocolError: func(err error) {
			log.WithError(err).WithFields(logTags).Warn("Stream protocol error")
		},
		OnStateChange: func(state stream.State) {
			log.WithFields(logTags).Infof("Stream client now %s", state)
		},
	}
	client, err := stream.GetClient(desc, config, nil, observer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stream client")
		return nil, err
	}
	if err := client.Start(runtimeContext); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to log in at %s", desc.Endpoint)
		return nil, err
	}
	return client, nil
}

// StopStreamClient log out, closing the connection outright if the server does not
// acknowledge within the timeout
func StopStreamClient(client stream.Client, timeout time.Duration) {
	if client.State() == stream.StateReady {
		if err := client.Logout(); err != nil {
			log.WithError(err).Warn("Logout failed")
		}
		select {
		case <-client.Done():
		case <-time.After(timeout):
			log.Warn("Logout not acknowledged")
		}
	}
	if err := client.Close(); err != nil {
		log.WithError(err).Error("Stream client close failed")
	}
	if err := client.Err(); err != nil {
		log.WithError(err).Warn("Stream client closed on error")
	}
}
