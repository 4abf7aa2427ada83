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
	"time"

	"github.com/alwitt/tdstream/common"
	"github.com/alwitt/tdstream/core"
	"github.com/alwitt/tdstream/relay"
	"github.com/alwitt/tdstream/stream"
	"github.com/apex/log"
)

// RunRelay republish every record the client receives onto JetStream, until
// runtimeContext ends or the client closes
func RunRelay(
	runtimeContext context.Context,
	config common.NATSConfig,
	instance string,
	natsClient *core.NatsClient,
	client stream.Client,
	feed *SubscribeCLIArgs,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	if err := natsClient.EnsureStream(
		config.StreamName,
		[]string{fmt.Sprintf("%s.>", config.SubjectPrefix)},
		time.Second*time.Duration(config.MaxAge),
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to prepare stream %s", config.StreamName)
		return err
	}

	publisher, err := relay.GetJetStreamPublisher(natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define publisher")
		return err
	}
	relayer, err := relay.GetRelay(relay.Params{
		SubjectPrefix:  config.SubjectPrefix,
		PublishTimeout: time.Second * time.Duration(config.PublishTimeout),
	}, publisher, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define relay")
		return err
	}

	live, err := client.LiveData()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read live data")
		return err
	}

	if feed != nil {
		sub, err := feed.Subscribe(client)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe %s", feed.Feed)
			return err
		}
		// Records of the key also reach the live channel, which the relay reads
		sub.Close()
	}

	if err := relayer.Run(runtimeContext, live); err != nil {
		return err
	}
	stats := relayer.Stats()
	log.WithFields(logTags).Infof("Relayed %d records, %d failed", stats.Published, stats.Failed)
	return client.Err()
}
