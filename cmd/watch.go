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
	"encoding/json"
	"io"

	"github.com/alwitt/tdstream/stream"
	"github.com/apex/log"
)

// RunWatch print the records of one feed as JSON lines, until runtimeContext ends or the
// client closes
func RunWatch(
	runtimeContext context.Context,
	instance string,
	client stream.Client,
	feed SubscribeCLIArgs,
	out io.Writer,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch",
		"instance":  instance,
	}

	// Nothing reads the live channel here, stop it buffering
	live, err := client.LiveData()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read live data")
		return err
	}
	live.Close()

	sub, err := feed.Subscribe(client)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe %s", feed.Feed)
		return err
	}
	log.WithFields(logTags).Infof("Watching %s [%s]", sub.Key(), sub.RequestID())

	encoder := json.NewEncoder(out)
	for record := range sub.RecordsContext(runtimeContext) {
		if err := encoder.Encode(&record); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to print record")
			return err
		}
	}
	return client.Err()
}
