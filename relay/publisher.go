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

package relay

import (
	"context"
	"fmt"

	"github.com/alwitt/tdstream/common"
	"github.com/alwitt/tdstream/core"
	"github.com/apex/log"
)

// Publisher publishes messages onto a subject
type Publisher interface {
	// Publish publish one message, waiting for the broker acknowledgement
	Publish(ctxt context.Context, subject string, msg []byte) error
}

// jetStreamPublisherImpl implements Publisher over JetStream
type jetStreamPublisherImpl struct {
	common.Component
	nats *core.NatsClient
}

// GetJetStreamPublisher define a new JetStream backed Publisher
func GetJetStreamPublisher(natsClient *core.NatsClient, instance string) (Publisher, error) {
	if natsClient == nil {
		return nil, fmt.Errorf("%w: publisher needs a NATS client", common.ErrUsage)
	}
	logTags := log.Fields{
		"module": "relay", "component": "js-publisher", "instance": instance,
	}
	return &jetStreamPublisherImpl{
		Component: common.Component{LogTags: logTags}, nats: natsClient,
	}, nil
}

// Publish publish one message into JetStream on a subject
func (s *jetStreamPublisherImpl) Publish(ctxt context.Context, subject string, msg []byte) error {
	ack, err := s.nats.JetStream().PublishAsync(subject, msg)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to send to %s", subject)
		return err
	}
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(s.LogTags).Errorf("Message send failure")
			return err
		}
		log.WithFields(s.LogTags).Debugf(
			"Sent [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(s.LogTags).Errorf("Message send failure")
			return err
		}
		return txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(s.LogTags).Errorf("Message send to %s timed out", subject)
		return err
	}
}
