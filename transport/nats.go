/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/provideplatform/meshsync/common"
)

const (
	// DefaultNatsURL is used when no NATS url has been configured
	DefaultNatsURL = "nats://127.0.0.1:4222"

	// DefaultStreamName is the JetStream stream provisioned for mesh subjects
	DefaultStreamName = "MESHSYNC"

	// DefaultDurableName names the durable JetStream consumer for this node
	DefaultDurableName = "meshsync-node"

	natsConnectTimeout = time.Second * 5
	natsReconnectWait  = time.Second * 2
)

// Config parameterizes a NATS-backed mesh transport
type Config struct {
	URL          string
	StreamName   string
	DurableName  string
	Subject      string
	UseJetStream *bool
}

// NATSTransport publishes and subscribes over NATS, preferring JetStream
// stream-backed delivery and silently degrading to core pub/sub when stream
// provisioning is unavailable
type NATSTransport struct {
	url          string
	streamName   string
	durableName  string
	subject      string
	useJetStream bool

	conn      *nats.Conn
	jetstream nats.JetStreamContext
	mutex     sync.Mutex
}

// NewNATSTransport initializes a NATS transport; no connection is attempted
// until the first publish or subscribe
func NewNATSTransport(cfg *Config) (*NATSTransport, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	url := cfg.URL
	if url == "" {
		url = DefaultNatsURL
	}
	streamName := cfg.StreamName
	if streamName == "" {
		streamName = DefaultStreamName
	}
	durableName := cfg.DurableName
	if durableName == "" {
		durableName = DefaultDurableName
	}
	if cfg.Subject == "" {
		return nil, fmt.Errorf("failed to initialize NATS mesh transport; no subject configured")
	}

	useJetStream := true
	if cfg.UseJetStream != nil {
		useJetStream = *cfg.UseJetStream
	}

	return &NATSTransport{
		url:          url,
		streamName:   streamName,
		durableName:  durableName,
		subject:      cfg.Subject,
		useJetStream: useJetStream,
	}, nil
}

func (t *NATSTransport) connect() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.conn != nil && !t.conn.IsClosed() {
		return nil
	}

	conn, err := nats.Connect(
		t.url,
		nats.Timeout(natsConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s; %s", t.url, err.Error())
	}
	t.conn = conn
	t.jetstream = nil

	if t.useJetStream {
		js, err := conn.JetStream()
		if err == nil {
			_, err = js.AddStream(&nats.StreamConfig{
				Name:     t.streamName,
				Subjects: []string{t.subject, fmt.Sprintf("%s.>", t.subject)},
			})
		}
		if err != nil {
			// degradation to core NATS is silent to callers
			common.Log.Debugf("JetStream setup skipped; falling back to core NATS; %s", err.Error())
		} else {
			t.jetstream = js
		}
	}

	return nil
}

// Publish publishes the given payload, via JetStream when available
func (t *NATSTransport) Publish(subject string, payload []byte) error {
	if err := t.connect(); err != nil {
		return err
	}

	if t.jetstream != nil {
		_, err := t.jetstream.Publish(subject, payload)
		return err
	}
	return t.conn.Publish(subject, payload)
}

// Subscribe delivers each inbound message payload to the given handler; when
// JetStream is available the subscription is durable with manual acks
func (t *NATSTransport) Subscribe(subject string, handler Handler) (Subscription, error) {
	if err := t.connect(); err != nil {
		return nil, err
	}

	onMsg := func(msg *nats.Msg) {
		handler(msg.Data)
		if t.jetstream != nil {
			// integrity rejections are permanent; redelivery would only
			// replay poison, so the ack is unconditional
			msg.Ack()
		}
	}

	if t.jetstream != nil {
		sub, err := t.jetstream.Subscribe(
			subject,
			onMsg,
			nats.Durable(t.durableName),
			nats.ManualAck(),
		)
		if err == nil {
			return sub, nil
		}
		common.Log.Debugf("JetStream subscription unavailable on %s; falling back to core NATS; %s", subject, err.Error())
	}

	return t.conn.Subscribe(subject, onMsg)
}

// Close drains the underlying connection
func (t *NATSTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Drain()
	if err != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.jetstream = nil
	return err
}
