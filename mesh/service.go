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

package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/meshsync/common"
	"github.com/provideplatform/meshsync/envelope"
	"github.com/provideplatform/meshsync/transport"
)

const (
	// DefaultSubject is the mesh sync pub/sub subject
	DefaultSubject = "meshsync.state"

	// DefaultOutboxPath is the at-rest location of the mesh outbox
	DefaultOutboxPath = "data/mesh/outbox.jsonl"

	// DefaultTTLSeconds is the replay window applied to published envelopes
	DefaultTTLSeconds = 300
)

// publish/listener/outbox statuses
const (
	StatusDisabled        = "disabled"
	StatusUnconfigured    = "unconfigured"
	StatusDegraded        = "degraded"
	StatusFailed          = "failed"
	StatusPendingPublish  = "pending_publish"
	StatusPublished       = "published"
	StatusPendingCommit   = "pending_commit"
	StatusCommitted       = "committed"
	StatusInvalidEnvelope = "invalid_envelope"
	StatusListening       = "listening"
)

const (
	reasonDisabled             = "mesh_sync_disabled"
	reasonConfigMissing        = "mesh_sync_config_missing"
	reasonTransportUnavailable = "transport_unavailable"
	reasonAlreadyStarted       = "already_started"
	reasonAttestationDisabled  = "attestation_disabled"
	reasonMissingEnvelope      = "missing_envelope"
	reasonMissingStateHash     = "missing_state_hash"
)

// CommitOutcome is the sync-service view of one attestation attempt
type CommitOutcome struct {
	Committed bool   `json:"committed"`
	Skipped   bool   `json:"skipped,omitempty"`
	Signature string `json:"signature,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// StateCommitter is the attestation seam; the sync service invokes it after
// validating an inbound envelope and during the retry sweep
type StateCommitter interface {
	Enabled() bool
	CommitStateHash(ctx context.Context, stateHash, eventID, nodePubkey string, metadata map[string]interface{}) *CommitOutcome
	CommitOnReceive(ctx context.Context, stateHash string, env *envelope.Envelope, validation *envelope.Validation) *CommitOutcome
}

// StateDeltaHandler consumes a validated inbound state delta
type StateDeltaHandler func(delta envelope.StateDelta, meta *DeliveryMeta)

// AttestationHandler is notified of each validated state hash
type AttestationHandler func(stateHash string, env *envelope.Envelope, validation *envelope.Validation)

// DeliveryMeta accompanies each dispatched state delta
type DeliveryMeta struct {
	Envelope   *envelope.Envelope   `json:"envelope"`
	Validation *envelope.Validation `json:"validation"`
}

// Config parameterizes a mesh sync service instance; exactly one instance
// should exist per node identity
type Config struct {
	Enabled      bool
	SharedKeyHex string
	NodePubkey   string
	Subject      string
	OutboxPath   string
	TTLSeconds   int

	// Transport is used when provided; otherwise TransportFactory is
	// invoked lazily on first use
	Transport        transport.Transport
	TransportFactory func() (transport.Transport, error)

	Committer StateCommitter
}

// PublishResult is returned by PublishStateDelta; Status is authoritative
type PublishResult struct {
	Status     string              `json:"status"`
	Reason     string              `json:"reason,omitempty"`
	Published  bool                `json:"published"`
	Subject    string              `json:"subject,omitempty"`
	EventID    string              `json:"event_id"`
	MessageID  string              `json:"message_id,omitempty"`
	StateHash  string              `json:"state_hash,omitempty"`
	Envelope   *envelope.Envelope  `json:"envelope,omitempty"`
	StateDelta envelope.StateDelta `json:"state_delta,omitempty"`
}

// ListenerResult is returned by StartListener
type ListenerResult struct {
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Subject string `json:"subject,omitempty"`
}

type serviceMetrics struct {
	publishedMessages   uint64
	receivedMessages    uint64
	validatedMessages   uint64
	invalidMessages     uint64
	ignoredSelfMessages uint64
	outboxRecords       uint64
	retryAttempts       uint64
}

// Service orchestrates envelope construction, publish, subscription dispatch,
// validation, the append-only outbox and the retry sweep
type Service struct {
	enabled      bool
	sharedKeyHex string
	nodePubkey   string
	subject      string
	ttlSeconds   int

	transport        transport.Transport
	transportFactory func() (transport.Transport, error)
	committer        StateCommitter
	outbox           *Outbox
	replay           *envelope.ReplayCache

	listening      bool
	subscription   transport.Subscription
	onStateDelta   StateDeltaHandler
	onAttestation  AttestationHandler
	lastStateHash  string
	lastError      string
	lastValidation *envelope.Validation
	metrics        serviceMetrics

	mutex sync.Mutex
}

// NewService initializes a mesh sync service from the given config
func NewService(cfg *Config) *Service {
	if cfg == nil {
		cfg = &Config{}
	}

	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	outboxPath := cfg.OutboxPath
	if outboxPath == "" {
		outboxPath = DefaultOutboxPath
	}
	ttl := cfg.TTLSeconds
	if ttl <= 0 {
		ttl = DefaultTTLSeconds
	}

	return &Service{
		enabled:          cfg.Enabled,
		sharedKeyHex:     cfg.SharedKeyHex,
		nodePubkey:       cfg.NodePubkey,
		subject:          subject,
		ttlSeconds:       ttl,
		transport:        cfg.Transport,
		transportFactory: cfg.TransportFactory,
		committer:        cfg.Committer,
		outbox:           NewOutbox(outboxPath),
		replay:           envelope.NewReplayCache(0),
	}
}

func (s *Service) configured() bool {
	return s.sharedKeyHex != "" && s.nodePubkey != ""
}

func (s *Service) ensureTransport() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.transport != nil {
		return nil
	}
	if s.transportFactory == nil {
		return fmt.Errorf("no mesh transport configured")
	}

	t, err := s.transportFactory()
	if err != nil {
		s.lastError = err.Error()
		return err
	}
	s.transport = t
	return nil
}

// RecordOutboxEvent appends one recovery record; failures are logged and
// never surfaced, so a broken disk cannot take down the publish path
func (s *Service) RecordOutboxEvent(record *OutboxRecord) {
	if err := s.outbox.Append(record); err != nil {
		common.Log.Warningf("failed to append mesh outbox record for event %s; %s", record.EventID, err.Error())
		return
	}
	s.mutex.Lock()
	s.metrics.outboxRecords++
	s.mutex.Unlock()
}

// PublishStateDelta builds, encrypts and publishes an envelope for the given
// state delta; every failure mode short of disablement is capped with an
// outbox record so the retry sweep can resume delivery
func (s *Service) PublishStateDelta(ctx context.Context, delta envelope.StateDelta, prevStateHash *string, ttlSeconds int) *PublishResult {
	stateDelta := envelope.StateDelta{}
	for k, v := range delta {
		stateDelta[k] = v
	}

	eventID, _ := stateDelta["event_id"].(string)
	if eventID == "" {
		eventUUID, _ := uuid.NewV4()
		eventID = eventUUID.String()
		stateDelta["event_id"] = eventID
	}

	if !s.enabled {
		return &PublishResult{Status: StatusDisabled, Reason: reasonDisabled, EventID: eventID}
	}
	if !s.configured() {
		return &PublishResult{Status: StatusUnconfigured, Reason: reasonConfigMissing, EventID: eventID}
	}

	if ttlSeconds <= 0 {
		ttlSeconds = s.ttlSeconds
	}

	s.mutex.Lock()
	if prevStateHash == nil {
		prevStateHash = common.StringOrNil(s.lastStateHash)
	}
	s.mutex.Unlock()

	env, err := envelope.Build(stateDelta, s.nodePubkey, s.sharedKeyHex, s.subject, prevStateHash, ttlSeconds, eventID)
	if err != nil {
		s.setLastError(err.Error())
		return &PublishResult{
			Status:  StatusFailed,
			Reason:  err.Error(),
			EventID: eventID,
		}
	}

	if err := s.ensureTransport(); err != nil {
		s.RecordOutboxEvent(&OutboxRecord{
			EventID:    eventID,
			Status:     StatusPendingPublish,
			StateHash:  env.StateHash,
			StateDelta: stateDelta,
			Envelope:   env,
			Reason:     reasonTransportUnavailable,
		})
		return &PublishResult{
			Status:     StatusDegraded,
			Reason:     reasonTransportUnavailable,
			EventID:    eventID,
			StateHash:  env.StateHash,
			Envelope:   env,
			StateDelta: stateDelta,
		}
	}

	subject := env.Channel
	if subject == "" {
		subject = s.subject
	}

	payload, _ := json.Marshal(env)
	if err := s.transport.Publish(subject, payload); err != nil {
		s.setLastError(err.Error())
		s.RecordOutboxEvent(&OutboxRecord{
			EventID:    eventID,
			Status:     StatusPendingPublish,
			StateHash:  env.StateHash,
			StateDelta: stateDelta,
			Envelope:   env,
			Reason:     err.Error(),
		})
		return &PublishResult{
			Status:     StatusPendingPublish,
			Reason:     err.Error(),
			Subject:    subject,
			EventID:    eventID,
			StateHash:  env.StateHash,
			Envelope:   env,
			StateDelta: stateDelta,
		}
	}

	s.mutex.Lock()
	s.metrics.publishedMessages++
	s.lastStateHash = env.StateHash
	s.mutex.Unlock()

	return &PublishResult{
		Status:     StatusPublished,
		Published:  true,
		Subject:    subject,
		EventID:    eventID,
		MessageID:  env.MessageID,
		StateHash:  env.StateHash,
		Envelope:   env,
		StateDelta: stateDelta,
	}
}

// StartListener subscribes to the mesh subject exactly once and dispatches
// validated state deltas to the given handlers
func (s *Service) StartListener(ctx context.Context, onStateDelta StateDeltaHandler, onAttestation AttestationHandler) *ListenerResult {
	if !s.enabled {
		return &ListenerResult{Status: StatusDisabled, Reason: reasonDisabled}
	}
	if !s.configured() {
		return &ListenerResult{Status: StatusUnconfigured, Reason: reasonConfigMissing}
	}
	if err := s.ensureTransport(); err != nil {
		return &ListenerResult{Status: StatusDegraded, Reason: reasonTransportUnavailable}
	}

	s.mutex.Lock()
	if s.listening {
		s.mutex.Unlock()
		return &ListenerResult{Status: StatusListening, Reason: reasonAlreadyStarted, Subject: s.subject}
	}
	s.onStateDelta = onStateDelta
	s.onAttestation = onAttestation
	s.mutex.Unlock()

	sub, err := s.transport.Subscribe(s.subject, func(payload []byte) {
		s.handlePayload(ctx, payload)
	})
	if err != nil {
		s.setLastError(err.Error())
		return &ListenerResult{Status: StatusDegraded, Reason: err.Error()}
	}

	s.mutex.Lock()
	s.subscription = sub
	s.listening = true
	s.mutex.Unlock()

	return &ListenerResult{Status: StatusListening, Subject: s.subject}
}

// HandleInboundPayload feeds one raw payload through the receive path; it is
// the subscription callback and may be invoked directly by tests or bridges
func (s *Service) HandleInboundPayload(ctx context.Context, payload []byte) {
	s.handlePayload(ctx, payload)
}

func (s *Service) handlePayload(ctx context.Context, payload []byte) {
	s.mutex.Lock()
	s.metrics.receivedMessages++
	s.mutex.Unlock()

	var probe interface{}
	if err := json.Unmarshal(payload, &probe); err != nil {
		s.markInvalid("invalid_json", nil)
		return
	}
	if _, ok := probe.(map[string]interface{}); !ok {
		s.markInvalid("invalid_payload_type", nil)
		return
	}

	env := &envelope.Envelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		s.markInvalid("invalid_envelope_shape", nil)
		return
	}

	if env.NodePubkey == s.nodePubkey {
		s.mutex.Lock()
		s.metrics.ignoredSelfMessages++
		s.mutex.Unlock()
		return
	}

	validation := envelope.Validate(env, s.sharedKeyHex, s.replay)
	if !validation.Valid {
		s.markInvalid(validation.Reason, validation)
		return
	}

	s.mutex.Lock()
	s.metrics.validatedMessages++
	s.lastValidation = validation
	s.lastStateHash = validation.StateHash
	onStateDelta := s.onStateDelta
	onAttestation := s.onAttestation
	s.mutex.Unlock()

	if onStateDelta != nil {
		onStateDelta(validation.StateDelta, &DeliveryMeta{Envelope: env, Validation: validation})
	}
	if onAttestation != nil && validation.StateHash != "" {
		onAttestation(validation.StateHash, env, validation)
	}

	if s.committer != nil && s.committer.Enabled() && validation.StateHash != "" {
		s.commitReceived(ctx, env, validation)
	}
}

// commitReceived drives the post-validation attestation hook and records the
// outcome so a failed commit survives as pending_commit for the retry sweep
func (s *Service) commitReceived(ctx context.Context, env *envelope.Envelope, validation *envelope.Validation) {
	outcome := s.committer.CommitOnReceive(ctx, validation.StateHash, env, validation)
	if outcome == nil || outcome.Skipped {
		return
	}

	eventID := validation.MessageID
	if eventID == "" {
		eventUUID, _ := uuid.NewV4()
		eventID = eventUUID.String()
	}

	if outcome.Committed {
		s.RecordOutboxEvent(&OutboxRecord{
			EventID:    eventID,
			Status:     StatusCommitted,
			StateHash:  validation.StateHash,
			StateDelta: validation.StateDelta,
			Metadata:   map[string]interface{}{"signature": outcome.Signature},
		})
		return
	}

	reason := outcome.Reason
	if reason == "" {
		reason = "commit_failed"
	}
	s.RecordOutboxEvent(&OutboxRecord{
		EventID:    eventID,
		Status:     StatusPendingCommit,
		StateHash:  validation.StateHash,
		StateDelta: validation.StateDelta,
		Reason:     reason,
	})
}

func (s *Service) markInvalid(reason string, validation *envelope.Validation) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.metrics.invalidMessages++
	s.lastError = reason
	if validation != nil {
		s.lastValidation = validation
	}
}

func (s *Service) setLastError(err string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastError = err
}

// Stop tears down the subscription and transport
func (s *Service) Stop() error {
	s.mutex.Lock()
	s.listening = false
	sub := s.subscription
	s.subscription = nil
	t := s.transport
	s.mutex.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if t != nil {
		return t.Close()
	}
	return nil
}

// Status reports service health, cursors and counters; this is the only
// operator-visible failure surface
func (s *Service) Status() map[string]interface{} {
	pending := s.outbox.PendingCount()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var lastValidation interface{}
	if s.lastValidation != nil {
		lastValidation = s.lastValidation
	}

	var transportName *string
	if s.transport != nil {
		transportName = common.StringOrNil(fmt.Sprintf("%T", s.transport))
	}

	return map[string]interface{}{
		"enabled":         s.enabled,
		"configured":      s.configured(),
		"subject":         s.subject,
		"transport":       transportName,
		"listening":       s.listening,
		"last_state_hash": s.lastStateHash,
		"last_error":      s.lastError,
		"last_validation": lastValidation,
		"pending_events":  pending,
		"outbox_path":     s.outbox.Path(),
		"metrics": map[string]interface{}{
			"published_messages":    s.metrics.publishedMessages,
			"received_messages":     s.metrics.receivedMessages,
			"validated_messages":    s.metrics.validatedMessages,
			"invalid_messages":      s.metrics.invalidMessages,
			"ignored_self_messages": s.metrics.ignoredSelfMessages,
			"outbox_records":        s.metrics.outboxRecords,
			"retry_attempts":        s.metrics.retryAttempts,
		},
	}
}

// Metrics returns a point-in-time copy of the service counters
func (s *Service) Metrics() map[string]uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return map[string]uint64{
		"published_messages":    s.metrics.publishedMessages,
		"received_messages":     s.metrics.receivedMessages,
		"validated_messages":    s.metrics.validatedMessages,
		"invalid_messages":      s.metrics.invalidMessages,
		"ignored_self_messages": s.metrics.ignoredSelfMessages,
		"outbox_records":        s.metrics.outboxRecords,
		"retry_attempts":        s.metrics.retryAttempts,
	}
}

// Outbox exposes the underlying outbox for the retry sweep and diagnostics
func (s *Service) Outbox() *Outbox {
	return s.outbox
}
