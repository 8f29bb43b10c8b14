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

	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/meshsync/envelope"
)

// RetryError identifies one event the sweep could not resolve
type RetryError struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// RetrySummary tallies one retry sweep
type RetrySummary struct {
	Retried           int          `json:"retried"`
	Published         int          `json:"published"`
	Committed         int          `json:"committed"`
	StillPending      int          `json:"still_pending"`
	Errors            []RetryError `json:"errors"`
	PublishedEventIDs []string     `json:"published_event_ids"`
}

// RetryPendingMeshEvents scans the outbox for events whose latest status is
// pending_publish or pending_commit (in that priority order), capped at
// limit, and drives each one as far toward committed as it will go
func (s *Service) RetryPendingMeshEvents(ctx context.Context, limit int) *RetrySummary {
	summary := &RetrySummary{
		Errors:            []RetryError{},
		PublishedEventIDs: []string{},
	}

	latest := s.outbox.LatestByEvent()

	pendingPublish := make([]*OutboxRecord, 0)
	pendingCommit := make([]*OutboxRecord, 0)
	for _, entry := range latest {
		switch entry.Status {
		case StatusPendingPublish:
			pendingPublish = append(pendingPublish, entry)
		case StatusPendingCommit:
			pendingCommit = append(pendingCommit, entry)
		}
	}

	ordered := append(pendingPublish, pendingCommit...)
	if limit < 0 {
		limit = 0
	}
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}

	for _, entry := range ordered {
		s.mutex.Lock()
		s.metrics.retryAttempts++
		s.mutex.Unlock()
		summary.Retried++

		eventID := entry.EventID
		if eventID == "" {
			eventUUID, _ := uuid.NewV4()
			eventID = eventUUID.String()
		}

		switch entry.Status {
		case StatusPendingPublish:
			s.retryPendingPublish(ctx, entry, eventID, summary)
		case StatusPendingCommit:
			s.retryPendingCommit(ctx, entry, eventID, summary)
		}
	}

	return summary
}

func (s *Service) retryPendingPublish(ctx context.Context, entry *OutboxRecord, eventID string, summary *RetrySummary) {
	if entry.Envelope == nil {
		s.RecordOutboxEvent(&OutboxRecord{
			EventID:    eventID,
			Status:     StatusInvalidEnvelope,
			StateHash:  entry.StateHash,
			StateDelta: entry.StateDelta,
			Reason:     reasonMissingEnvelope,
		})
		summary.Errors = append(summary.Errors, RetryError{EventID: eventID, Reason: reasonMissingEnvelope})
		return
	}

	if err := s.ensureTransport(); err != nil {
		s.RecordOutboxEvent(&OutboxRecord{
			EventID:    eventID,
			Status:     StatusPendingPublish,
			StateHash:  entry.StateHash,
			StateDelta: entry.StateDelta,
			Envelope:   entry.Envelope,
			Reason:     reasonTransportUnavailable,
		})
		summary.StillPending++
		summary.Errors = append(summary.Errors, RetryError{EventID: eventID, Reason: reasonTransportUnavailable})
		return
	}

	subject := entry.Envelope.Channel
	if subject == "" {
		subject = s.subject
	}

	payload, _ := json.Marshal(entry.Envelope)
	if err := s.transport.Publish(subject, payload); err != nil {
		s.RecordOutboxEvent(&OutboxRecord{
			EventID:    eventID,
			Status:     StatusPendingPublish,
			StateHash:  entry.StateHash,
			StateDelta: entry.StateDelta,
			Envelope:   entry.Envelope,
			Reason:     err.Error(),
		})
		summary.StillPending++
		summary.Errors = append(summary.Errors, RetryError{EventID: eventID, Reason: err.Error()})
		return
	}

	summary.Published++
	summary.PublishedEventIDs = append(summary.PublishedEventIDs, eventID)

	// local re-validation defends against a corrupted outbox entry having
	// just been replayed onto the wire
	validation := envelope.Validate(entry.Envelope, s.sharedKeyHex, nil)
	if !validation.Valid {
		s.RecordOutboxEvent(&OutboxRecord{
			EventID:    eventID,
			Status:     StatusInvalidEnvelope,
			StateHash:  entry.StateHash,
			StateDelta: entry.StateDelta,
			Envelope:   entry.Envelope,
			Reason:     validation.Reason,
		})
		summary.Errors = append(summary.Errors, RetryError{EventID: eventID, Reason: validation.Reason})
		return
	}

	stateHash := entry.Envelope.StateHash
	if stateHash == "" {
		stateHash = entry.StateHash
	}

	if s.committer == nil || !s.committer.Enabled() {
		s.RecordOutboxEvent(&OutboxRecord{
			EventID:    eventID,
			Status:     StatusPublished,
			StateHash:  stateHash,
			StateDelta: entry.StateDelta,
			Envelope:   entry.Envelope,
			Reason:     reasonAttestationDisabled,
		})
		return
	}

	outcome := s.committer.CommitStateHash(ctx, stateHash, eventID, s.nodePubkey, map[string]interface{}{
		"source": "retry_pending_publish",
	})
	if outcome != nil && outcome.Committed {
		s.RecordOutboxEvent(&OutboxRecord{
			EventID:    eventID,
			Status:     StatusCommitted,
			StateHash:  stateHash,
			StateDelta: entry.StateDelta,
			Envelope:   entry.Envelope,
		})
		summary.Committed++
		return
	}

	reason := "commit_failed"
	if outcome != nil && outcome.Reason != "" {
		reason = outcome.Reason
	}
	s.RecordOutboxEvent(&OutboxRecord{
		EventID:    eventID,
		Status:     StatusPendingCommit,
		StateHash:  stateHash,
		StateDelta: entry.StateDelta,
		Envelope:   entry.Envelope,
		Reason:     reason,
	})
	summary.StillPending++
}

func (s *Service) retryPendingCommit(ctx context.Context, entry *OutboxRecord, eventID string, summary *RetrySummary) {
	if entry.StateHash == "" {
		summary.Errors = append(summary.Errors, RetryError{EventID: eventID, Reason: reasonMissingStateHash})
		return
	}

	if s.committer == nil || !s.committer.Enabled() {
		s.RecordOutboxEvent(&OutboxRecord{
			EventID:    eventID,
			Status:     StatusPendingCommit,
			StateHash:  entry.StateHash,
			StateDelta: entry.StateDelta,
			Reason:     reasonAttestationDisabled,
		})
		summary.StillPending++
		return
	}

	outcome := s.committer.CommitStateHash(ctx, entry.StateHash, eventID, s.nodePubkey, map[string]interface{}{
		"source": "retry_pending_commit",
	})
	if outcome != nil && outcome.Committed {
		s.RecordOutboxEvent(&OutboxRecord{
			EventID:    eventID,
			Status:     StatusCommitted,
			StateHash:  entry.StateHash,
			StateDelta: entry.StateDelta,
		})
		summary.Committed++
		return
	}

	reason := "commit_failed"
	if outcome != nil && outcome.Reason != "" {
		reason = outcome.Reason
	}
	s.RecordOutboxEvent(&OutboxRecord{
		EventID:    eventID,
		Status:     StatusPendingCommit,
		StateHash:  entry.StateHash,
		StateDelta: entry.StateDelta,
		Reason:     reason,
	})
	summary.StillPending++
	summary.Errors = append(summary.Errors, RetryError{EventID: eventID, Reason: reason})
}
