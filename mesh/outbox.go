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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/provideplatform/meshsync/envelope"
)

// OutboxRecord is one append-only recovery row; multiple records may exist
// per event id and the most recently appended one is authoritative
type OutboxRecord struct {
	Timestamp  string                 `json:"timestamp"`
	EventID    string                 `json:"event_id"`
	Status     string                 `json:"status"`
	StateHash  string                 `json:"state_hash"`
	StateDelta envelope.StateDelta    `json:"state_delta,omitempty"`
	Envelope   *envelope.Envelope     `json:"envelope,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Outbox is a newline-delimited JSON file recording intended side effects
// before they are attempted; lines are never rewritten or deleted
type Outbox struct {
	path  string
	mutex sync.Mutex
}

// NewOutbox initializes an outbox at the given path
func NewOutbox(path string) *Outbox {
	return &Outbox{path: path}
}

// Path returns the at-rest location of the outbox
func (o *Outbox) Path() string {
	return o.path
}

// Append writes one record as a compact JSON line, creating parent
// directories as needed
func (o *Outbox) Append(record *OutboxRecord) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if record.Timestamp == "" {
		record.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox record; %s", err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(o.path), 0755); err != nil {
		return fmt.Errorf("failed to create outbox directory; %s", err.Error())
	}

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open outbox; %s", err.Error())
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to append outbox record; %s", err.Error())
	}
	return nil
}

// Entries reads every parseable record in append order; blank lines,
// non-JSON lines and partially-written trailing lines are skipped
func (o *Outbox) Entries() []*OutboxRecord {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	raw, err := os.ReadFile(o.path)
	if err != nil {
		return nil
	}

	entries := make([]*OutboxRecord, 0)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		record := &OutboxRecord{}
		if err := json.Unmarshal([]byte(line), record); err != nil {
			continue
		}
		entries = append(entries, record)
	}
	return entries
}

// LatestByEvent folds the outbox down to the authoritative record per event id
func (o *Outbox) LatestByEvent() map[string]*OutboxRecord {
	latest := map[string]*OutboxRecord{}
	for _, entry := range o.Entries() {
		eventID := strings.TrimSpace(entry.EventID)
		if eventID == "" {
			continue
		}
		latest[eventID] = entry
	}
	return latest
}

// PendingCount returns the number of events whose latest status is still
// pending publish or commit
func (o *Outbox) PendingCount() int {
	count := 0
	for _, entry := range o.LatestByEvent() {
		if entry.Status == StatusPendingPublish || entry.Status == StatusPendingCommit {
			count++
		}
	}
	return count
}
