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

package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/meshsync/common"
	"golang.org/x/crypto/chacha20poly1305"
)

// validation failure reasons; these strings are the contract other components branch on
const (
	ReasonDecryptFailed  = "decrypt_failed"
	ReasonHashMismatch   = "hash_mismatch"
	ReasonTTLExpired     = "ttl_expired"
	ReasonReplayDetected = "replay_detected"
)

const sharedKeySize = chacha20poly1305.KeySize

// StateDelta is an opaque, application-defined mapping of string keys to
// JSON-serializable values; it always carries an event_id once published
type StateDelta map[string]interface{}

// Envelope is the wire unit carrying one encrypted state delta plus
// integrity metadata; the field set is fixed for interoperability
type Envelope struct {
	Channel          string  `json:"channel"`
	NodePubkey       string  `json:"node_pubkey"`
	MessageID        string  `json:"message_id"`
	StateHash        string  `json:"state_hash"`
	PrevStateHash    *string `json:"prev_state_hash"`
	TTLSeconds       int     `json:"ttl_seconds"`
	Timestamp        string  `json:"timestamp"`
	EncryptedPayload string  `json:"encrypted_payload"`
}

// Validation is the outcome of validating an inbound envelope
type Validation struct {
	Valid      bool       `json:"valid"`
	Reason     string     `json:"reason,omitempty"`
	StateDelta StateDelta `json:"state_delta,omitempty"`
	StateHash  string     `json:"state_hash,omitempty"`
	MessageID  string     `json:"message_id,omitempty"`
	NodePubkey string     `json:"node_pubkey,omitempty"`
}

// innerPayload is the plaintext sealed inside Envelope.EncryptedPayload
type innerPayload struct {
	StateDelta StateDelta `json:"state_delta"`
	StateHash  string     `json:"state_hash"`
	TTLSeconds int        `json:"ttl_seconds"`
	MessageID  string     `json:"message_id"`
	Timestamp  string     `json:"timestamp"`
}

// CanonicalJSON serializes the given value with sorted object keys, no
// insignificant whitespace and no HTML escaping; the resulting bytes are the
// cross-node agreement primitive and must be stable across runtimes
func CanonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// StateHash returns the lowercase hex-encoded SHA-256 digest of the
// canonical serialization of the given state delta
func StateHash(delta StateDelta) (string, error) {
	raw, err := CanonicalJSON(delta)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize state delta; %s", err.Error())
	}
	return common.SHA256(string(raw)), nil
}

func resolveSharedKey(sharedKeyHex string) ([]byte, error) {
	key, err := hex.DecodeString(sharedKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode shared key; %s", err.Error())
	}
	if len(key) != sharedKeySize {
		return nil, fmt.Errorf("invalid shared key; expected %d bytes, resolved %d", sharedKeySize, len(key))
	}
	return key, nil
}

// Build constructs an envelope for the given state delta, sealing the inner
// payload with XChaCha20-Poly1305 under the pre-shared key; a fresh message
// id is assigned when none is provided
func Build(
	delta StateDelta,
	nodePubkey string,
	sharedKeyHex string,
	channel string,
	prevStateHash *string,
	ttlSeconds int,
	messageID string,
) (*Envelope, error) {
	key, err := resolveSharedKey(sharedKeyHex)
	if err != nil {
		return nil, err
	}

	stateHash, err := StateHash(delta)
	if err != nil {
		return nil, err
	}

	if messageID == "" {
		msgUUID, _ := uuid.NewV4()
		messageID = msgUUID.String()
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	plaintext, err := CanonicalJSON(&innerPayload{
		StateDelta: delta,
		StateHash:  stateHash,
		TTLSeconds: ttlSeconds,
		MessageID:  messageID,
		Timestamp:  timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope payload; %s", err.Error())
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize envelope cipher; %s", err.Error())
	}

	nonce, err := common.RandomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, fmt.Errorf("failed to generate envelope nonce; %s", err.Error())
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	sealed := base64.StdEncoding.EncodeToString(append(nonce, ciphertext...))

	return &Envelope{
		Channel:          channel,
		NodePubkey:       nodePubkey,
		MessageID:        messageID,
		StateHash:        stateHash,
		PrevStateHash:    prevStateHash,
		TTLSeconds:       ttlSeconds,
		Timestamp:        timestamp,
		EncryptedPayload: sealed,
	}, nil
}

// Validate decrypts and verifies an inbound envelope, returning the decoded
// state delta on success; failures carry one of the contract reason strings.
// The replay cache is optional; when present, a message id observed inside
// its own ttl window is rejected regardless of the originating node.
func Validate(env *Envelope, sharedKeyHex string, cache *ReplayCache) *Validation {
	invalid := func(reason string) *Validation {
		return &Validation{
			Valid:      false,
			Reason:     reason,
			MessageID:  env.MessageID,
			NodePubkey: env.NodePubkey,
		}
	}

	key, err := resolveSharedKey(sharedKeyHex)
	if err != nil {
		return invalid(ReasonDecryptFailed)
	}

	sealed, err := base64.StdEncoding.DecodeString(env.EncryptedPayload)
	if err != nil || len(sealed) < chacha20poly1305.NonceSizeX {
		return invalid(ReasonDecryptFailed)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return invalid(ReasonDecryptFailed)
	}

	nonce := sealed[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return invalid(ReasonDecryptFailed)
	}

	// numbers must survive as json.Number so re-hashing the decoded delta
	// reproduces the sender's canonical bytes for integers beyond 2^53
	decoder := json.NewDecoder(bytes.NewReader(plaintext))
	decoder.UseNumber()
	var inner innerPayload
	if err := decoder.Decode(&inner); err != nil {
		return invalid(ReasonDecryptFailed)
	}

	stateHash, err := StateHash(inner.StateDelta)
	if err != nil {
		return invalid(ReasonHashMismatch)
	}
	if stateHash != env.StateHash || (inner.StateHash != "" && stateHash != inner.StateHash) {
		common.Log.Debugf("rejected envelope %s; state hash mismatch", env.MessageID)
		return invalid(ReasonHashMismatch)
	}

	ttl := time.Duration(env.TTLSeconds) * time.Second
	if env.TTLSeconds > 0 {
		timestamp, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil || time.Since(timestamp) > ttl {
			return invalid(ReasonTTLExpired)
		}
	}

	// marked seen only once every other check has passed so poisoned
	// envelopes cannot shadow a legitimate message id
	if cache != nil && cache.Observe(env.NodePubkey, env.MessageID, ttl) {
		return invalid(ReasonReplayDetected)
	}

	return &Validation{
		Valid:      true,
		StateDelta: inner.StateDelta,
		StateHash:  stateHash,
		MessageID:  env.MessageID,
		NodePubkey: env.NodePubkey,
	}
}
