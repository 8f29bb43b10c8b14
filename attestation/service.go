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

package attestation

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/provideplatform/meshsync/common"
	"github.com/provideplatform/meshsync/envelope"
)

// result statuses
const (
	StatusDisabled     = "disabled"
	StatusUnconfigured = "unconfigured"
	StatusCommitted    = "committed"
	StatusVerified     = "verified"
	StatusRegistered   = "registered"
	StatusFailed       = "failed"
	StatusSkipped      = "skipped"
)

// failure reasons
const (
	ReasonInvalidHash         = "invalid_hash"
	ReasonNodeEndpointMissing = "node_endpoint_missing"
	ReasonNodeEndpointTooLong = "node_endpoint_too_long"
	ReasonSubmitFailed        = "submit_failed"
	ReasonTransactionFailed   = "transaction_failed"
	ReasonConfirmationTimeout = "confirmation_timeout"
	ReasonCanceled            = "canceled"
)

const (
	// DefaultConfirmTimeout bounds confirmation polling per submission
	DefaultConfirmTimeout = time.Second * 60

	// DefaultPollInterval is the confirmation polling cadence
	DefaultPollInterval = time.Second
)

// Result is the ephemeral outcome of one attestation attempt; callers
// persist it (typically as an outbox record) if durability is needed
type Result struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	Signature string `json:"signature,omitempty"`
	Slot      uint64 `json:"slot,omitempty"`
}

// Config parameterizes a mesh attestation service
type Config struct {
	Enabled   bool
	ProgramID string
	RPCURL    string

	// KeypairPath references the signing keypair on disk; the raw key
	// never appears in logs or status output
	KeypairPath string

	// AuthorityPubkey optionally fixes the authority identity when a
	// custom executor is injected without a local keypair
	AuthorityPubkey string

	NodeEndpoint          string
	StakeLamports         uint64
	CommitOnReceive       bool
	AutoRegisterOnFailure bool

	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	// Executor overrides the production JSON-RPC executor
	Executor Executor
}

type serviceCounters struct {
	commitSuccess   uint64
	commitFailure   uint64
	verifySuccess   uint64
	verifyFailure   uint64
	registerSuccess uint64
	registerFailure uint64
}

// Service derives program accounts, builds and submits attestation program
// instructions and polls for confirmation
type Service struct {
	enabled               bool
	programID             []byte
	programIDEncoded      string
	keypairPath           string
	nodeEndpoint          string
	stakeLamports         uint64
	commitOnReceive       bool
	autoRegisterOnFailure bool
	confirmTimeout        time.Duration
	pollInterval          time.Duration

	executor  Executor
	signer    ed25519.PrivateKey
	authority []byte

	counters   serviceCounters
	lastResult *Result
	lastError  string
	mutex      sync.Mutex
}

// NewService initializes an attestation service; a missing or unreadable
// keypair leaves the service unconfigured rather than failing construction
func NewService(cfg *Config) *Service {
	if cfg == nil {
		cfg = &Config{}
	}

	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	s := &Service{
		enabled:               cfg.Enabled,
		programIDEncoded:      cfg.ProgramID,
		keypairPath:           cfg.KeypairPath,
		nodeEndpoint:          cfg.NodeEndpoint,
		stakeLamports:         cfg.StakeLamports,
		commitOnReceive:       cfg.CommitOnReceive,
		autoRegisterOnFailure: cfg.AutoRegisterOnFailure,
		confirmTimeout:        confirmTimeout,
		pollInterval:          pollInterval,
		executor:              cfg.Executor,
	}

	if cfg.ProgramID != "" {
		programID, err := base58.Decode(cfg.ProgramID)
		if err != nil || len(programID) != pubkeyLength {
			common.Log.Warningf("failed to decode attestation program id %s", cfg.ProgramID)
		} else {
			s.programID = programID
		}
	}

	if cfg.KeypairPath != "" {
		signer, err := LoadKeypair(cfg.KeypairPath)
		if err != nil {
			common.Log.Warningf("failed to resolve attestation keypair; %s", err.Error())
		} else {
			s.signer = signer
			s.authority = signer.Public().(ed25519.PublicKey)
		}
	}

	if s.authority == nil && cfg.AuthorityPubkey != "" {
		authority, err := base58.Decode(cfg.AuthorityPubkey)
		if err != nil || len(authority) != pubkeyLength {
			common.Log.Warningf("failed to decode attestation authority pubkey %s", cfg.AuthorityPubkey)
		} else {
			s.authority = authority
		}
	}

	if s.executor == nil && cfg.RPCURL != "" && s.signer != nil {
		s.executor = NewRPCExecutor(cfg.RPCURL, s.signer)
	}

	return s
}

// Enabled reports whether attestation is switched on
func (s *Service) Enabled() bool {
	return s.enabled
}

func (s *Service) configured() bool {
	return s.programID != nil && s.executor != nil && s.authority != nil
}

// awaitConfirmation polls the executor until the signature reaches a
// confirmed or finalized status, the context is canceled, or the timeout
// elapses
func (s *Service) awaitConfirmation(ctx context.Context, signature string) (uint64, string, error) {
	deadline := time.Now().Add(s.confirmTimeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		status, err := s.executor.SignatureStatus(ctx, signature)
		if err == nil && status != nil {
			if status.Err != "" {
				return status.Slot, ReasonTransactionFailed, fmt.Errorf("transaction failed; %s", status.Err)
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return status.Slot, "", nil
			}
		}

		if time.Now().After(deadline) {
			return 0, ReasonConfirmationTimeout, fmt.Errorf("confirmation timed out after %s", s.confirmTimeout)
		}

		select {
		case <-ctx.Done():
			return 0, ReasonCanceled, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) execute(ctx context.Context, ix *Instruction, successStatus string) *Result {
	signature, err := s.executor.SubmitInstruction(ctx, ix)
	if err != nil {
		return &Result{Status: StatusFailed, Reason: ReasonSubmitFailed, Error: err.Error()}
	}

	slot, reason, err := s.awaitConfirmation(ctx, signature)
	if err != nil {
		return &Result{Status: StatusFailed, Reason: reason, Error: err.Error(), Signature: signature}
	}

	return &Result{Status: successStatus, Signature: signature, Slot: slot}
}

func (s *Service) recordResult(result *Result, success, failure *uint64) *Result {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lastResult = result
	switch result.Status {
	case StatusFailed:
		*failure++
		if result.Error != "" {
			s.lastError = result.Error
		} else {
			s.lastError = result.Reason
		}
	case StatusDisabled, StatusUnconfigured:
		// configuration states are expected; they are not failures
	default:
		*success++
	}
	return result
}

// CommitStateHash commits the given state hash fingerprint on-chain
func (s *Service) CommitStateHash(ctx context.Context, hashHex, eventID, nodePubkey string, metadata map[string]interface{}) *Result {
	if !s.enabled {
		return &Result{Status: StatusDisabled}
	}
	if !s.configured() {
		return &Result{Status: StatusUnconfigured}
	}

	hashBytes, err := hex.DecodeString(hashHex)
	if err != nil || len(hashBytes) != 32 {
		return s.recordResult(&Result{
			Status: StatusFailed,
			Reason: ReasonInvalidHash,
		}, &s.counters.commitSuccess, &s.counters.commitFailure)
	}
	var stateHash [32]byte
	copy(stateHash[:], hashBytes)

	ix, err := NewCommitStateHashInstruction(s.programID, s.authority, stateHash)
	if err != nil {
		return s.recordResult(&Result{
			Status: StatusFailed,
			Reason: ReasonSubmitFailed,
			Error:  err.Error(),
		}, &s.counters.commitSuccess, &s.counters.commitFailure)
	}

	result := s.execute(ctx, ix, StatusCommitted)
	if result.Status == StatusCommitted {
		common.Log.Debugf("committed state hash %s for event %s; signature: %s", hashHex, eventID, result.Signature)
	}
	return s.recordResult(result, &s.counters.commitSuccess, &s.counters.commitFailure)
}

// VerifyContext submits the read-only verify_context instruction for the
// given expected state hash
func (s *Service) VerifyContext(ctx context.Context, expectedHashHex string) *Result {
	if !s.enabled {
		return &Result{Status: StatusDisabled}
	}
	if !s.configured() {
		return &Result{Status: StatusUnconfigured}
	}

	hashBytes, err := hex.DecodeString(expectedHashHex)
	if err != nil || len(hashBytes) != 32 {
		return s.recordResult(&Result{
			Status: StatusFailed,
			Reason: ReasonInvalidHash,
		}, &s.counters.verifySuccess, &s.counters.verifyFailure)
	}
	var expectedHash [32]byte
	copy(expectedHash[:], hashBytes)

	ix, err := NewVerifyContextInstruction(s.programID, s.authority, expectedHash)
	if err != nil {
		return s.recordResult(&Result{
			Status: StatusFailed,
			Reason: ReasonSubmitFailed,
			Error:  err.Error(),
		}, &s.counters.verifySuccess, &s.counters.verifyFailure)
	}

	return s.recordResult(s.execute(ctx, ix, StatusVerified), &s.counters.verifySuccess, &s.counters.verifyFailure)
}

// RegisterNode registers this node's endpoint and stake with the program;
// endpoint validation happens before any network call
func (s *Service) RegisterNode(ctx context.Context, endpoint string, stakeLamports uint64) *Result {
	if !s.enabled {
		return &Result{Status: StatusDisabled}
	}
	if !s.configured() {
		return &Result{Status: StatusUnconfigured}
	}

	if endpoint == "" {
		endpoint = s.nodeEndpoint
	}
	if stakeLamports == 0 {
		stakeLamports = s.stakeLamports
	}

	if endpoint == "" {
		return s.recordResult(&Result{
			Status: StatusFailed,
			Reason: ReasonNodeEndpointMissing,
		}, &s.counters.registerSuccess, &s.counters.registerFailure)
	}
	if len(endpoint) > maxNodeEndpointLen {
		return s.recordResult(&Result{
			Status: StatusFailed,
			Reason: ReasonNodeEndpointTooLong,
		}, &s.counters.registerSuccess, &s.counters.registerFailure)
	}

	ix, err := NewRegisterNodeInstruction(s.programID, s.authority, endpoint, stakeLamports)
	if err != nil {
		return s.recordResult(&Result{
			Status: StatusFailed,
			Reason: ReasonSubmitFailed,
			Error:  err.Error(),
		}, &s.counters.registerSuccess, &s.counters.registerFailure)
	}

	return s.recordResult(s.execute(ctx, ix, StatusRegistered), &s.counters.registerSuccess, &s.counters.registerFailure)
}

// OnMeshHash is the sync-service callback hook, invoked after an inbound
// envelope validates; on commit failure it optionally registers the node
// once and retries the commit exactly once
func (s *Service) OnMeshHash(ctx context.Context, stateHash string, env *envelope.Envelope, validation *envelope.Validation) *Result {
	if !s.commitOnReceive {
		return &Result{Status: StatusSkipped}
	}

	nodePubkey := ""
	eventID := ""
	if env != nil {
		nodePubkey = env.NodePubkey
		eventID = env.MessageID
	}

	result := s.CommitStateHash(ctx, stateHash, eventID, nodePubkey, map[string]interface{}{
		"source": "mesh_receive",
	})
	if result.Status != StatusFailed || !s.autoRegisterOnFailure {
		return result
	}

	registration := s.RegisterNode(ctx, "", 0)
	if registration.Status != StatusRegistered {
		return result
	}

	return s.CommitStateHash(ctx, stateHash, eventID, nodePubkey, map[string]interface{}{
		"source": "mesh_receive_retry",
	})
}

// Status reports configuration and counters; key material is never included
func (s *Service) Status() map[string]interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var lastResult interface{}
	if s.lastResult != nil {
		lastResult = s.lastResult
	}

	return map[string]interface{}{
		"enabled":           s.enabled,
		"configured":        s.configured(),
		"program_id":        s.programIDEncoded,
		"keypair_path":      s.keypairPath,
		"commit_on_receive": s.commitOnReceive,
		"last_result":       lastResult,
		"last_error":        s.lastError,
		"counters": map[string]interface{}{
			"commit_success":   s.counters.commitSuccess,
			"commit_failure":   s.counters.commitFailure,
			"verify_success":   s.counters.verifySuccess,
			"verify_failure":   s.counters.verifyFailure,
			"register_success": s.counters.registerSuccess,
			"register_failure": s.counters.registerFailure,
		},
	}
}
