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
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
)

// SignatureStatus is the confirmation state of one submitted transaction
type SignatureStatus struct {
	Signature          string `json:"signature"`
	Slot               uint64 `json:"slot"`
	ConfirmationStatus string `json:"confirmation_status"`
	Err                string `json:"err,omitempty"`
}

// Executor submits instructions to the attestation program and reports
// confirmation status; the production implementation speaks JSON-RPC and a
// test double can count or script calls
type Executor interface {
	SubmitInstruction(ctx context.Context, ix *Instruction) (string, error)
	SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
}

const rpcRequestTimeout = time.Second * 30

// RPCExecutor executes instructions against a JSON-RPC endpoint, signing
// transactions with the configured keypair
type RPCExecutor struct {
	url    string
	signer ed25519.PrivateKey
	client *http.Client

	requestID uint64
}

// NewRPCExecutor initializes an executor against the given RPC url
func NewRPCExecutor(url string, signer ed25519.PrivateKey) *RPCExecutor {
	return &RPCExecutor{
		url:    url,
		signer: signer,
		client: &http.Client{Timeout: rpcRequestTimeout},
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCExecutor) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      atomic.AddUint64(&e.requestID, 1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc request failed; %s", err.Error())
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to parse rpc response; %s", err.Error())
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc error %d; %s", envelope.Error.Code, envelope.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to parse rpc result; %s", err.Error())
		}
	}
	return nil
}

func (e *RPCExecutor) latestBlockhash(ctx context.Context) ([]byte, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := e.call(ctx, "getLatestBlockhash", []interface{}{}, &result); err != nil {
		return nil, err
	}
	blockhash, err := base58.Decode(result.Value.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("failed to decode recent blockhash; %s", err.Error())
	}
	return blockhash, nil
}

// SubmitInstruction signs and submits a single-instruction transaction,
// returning the transaction signature
func (e *RPCExecutor) SubmitInstruction(ctx context.Context, ix *Instruction) (string, error) {
	if e.signer == nil {
		return "", fmt.Errorf("no signing keypair configured")
	}

	blockhash, err := e.latestBlockhash(ctx)
	if err != nil {
		return "", err
	}

	tx, err := BuildTransaction(ix, e.signer, blockhash)
	if err != nil {
		return "", err
	}

	var signature string
	err = e.call(ctx, "sendTransaction", []interface{}{
		tx,
		map[string]interface{}{"encoding": "base64"},
	}, &signature)
	if err != nil {
		return "", err
	}
	return signature, nil
}

// SignatureStatus polls the confirmation status of the given signature; a
// nil status means the transaction is not yet visible
func (e *RPCExecutor) SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	var result struct {
		Value []*struct {
			Slot               uint64      `json:"slot"`
			ConfirmationStatus string      `json:"confirmationStatus"`
			Err                interface{} `json:"err"`
		} `json:"value"`
	}
	err := e.call(ctx, "getSignatureStatuses", []interface{}{
		[]string{signature},
		map[string]interface{}{"searchTransactionHistory": true},
	}, &result)
	if err != nil {
		return nil, err
	}

	if len(result.Value) == 0 || result.Value[0] == nil {
		return nil, nil
	}

	status := &SignatureStatus{
		Signature:          signature,
		Slot:               result.Value[0].Slot,
		ConfirmationStatus: result.Value[0].ConfirmationStatus,
	}
	if result.Value[0].Err != nil {
		raw, _ := json.Marshal(result.Value[0].Err)
		status.Err = string(raw)
	}
	return status, nil
}
