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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// the three program methods; discriminator derivation is a fixed external
// protocol and must not be altered
const (
	methodCommitStateHash = "commit_state_hash"
	methodVerifyContext   = "verify_context"
	methodRegisterNode    = "register_node"

	discriminatorLength = 8
	maxNodeEndpointLen  = 256
)

// systemProgramID is the all-zeroes system program account
var systemProgramID = make([]byte, pubkeyLength)

// AccountMeta references one account an instruction touches
type AccountMeta struct {
	Pubkey     []byte
	IsSigner   bool
	IsWritable bool
}

// Instruction is one program invocation: an 8-byte method discriminator
// followed by method-specific data, plus the accounts it operates on
type Instruction struct {
	ProgramID []byte
	Accounts  []AccountMeta
	Data      []byte
}

// Discriminator returns the first 8 bytes of sha256("global:<method>")
func Discriminator(method string) []byte {
	digest := sha256.Sum256([]byte(fmt.Sprintf("global:%s", method)))
	return digest[:discriminatorLength]
}

func deriveAccounts(authority, programID []byte) (nodeRegistry []byte, stateCommitment []byte, err error) {
	nodeRegistry, _, err = NodeRegistryAddress(authority, programID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive node registry address; %s", err.Error())
	}
	stateCommitment, _, err = StateCommitmentAddress(nodeRegistry, programID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive state commitment address; %s", err.Error())
	}
	return nodeRegistry, stateCommitment, nil
}

// NewCommitStateHashInstruction builds the commit_state_hash instruction
// carrying the 32 raw state hash bytes
func NewCommitStateHashInstruction(programID, authority []byte, stateHash [32]byte) (*Instruction, error) {
	nodeRegistry, stateCommitment, err := deriveAccounts(authority, programID)
	if err != nil {
		return nil, err
	}

	data := append(Discriminator(methodCommitStateHash), stateHash[:]...)

	return &Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{Pubkey: authority, IsSigner: true, IsWritable: true},
			{Pubkey: nodeRegistry, IsWritable: true},
			{Pubkey: stateCommitment, IsWritable: true},
			{Pubkey: systemProgramID},
		},
		Data: data,
	}, nil
}

// NewVerifyContextInstruction builds the read-only verify_context instruction
func NewVerifyContextInstruction(programID, authority []byte, expectedHash [32]byte) (*Instruction, error) {
	nodeRegistry, stateCommitment, err := deriveAccounts(authority, programID)
	if err != nil {
		return nil, err
	}

	data := append(Discriminator(methodVerifyContext), expectedHash[:]...)

	return &Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{Pubkey: authority, IsSigner: true},
			{Pubkey: nodeRegistry},
			{Pubkey: stateCommitment},
		},
		Data: data,
	}, nil
}

// NewRegisterNodeInstruction builds the register_node instruction carrying a
// length-prefixed endpoint string and the stake amount in lamports
func NewRegisterNodeInstruction(programID, authority []byte, endpoint string, stakeLamports uint64) (*Instruction, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("node endpoint is required")
	}
	if len(endpoint) > maxNodeEndpointLen {
		return nil, fmt.Errorf("node endpoint exceeds %d bytes", maxNodeEndpointLen)
	}

	nodeRegistry, _, err := NodeRegistryAddress(authority, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive node registry address; %s", err.Error())
	}

	data := Discriminator(methodRegisterNode)
	endpointBytes := []byte(endpoint)
	lenPrefix := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenPrefix, uint32(len(endpointBytes)))
	data = append(data, lenPrefix...)
	data = append(data, endpointBytes...)
	stake := make([]byte, 8)
	binary.LittleEndian.PutUint64(stake, stakeLamports)
	data = append(data, stake...)

	return &Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{Pubkey: authority, IsSigner: true, IsWritable: true},
			{Pubkey: nodeRegistry, IsWritable: true},
			{Pubkey: systemProgramID},
		},
		Data: data,
	}, nil
}
