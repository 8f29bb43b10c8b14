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
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

const blockhashLength = 32

// appendShortvec writes the compact-u16 length encoding used by the wire
// transaction format
func appendShortvec(buf []byte, n int) []byte {
	for {
		if n < 0x80 {
			return append(buf, byte(n))
		}
		buf = append(buf, byte(n&0x7f|0x80))
		n >>= 7
	}
}

// txAccount is one entry in the transaction's flattened account table
type txAccount struct {
	pubkey     []byte
	isSigner   bool
	isWritable bool
}

// BuildTransaction serializes and signs a single-instruction transaction,
// returning the base64 encoding expected by sendTransaction
func BuildTransaction(ix *Instruction, signer ed25519.PrivateKey, recentBlockhash []byte) (string, error) {
	if len(recentBlockhash) != blockhashLength {
		return "", fmt.Errorf("invalid recent blockhash; expected %d bytes, resolved %d", blockhashLength, len(recentBlockhash))
	}

	signerPubkey := signer.Public().(ed25519.PublicKey)

	// flatten accounts: fee-payer first, then writable non-signers,
	// readonly non-signers, and the program id
	accounts := []txAccount{{pubkey: signerPubkey, isSigner: true, isWritable: true}}
	appendUnique := func(account txAccount) {
		for i := range accounts {
			if bytes.Equal(accounts[i].pubkey, account.pubkey) {
				accounts[i].isSigner = accounts[i].isSigner || account.isSigner
				accounts[i].isWritable = accounts[i].isWritable || account.isWritable
				return
			}
		}
		accounts = append(accounts, account)
	}

	for _, meta := range ix.Accounts {
		if meta.IsWritable {
			appendUnique(txAccount{pubkey: meta.Pubkey, isSigner: meta.IsSigner, isWritable: true})
		}
	}
	for _, meta := range ix.Accounts {
		if !meta.IsWritable {
			appendUnique(txAccount{pubkey: meta.Pubkey, isSigner: meta.IsSigner})
		}
	}
	appendUnique(txAccount{pubkey: ix.ProgramID})

	indexOf := func(pubkey []byte) (byte, error) {
		for i := range accounts {
			if bytes.Equal(accounts[i].pubkey, pubkey) {
				return byte(i), nil
			}
		}
		return 0, fmt.Errorf("account missing from transaction account table")
	}

	numRequiredSignatures := 0
	numReadonlySigned := 0
	numReadonlyUnsigned := 0
	for _, account := range accounts {
		if account.isSigner {
			numRequiredSignatures++
			if !account.isWritable {
				numReadonlySigned++
			}
		} else if !account.isWritable {
			numReadonlyUnsigned++
		}
	}

	message := []byte{
		byte(numRequiredSignatures),
		byte(numReadonlySigned),
		byte(numReadonlyUnsigned),
	}
	message = appendShortvec(message, len(accounts))
	for _, account := range accounts {
		message = append(message, account.pubkey...)
	}
	message = append(message, recentBlockhash...)

	programIndex, err := indexOf(ix.ProgramID)
	if err != nil {
		return "", err
	}
	accountIndices := make([]byte, 0, len(ix.Accounts))
	for _, meta := range ix.Accounts {
		index, err := indexOf(meta.Pubkey)
		if err != nil {
			return "", err
		}
		accountIndices = append(accountIndices, index)
	}

	message = appendShortvec(message, 1)
	message = append(message, programIndex)
	message = appendShortvec(message, len(accountIndices))
	message = append(message, accountIndices...)
	message = appendShortvec(message, len(ix.Data))
	message = append(message, ix.Data...)

	signature := ed25519.Sign(signer, message)

	tx := appendShortvec(nil, 1)
	tx = append(tx, signature...)
	tx = append(tx, message...)

	return base64.StdEncoding.EncodeToString(tx), nil
}
