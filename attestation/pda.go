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
	"fmt"

	"filippo.io/edwards25519"
)

// fixed by the on-chain program; do not alter
const (
	pdaMarker = "ProgramDerivedAddress"

	maxSeeds     = 16
	maxSeedLen   = 32
	pubkeyLength = 32
)

// seed prefixes for the two per-authority program accounts
var (
	nodeRegistrySeed    = []byte("node")
	stateCommitmentSeed = []byte("commitment")
)

// DeriveProgramAddress derives the program address for the given seeds,
// failing when the resulting point lies on the ed25519 curve
func DeriveProgramAddress(seeds [][]byte, programID []byte) ([]byte, error) {
	if len(programID) != pubkeyLength {
		return nil, fmt.Errorf("invalid program id; expected %d bytes, resolved %d", pubkeyLength, len(programID))
	}
	if len(seeds) > maxSeeds {
		return nil, fmt.Errorf("too many seeds; maximum is %d", maxSeeds)
	}

	digest := sha256.New()
	for _, seed := range seeds {
		if len(seed) > maxSeedLen {
			return nil, fmt.Errorf("seed exceeds maximum length of %d bytes", maxSeedLen)
		}
		digest.Write(seed)
	}
	digest.Write(programID)
	digest.Write([]byte(pdaMarker))

	address := digest.Sum(nil)
	if isOnCurve(address) {
		return nil, fmt.Errorf("derived address lies on the ed25519 curve")
	}
	return address, nil
}

// FindProgramAddress searches bump seeds from 255 downward for the first
// off-curve program address
func FindProgramAddress(seeds [][]byte, programID []byte) ([]byte, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		seedsWithBump := make([][]byte, len(seeds), len(seeds)+1)
		copy(seedsWithBump, seeds)
		seedsWithBump = append(seedsWithBump, []byte{uint8(bump)})

		address, err := DeriveProgramAddress(seedsWithBump, programID)
		if err == nil {
			return address, uint8(bump), nil
		}
	}
	return nil, 0, fmt.Errorf("unable to find a viable program address bump seed")
}

// NodeRegistryAddress derives the per-authority node registry account
func NodeRegistryAddress(authority, programID []byte) ([]byte, uint8, error) {
	return FindProgramAddress([][]byte{nodeRegistrySeed, authority}, programID)
}

// StateCommitmentAddress derives the state commitment account anchored to
// the given node registry account
func StateCommitmentAddress(nodeRegistry, programID []byte) ([]byte, uint8, error) {
	return FindProgramAddress([][]byte{stateCommitmentSeed, nodeRegistry}, programID)
}

func isOnCurve(address []byte) bool {
	if len(address) != pubkeyLength {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(address)
	return err == nil
}
