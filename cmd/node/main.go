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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/provideplatform/meshsync/api"
	"github.com/provideplatform/meshsync/attestation"
	"github.com/provideplatform/meshsync/common"
	"github.com/provideplatform/meshsync/envelope"
	"github.com/provideplatform/meshsync/mesh"
	"github.com/provideplatform/meshsync/transport"
)

func envFlag(name string, defaultValue bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if raw == "" {
		return defaultValue
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func envOrDefault(name, defaultValue string) string {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		return val
	}
	return defaultValue
}

func envUint(name string, defaultValue uint64) uint64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue
	}
	val, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return defaultValue
	}
	return val
}

// attestationCommitter adapts the attestation service to the sync service's
// committer seam
type attestationCommitter struct {
	service *attestation.Service
}

func (c *attestationCommitter) Enabled() bool {
	return c.service.Enabled()
}

func (c *attestationCommitter) CommitStateHash(ctx context.Context, stateHash, eventID, nodePubkey string, metadata map[string]interface{}) *mesh.CommitOutcome {
	result := c.service.CommitStateHash(ctx, stateHash, eventID, nodePubkey, metadata)
	return commitOutcome(result)
}

func (c *attestationCommitter) CommitOnReceive(ctx context.Context, stateHash string, env *envelope.Envelope, validation *envelope.Validation) *mesh.CommitOutcome {
	result := c.service.OnMeshHash(ctx, stateHash, env, validation)
	return commitOutcome(result)
}

func commitOutcome(result *attestation.Result) *mesh.CommitOutcome {
	outcome := &mesh.CommitOutcome{
		Committed: result.Status == attestation.StatusCommitted,
		Skipped:   result.Status == attestation.StatusSkipped,
		Signature: result.Signature,
	}
	if !outcome.Committed && !outcome.Skipped {
		outcome.Reason = result.Error
		if outcome.Reason == "" {
			outcome.Reason = result.Reason
		}
		if outcome.Reason == "" {
			outcome.Reason = result.Status
		}
	}
	return outcome
}

func attestationServiceFactory() *attestation.Service {
	return attestation.NewService(&attestation.Config{
		Enabled:               envFlag("ATTESTATION_ENABLED", false),
		ProgramID:             os.Getenv("ATTESTATION_PROGRAM_ID"),
		RPCURL:                envOrDefault("ATTESTATION_RPC_URL", "https://api.devnet.solana.com"),
		KeypairPath:           os.Getenv("ATTESTATION_KEYPAIR_PATH"),
		NodeEndpoint:          os.Getenv("ATTESTATION_NODE_ENDPOINT"),
		StakeLamports:         envUint("ATTESTATION_STAKE_LAMPORTS", 0),
		CommitOnReceive:       envFlag("ATTESTATION_COMMIT_ON_RECEIVE", false),
		AutoRegisterOnFailure: envFlag("ATTESTATION_AUTO_REGISTER", false),
	})
}

func meshServiceFactory(committer mesh.StateCommitter) *mesh.Service {
	subject := envOrDefault("MESH_SUBJECT", mesh.DefaultSubject)

	return mesh.NewService(&mesh.Config{
		Enabled:      envFlag("MESH_SYNC_ENABLED", false),
		SharedKeyHex: os.Getenv("MESH_SHARED_KEY"),
		NodePubkey:   os.Getenv("MESH_NODE_PUBKEY"),
		Subject:      subject,
		OutboxPath:   envOrDefault("MESH_OUTBOX_PATH", mesh.DefaultOutboxPath),
		TTLSeconds:   int(envUint("MESH_SYNC_TTL_SECONDS", mesh.DefaultTTLSeconds)),
		TransportFactory: func() (transport.Transport, error) {
			return transport.NewNATSTransport(&transport.Config{
				URL:     envOrDefault("NATS_URL", transport.DefaultNatsURL),
				Subject: subject,
			})
		},
		Committer: committer,
	})
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attestationService := attestationServiceFactory()
	meshService := meshServiceFactory(&attestationCommitter{service: attestationService})

	listener := meshService.StartListener(ctx, func(delta envelope.StateDelta, meta *mesh.DeliveryMeta) {
		common.Log.Debugf("applied inbound state delta %s from node %s", meta.Validation.MessageID, meta.Validation.NodePubkey)
	}, nil)
	common.Log.Infof("mesh listener status: %s", listener.Status)

	retryInterval := envUint("MESH_RETRY_INTERVAL_SECONDS", 0)
	if retryInterval > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(retryInterval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					summary := meshService.RetryPendingMeshEvents(ctx, 100)
					if summary.Retried > 0 {
						common.Log.Infof("mesh retry sweep: %d retried, %d published, %d committed, %d still pending",
							summary.Retried, summary.Published, summary.Committed, summary.StillPending)
					}
				}
			}
		}()
	}

	r := gin.Default()
	api.InstallAPI(r, meshService, attestationService)

	go func() {
		port := envOrDefault("PORT", "8080")
		if err := r.Run(fmt.Sprintf(":%s", port)); err != nil {
			common.Log.Panicf("failed to run meshsync API; %s", err.Error())
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	common.Log.Info("shutting down meshsync node")
	cancel()
	meshService.Stop()
}
