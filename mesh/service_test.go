package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/provideplatform/meshsync/envelope"
	"github.com/provideplatform/meshsync/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSharedKeyHex = "a2f1c4d8e9b0a7c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b9c8d7e6f5a4b3c2"

type fakeSubscription struct{}

func (s *fakeSubscription) Unsubscribe() error { return nil }

// scriptedTransport consumes publishErrs in call order; nil means success.
// Once the script is exhausted every publish succeeds.
type scriptedTransport struct {
	publishErrs []error
	published   [][]byte
	subjects    []string
	handler     transport.Handler
	closed      bool
}

func (t *scriptedTransport) Publish(subject string, payload []byte) error {
	var err error
	if len(t.publishErrs) > 0 {
		err = t.publishErrs[0]
		t.publishErrs = t.publishErrs[1:]
	}
	if err != nil {
		return err
	}
	t.subjects = append(t.subjects, subject)
	t.published = append(t.published, payload)
	return nil
}

func (t *scriptedTransport) Subscribe(subject string, handler transport.Handler) (transport.Subscription, error) {
	t.handler = handler
	return &fakeSubscription{}, nil
}

func (t *scriptedTransport) Close() error {
	t.closed = true
	return nil
}

type fakeCommitter struct {
	enabled   bool
	fail      bool
	skip      bool
	commits   int
	receives  int
	signature string
}

func (c *fakeCommitter) Enabled() bool { return c.enabled }

func (c *fakeCommitter) outcome() *CommitOutcome {
	if c.skip {
		return &CommitOutcome{Skipped: true}
	}
	if c.fail {
		return &CommitOutcome{Reason: "rpc_unreachable"}
	}
	return &CommitOutcome{Committed: true, Signature: c.signature}
}

func (c *fakeCommitter) CommitStateHash(ctx context.Context, stateHash, eventID, nodePubkey string, metadata map[string]interface{}) *CommitOutcome {
	c.commits++
	return c.outcome()
}

func (c *fakeCommitter) CommitOnReceive(ctx context.Context, stateHash string, env *envelope.Envelope, validation *envelope.Validation) *CommitOutcome {
	c.receives++
	return c.outcome()
}

func testService(t *testing.T, cfg *Config) *Service {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.OutboxPath == "" {
		cfg.OutboxPath = filepath.Join(t.TempDir(), "outbox.jsonl")
	}
	if cfg.SharedKeyHex == "" {
		cfg.SharedKeyHex = testSharedKeyHex
	}
	if cfg.NodePubkey == "" {
		cfg.NodePubkey = "node-a"
	}
	return NewService(cfg)
}

func TestPublishStateDeltaDisabled(t *testing.T) {
	service := testService(t, &Config{Enabled: false, Transport: &scriptedTransport{}})

	result := service.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	assert.Equal(t, StatusDisabled, result.Status)
	assert.NotEmpty(t, result.EventID)

	// a structural no-op: nothing published, nothing recorded
	assert.Empty(t, service.Outbox().Entries())
	assert.EqualValues(t, 0, service.Metrics()["published_messages"])
}

func TestPublishStateDeltaUnconfigured(t *testing.T) {
	service := NewService(&Config{
		Enabled:    true,
		OutboxPath: filepath.Join(t.TempDir(), "outbox.jsonl"),
	})

	result := service.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	assert.Equal(t, StatusUnconfigured, result.Status)
	assert.Empty(t, service.Outbox().Entries())
}

func TestPublishStateDeltaSuccess(t *testing.T) {
	fake := &scriptedTransport{}
	service := testService(t, &Config{Enabled: true, Transport: fake})

	result := service.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	require.Equal(t, StatusPublished, result.Status)
	assert.True(t, result.Published)
	assert.Len(t, result.StateHash, 64)
	require.NotNil(t, result.Envelope)
	require.Len(t, fake.published, 1)
	assert.Equal(t, DefaultSubject, fake.subjects[0])

	env := &envelope.Envelope{}
	require.NoError(t, json.Unmarshal(fake.published[0], env))
	assert.Equal(t, result.StateHash, env.StateHash)

	assert.EqualValues(t, 1, service.Metrics()["published_messages"])
}

func TestPublishStateDeltaHashChaining(t *testing.T) {
	fake := &scriptedTransport{}
	service := testService(t, &Config{Enabled: true, Transport: fake})

	first := service.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	require.Equal(t, StatusPublished, first.Status)
	assert.Nil(t, first.Envelope.PrevStateHash)

	second := service.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "y"}, nil, 0)
	require.Equal(t, StatusPublished, second.Status)
	require.NotNil(t, second.Envelope.PrevStateHash)
	assert.Equal(t, first.StateHash, *second.Envelope.PrevStateHash)
}

func TestPublishStateDeltaTransportConstructionFailure(t *testing.T) {
	service := testService(t, &Config{
		Enabled: true,
		TransportFactory: func() (transport.Transport, error) {
			return nil, fmt.Errorf("nats unreachable")
		},
	})

	result := service.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	assert.Equal(t, StatusDegraded, result.Status)

	latest := service.Outbox().LatestByEvent()
	require.Contains(t, latest, result.EventID)
	assert.Equal(t, StatusPendingPublish, latest[result.EventID].Status)
	require.NotNil(t, latest[result.EventID].Envelope, "degraded publish must persist the already-built envelope")
}

func TestTransportFailureThenSuccessfulRetry(t *testing.T) {
	fake := &scriptedTransport{publishErrs: []error{fmt.Errorf("connection reset")}}
	service := testService(t, &Config{Enabled: true, Transport: fake})

	result := service.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	require.Equal(t, StatusPendingPublish, result.Status)
	assert.Equal(t, "connection reset", result.Reason)

	summary := service.RetryPendingMeshEvents(context.Background(), 10)
	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, 1, summary.Published)

	latest := service.Outbox().LatestByEvent()
	require.Contains(t, latest, result.EventID)
	assert.NotEqual(t, StatusPendingPublish, latest[result.EventID].Status)
	assert.Equal(t, StatusPublished, latest[result.EventID].Status)
	assert.Equal(t, "attestation_disabled", latest[result.EventID].Reason)
}

func TestRetryRepublishFailureStaysPending(t *testing.T) {
	fake := &scriptedTransport{publishErrs: []error{
		fmt.Errorf("connection reset"),
		fmt.Errorf("still down"),
	}}
	service := testService(t, &Config{Enabled: true, Transport: fake})

	result := service.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	require.Equal(t, StatusPendingPublish, result.Status)

	summary := service.RetryPendingMeshEvents(context.Background(), 10)
	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, 0, summary.Published)
	assert.Equal(t, 1, summary.StillPending)

	latest := service.Outbox().LatestByEvent()
	assert.Equal(t, StatusPendingPublish, latest[result.EventID].Status)
}

func TestRetryCommitsWhenAttestationEnabled(t *testing.T) {
	fake := &scriptedTransport{publishErrs: []error{fmt.Errorf("connection reset")}}
	committer := &fakeCommitter{enabled: true, signature: "sig-1"}
	service := testService(t, &Config{Enabled: true, Transport: fake, Committer: committer})

	result := service.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	require.Equal(t, StatusPendingPublish, result.Status)

	summary := service.RetryPendingMeshEvents(context.Background(), 10)
	assert.Equal(t, 1, summary.Published)
	assert.Equal(t, 1, summary.Committed)
	assert.Equal(t, 1, committer.commits)

	latest := service.Outbox().LatestByEvent()
	assert.Equal(t, StatusCommitted, latest[result.EventID].Status)
}

func TestRetryMissingEnvelopeMarkedInvalid(t *testing.T) {
	service := testService(t, &Config{Enabled: true, Transport: &scriptedTransport{}})

	service.RecordOutboxEvent(&OutboxRecord{
		EventID:   "evt-broken",
		Status:    StatusPendingPublish,
		StateHash: strings.Repeat("a", 64),
	})

	summary := service.RetryPendingMeshEvents(context.Background(), 10)
	assert.Equal(t, 1, summary.Retried)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "missing_envelope", summary.Errors[0].Reason)

	latest := service.Outbox().LatestByEvent()
	assert.Equal(t, StatusInvalidEnvelope, latest["evt-broken"].Status)
}

func TestRetryLimitCapsBatch(t *testing.T) {
	fake := &scriptedTransport{publishErrs: []error{
		fmt.Errorf("down"), fmt.Errorf("down"), fmt.Errorf("down"),
	}}
	service := testService(t, &Config{Enabled: true, Transport: fake})

	for i := 0; i < 3; i++ {
		result := service.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": fmt.Sprintf("t%d", i)}, nil, 0)
		require.Equal(t, StatusPendingPublish, result.Status)
	}

	summary := service.RetryPendingMeshEvents(context.Background(), 2)
	assert.Equal(t, 2, summary.Retried)
}

func receiveOnPeer(t *testing.T, peer *Service, env *envelope.Envelope) {
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	peer.HandleInboundPayload(context.Background(), payload)
}

func TestListenerDispatchesValidatedDelta(t *testing.T) {
	sender := testService(t, &Config{Enabled: true, Transport: &scriptedTransport{}})
	receiver := testService(t, &Config{Enabled: true, NodePubkey: "node-b", Transport: &scriptedTransport{}})

	published := sender.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	require.Equal(t, StatusPublished, published.Status)

	var gotDelta envelope.StateDelta
	listener := receiver.StartListener(context.Background(), func(delta envelope.StateDelta, meta *DeliveryMeta) {
		gotDelta = delta
	}, nil)
	require.Equal(t, StatusListening, listener.Status)

	again := receiver.StartListener(context.Background(), nil, nil)
	assert.Equal(t, StatusListening, again.Status)
	assert.Equal(t, "already_started", again.Reason)

	receiveOnPeer(t, receiver, published.Envelope)

	require.NotNil(t, gotDelta)
	assert.Equal(t, "x", gotDelta["topic"])
	assert.EqualValues(t, 1, receiver.Metrics()["validated_messages"])
}

func TestListenerInvokesAttestationHandler(t *testing.T) {
	sender := testService(t, &Config{Enabled: true, Transport: &scriptedTransport{}})
	receiver := testService(t, &Config{Enabled: true, NodePubkey: "node-b", Transport: &scriptedTransport{}})

	published := sender.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	require.Equal(t, StatusPublished, published.Status)

	var gotHash string
	listener := receiver.StartListener(context.Background(), nil, func(stateHash string, env *envelope.Envelope, validation *envelope.Validation) {
		gotHash = stateHash
	})
	require.Equal(t, StatusListening, listener.Status)

	receiveOnPeer(t, receiver, published.Envelope)
	assert.Equal(t, published.StateHash, gotHash)
}

func TestSelfMessagesIgnored(t *testing.T) {
	service := testService(t, &Config{Enabled: true, Transport: &scriptedTransport{}})

	invoked := false
	service.StartListener(context.Background(), func(delta envelope.StateDelta, meta *DeliveryMeta) {
		invoked = true
	}, nil)

	published := service.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	require.Equal(t, StatusPublished, published.Status)

	receiveOnPeer(t, service, published.Envelope)

	assert.False(t, invoked)
	assert.EqualValues(t, 1, service.Metrics()["ignored_self_messages"])
	assert.EqualValues(t, 0, service.Metrics()["validated_messages"])
}

func TestMalformedPayloadsCounted(t *testing.T) {
	service := testService(t, &Config{Enabled: true, Transport: &scriptedTransport{}})

	service.HandleInboundPayload(context.Background(), []byte("{{{not json"))
	service.HandleInboundPayload(context.Background(), []byte(`"a bare string"`))

	metrics := service.Metrics()
	assert.EqualValues(t, 2, metrics["received_messages"])
	assert.EqualValues(t, 2, metrics["invalid_messages"])
	assert.Empty(t, service.Outbox().Entries())
}

func TestTamperedEnvelopeRejectedWithoutOutboxEntry(t *testing.T) {
	sender := testService(t, &Config{Enabled: true, Transport: &scriptedTransport{}})
	receiver := testService(t, &Config{Enabled: true, NodePubkey: "node-b", Transport: &scriptedTransport{}})

	invoked := false
	receiver.StartListener(context.Background(), func(delta envelope.StateDelta, meta *DeliveryMeta) {
		invoked = true
	}, nil)

	published := sender.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	require.Equal(t, StatusPublished, published.Status)

	tampered := *published.Envelope
	tampered.StateHash = strings.Repeat("0", 64)
	receiveOnPeer(t, receiver, &tampered)

	assert.False(t, invoked)
	assert.EqualValues(t, 1, receiver.Metrics()["invalid_messages"])
	for _, entry := range receiver.Outbox().Entries() {
		assert.Equal(t, StatusInvalidEnvelope, entry.Status)
	}
}

func TestCommitFailureOnReceiveThenRetryRecovery(t *testing.T) {
	sender := testService(t, &Config{Enabled: true, Transport: &scriptedTransport{}})
	committer := &fakeCommitter{enabled: true, fail: true}
	receiver := testService(t, &Config{
		Enabled:    true,
		NodePubkey: "node-b",
		Transport:  &scriptedTransport{},
		Committer:  committer,
	})

	receiver.StartListener(context.Background(), nil, nil)

	published := sender.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	require.Equal(t, StatusPublished, published.Status)

	receiveOnPeer(t, receiver, published.Envelope)
	require.Equal(t, 1, committer.receives)

	latest := receiver.Outbox().LatestByEvent()
	require.Contains(t, latest, published.Envelope.MessageID)
	assert.Equal(t, StatusPendingCommit, latest[published.Envelope.MessageID].Status)

	// the commit backend recovers; the sweep resolves the event
	committer.fail = false
	summary := receiver.RetryPendingMeshEvents(context.Background(), 10)
	assert.Equal(t, 1, summary.Committed)

	latest = receiver.Outbox().LatestByEvent()
	assert.Equal(t, StatusCommitted, latest[published.Envelope.MessageID].Status)
}

func TestCommitSkippedOnReceiveLeavesNoRecord(t *testing.T) {
	sender := testService(t, &Config{Enabled: true, Transport: &scriptedTransport{}})
	committer := &fakeCommitter{enabled: true, skip: true}
	receiver := testService(t, &Config{
		Enabled:    true,
		NodePubkey: "node-b",
		Transport:  &scriptedTransport{},
		Committer:  committer,
	})

	published := sender.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	require.Equal(t, StatusPublished, published.Status)

	receiveOnPeer(t, receiver, published.Envelope)
	assert.Equal(t, 1, committer.receives)
	assert.Empty(t, receiver.Outbox().Entries())
}

func TestStartListenerDisabled(t *testing.T) {
	service := testService(t, &Config{Enabled: false, Transport: &scriptedTransport{}})
	result := service.StartListener(context.Background(), nil, nil)
	assert.Equal(t, StatusDisabled, result.Status)
}

func TestStatusReportsPendingAndMetrics(t *testing.T) {
	fake := &scriptedTransport{publishErrs: []error{fmt.Errorf("down")}}
	service := testService(t, &Config{Enabled: true, Transport: fake})

	result := service.PublishStateDelta(context.Background(), envelope.StateDelta{"topic": "x"}, nil, 0)
	require.Equal(t, StatusPendingPublish, result.Status)

	status := service.Status()
	assert.Equal(t, true, status["enabled"])
	assert.Equal(t, true, status["configured"])
	assert.Equal(t, 1, status["pending_events"])
	assert.Equal(t, "down", status["last_error"])

	transportName, ok := status["transport"].(*string)
	require.True(t, ok)
	require.NotNil(t, transportName)
	assert.Equal(t, "*mesh.scriptedTransport", *transportName)

	metrics, ok := status["metrics"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, metrics["outbox_records"])
}

func TestStatusReportsNilTransportBeforeFirstUse(t *testing.T) {
	service := testService(t, &Config{
		Enabled: true,
		TransportFactory: func() (transport.Transport, error) {
			return &scriptedTransport{}, nil
		},
	})

	status := service.Status()
	transportName, ok := status["transport"].(*string)
	require.True(t, ok)
	assert.Nil(t, transportName)
}

func TestStopClosesTransport(t *testing.T) {
	fake := &scriptedTransport{}
	service := testService(t, &Config{Enabled: true, Transport: fake})
	require.NoError(t, service.Stop())
	assert.True(t, fake.closed)
}
