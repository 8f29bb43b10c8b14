package attestation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

func rpcTestServer(t *testing.T, handle func(req *rpcRequest) (interface{}, *rpcError)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)

		result, rpcErr := handle(&req)
		response := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			response["error"] = rpcErr
		} else {
			response["result"] = result
		}
		json.NewEncoder(w).Encode(response)
	}))
}

func TestRPCExecutorSubmitInstruction(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	blockhash := base58.Encode(make([]byte, 32))
	var methods []string
	var submittedTx string

	server := rpcTestServer(t, func(req *rpcRequest) (interface{}, *rpcError) {
		methods = append(methods, req.Method)
		switch req.Method {
		case "getLatestBlockhash":
			return map[string]interface{}{
				"value": map[string]interface{}{"blockhash": blockhash},
			}, nil
		case "sendTransaction":
			submittedTx = req.Params[0].(string)
			return "tx-signature-1", nil
		}
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	})
	defer server.Close()

	executor := NewRPCExecutor(server.URL, priv)

	var stateHash [32]byte
	ix, err := NewCommitStateHashInstruction(testProgramID, pub, stateHash)
	require.NoError(t, err)

	signature, err := executor.SubmitInstruction(context.Background(), ix)
	require.NoError(t, err)
	assert.Equal(t, "tx-signature-1", signature)
	assert.Equal(t, []string{"getLatestBlockhash", "sendTransaction"}, methods)

	// the submitted transaction is base64 wire bytes
	raw, err := base64.StdEncoding.DecodeString(submittedTx)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestRPCExecutorSubmitRequiresSigner(t *testing.T) {
	executor := NewRPCExecutor("http://localhost:1", nil)
	var stateHash [32]byte
	ix, err := NewCommitStateHashInstruction(testProgramID, testAuthority, stateHash)
	require.NoError(t, err)

	_, err = executor.SubmitInstruction(context.Background(), ix)
	assert.Error(t, err)
}

func TestRPCExecutorSubmitRPCError(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	server := rpcTestServer(t, func(req *rpcRequest) (interface{}, *rpcError) {
		return nil, &rpcError{Code: -32002, Message: "blockhash not found"}
	})
	defer server.Close()

	executor := NewRPCExecutor(server.URL, priv)

	var stateHash [32]byte
	ix, err := NewCommitStateHashInstruction(testProgramID, priv.Public().(ed25519.PublicKey), stateHash)
	require.NoError(t, err)

	_, err = executor.SubmitInstruction(context.Background(), ix)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blockhash not found")
}

func TestRPCExecutorSignatureStatus(t *testing.T) {
	server := rpcTestServer(t, func(req *rpcRequest) (interface{}, *rpcError) {
		require.Equal(t, "getSignatureStatuses", req.Method)
		return map[string]interface{}{
			"value": []interface{}{
				map[string]interface{}{
					"slot":               uint64(1234),
					"confirmationStatus": "finalized",
					"err":                nil,
				},
			},
		}, nil
	})
	defer server.Close()

	executor := NewRPCExecutor(server.URL, nil)
	status, err := executor.SignatureStatus(context.Background(), "sig-abc")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "sig-abc", status.Signature)
	assert.EqualValues(t, 1234, status.Slot)
	assert.Equal(t, "finalized", status.ConfirmationStatus)
	assert.Empty(t, status.Err)
}

func TestRPCExecutorSignatureStatusNotVisible(t *testing.T) {
	server := rpcTestServer(t, func(req *rpcRequest) (interface{}, *rpcError) {
		return map[string]interface{}{"value": []interface{}{nil}}, nil
	})
	defer server.Close()

	executor := NewRPCExecutor(server.URL, nil)
	status, err := executor.SignatureStatus(context.Background(), "sig-abc")
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestRPCExecutorSignatureStatusTransactionError(t *testing.T) {
	server := rpcTestServer(t, func(req *rpcRequest) (interface{}, *rpcError) {
		return map[string]interface{}{
			"value": []interface{}{
				map[string]interface{}{
					"slot":               uint64(99),
					"confirmationStatus": "confirmed",
					"err":                map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}},
				},
			},
		}, nil
	})
	defer server.Close()

	executor := NewRPCExecutor(server.URL, nil)
	status, err := executor.SignatureStatus(context.Background(), "sig-abc")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Contains(t, status.Err, "InstructionError")
}
