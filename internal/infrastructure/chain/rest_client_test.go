package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

const testSeedHex = "0101010101010101010101010101010101010101010101010101010101010101"

func newTestClient(t *testing.T, endpoint string) *RestClient {
	t.Helper()
	client, err := NewRestClient(
		&config.FunderConfig{ChainEndpoint: endpoint},
		testSeedHex,
		logger.NewNoopLogger(),
	)
	require.NoError(t, err)
	return client
}

func TestNewRestClient_RejectsBadKey(t *testing.T) {
	_, err := NewRestClient(&config.FunderConfig{}, "zzzz", logger.NewNoopLogger())
	assert.Error(t, err)

	_, err = NewRestClient(&config.FunderConfig{}, "abcd", logger.NewNoopLogger())
	assert.Error(t, err)
}

func TestAccountSequenceNumber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/0xfunder", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"sequence_number": "42"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	seq, err := client.AccountSequenceNumber(context.Background(), "0xfunder")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
}

func TestSubmit_SignsAndReturnsHash(t *testing.T) {
	seed, _ := hex.DecodeString(testSeedHex)
	public := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var signed struct {
			Sender    string `json:"sender"`
			PublicKey string `json:"public_key"`
			Signature string `json:"signature"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&signed))
		assert.Equal(t, "0xfunder", signed.Sender)
		assert.Equal(t, hex.EncodeToString(public), signed.PublicKey)

		sig, err := hex.DecodeString(signed.Signature)
		require.NoError(t, err)
		assert.True(t, ed25519.Verify(public, []byte("0xfunder|7|0xrecipient|1000"), sig))

		json.NewEncoder(w).Encode(map[string]string{"hash": "0xdeadbeef"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	hash, err := client.Submit(context.Background(), &models.Transaction{
		Sender:         "0xfunder",
		SequenceNumber: 7,
		Recipient:      "0xrecipient",
		Amount:         1000,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", hash)
}

func TestSubmit_ClassifiesSequenceConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"message":    "transaction is using an old sequence_number",
			"error_code": "invalid_transaction_update",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Submit(context.Background(), &models.Transaction{Sender: "0xfunder"})
	require.Error(t, err)
	assert.True(t, errors.IsSequenceMismatch(err))
	assert.True(t, errors.IsRetryableSubmission(err))
}

func TestSubmit_ClassifiesFatalRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"message": "invalid recipient address"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Submit(context.Background(), &models.Transaction{Sender: "0xfunder"})
	require.Error(t, err)
	assert.False(t, errors.IsRetryableSubmission(err))
}

func TestSubmit_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Submit(context.Background(), &models.Transaction{Sender: "0xfunder"})
	require.Error(t, err)
	assert.True(t, errors.IsRetryableSubmission(err))
	assert.False(t, errors.IsSequenceMismatch(err))
}

func TestAwaitConfirmation_PendingThenConfirmed(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			json.NewEncoder(w).Encode(map[string]interface{}{"type": "pending_transaction"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type":    "user_transaction",
			"success": true,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.AwaitConfirmation(context.Background(), "0xdeadbeef")
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestAwaitConfirmation_OnChainFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type":      "user_transaction",
			"success":   false,
			"vm_status": "out of gas",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.AwaitConfirmation(context.Background(), "0xdeadbeef")
	require.NoError(t, err)
	assert.False(t, result.Confirmed)
	assert.Equal(t, "out of gas", result.FailureReason)
}

func TestAwaitConfirmation_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"type": "pending_transaction"})
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client := newTestClient(t, server.URL)
	_, err := client.AwaitConfirmation(ctx, "0xdeadbeef")
	require.Error(t, err)
	assert.True(t, errors.IsConfirmationTimeout(err))
}
