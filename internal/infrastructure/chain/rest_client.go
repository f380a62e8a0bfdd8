// Package chain implements the node-facing client: account state reads,
// transaction signing and submission, and confirmation polling.
package chain

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/internal/domain/service"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

const confirmationPollInterval = 500 * time.Millisecond

// RestClient talks to a node's REST API. It signs transactions with the
// funding identity's ed25519 key before broadcasting them.
type RestClient struct {
	endpoint   string
	httpClient *http.Client
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	logger     logger.Logger
}

var _ service.ChainClient = (*RestClient)(nil)

// NewRestClient creates a chain client from the funder configuration and the
// resolved signing key seed.
func NewRestClient(cfg *config.FunderConfig, keySeedHex string, log logger.Logger) (*RestClient, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(keySeedHex, "0x"))
	if err != nil {
		return nil, errors.ErrInvalidRequest("funder private key is not valid hex").WithCause(err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.ErrInvalidRequest(
			fmt.Sprintf("funder private key must be a %d-byte seed", ed25519.SeedSize))
	}
	private := ed25519.NewKeyFromSeed(seed)

	return &RestClient{
		endpoint:   strings.TrimRight(cfg.ChainEndpoint, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		privateKey: private,
		publicKey:  private.Public().(ed25519.PublicKey),
		logger:     log.WithComponent("chain_client"),
	}, nil
}

type accountResponse struct {
	SequenceNumber string `json:"sequence_number"`
}

type submitResponse struct {
	Hash string `json:"hash"`
}

type transactionResponse struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	VMStatus string `json:"vm_status"`
}

type nodeError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
}

// signedTransaction is the wire form of a broadcast transaction.
type signedTransaction struct {
	Sender         string `json:"sender"`
	SequenceNumber string `json:"sequence_number"`
	Recipient      string `json:"recipient"`
	Amount         string `json:"amount"`
	PublicKey      string `json:"public_key"`
	Signature      string `json:"signature"`
}

// AccountSequenceNumber reads the on-chain sequence number of an account.
func (c *RestClient) AccountSequenceNumber(ctx context.Context, address string) (uint64, error) {
	url := fmt.Sprintf("%s/v1/accounts/%s", c.endpoint, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.ErrServerError("failed to build account request").WithCause(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.ErrSubmissionFailed("node is unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, c.classifyError(resp, "account lookup")
	}

	var account accountResponse
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return 0, errors.ErrSubmissionFailed("failed to decode account response").WithCause(err)
	}
	seq, err := strconv.ParseUint(account.SequenceNumber, 10, 64)
	if err != nil {
		return 0, errors.ErrSubmissionFailed("node returned a malformed sequence number").WithCause(err)
	}
	return seq, nil
}

// Submit signs and broadcasts the transaction, returning its hash.
func (c *RestClient) Submit(ctx context.Context, txn *models.Transaction) (string, error) {
	signed, err := c.sign(txn)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return "", errors.ErrServerError("failed to encode transaction").WithCause(err)
	}

	url := fmt.Sprintf("%s/v1/transactions", c.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.ErrServerError("failed to build submit request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.ErrSubmissionFailed("node is unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", c.classifyError(resp, "submission")
	}

	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", errors.ErrSubmissionFailed("failed to decode submit response").WithCause(err)
	}
	if submitted.Hash == "" {
		return "", errors.ErrSubmissionFailed("node accepted the transaction without a hash")
	}

	c.logger.Debug(ctx, "transaction submitted",
		logger.String("txn_hash", submitted.Hash),
		logger.Uint64("sequence_number", txn.SequenceNumber),
	)
	return submitted.Hash, nil
}

// AwaitConfirmation polls the node until the transaction reaches a terminal
// on-chain state or ctx expires.
func (c *RestClient) AwaitConfirmation(ctx context.Context, txnHash string) (*models.TransactionResult, error) {
	url := fmt.Sprintf("%s/v1/transactions/by_hash/%s", c.endpoint, txnHash)

	ticker := time.NewTicker(confirmationPollInterval)
	defer ticker.Stop()

	for {
		result, done, err := c.pollOnce(ctx, url, txnHash)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.ErrConfirmationTimeout(txnHash)
		case <-ticker.C:
		}
	}
}

func (c *RestClient) pollOnce(ctx context.Context, url, txnHash string) (*models.TransactionResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, errors.ErrServerError("failed to build confirmation request").WithCause(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, errors.ErrConfirmationTimeout(txnHash)
		}
		// Transient poll failures are retried until the deadline.
		return nil, false, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		// Not yet known to the node; keep polling.
		io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	case http.StatusOK:
		var txn transactionResponse
		if err := json.NewDecoder(resp.Body).Decode(&txn); err != nil {
			return nil, false, nil
		}
		if txn.Type == "pending_transaction" {
			return nil, false, nil
		}
		result := &models.TransactionResult{Confirmed: txn.Success}
		if !txn.Success {
			result.FailureReason = txn.VMStatus
		}
		return result, true, nil
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	}
}

// sign produces the broadcast form of the transaction. The signature covers
// the canonical sender|sequence|recipient|amount tuple.
func (c *RestClient) sign(txn *models.Transaction) (*signedTransaction, error) {
	message := fmt.Sprintf("%s|%d|%s|%d", txn.Sender, txn.SequenceNumber, txn.Recipient, txn.Amount)
	signature := ed25519.Sign(c.privateKey, []byte(message))

	return &signedTransaction{
		Sender:         txn.Sender,
		SequenceNumber: strconv.FormatUint(txn.SequenceNumber, 10),
		Recipient:      txn.Recipient,
		Amount:         strconv.FormatUint(txn.Amount, 10),
		PublicKey:      hex.EncodeToString(c.publicKey),
		Signature:      hex.EncodeToString(signature),
	}, nil
}

// classifyError maps a node error response onto the retry taxonomy: sequence
// conflicts and server-side failures are retryable, everything else is fatal.
func (c *RestClient) classifyError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var nodeErr nodeError
	_ = json.Unmarshal(body, &nodeErr)
	detail := nodeErr.Message
	if detail == "" {
		detail = strings.TrimSpace(string(body))
	}

	switch {
	case isSequenceConflict(resp.StatusCode, nodeErr, detail):
		return errors.ErrSequenceMismatch(detail)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errors.ErrSubmissionFailed(
			fmt.Sprintf("%s failed with status %d: %s", operation, resp.StatusCode, detail))
	default:
		return errors.ErrSubmissionFatal(
			fmt.Sprintf("%s rejected with status %d: %s", operation, resp.StatusCode, detail))
	}
}

func isSequenceConflict(status int, nodeErr nodeError, detail string) bool {
	if status == http.StatusConflict {
		return true
	}
	lowered := strings.ToLower(nodeErr.ErrorCode + " " + detail)
	return strings.Contains(lowered, "sequence_number") || strings.Contains(lowered, "sequence number")
}
