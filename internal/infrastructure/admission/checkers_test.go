package admission_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/internal/infrastructure/admission"
	"github.com/turtacn/tap/internal/infrastructure/monitoring"
	"github.com/turtacn/tap/internal/infrastructure/persistence/memory"
	"github.com/turtacn/tap/pkg/constants"
	"github.com/turtacn/tap/pkg/logger"
)

func testRequest(amount uint64) *models.FundingRequest {
	return &models.FundingRequest{
		ID:          "req-test",
		Address:     "0xcafe",
		Amount:      amount,
		SourceIP:    "198.51.100.20",
		RequestedAt: time.Now(),
	}
}

func TestAmountChecker(t *testing.T) {
	checker := admission.NewAmountChecker(10, 1000)
	ctx := context.Background()

	result, err := checker.Check(ctx, testRequest(100), false)
	require.NoError(t, err)
	assert.False(t, result.Rejected())

	result, err = checker.Check(ctx, testRequest(5), false)
	require.NoError(t, err)
	require.True(t, result.Rejected())
	assert.Equal(t, constants.ReasonAmountInvalid, result.Rejections[0].Code)

	result, err = checker.Check(ctx, testRequest(5000), false)
	require.NoError(t, err)
	assert.True(t, result.Rejected())

	result, err = checker.Check(ctx, testRequest(0), false)
	require.NoError(t, err)
	assert.True(t, result.Rejected())
}

func TestAuthTokenChecker(t *testing.T) {
	checker := admission.NewAuthTokenChecker([]string{"revoked-token"})
	ctx := context.Background()

	req := testRequest(100)
	result, err := checker.Check(ctx, req, false)
	require.NoError(t, err)
	assert.False(t, result.Rejected())

	req.AuthToken = "revoked-token"
	result, err = checker.Check(ctx, req, false)
	require.NoError(t, err)
	require.True(t, result.Rejected())
	assert.Equal(t, constants.ReasonAuthTokenDenied, result.Rejections[0].Code)
}

func TestIPBlocklistChecker(t *testing.T) {
	checker, err := admission.NewIPBlocklistChecker([]string{"203.0.113.0/24"})
	require.NoError(t, err)
	ctx := context.Background()

	result, err := checker.Check(ctx, testRequest(100), false)
	require.NoError(t, err)
	assert.False(t, result.Rejected())

	req := testRequest(100)
	req.SourceIP = "203.0.113.50"
	result, err = checker.Check(ctx, req, false)
	require.NoError(t, err)
	require.True(t, result.Rejected())
	assert.Equal(t, constants.ReasonIPBlocklisted, result.Rejections[0].Code)

	req.SourceIP = "not-an-ip"
	result, err = checker.Check(ctx, req, false)
	require.NoError(t, err)
	assert.True(t, result.Rejected())
}

func TestIPBlocklistChecker_InvalidCIDR(t *testing.T) {
	_, err := admission.NewIPBlocklistChecker([]string{"not a cidr"})
	assert.Error(t, err)
}

func newQuotaChecker(t *testing.T, scope constants.QuotaScope, perIP, perAccount uint64) *admission.QuotaChecker {
	t.Helper()
	store := memory.NewQuotaStore(time.Minute, logger.NewNoopLogger())
	limits := func() *config.QuotaConfig {
		return &config.QuotaConfig{
			PerIPLimit:      perIP,
			PerAccountLimit: perAccount,
			Window:          time.Hour,
		}
	}
	return admission.NewQuotaChecker(store, scope, limits, monitoring.NewMetricsWith(prometheus.NewRegistry()), logger.NewNoopLogger())
}

func TestQuotaChecker_AdmitsUntilExhausted(t *testing.T) {
	checker := newQuotaChecker(t, constants.QuotaScopeIP, 2, 10)
	ctx := context.Background()
	req := testRequest(100)

	for i := 0; i < 2; i++ {
		result, err := checker.Check(ctx, req, false)
		require.NoError(t, err)
		require.False(t, result.Rejected())
		require.NotNil(t, result.Reservation)
	}

	result, err := checker.Check(ctx, req, false)
	require.NoError(t, err)
	require.True(t, result.Rejected())
	assert.Equal(t, constants.ReasonUsageLimitExhausted, result.Rejections[0].Code)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.Nil(t, result.Reservation)
}

func TestQuotaChecker_AccountScope(t *testing.T) {
	checker := newQuotaChecker(t, constants.QuotaScopeAccount, 10, 1)
	ctx := context.Background()
	req := testRequest(100)

	result, err := checker.Check(ctx, req, false)
	require.NoError(t, err)
	require.False(t, result.Rejected())

	result, err = checker.Check(ctx, req, false)
	require.NoError(t, err)
	require.True(t, result.Rejected())
	assert.Equal(t, constants.ReasonAccountLimitExhausted, result.Rejections[0].Code)
}

func TestQuotaChecker_DryRunDoesNotReserve(t *testing.T) {
	checker := newQuotaChecker(t, constants.QuotaScopeIP, 1, 10)
	ctx := context.Background()
	req := testRequest(100)

	// Repeated dry runs never consume quota.
	for i := 0; i < 5; i++ {
		result, err := checker.Check(ctx, req, true)
		require.NoError(t, err)
		assert.False(t, result.Rejected())
		assert.Nil(t, result.Reservation)
	}

	// The allowance is still fully available.
	result, err := checker.Check(ctx, req, false)
	require.NoError(t, err)
	assert.False(t, result.Rejected())
}

func TestQuotaChecker_DryRunReportsExhaustionWithRetryAfter(t *testing.T) {
	store := memory.NewQuotaStore(time.Minute, logger.NewNoopLogger())
	limits := func() *config.QuotaConfig {
		return &config.QuotaConfig{
			PerIPLimit:      1,
			PerAccountLimit: 10,
			Window:          time.Hour,
		}
	}
	checker := admission.NewQuotaChecker(store, constants.QuotaScopeIP, limits, monitoring.NewMetricsWith(prometheus.NewRegistry()), logger.NewNoopLogger())
	ctx := context.Background()
	req := testRequest(100)

	// Consume and commit the whole allowance.
	result, err := checker.Check(ctx, req, false)
	require.NoError(t, err)
	require.NotNil(t, result.Reservation)
	require.NoError(t, store.Resolve(ctx, result.Reservation, models.ResolutionCommit))

	// The dry run sees the committed usage and hints at the window reset.
	result, err = checker.Check(ctx, req, true)
	require.NoError(t, err)
	require.True(t, result.Rejected())
	assert.Equal(t, constants.ReasonUsageLimitExhausted, result.Rejections[0].Code)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, result.RetryAfter, time.Hour)
	assert.Nil(t, result.Reservation)
}

func TestAuthTokenBypasser(t *testing.T) {
	cfg := &config.BypassConfig{
		AuthTokens: []string{"trusted-token"},
		JWTSecret:  "jwt-secret",
	}
	bypasser := admission.NewAuthTokenBypasser(cfg, logger.NewNoopLogger())
	ctx := context.Background()

	req := testRequest(100)
	granted, err := bypasser.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.False(t, granted)

	req.AuthToken = "trusted-token"
	granted, err = bypasser.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.True(t, granted)

	// A valid HMAC JWT with the bypass claim also qualifies.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tap:bypass": true,
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("jwt-secret"))
	require.NoError(t, err)

	req.AuthToken = signed
	granted, err = bypasser.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.True(t, granted)

	// A JWT signed with the wrong secret does not.
	forged, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	req.AuthToken = forged
	granted, err = bypasser.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestIPAllowlistBypasser(t *testing.T) {
	bypasser, err := admission.NewIPAllowlistBypasser([]string{"10.0.0.0/8"}, logger.NewNoopLogger())
	require.NoError(t, err)
	ctx := context.Background()

	req := testRequest(100)
	granted, err := bypasser.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.False(t, granted)

	req.SourceIP = "10.1.2.3"
	granted, err = bypasser.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.True(t, granted)
}
