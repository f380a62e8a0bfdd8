// Package admission implements the bypass rules and the checker chain that
// gate funding requests before they reach the funder.
package admission

import (
	"context"
	"fmt"
	"net"

	"github.com/golang-jwt/jwt/v5"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/internal/domain/service"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

// bypassClaim is the JWT claim that marks a token as quota-exempt.
const bypassClaim = "tap:bypass"

// AuthTokenBypasser grants unconditional admission to requests carrying a
// configured bearer token, or a valid HMAC JWT with the bypass claim set.
type AuthTokenBypasser struct {
	tokens    map[string]struct{}
	jwtSecret []byte
	logger    logger.Logger
}

var _ service.Bypasser = (*AuthTokenBypasser)(nil)

// NewAuthTokenBypasser creates the bypasser from the configured credentials.
func NewAuthTokenBypasser(cfg *config.BypassConfig, log logger.Logger) *AuthTokenBypasser {
	tokens := make(map[string]struct{}, len(cfg.AuthTokens))
	for _, t := range cfg.AuthTokens {
		tokens[t] = struct{}{}
	}
	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
	}
	return &AuthTokenBypasser{
		tokens:    tokens,
		jwtSecret: secret,
		logger:    log.WithComponent("auth_token_bypasser"),
	}
}

func (b *AuthTokenBypasser) Name() string { return "auth_token" }

// Evaluate matches the request's bearer credential against the static token
// set, then falls back to JWT verification when a secret is configured.
func (b *AuthTokenBypasser) Evaluate(ctx context.Context, req *models.FundingRequest) (bool, error) {
	if req.AuthToken == "" {
		return false, nil
	}
	if _, ok := b.tokens[req.AuthToken]; ok {
		b.logger.Debug(ctx, "request bypassed via static token",
			logger.String("request_id", req.ID),
		)
		return true, nil
	}
	if len(b.jwtSecret) == 0 {
		return false, nil
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(req.AuthToken, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return b.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		// An unparseable credential is not an error, just not a bypass.
		return false, nil
	}
	granted, _ := claims[bypassClaim].(bool)
	if granted {
		b.logger.Debug(ctx, "request bypassed via jwt claim",
			logger.String("request_id", req.ID),
		)
	}
	return granted, nil
}

// IPAllowlistBypasser grants unconditional admission to requests originating
// from configured source ranges.
type IPAllowlistBypasser struct {
	networks []*net.IPNet
	logger   logger.Logger
}

var _ service.Bypasser = (*IPAllowlistBypasser)(nil)

// NewIPAllowlistBypasser parses the configured CIDRs.
func NewIPAllowlistBypasser(cidrs []string, log logger.Logger) (*IPAllowlistBypasser, error) {
	networks, err := parseCIDRs(cidrs)
	if err != nil {
		return nil, err
	}
	return &IPAllowlistBypasser{
		networks: networks,
		logger:   log.WithComponent("ip_allowlist_bypasser"),
	}, nil
}

func (b *IPAllowlistBypasser) Name() string { return "ip_allowlist" }

func (b *IPAllowlistBypasser) Evaluate(ctx context.Context, req *models.FundingRequest) (bool, error) {
	ip := net.ParseIP(req.SourceIP)
	if ip == nil {
		return false, nil
	}
	for _, n := range b.networks {
		if n.Contains(ip) {
			b.logger.Debug(ctx, "request bypassed via ip allowlist",
				logger.String("request_id", req.ID),
				logger.String("source_ip", req.SourceIP),
			)
			return true, nil
		}
	}
	return false, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			return nil, errors.ErrInvalidRequest(fmt.Sprintf("invalid cidr %q", c)).WithCause(err)
		}
		networks = append(networks, network)
	}
	return networks, nil
}
