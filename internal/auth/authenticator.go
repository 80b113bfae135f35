package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/pkg/jwt"
)

const (
	headerAuthorization = "Authorization"
	headerProtocol      = "Sec-WebSocket-Protocol"
	bearerPrefix        = "Bearer "
	queryToken          = "token"

	// SubprotocolBearer is echoed back when the credential arrived as
	// "Sec-WebSocket-Protocol: bearer, <token>"; browsers cannot set headers.
	SubprotocolBearer = "bearer"
)

// Issuer verifies a credential and returns the identity it vouches for.
type Issuer interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// JWTIssuer verifies locally signed HS256 tokens.
type JWTIssuer struct {
	manager *jwt.Manager
}

func NewJWTIssuer(manager *jwt.Manager) *JWTIssuer {
	return &JWTIssuer{manager: manager}
}

func (i *JWTIssuer) Verify(ctx context.Context, token string) (domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Identity{}, err
	}
	claims, err := i.manager.ValidateToken(token)
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// Result of a successful handshake.
type Result struct {
	Identity    domain.Identity
	Subprotocol string
}

// Authenticator turns a connection attempt into an identity. It holds no
// per-request state and is safe for concurrent use.
type Authenticator struct {
	issuer  Issuer
	timeout time.Duration
}

func NewAuthenticator(issuer Issuer, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Authenticator{issuer: issuer, timeout: timeout}
}

// Authenticate extracts the credential from r and verifies it within the
// handshake timeout. Every failure is a *domain.AuthenticationError.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	token, subprotocol := ExtractCredential(r)
	if token == "" {
		return nil, domain.NewAuthenticationError(domain.ReasonMissingCredential, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type verified struct {
		id  domain.Identity
		err error
	}
	// Buffered so the verifier goroutine can always finish and exit even
	// after we stopped waiting.
	ch := make(chan verified, 1)
	go func() {
		id, err := a.issuer.Verify(ctx, token)
		ch <- verified{id: id, err: err}
	}()

	select {
	case v := <-ch:
		if v.err != nil {
			if errors.Is(v.err, context.DeadlineExceeded) {
				return nil, domain.NewAuthenticationError(domain.ReasonTimedOut, v.err)
			}
			return nil, domain.NewAuthenticationError(domain.ReasonInvalidCredential, v.err)
		}
		if v.id.UserID == "" {
			return nil, domain.NewAuthenticationError(domain.ReasonInvalidCredential, jwt.ErrInvalidToken)
		}
		return &Result{Identity: v.id, Subprotocol: subprotocol}, nil
	case <-ctx.Done():
		return nil, domain.NewAuthenticationError(domain.ReasonTimedOut, ctx.Err())
	}
}

// ExtractCredential looks for a bearer token in the Authorization header,
// the token query parameter and the WebSocket subprotocol list, in that
// order. subprotocol is non-empty only for the last source.
func ExtractCredential(r *http.Request) (token, subprotocol string) {
	if h := r.Header.Get(headerAuthorization); strings.HasPrefix(h, bearerPrefix) {
		if t := strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix)); t != "" {
			return t, ""
		}
	}

	if t := strings.TrimSpace(r.URL.Query().Get(queryToken)); t != "" {
		return t, ""
	}

	var protocols []string
	for _, h := range r.Header.Values(headerProtocol) {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	for i := 0; i+1 < len(protocols); i++ {
		if strings.EqualFold(protocols[i], SubprotocolBearer) {
			return protocols[i+1], SubprotocolBearer
		}
	}

	return "", ""
}
