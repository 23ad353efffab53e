package authservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/internal/job_tracer"
	"github.com/ssuji15/codemod-run/internal/util"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Authenticator resolves a bearer token to the id of the calling user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// HTTPAuthenticator asks the auth service who owns a token. The service answers
// 200 with {"userId": "..."} for a valid token and 401 or 403 otherwise.
type HTTPAuthenticator struct {
	url    string
	client *http.Client
}

func NewHTTPAuthenticator(url string) *HTTPAuthenticator {
	return &HTTPAuthenticator{
		url: url,
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type userInfo struct {
	UserID string `json:"userId"`
}

func (a *HTTPAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Auth/Authenticate")
	defer span.End()

	if token == "" {
		return "", custom_errors.ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		util.RecordSpanError(span, err)
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		util.RecordSpanError(span, err)
		return "", fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", custom_errors.ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		err := fmt.Errorf("auth service returned %d", resp.StatusCode)
		util.RecordSpanError(span, err)
		return "", err
	}

	var info userInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		util.RecordSpanError(span, err)
		return "", fmt.Errorf("invalid auth service response: %w", err)
	}
	if info.UserID == "" {
		return "", custom_errors.ErrUnauthorized
	}
	return info.UserID, nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
