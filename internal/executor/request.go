package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

var (
	errMissingCredentials = errors.New("missing credentials")
	errMissingSecret      = errors.New("signature required but target has no secret")
)

// resolveURL joins an API target's base URL with the payload path and
// rejects anything that is not an absolute http(s) URL.
func resolveURL(target delivery.Target, p delivery.Payload) (string, error) {
	raw := target.URL
	if p.Path != "" {
		raw = strings.TrimRight(raw, "/") + "/" + strings.TrimLeft(p.Path, "/")
	}
	return validateURL(raw)
}

func validateURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("malformed url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("malformed url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("malformed url %q: missing host", raw)
	}
	return u.String(), nil
}

func (e *Executor) buildRequest(ctx context.Context, target delivery.Target, p delivery.Payload, corrID string, opts Options) (*http.Request, delivery.ErrorKind, error) {
	u, err := resolveURL(target, p)
	if err != nil {
		return nil, delivery.ErrorConfiguration, err
	}
	if len(p.Body) > 0 && !json.Valid(p.Body) {
		return nil, delivery.ErrorSerialization, errors.New("serialization: payload body is not valid JSON")
	}

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, u, newBody(p.Body))
	if err != nil {
		return nil, delivery.ErrorConfiguration, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range target.DefaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderCorrelationID, corrID)
	if opts.DeliveryID != "" {
		req.Header.Set(HeaderDeliveryID, opts.DeliveryID)
	}
	req.Header.Set(HeaderAttempt, attemptHeader(opts.Attempt))

	if err := e.applyAuth(req.Header, target, p.Body); err != nil {
		return nil, delivery.ErrorConfiguration, err
	}

	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set(HeaderTraceID, traceID)
	}
	tracing.InjectHTTP(ctx, req.Header)
	return req, delivery.ErrorNone, nil
}

// applyAuth sets the target's credentials. Webhook targets with signature
// validation are signed even when their auth scheme is something else.
func (e *Executor) applyAuth(h http.Header, target delivery.Target, body []byte) error {
	a := target.Auth
	switch a.Scheme {
	case "", delivery.AuthNone, delivery.AuthHMAC:
	case delivery.AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("bearer auth: %w", errMissingCredentials)
		}
		h.Set("Authorization", "Bearer "+a.Token)
	case delivery.AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("basic auth: %w", errMissingCredentials)
		}
		cred := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		h.Set("Authorization", "Basic "+cred)
	case delivery.AuthAPIKey:
		if a.APIKey == "" {
			return fmt.Errorf("api key auth: %w", errMissingCredentials)
		}
		name := a.Header
		if name == "" {
			name = delivery.DefaultAPIKeyHeader
		}
		h.Set(name, a.APIKey)
	default:
		return fmt.Errorf("unknown auth scheme %q", a.Scheme)
	}

	if a.Scheme == delivery.AuthHMAC || target.SignatureValidation {
		if target.Secret == "" {
			return errMissingSecret
		}
		name := target.SignatureHeader
		if name == "" {
			name = e.signatureHeader
		}
		h.Set(name, signing.Sign(body, target.Secret))
	}
	return nil
}
