package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// PushClient posts FCM HTTP v1 style messages, one per device token. Calls go
// through a circuit breaker and are retried on network errors and 5xx.
type PushClient struct {
	endpoint        string
	key             string
	client          *http.Client
	breaker         *gobreaker.CircuitBreaker[struct{}]
	maxRetries      uint64
	initialInterval time.Duration
}

type PushClientConfig struct {
	Endpoint        string
	Key             string
	Timeout         time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
}

// rejectedError is a 4xx answer: the token or payload is bad, retrying won't help.
type rejectedError struct{ status int }

func (e *rejectedError) Error() string { return fmt.Sprintf("push rejected: %s", http.StatusText(e.status)) }

func NewPushClient(cfg PushClientConfig) *PushClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "push",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		IsSuccessful: func(err error) bool {
			var rej *rejectedError
			return err == nil || errors.As(err, &rej)
		},
	})
	return &PushClient{
		endpoint:        cfg.Endpoint,
		key:             cfg.Key,
		client:          &http.Client{Timeout: cfg.Timeout},
		breaker:         breaker,
		maxRetries:      cfg.MaxRetries,
		initialInterval: cfg.InitialInterval,
	}
}

type fcmMessage struct {
	Message fcmBody `json:"message"`
}

type fcmBody struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (p *PushClient) SendToTokens(ctx context.Context, tokens []string, title, body string, data map[string]string) ([]PushResult, error) {
	results := make([]PushResult, 0, len(tokens))
	var errs []error
	for _, tok := range tokens {
		err := p.send(ctx, fcmMessage{Message: fcmBody{
			Token:        tok,
			Notification: fcmNotification{Title: title, Body: body},
			Data:         data,
		}})
		results = append(results, PushResult{Token: tok, Err: err})
		if err != nil {
			errs = append(errs, fmt.Errorf("token %s: %w", tokenSuffix(tok), err))
		}
	}
	return results, errors.Join(errs...)
}

func (p *PushClient) send(ctx context.Context, msg fcmMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.initialInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, p.maxRetries), ctx)

	return backoff.Retry(func() error {
		_, err := p.breaker.Execute(func() (struct{}, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(b))
			if err != nil {
				return struct{}{}, err
			}
			req.Header.Set("Content-Type", "application/json")
			if p.key != "" {
				req.Header.Set("Authorization", "Bearer "+p.key)
			}
			resp, err := p.client.Do(req)
			if err != nil {
				return struct{}{}, err
			}
			resp.Body.Close()
			switch {
			case resp.StatusCode >= 500:
				return struct{}{}, fmt.Errorf("push server error: %s", resp.Status)
			case resp.StatusCode >= 400:
				return struct{}{}, &rejectedError{status: resp.StatusCode}
			}
			return struct{}{}, nil
		})
		var rej *rejectedError
		if errors.As(err, &rej) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func tokenSuffix(tok string) string {
	if len(tok) <= 4 {
		return tok
	}
	return "..." + tok[len(tok)-4:]
}
