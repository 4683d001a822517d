// Package ice resolves the STUN/TURN servers a caller configures its peer connection with.
package ice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/campus-signaling/config"
	"github.com/mossy-p/campus-signaling/pkg/logger"
	"github.com/mossy-p/campus-signaling/pkg/metrics"
)

const (
	defaultTimeout  = 5 * time.Second
	maxResponseBody = 1 << 20

	TierProvider = "provider"
	TierFallback = "fallback"
	TierSTUN     = "stun"
)

var requestBody = []byte(`{"format":"urls"}`)

// Resolver walks provider → fixed fallback → STUN-only. It never fails and never returns
// an empty list.
type Resolver struct {
	cfg    config.ICEConfig
	client *http.Client
	log    *zap.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithHTTPClient swaps the HTTP client used for the provider call.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		if client != nil {
			r.client = client
		}
	}
}

func NewResolver(cfg config.ICEConfig, opts ...Option) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	r := &Resolver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.WithModule("ice"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configured reports whether a credentialed provider is set up.
func (r *Resolver) Configured() bool {
	return r.cfg.Endpoint != "" && r.cfg.Username != "" && r.cfg.Credential != ""
}

// Resolve returns the servers for one call attempt.
func (r *Resolver) Resolve(ctx context.Context) []Server {
	servers, _ := r.ResolveTier(ctx)
	return servers
}

// ResolveTier is Resolve plus the tier that produced the answer.
func (r *Resolver) ResolveTier(ctx context.Context) ([]Server, string) {
	if !r.Configured() {
		metrics.ICEResolutions.WithLabelValues(TierSTUN).Inc()
		return STUNServers(), TierSTUN
	}

	servers, err := r.fetch(ctx)
	if err != nil {
		r.log.Warn("relay provider unavailable, using fallback ICE servers", zap.Error(err))
		metrics.ICEResolutions.WithLabelValues(TierFallback).Inc()
		return FallbackServers(), TierFallback
	}

	metrics.ICEResolutions.WithLabelValues(TierProvider).Inc()
	return servers, TierProvider
}

type providerResponse struct {
	V *struct {
		ICEServers []Server `json:"iceServers"`
	} `json:"v"`
}

func (r *Resolver) fetch(ctx context.Context) ([]Server, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.cfg.Endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(r.cfg.Username, r.cfg.Credential)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var body providerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if body.V == nil || len(body.V.ICEServers) == 0 {
		return nil, errors.New("provider response has no v.iceServers")
	}
	for i, server := range body.V.ICEServers {
		if len(server.URLs) == 0 {
			return nil, fmt.Errorf("provider server %d has no urls", i)
		}
	}
	return body.V.ICEServers, nil
}
