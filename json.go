// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"k8s.io/klog/v2"
)

const (
	maxRetries    = 3
	retryBaseWait = 250 * time.Millisecond
)

// RequestOption configures one admin JSON-RPC request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	headers     http.Header
	queryParams url.Values
	client      *http.Client
}

func newRequestOptions(opts []RequestOption) *requestOptions {
	o := &requestOptions{
		headers:     http.Header{},
		queryParams: url.Values{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithHeader adds a header to the request.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		o.headers.Add(key, value)
	}
}

// WithQueryParam adds a query parameter to the request URI.
func WithQueryParam(key, value string) RequestOption {
	return func(o *requestOptions) {
		o.queryParams.Add(key, value)
	}
}

// WithHTTPClient overrides the HTTP client used for the request.
func WithHTTPClient(client *http.Client) RequestOption {
	return func(o *requestOptions) {
		o.client = client
	}
}

// newHTTPClient creates an HTTP client that does not reuse connections.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}

// SendJSONRequest performs a JSON-RPC 2.0 call against uri, retrying
// transient transport failures with exponential backoff.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params interface{},
	reply interface{},
	opts ...RequestOption,
) error {
	log := klog.FromContext(ctx).WithName("remote")
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := newRequestOptions(opts)
	target := *uri
	if len(ops.queryParams) > 0 {
		target.RawQuery = ops.queryParams.Encode()
	}
	client := ops.client
	if client == nil {
		client = newHTTPClient()
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header = ops.headers.Clone()
		request.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(request)
		if err != nil {
			lastErr = err
			retryable := isRetryableError(err)
			log.V(2).Info("admin request attempt failed", "method", method, "attempt", attempt+1, "retryable", retryable, "err", err.Error())
			if retryable {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}
		if attempt > 0 {
			log.V(2).Info("admin request succeeded after retry", "method", method, "attempt", attempt+1)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}
		err = json2.DecodeClientResponse(resp.Body, reply)
		CleanlyCloseBody(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

// InfoArgs are the arguments of Executor.Info.
type InfoArgs struct{}

// ServerInfo describes what a remote executor supports.
type ServerInfo struct {
	ProtocolVersion uint16   `json:"protocolVersion"`
	Server          string   `json:"server"`
	Devices         []string `json:"devices"`
	Opcodes         []string `json:"opcodes"`
}

// Supports reports whether the executor advertises op.
func (s *ServerInfo) Supports(op Opcode) bool {
	return slices.Contains(s.Opcodes, op.String())
}

// Compatible reports whether the executor speaks this client's protocol version.
func (s *ServerInfo) Compatible() bool {
	return s.ProtocolVersion == ProtocolVersion
}

// QueryServerInfo asks the executor's admin endpoint which protocol version
// and opcodes it supports.
func QueryServerInfo(ctx context.Context, uri string, opts ...RequestOption) (*ServerInfo, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing admin uri: %w", ErrConnection, err)
	}
	info := &ServerInfo{}
	if err := SendJSONRequest(ctx, u, "Executor.Info", &InfoArgs{}, info, opts...); err != nil {
		return nil, err
	}
	return info, nil
}
