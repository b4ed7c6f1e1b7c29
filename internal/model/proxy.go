// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx           context.Context
	RequestID     string
	Method        string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Stage marks how far an inbound connection got through the pipeline.
type Stage string

const (
	StageReceived         Stage = "received"
	StageRateChecked      Stage = "rate_checked"
	StageHeadersRewritten Stage = "headers_rewritten"
	StageValidated        Stage = "validated"
	StageForwarding       Stage = "forwarding"
	StageClosed           Stage = "closed"
	StageFailed           Stage = "failed"
)
