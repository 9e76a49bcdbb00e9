package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ambiyansyah-risyal/kurir"
)

const maxRequestBody = 8 << 20

// FetchRequest is the body of POST /v1/fetch.
type FetchRequest struct {
	Identifier   string            `json:"identifier"`
	Method       string            `json:"method,omitempty"`
	Header       map[string]string `json:"header,omitempty"`
	Body         []byte            `json:"body,omitempty"`
	Timeout      string            `json:"timeout,omitempty"`
	ForceRefresh bool              `json:"force_refresh,omitempty"`
}

// FetchResponse is the body of a successful fetch.
type FetchResponse struct {
	Identifier string              `json:"identifier"`
	Status     int                 `json:"status"`
	Header     map[string][]string `json:"header,omitempty"`
	Payload    []byte              `json:"payload"`
	FetchedAt  time.Time           `json:"fetched_at"`
	TTLSeconds float64             `json:"ttl_seconds"`
	Attempts   int                 `json:"attempts"`
	RequestID  string              `json:"request_id"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Transient bool   `json:"transient"`
}

// PolicyResponse lists the active routes.
type PolicyResponse struct {
	Default kurir.PolicyRoute   `json:"default"`
	Routes  []kurir.PolicyRoute `json:"routes"`
}

// ResolveResponse explains how one identifier resolves.
type ResolveResponse struct {
	Identifier string            `json:"identifier"`
	Matched    bool              `json:"matched"`
	Prefix     string            `json:"prefix,omitempty"`
	Decision   kurir.PolicyRoute `json:"decision"`
	Rewritten  string            `json:"rewritten,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		_ = c.Error(err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json; charset=utf-8", data)
}

func respondWithError(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	writeJSON(c, status, ErrorResponse{
		Error:     err.Error(),
		Kind:      kurir.ErrorKind(err),
		Transient: kurir.IsTransient(err),
	})
}

// statusFor maps a pipeline error to the HTTP status returned to the caller.
func statusFor(err error) int {
	var fe *kurir.FetchError
	switch {
	case errors.Is(err, kurir.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, kurir.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, kurir.ErrThrottleTimeout):
		return http.StatusTooManyRequests
	case errors.Is(err, kurir.ErrCircuitOpen), errors.Is(err, kurir.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, kurir.ErrFetchExhausted):
		return http.StatusBadGateway
	case errors.As(err, &fe):
		if fe.Kind == kurir.KindNotFound {
			return http.StatusNotFound
		}
		if fe.Kind == kurir.KindTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.Is(err, kurir.ErrVerification), errors.Is(err, kurir.ErrDecode):
		return http.StatusBadGateway
	default:
		return http.StatusGatewayTimeout
	}
}

func (s *Server) fetch(c *gin.Context) {
	var req FetchRequest
	dec := json.NewDecoder(io.LimitReader(c.Request.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, &kurir.DecodeError{Reason: "invalid request body", Cause: err})
		return
	}

	requestID := c.GetHeader(kurir.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header(kurir.RequestIDHeader, requestID)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	opts := []kurir.SubmitOption{kurir.WithMethod(method), kurir.WithRequestID(requestID)}
	for k, v := range req.Header {
		opts = append(opts, kurir.WithHeader(k, v))
	}
	if req.Body != nil {
		opts = append(opts, kurir.WithBody(req.Body))
	}
	if req.ForceRefresh {
		opts = append(opts, kurir.WithForceRefresh())
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			respondWithError(c, http.StatusBadRequest, &kurir.DecodeError{Reason: "invalid timeout " + strconv.Quote(req.Timeout), Cause: err})
			return
		}
		opts = append(opts, kurir.WithTimeout(d))
	}

	res, err := s.pipeline.Submit(c.Request.Context(), req.Identifier, opts...)
	if err != nil {
		var open *kurir.CircuitOpenError
		if errors.As(err, &open) {
			if wait := time.Until(open.RetryAt); wait > 0 {
				c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			}
		}
		respondWithError(c, statusFor(err), err)
		return
	}

	writeJSON(c, http.StatusOK, FetchResponse{
		Identifier: res.Identifier.String(),
		Status:     res.Status,
		Header:     res.Header,
		Payload:    res.Payload,
		FetchedAt:  res.FetchedAt,
		TTLSeconds: res.TTL.Seconds(),
		Attempts:   res.Attempts,
		RequestID:  requestID,
	})
}

func (s *Server) policy(c *gin.Context) {
	trie := s.pipeline.Policy()
	entries := trie.Entries()
	resp := PolicyResponse{
		Default: kurir.NewPolicyRoute(kurir.RouteEntry{Decision: trie.Default()}),
		Routes:  make([]kurir.PolicyRoute, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Routes = append(resp.Routes, kurir.NewPolicyRoute(e))
	}
	writeJSON(c, http.StatusOK, resp)
}

func (s *Server) resolve(c *gin.Context) {
	id, err := kurir.Canonicalize(c.Query("identifier"))
	if err != nil {
		respondWithError(c, statusFor(err), err)
		return
	}
	res := s.pipeline.Policy().Resolve(id)
	resp := ResolveResponse{
		Identifier: id.String(),
		Matched:    res.Matched,
		Prefix:     res.Prefix,
		Decision:   kurir.NewPolicyRoute(kurir.RouteEntry{Prefix: res.Prefix, Decision: res.Decision}),
	}
	if res.Decision.Action == kurir.ActionTransform {
		rewritten, err := res.Rewrite(id)
		if err != nil {
			respondWithError(c, statusFor(err), err)
			return
		}
		resp.Rewritten = rewritten.String()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (s *Server) invalidate(c *gin.Context) {
	if err := s.pipeline.Invalidate(c.Request.Context(), c.Query("identifier")); err != nil {
		respondWithError(c, statusFor(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) health(c *gin.Context) {
	breakers := make(map[string]string)
	for bucket, state := range s.pipeline.Fetcher().Breakers().States() {
		breakers[bucket] = state.String()
	}
	writeJSON(c, http.StatusOK, gin.H{
		"status":           "ok",
		"version":          kurir.GetVersionInfo(),
		"cache_entries":    s.pipeline.Cache().Len(),
		"throttle_buckets": s.pipeline.Governor().Len(),
		"breakers":         breakers,
	})
}
