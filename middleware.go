package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	_ http.Handler = &httpRateLimiterHandler{}
	_ Extractor    = &httpHeaderExtractor{}
	_ Checker      = &Engine{}
)

const (
	rateLimitRemaining = "X-RateLimit-Remaining"
	rateLimitReset     = "X-RateLimit-Reset"
	rateLimitSource    = "X-RateLimit-Source"
	retryAfter         = "Retry-After"
)

// Checker is the part of the Engine the middleware needs.
type Checker interface {
	Check(ctx context.Context, req Request) (Decision, error)
}

// Extractor extracts the rate limit identity from an HTTP request.
type Extractor interface {
	Extract(r *http.Request) (Request, error)
}

type httpHeaderExtractor struct {
	tenantHeader string
	tierHeader   string
	defaultTier  string
}

// Extract reads tenant and tier from headers; the resource is the method and
// path of the request.
func (h *httpHeaderExtractor) Extract(r *http.Request) (Request, error) {
	tenant := strings.TrimSpace(r.Header.Get(h.tenantHeader))
	if tenant == "" {
		return Request{}, fmt.Errorf("header %v must have a value set", h.tenantHeader)
	}

	tier := h.defaultTier
	if h.tierHeader != "" {
		if value := strings.TrimSpace(r.Header.Get(h.tierHeader)); value != "" {
			tier = value
		}
	}

	return Request{
		TenantID: tenant,
		Resource: r.Method + " " + r.URL.Path,
		Tier:     tier,
		Cost:     1,
	}, nil
}

// NewHTTPHeaderExtractor creates an Extractor reading the tenant from
// tenantHeader and the tier from tierHeader, falling back to defaultTier.
func NewHTTPHeaderExtractor(tenantHeader, tierHeader, defaultTier string) Extractor {
	return &httpHeaderExtractor{
		tenantHeader: tenantHeader,
		tierHeader:   tierHeader,
		defaultTier:  defaultTier,
	}
}

// RateLimiterConfig holds configuration for the HTTP middleware.
type RateLimiterConfig struct {
	Extractor Extractor
	Checker   Checker
	Logger    *slog.Logger
	Now       func() time.Time
}

type httpRateLimiterHandler struct {
	handler http.Handler
	config  *RateLimiterConfig
}

// NewHTTPRateLimiterHandler wraps an existing http.Handler and performs rate
// limiting before forwarding the request.
func NewHTTPRateLimiterHandler(originalHandler http.Handler, config *RateLimiterConfig) http.Handler {
	c := *config
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &httpRateLimiterHandler{
		handler: originalHandler,
		config:  &c,
	}
}

// ServeHTTP performs rate limiting and forwards the request if allowed.
func (h *httpRateLimiterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := h.config.Extractor.Extract(r)
	if err != nil {
		h.writeResponse(w, http.StatusBadRequest, "failed to extract rate limiting key from request: %v", err)
		return
	}

	dec, err := h.config.Checker.Check(r.Context(), req)
	switch {
	case errors.Is(err, ErrKeyDerivation), errors.Is(err, ErrUnknownTier), errors.Is(err, ErrInvalidCost):
		h.writeResponse(w, http.StatusBadRequest, "invalid rate limiting request: %v", err)
		return
	case err != nil:
		h.config.Logger.Error("rate limit check failed", "tenant", req.TenantID, "error", err)
		h.writeResponse(w, http.StatusInternalServerError, "failed to run rate limiting for request: %v", err)
		return
	}

	w.Header().Set(rateLimitRemaining, strconv.FormatInt(dec.Remaining, 10))
	w.Header().Set(rateLimitReset, dec.ResetAt.Format(time.RFC3339))
	w.Header().Set(rateLimitSource, string(dec.LimitedBy))

	if !dec.Allowed {
		wait := dec.RetryAfter(h.config.Now())
		w.Header().Set(retryAfter, strconv.FormatInt(int64(math.Ceil(wait.Seconds())), 10))
		h.writeResponse(w, http.StatusTooManyRequests, "you have sent too many requests to this service, slow down please")
		return
	}

	h.handler.ServeHTTP(w, r)
}

func (h *httpRateLimiterHandler) writeResponse(w http.ResponseWriter, status int, msg string, args ...interface{}) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(fmt.Sprintf(msg, args...))); err != nil {
		h.config.Logger.Warn("failed to write body to HTTP response", "error", err)
	}
}
