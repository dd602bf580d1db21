package protection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/opsmux/guardrail/internal/dedup"
	"github.com/opsmux/guardrail/internal/observability"
	"github.com/opsmux/guardrail/internal/timeout"
	pkgerrors "github.com/opsmux/guardrail/pkg/errors"
)

// maxInspectedBody caps how much request body the fingerprinter reads.
const maxInspectedBody = 1 << 20

// Protection response headers.
const (
	HeaderDecision     = "X-Protection-Decision"
	HeaderRiskLevel    = "X-Risk-Level"
	HeaderConfidence   = "X-Protection-Confidence"
	HeaderRestrictions = "X-Protection-Restrictions"
)

// denialBody is the JSON error shape returned on every denial.
type denialBody struct {
	ErrorType     string   `json:"error_type"`
	Message       string   `json:"message"`
	ErrorCode     string   `json:"error_code"`
	CorrelationID string   `json:"correlation_id"`
	Timestamp     string   `json:"timestamp"`
	RetryAfter    *int64   `json:"retry_after,omitempty"`
	Suggestions   []string `json:"suggestions"`
}

// Middleware wraps a handler with the full protection pipeline.
func (co *Coordinator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := co.buildRequest(r)
		decision := co.CheckRequest(r.Context(), req)

		w.Header().Set(observability.CorrelationIDHeader, decision.CorrelationID)
		annotate(w, decision)

		// Duplicates answer 200 either way: a cached body is replayed
		// verbatim, otherwise a stock notice stands in for it. The caller
		// cannot tell which layer produced the response.
		if decision.Dedup != nil && decision.Dedup.IsDuplicate {
			w.Header().Set(HeaderDecision, "duplicate_served")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			if decision.Dedup.CachedResponse != nil {
				_, _ = w.Write(decision.Dedup.CachedResponse)
			} else {
				_, _ = io.WriteString(w, dedup.DuplicateNotice)
			}
			co.OnResponse(r.Context(), req, decision, Completion{StatusCode: http.StatusOK, Replayed: true})
			return
		}

		if !decision.Allowed {
			co.writeDenial(w, decision)
			co.OnResponse(r.Context(), req, decision, Completion{
				StatusCode: denialStatus(decision),
			})
			return
		}

		rec := &responseRecorder{
			ResponseWriter: w,
			status:         http.StatusOK,
			captureBody:    co.dedup.CachesResponses(req.Endpoint),
		}

		// The upstream call runs under the agent-total budget so the
		// timeout manager tracks it and the watchdog can reap it.
		start := time.Now()
		err := co.timeouts.Run(r.Context(), timeout.OpAgentTotal, co.settings.Timeouts.AgentTotal,
			func(ctx context.Context) error {
				next.ServeHTTP(rec, r.WithContext(ctx))
				return nil
			})

		var perr *pkgerrors.ProtectionError
		if errors.As(err, &perr) && !rec.wroteHeader {
			// Deadline hit before the upstream wrote anything; answer
			// with the standard timeout denial.
			decision.Err = perr
			decision.Reason = perr.Type
			rec.Header().Set(HeaderDecision, perr.Type)
			co.writeDenial(rec, decision)
		}

		co.OnResponse(r.Context(), req, decision, Completion{
			StatusCode: rec.status,
			Latency:    time.Since(start),
			Body:       rec.body.Bytes(),
		})
	})
}

func (co *Coordinator) buildRequest(r *http.Request) Request {
	var body []byte
	if r.Body != nil && r.Method != http.MethodGet {
		limited := io.LimitReader(r.Body, maxInspectedBody)
		body, _ = io.ReadAll(limited)
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	}

	return Request{
		Identity:    ResolveIdentity(r),
		Method:      r.Method,
		Endpoint:    r.URL.Path,
		Body:        body,
		Query:       r.URL.Query(),
		Headers:     r.Header,
		ContentType: r.Header.Get("Content-Type"),
		PayloadSize: len(body),
		ReceivedAt:  time.Now(),
	}
}

// annotate sets the decision headers on the outgoing response.
func annotate(w http.ResponseWriter, decision Decision) {
	h := w.Header()
	if decision.Allowed {
		h.Set(HeaderDecision, "allow")
	} else {
		h.Set(HeaderDecision, decision.Reason)
	}
	h.Set(HeaderRiskLevel, string(decision.RiskLevel))
	h.Set(HeaderConfidence, fmt.Sprintf("%.2f", decision.Confidence))
	if len(decision.Restrictions) > 0 {
		h.Set(HeaderRestrictions, strings.Join(decision.Restrictions, ","))
	}

	if rl := decision.RateLimit; rl != nil && rl.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(rl.Remaining, 10))
	}
}

func denialStatus(decision Decision) int {
	if decision.Err != nil {
		return decision.Err.HTTPStatusCode()
	}
	return http.StatusForbidden
}

// writeDenial emits the standard denial response.
func (co *Coordinator) writeDenial(w http.ResponseWriter, decision Decision) {
	status := denialStatus(decision)

	var retryAfter *int64
	if decision.RetryAfter > 0 {
		secs := int64(decision.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		retryAfter = &secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	} else if decision.Err != nil && decision.Err.RetryAfter > 0 {
		secs := int64(decision.Err.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		retryAfter = &secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}

	errType := pkgerrors.TypeRiskDenied
	message := "request denied"
	if decision.Err != nil {
		errType = decision.Err.Type
		message = decision.Err.Message
	}

	body := denialBody{
		ErrorType:     errType,
		Message:       message,
		ErrorCode:     errorCode(errType, status),
		CorrelationID: decision.CorrelationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		RetryAfter:    retryAfter,
		Suggestions:   suggestionsFor(errType),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorCode(errType string, status int) string {
	return fmt.Sprintf("GR-%d-%s", status, strings.ToUpper(errType))
}

// suggestionsFor keeps denial messages actionable without revealing
// which protection layer fired.
func suggestionsFor(errType string) []string {
	switch errType {
	case pkgerrors.TypeRateLimit, pkgerrors.TypeAnomalyThrottled, pkgerrors.TypeCircuitThrottled:
		return []string{
			"Wait for the time given in Retry-After before retrying",
			"Reduce the rate of requests from this session",
		}
	case pkgerrors.TypeDuplicate:
		return []string{
			"Your previous identical request is still being processed",
			"Wait for the original request to complete instead of resubmitting",
		}
	case pkgerrors.TypeCircuitOpen, pkgerrors.TypeDependencyFailure:
		return []string{
			"The service is recovering, try again shortly",
			"Contact support with the correlation id if this persists",
		}
	case pkgerrors.TypeReputationBlocked, pkgerrors.TypeRiskDenied:
		return []string{
			"Contact support with the correlation id to review this decision",
		}
	default:
		return []string{
			"Retry the request",
			"Contact support with the correlation id if this persists",
		}
	}
}

// responseRecorder captures status and optionally the body for dedup
// replay.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	captureBody bool
	body        bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if r.captureBody && r.body.Len()+len(b) <= maxInspectedBody {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}
