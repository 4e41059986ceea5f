package llmclassify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

// HTTPProvider speaks the engine's minimal provider contract over HTTP: one
// POST per batch carrying the PII-safe request items, a JSON array back whose
// i-th element is the i-th signature's classification. Provider-specific wire
// protocols sit behind a gateway exposing this shape; the engine itself only
// knows the request contract, the error taxonomy, and the response schema.
type HTTPProvider struct {
	Endpoint     string
	APIKey       string
	Model        string
	ProviderName string
	Client       *http.Client
	Timeout      time.Duration
}

// Name implements Provider.
func (p *HTTPProvider) Name() string {
	if p.ProviderName == "" {
		return "http"
	}
	return p.ProviderName
}

type httpRequestBody struct {
	Model string        `json:"model"`
	Items []RequestItem `json:"items"`
}

type httpResponseItem struct {
	URLSignature   string                       `json:"url_signature"`
	ServiceName    string                       `json:"service_name"`
	Category       string                       `json:"category"`
	UsageType      string                       `json:"usage_type"`
	RiskLevel      string                       `json:"risk_level"`
	Confidence     float64                      `json:"confidence"`
	RationaleShort string                       `json:"rationale_short"`
	Taxonomy       contracts.TaxonomyAssignment `json:"taxonomy"`
}

// ClassifyBatch implements Provider. Transport failures and non-2xx statuses
// are translated into the provider error taxonomy so the classifier's retry
// policy applies without knowing anything HTTP-shaped.
func (p *HTTPProvider) ClassifyBatch(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	model := req.Model
	if model == "" {
		model = p.Model
	}
	body, err := json.Marshal(httpRequestBody{Model: model, Items: req.Items})
	if err != nil {
		return BatchResponse{}, &ProviderError{Code: ErrInvalidRequest, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return BatchResponse{}, &ProviderError{Code: ErrInvalidRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return BatchResponse{}, transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return BatchResponse{}, statusError(resp)
	}

	var items []httpResponseItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return BatchResponse{}, &ProviderError{Code: ErrJSONSchema, Message: fmt.Sprintf("decode response: %v", err)}
	}

	out := BatchResponse{Items: make([]RawClassification, 0, len(items))}
	for _, it := range items {
		out.Items = append(out.Items, RawClassification{
			URLSignature:   it.URLSignature,
			ServiceName:    it.ServiceName,
			Category:       it.Category,
			UsageType:      it.UsageType,
			RiskLevel:      it.RiskLevel,
			Confidence:     it.Confidence,
			RationaleShort: it.RationaleShort,
			Taxonomy:       it.Taxonomy,
		})
	}
	return out, nil
}

func transportError(err error) *ProviderError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ProviderError{Code: ErrTimeout, Message: err.Error()}
	}
	return &ProviderError{Code: ErrNetwork, Message: err.Error()}
}

func statusError(resp *http.Response) *ProviderError {
	msg := fmt.Sprintf("http %d", resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &ProviderError{Code: ErrAuthentication, Message: msg}
	case http.StatusForbidden:
		return &ProviderError{Code: ErrInvalidAPIKey, Message: msg}
	case http.StatusRequestEntityTooLarge:
		return &ProviderError{Code: ErrContextLengthExceeded, Message: msg}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &ProviderError{Code: ErrInvalidRequest, Message: msg}
	case http.StatusTooManyRequests:
		return &ProviderError{Code: ErrRateLimit, Message: msg, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	default:
		if resp.StatusCode >= 500 {
			return &ProviderError{Code: ErrServer, Message: msg}
		}
		return &ProviderError{Code: ErrInvalidRequest, Message: msg}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
