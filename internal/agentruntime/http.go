package agentruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/coderaugment/bonsai-app-sub000/internal/agentruntime"

// HTTPClient posts dispatches as JSON to {baseURL}/dispatch. A 429 answer is
// a cooldown rejection, not an error.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	tracer  trace.Tracer
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		tracer:  otel.Tracer(tracerName),
	}
}

func (c *HTTPClient) Dispatch(ctx context.Context, req Request) (Response, error) {
	ctx, span := c.tracer.Start(ctx, "agentruntime.dispatch", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bonsai.ticket_id", req.TicketID),
			attribute.String("bonsai.target", req.Target.String()),
			attribute.Bool("bonsai.conversational", req.Conversational),
		))
	defer span.End()

	resp, err := c.dispatch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	span.SetAttributes(
		attribute.String("bonsai.accepted_persona", resp.AcceptedPersona),
		attribute.Bool("bonsai.rejected_cooldown", resp.RejectedCooldown),
	)
	return resp, nil
}

func (c *HTTPClient) dispatch(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode dispatch: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/dispatch", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	res, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, res.Body)
		return Response{RejectedCooldown: true}, nil
	case res.StatusCode == http.StatusNoContent:
		return Response{}, nil
	case res.StatusCode >= 500:
		return Response{}, fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	case res.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return Response{}, fmt.Errorf("agentruntime: dispatch rejected with status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil && err != io.EOF {
		return Response{}, fmt.Errorf("decode dispatch response: %w", err)
	}
	return out, nil
}
