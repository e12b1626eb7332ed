package reasoning

import (
	"context"
	"encoding/json"
	"errors"
)

type Kind string

const (
	KindInitialAnalysis   Kind = "initial_analysis"
	KindDeepInvestigation Kind = "deep_investigation"
	KindClosureReport     Kind = "closure_report"
)

var (
	// ErrUnavailable covers transport failures, timeouts and a missing endpoint.
	ErrUnavailable = errors.New("reasoning service unavailable")
	// ErrMalformed means the service answered but not with a JSON object.
	ErrMalformed = errors.New("reasoning output malformed")
)

// Context carries the incident fields a prompt is rendered from.
type Context map[string]interface{}

// Generator produces structured content for one kind of enrichment.
type Generator interface {
	Generate(ctx context.Context, kind Kind, input Context) (json.RawMessage, error)
}

// Disabled is the Generator used when no endpoint is configured.
type Disabled struct{}

func (Disabled) Generate(ctx context.Context, kind Kind, input Context) (json.RawMessage, error) {
	return nil, ErrUnavailable
}
