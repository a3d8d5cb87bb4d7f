package topic

import (
	"context"
	"time"
)

// EnrichRequest carries what an enricher may use to derive parameters.
type EnrichRequest struct {
	Topic    *Topic
	TenantID string
	UserID   string
	Supplied map[string]any
}

// EnrichResult holds derived parameters. MissingRequired and Warnings are
// informational; the pipeline validates the merged set itself.
type EnrichResult struct {
	Parameters      map[string]any
	MissingRequired []string
	Warnings        []string
}

// ParameterEnricher derives prompt parameters from context the caller did
// not supply (user profile, tenant settings, dates).
type ParameterEnricher interface {
	Resolve(ctx context.Context, req EnrichRequest) (*EnrichResult, error)
}

// DefaultsEnricher fills a topic's parameter defaults plus the caller's
// identity and today's date.
type DefaultsEnricher struct {
	Now func() time.Time
}

// NewDefaultsEnricher creates a DefaultsEnricher on the wall clock.
func NewDefaultsEnricher() *DefaultsEnricher {
	return &DefaultsEnricher{Now: func() time.Time { return time.Now().UTC() }}
}

// Resolve implements ParameterEnricher.
func (e *DefaultsEnricher) Resolve(ctx context.Context, req EnrichRequest) (*EnrichResult, error) {
	params := make(map[string]any)
	if req.Topic != nil {
		for k, v := range req.Topic.ParameterDefaults {
			params[k] = v
		}
	}
	params["tenant_id"] = req.TenantID
	params["user_id"] = req.UserID
	now := time.Now().UTC()
	if e.Now != nil {
		now = e.Now()
	}
	params["current_date"] = now.Format("2006-01-02")

	res := &EnrichResult{Parameters: params}
	if req.Topic != nil {
		merged := MergeParameters(params, req.Supplied)
		for _, name := range req.Topic.RequiredParameters {
			if isBlank(merged[name]) {
				res.MissingRequired = append(res.MissingRequired, name)
			}
		}
	}
	return res, nil
}
