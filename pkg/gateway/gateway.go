// Package gateway is the entry point for client-issued intents: it
// validates intent shape and payload, applies admission rules and rate
// limits, and hands accepted intents to the saga engine.
package gateway

import (
	"context"
	"log/slog"

	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
	"github.com/meridianlabs/conductor/pkg/guard"
	"github.com/meridianlabs/conductor/pkg/observability"
	"github.com/meridianlabs/conductor/pkg/saga"
)

// IntentRequest is the wire shape of an intent submission.
type IntentRequest struct {
	IntentType string `json:"intent_type"`
	Realm      string `json:"realm"`
	SessionID  string `json:"session_id"`
	TenantID   string `json:"tenant_id"`
	Payload    []byte `json:"payload,omitempty"`
}

// SubmitResponse acknowledges an accepted intent.
type SubmitResponse struct {
	ExecutionID string `json:"execution_id"`
}

// Gateway validates and admits intents.
type Gateway struct {
	engine    *saga.Engine
	schemas   *SchemaRegistry
	admission *AdmissionEvaluator
	limiter   TenantLimiter
	telemetry *observability.Provider
	logger    *slog.Logger
}

// New creates a gateway. admission and telemetry may be nil; limiter
// defaults to NopLimiter.
func New(engine *saga.Engine, schemas *SchemaRegistry, admission *AdmissionEvaluator, limiter TenantLimiter, telemetry *observability.Provider, logger *slog.Logger) *Gateway {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	if limiter == nil {
		limiter = NopLimiter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		engine:    engine,
		schemas:   schemas,
		admission: admission,
		limiter:   limiter,
		telemetry: telemetry,
		logger:    logger,
	}
}

// Submit validates the request and hands it to the saga engine. The intent
// is consumed exactly once: acceptance returns the execution id, rejection
// returns a classified fault and nothing is committed.
func (g *Gateway) Submit(ctx context.Context, p guard.Principal, req IntentRequest) (SubmitResponse, error) {
	resp, err := g.submit(ctx, p, req)
	if g.telemetry != nil {
		g.telemetry.RecordIntent(ctx, req.TenantID, err == nil)
		if err != nil {
			g.telemetry.RecordFault(ctx, string(faults.KindOf(err)))
		}
	}
	return resp, err
}

func (g *Gateway) submit(ctx context.Context, p guard.Principal, req IntentRequest) (SubmitResponse, error) {
	if err := guard.CheckTenant(p, req.TenantID); err != nil {
		return SubmitResponse{}, err
	}

	intent := contracts.Intent{
		IntentType: contracts.IntentType(req.IntentType),
		Realm:      req.Realm,
		SessionID:  req.SessionID,
		TenantID:   req.TenantID,
		Payload:    req.Payload,
	}
	if !intent.IntentType.Known() {
		return SubmitResponse{}, faults.Validation("unknown intent type %q", req.IntentType)
	}
	if intent.Realm == "" {
		return SubmitResponse{}, faults.Validation("intent requires realm")
	}
	if intent.SessionID == "" {
		return SubmitResponse{}, faults.Validation("intent requires session_id")
	}

	if err := g.schemas.Validate(intent.IntentType, intent.Payload); err != nil {
		return SubmitResponse{}, err
	}
	if g.admission != nil {
		if err := g.admission.Admit(p, intent); err != nil {
			return SubmitResponse{}, err
		}
	}

	allowed, err := g.limiter.Allow(ctx, req.TenantID)
	if err != nil {
		return SubmitResponse{}, err
	}
	if !allowed {
		return SubmitResponse{}, faults.Transient(nil, "tenant %s intent rate exceeded", req.TenantID)
	}

	executionID, err := g.engine.Submit(ctx, p, intent)
	if err != nil {
		return SubmitResponse{}, err
	}

	g.logger.Info("intent accepted",
		"tenant_id", req.TenantID, "intent_type", req.IntentType, "execution_id", executionID)
	return SubmitResponse{ExecutionID: executionID}, nil
}

// ExecutionStatus polls an execution by id; a pure read against the state
// surface.
func (g *Gateway) ExecutionStatus(ctx context.Context, p guard.Principal, tenantID, executionID string) (contracts.Execution, error) {
	return g.engine.Status(ctx, p, tenantID, executionID)
}

// CancelExecution requests cancellation of a running execution.
func (g *Gateway) CancelExecution(ctx context.Context, p guard.Principal, tenantID, executionID string) error {
	return g.engine.Cancel(ctx, p, tenantID, executionID)
}
