// Package gateway is the mediation core: it ties the policy engine, token
// module, connector framework, and audit log into the Evaluate/Execute/
// approval surface a network frontend exposes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/canonicalize"
	"github.com/agentgate/agentgate/pkg/connector"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/counter"
	"github.com/agentgate/agentgate/pkg/crypto"
	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/policy"
	"github.com/agentgate/agentgate/pkg/token"
)

// Options tune gateway behavior beyond its wired dependencies.
type Options struct {
	// OverrideTokenTTL bounds issued override tokens; clamped to the token
	// module's maximum.
	OverrideTokenTTL time.Duration
	// PerOrgStreams partitions the audit chain by organization instead of
	// the single global stream.
	PerOrgStreams bool
}

// Gateway is the single-process mediation core.
type Gateway struct {
	engine    *policy.Engine
	manifests manifest.Store
	counters  counter.Store
	approvals approval.Store
	conns     *connector.Framework
	logger    *audit.Logger
	signer    crypto.Signer
	keys      *crypto.KeySet
	opts      Options
	now       func() time.Time
}

// New assembles a gateway. keys must contain the signer's public key plus any
// historical keys still needed for verification.
func New(engine *policy.Engine, manifests manifest.Store, counters counter.Store,
	approvals approval.Store, conns *connector.Framework, logger *audit.Logger,
	signer crypto.Signer, keys *crypto.KeySet, opts Options) *Gateway {
	if opts.OverrideTokenTTL <= 0 {
		opts.OverrideTokenTTL = token.MaxOverrideTTL
	}
	return &Gateway{
		engine:    engine,
		manifests: manifests,
		counters:  counters,
		approvals: approvals,
		conns:     conns,
		logger:    logger,
		signer:    signer,
		keys:      keys,
		opts:      opts,
		now:       time.Now,
	}
}

// WithClock overrides the time source for tests.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

func (g *Gateway) stream(orgID string) string {
	if g.opts.PerOrgStreams {
		return "org:" + orgID
	}
	return audit.DefaultStream
}

// Evaluate runs policy only. It performs no side effects beyond the
// idempotent approval creation on ESCALATE.
func (g *Gateway) Evaluate(ctx context.Context, ec contracts.EvalContext, a contracts.Action) (*contracts.Decision, error) {
	return g.engine.Evaluate(ctx, ec, a)
}

// Execute re-evaluates, consumes any override token, claims budget, calls
// the connector, and appends the interaction record. The record is
// authoritative even when the connector call fails; an audit append failure
// is the one fault that surfaces immediately.
func (g *Gateway) Execute(ctx context.Context, ec contracts.EvalContext, a contracts.Action) (*contracts.ExecutionOutcome, error) {
	if ec.RequestID != "" {
		prior, err := g.logger.Store().FindByRequestID(ctx, ec.RequestID)
		if err == nil {
			return &contracts.ExecutionOutcome{
				Decision: decisionFromRecord(prior),
				RecordID: prior.RecordID,
				Replayed: true,
			}, nil
		}
		if !errors.Is(err, audit.ErrNotFound) {
			return nil, policy.NewFault(contracts.ReasonStoreFault, err)
		}
	}

	d, err := g.engine.Evaluate(ctx, ec, a)
	if err != nil {
		return nil, err
	}

	if d.Outcome != contracts.OutcomeAllow {
		recordID, err := g.appendRecord(ctx, ec, a, d, nil)
		if err != nil {
			return nil, err
		}
		return &contracts.ExecutionOutcome{Decision: d, RecordID: recordID}, nil
	}

	now := g.now().UTC()

	// Override consumption is the at-most-once gate: exactly one concurrent
	// Execute flips the approval to CONSUMED.
	if d.ConsumedOverrideTokenID != "" {
		res, err := g.approvals.Consume(ctx, d.ApprovalID, token.SHA256Hex(ec.OverrideToken), now)
		if err != nil {
			return nil, policy.NewFault(contracts.ReasonStoreFault, err)
		}
		if res != approval.ConsumeOK {
			d = denyAfterAllow(d, contracts.ReasonOverrideConsumed,
				fmt.Sprintf("override token not consumable: %s", res))
			recordID, err := g.appendRecord(ctx, ec, a, d, nil)
			if err != nil {
				return nil, err
			}
			return &contracts.ExecutionOutcome{Decision: d, RecordID: recordID}, nil
		}
	}

	stored, err := g.manifests.GetActive(ctx, ec.OrgID, ec.UAPKID)
	if err != nil {
		return nil, policy.NewFault(contracts.ReasonStoreFault, err)
	}
	m := stored.Manifest

	if denied, err := g.claimBudget(ctx, ec, a, m, now); err != nil {
		return nil, err
	} else if denied {
		d = denyAfterAllow(d, contracts.ReasonBudgetExceededRace,
			"budget consumed by a concurrent execution")
		recordID, err := g.appendRecord(ctx, ec, a, d, nil)
		if err != nil {
			return nil, err
		}
		return &contracts.ExecutionOutcome{Decision: d, RecordID: recordID}, nil
	}

	spec := m.Tools[a.Tool]
	result, callErr := g.conns.Execute(ctx, a.Tool, spec, a)

	var resultValue interface{}
	switch {
	case callErr != nil:
		var cerr *contracts.ConnectorError
		if errors.As(callErr, &cerr) {
			d.Reasons = append(d.Reasons, contracts.Reason{
				Code:    cerr.Kind,
				Message: cerr.Detail,
				Details: map[string]interface{}{"reason": cerr.Reason},
			})
			resultValue = map[string]interface{}{"fault": cerr}
		} else {
			d.Reasons = append(d.Reasons, contracts.Reason{
				Code: contracts.ConnectorFaultNetwork, Message: callErr.Error(),
			})
			resultValue = map[string]interface{}{"fault": callErr.Error()}
		}
	case result != nil:
		resultValue = map[string]interface{}{
			"status":    result.Status,
			"truncated": result.Truncated,
			"ambiguous": result.Ambiguous,
			"body_hash": canonicalize.HashBytes(result.Body),
		}
	}

	recordID, err := g.appendRecord(ctx, ec, a, d, resultValue)
	if err != nil {
		return nil, err
	}

	outcome := &contracts.ExecutionOutcome{Decision: d, Result: result, RecordID: recordID}
	if callErr != nil {
		// The record already holds the fault; the caller still sees it.
		return outcome, callErr
	}
	return outcome, nil
}

// claimBudget atomically increments the typed and manifest-wide counters.
// Reports true when a concurrent execution exhausted the budget first.
func (g *Gateway) claimBudget(ctx context.Context, ec contracts.EvalContext, a contracts.Action,
	m *contracts.Manifest, now time.Time) (bool, error) {
	typed, global := policy.BudgetCaps(m, a.Type)

	if typed != (counter.Caps{}) {
		ok, err := g.counters.Increment(ctx,
			counter.Key{OrgID: ec.OrgID, UAPKID: ec.UAPKID, ActionType: a.Type}, now, typed)
		if err != nil {
			return false, policy.NewFault(contracts.ReasonStoreFault, err)
		}
		if !ok {
			return true, nil
		}
	}
	if global != (counter.Caps{}) {
		ok, err := g.counters.Increment(ctx,
			counter.Key{OrgID: ec.OrgID, UAPKID: ec.UAPKID, ActionType: counter.GlobalActionType}, now, global)
		if err != nil {
			return false, policy.NewFault(contracts.ReasonStoreFault, err)
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gateway) appendRecord(ctx context.Context, ec contracts.EvalContext, a contracts.Action,
	d *contracts.Decision, resultValue interface{}) (string, error) {
	now := g.now().UTC()

	// Tokens never enter the record; the request hash covers identity and
	// the action itself.
	requestHash, err := canonicalize.CanonicalHash(map[string]interface{}{
		"org_id":     ec.OrgID,
		"uapk_id":    ec.UAPKID,
		"agent_id":   ec.AgentID,
		"user_id":    ec.UserID,
		"request_id": ec.RequestID,
		"action":     a,
	})
	if err != nil {
		return "", policy.NewFault(contracts.ReasonAuditFault, err)
	}
	traceHash, err := canonicalize.CanonicalHash(d.PolicyTrace)
	if err != nil {
		return "", policy.NewFault(contracts.ReasonAuditFault, err)
	}
	if resultValue == nil {
		resultValue = map[string]interface{}{}
	}
	resultHash, err := canonicalize.CanonicalHash(resultValue)
	if err != nil {
		return "", policy.NewFault(contracts.ReasonAuditFault, err)
	}

	codes := d.ReasonCodes()
	if codes == nil {
		codes = []string{}
	}
	rec := &contracts.InteractionRecord{
		RecordID:        uuid.New().String(),
		Stream:          g.stream(ec.OrgID),
		Timestamp:       now,
		OrgID:           ec.OrgID,
		UAPKID:          ec.UAPKID,
		AgentID:         ec.AgentID,
		UserID:          ec.UserID,
		ActionType:      a.Type,
		Tool:            a.Tool,
		RequestHash:     requestHash,
		Decision:        d.Outcome,
		ReasonCodes:     codes,
		PolicyTraceHash: traceHash,
		ResultHash:      resultHash,
	}
	if err := g.logger.Append(ctx, ec.RequestID, rec); err != nil {
		return "", policy.NewFault(contracts.ReasonAuditFault, err)
	}
	return rec.RecordID, nil
}

// DecideApproval applies an operator decision. Approving mints the
// single-use override token and records its hash on the approval in the same
// transition; the token is returned exactly once and never stored.
func (g *Gateway) DecideApproval(ctx context.Context, approverID, approvalID string, approve bool, note string) (*contracts.Approval, string, error) {
	now := g.now().UTC()

	if !approve {
		ap, err := g.approvals.Decide(ctx, approvalID, approverID, false, note, "", now)
		return ap, "", err
	}

	ap, err := g.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, "", err
	}
	tok, hash, err := token.IssueOverride(g.signer, approvalID, ap.ActionFingerprint, g.opts.OverrideTokenTTL, now)
	if err != nil {
		return nil, "", err
	}
	decided, err := g.approvals.Decide(ctx, approvalID, approverID, true, note, hash, now)
	if err != nil {
		return nil, "", err
	}
	return decided, tok, nil
}

// VerifyAuditChain verifies one stream end to end.
func (g *Gateway) VerifyAuditChain(ctx context.Context, stream string) (*audit.Report, error) {
	if stream == "" {
		stream = audit.DefaultStream
	}
	return audit.VerifyChain(ctx, g.logger.Store(), g.keys, stream)
}

// ExportAuditBundle produces the deterministic evidence archive for a
// stream, embedding the active manifest for (orgID, uapkID) when given.
func (g *Gateway) ExportAuditBundle(ctx context.Context, stream, orgID, uapkID string, generatedAt time.Time) ([]byte, *audit.Report, error) {
	var snapshot []byte
	if orgID != "" && uapkID != "" {
		stored, err := g.manifests.GetActive(ctx, orgID, uapkID)
		if err != nil && !errors.Is(err, manifest.ErrNotFound) {
			return nil, nil, policy.NewFault(contracts.ReasonStoreFault, err)
		}
		if stored != nil {
			snapshot = stored.Raw
		}
	}
	return audit.Export(ctx, g.logger.Store(), g.keys, g.signer, audit.ExportOptions{
		Stream:           stream,
		GeneratedAt:      generatedAt,
		ManifestSnapshot: snapshot,
	})
}

// SweepApprovals expires overdue PENDING approvals.
func (g *Gateway) SweepApprovals(ctx context.Context) (int, error) {
	return g.approvals.SweepExpired(ctx, g.now().UTC())
}

// decisionFromRecord reconstructs the decision view of a replayed record.
// The full trace lives behind policy_trace_hash; the replay carries outcome
// and reason codes.
func decisionFromRecord(r *contracts.InteractionRecord) *contracts.Decision {
	reasons := make([]contracts.Reason, 0, len(r.ReasonCodes))
	for _, c := range r.ReasonCodes {
		reasons = append(reasons, contracts.Reason{Code: c})
	}
	return &contracts.Decision{Outcome: r.Decision, Reasons: reasons}
}

// denyAfterAllow converts an ALLOW decision into a DENY discovered during
// execution (consumed override, budget race).
func denyAfterAllow(d *contracts.Decision, code, message string) *contracts.Decision {
	return &contracts.Decision{
		Outcome: contracts.OutcomeDeny,
		Reasons: append([]contracts.Reason{{Code: code, Message: message}}, d.Reasons...),
		PolicyTrace: append(d.PolicyTrace, contracts.TraceEntry{
			Check: "execute", Result: contracts.CheckFail,
			Details: map[string]interface{}{"code": code},
		}),
		Risk:       d.Risk,
		ApprovalID: d.ApprovalID,
	}
}
