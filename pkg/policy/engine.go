package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/counter"
	"github.com/agentgate/agentgate/pkg/crypto"
	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/token"
)

// Engine evaluates actions. It reads manifests, counters, and approvals and
// verifies tokens; the only write it performs is the idempotent creation of
// a PENDING approval on ESCALATE.
type Engine struct {
	manifests manifest.Store
	counters  counter.Store
	approvals approval.Store
	issuers   *token.IssuerRegistry
	keys      *crypto.KeySet

	approvalExpiry time.Duration
	now            func() time.Time

	mu    sync.Mutex
	rules map[string][]manifest.CompiledRule // manifest hash → compiled rules
}

// NewEngine wires an engine over its stores. keys is the gateway keyset used
// to verify override tokens.
func NewEngine(manifests manifest.Store, counters counter.Store, approvals approval.Store,
	issuers *token.IssuerRegistry, keys *crypto.KeySet, approvalExpiry time.Duration) *Engine {
	if approvalExpiry <= 0 {
		approvalExpiry = 24 * time.Hour
	}
	return &Engine{
		manifests:      manifests,
		counters:       counters,
		approvals:      approvals,
		issuers:        issuers,
		keys:           keys,
		approvalExpiry: approvalExpiry,
		now:            time.Now,
		rules:          make(map[string][]manifest.CompiledRule),
	}
}

// WithClock overrides the time source for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// evaluation accumulates per-check state while walking the check order.
type evaluation struct {
	trace       []contracts.TraceEntry
	deny        *contracts.Reason
	escalations []contracts.Reason
	risk        contracts.RiskSnapshot

	fingerprint        string
	overrideOK         bool
	overrideApprovalID string
	overrideJTI        string
	overrideFailure    *contracts.Reason
}

func (ev *evaluation) pass(check string, details map[string]interface{}) {
	ev.trace = append(ev.trace, contracts.TraceEntry{Check: check, Result: contracts.CheckPass, Details: details})
}

func (ev *evaluation) skip(check string) {
	ev.trace = append(ev.trace, contracts.TraceEntry{Check: check, Result: contracts.CheckSkip})
}

func (ev *evaluation) fail(check, code, message string, details map[string]interface{}) {
	ev.trace = append(ev.trace, contracts.TraceEntry{Check: check, Result: contracts.CheckFail, Details: details})
	if ev.deny == nil {
		ev.deny = &contracts.Reason{Code: code, Message: message, Details: details}
	}
}

func (ev *evaluation) escalate(check, code, message string, details map[string]interface{}) {
	ev.trace = append(ev.trace, contracts.TraceEntry{Check: check, Result: contracts.CheckEscalate, Details: details})
	ev.escalations = append(ev.escalations, contracts.Reason{Code: code, Message: message, Details: details})
}

// Evaluate runs the fixed check order and assembles the decision. The policy
// is first-failure-wins for DENY; a candidate ESCALATE upgrades an
// otherwise-ALLOW result. A verified override token short-circuits amount
// and approval escalations but never a DENY.
func (e *Engine) Evaluate(ctx context.Context, ec contracts.EvalContext, a contracts.Action) (*contracts.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewFault(contracts.ReasonDeadline, err)
	}

	now := e.now().UTC()
	ev := &evaluation{risk: contracts.RiskSnapshot{BudgetsUsed: make(map[string]int64)}}

	fingerprint, err := contracts.ActionFingerprint(ec.UAPKID, a)
	if err != nil {
		return nil, NewFault(contracts.ReasonEvalFault, err)
	}
	ev.fingerprint = fingerprint

	// 1. Manifest resolution.
	stored, err := e.manifests.GetActive(ctx, ec.OrgID, ec.UAPKID)
	if errors.Is(err, manifest.ErrNotFound) {
		ev.fail("manifest", contracts.ReasonManifestNotFound,
			fmt.Sprintf("no active manifest for %s/%s", ec.OrgID, ec.UAPKID), nil)
		return e.assemble(ctx, ec, a, ev, now)
	}
	if err != nil {
		return nil, NewFault(contracts.ReasonStoreFault, err)
	}
	m := stored.Manifest
	if m.Status != contracts.ManifestActive {
		ev.fail("manifest", contracts.ReasonManifestInactive,
			fmt.Sprintf("manifest %s is %s", m.Version, m.Status), nil)
		return e.assemble(ctx, ec, a, ev, now)
	}
	ev.pass("manifest", map[string]interface{}{"version": m.Version})

	// 2. Tool existence.
	spec, ok := m.Tools[a.Tool]
	if !ok {
		ev.fail("tool_exists", contracts.ReasonToolNotConfigured,
			fmt.Sprintf("tool %q not in manifest", a.Tool), nil)
		return e.assemble(ctx, ec, a, ev, now)
	}
	ev.pass("tool_exists", map[string]interface{}{"kind": string(spec.Kind)})

	// 3. Tool allow/deny lists.
	if contains(m.Policy.ToolDeny, a.Tool) {
		ev.fail("tool_lists", contracts.ReasonToolDenied,
			fmt.Sprintf("tool %q is deny-listed", a.Tool), nil)
		return e.assemble(ctx, ec, a, ev, now)
	}
	if len(m.Policy.ToolAllow) > 0 && !contains(m.Policy.ToolAllow, a.Tool) {
		ev.fail("tool_lists", contracts.ReasonToolNotAllowed,
			fmt.Sprintf("tool %q not in allow-list", a.Tool), nil)
		return e.assemble(ctx, ec, a, ev, now)
	}
	ev.pass("tool_lists", nil)

	// 4. Capability token.
	if m.Policy.RequireCapabilityToken || ec.CapabilityToken != "" {
		if ec.CapabilityToken == "" {
			ev.fail("capability_token", contracts.ReasonTokenInvalid, "capability token required", nil)
			return e.assemble(ctx, ec, a, ev, now)
		}
		claims, verr := token.VerifyCapability(e.issuers, ec.CapabilityToken, now, ec.AgentID)
		if verr != nil {
			ev.fail("capability_token", verr.Code, verr.Error(), nil)
			return e.assemble(ctx, ec, a, ev, now)
		}
		if !token.HasCapability(claims, a.Type) {
			ev.fail("capability_token", contracts.ReasonCapabilityMissing,
				fmt.Sprintf("token does not grant %q", a.Type), nil)
			return e.assemble(ctx, ec, a, ev, now)
		}
		ev.pass("capability_token", map[string]interface{}{"issuer": claims.Issuer})
	} else {
		ev.skip("capability_token")
	}

	// 5. Override token. Failures are traced, not denied outright; the
	// escalation they would have bypassed stands.
	if ec.OverrideToken != "" {
		e.checkOverride(ctx, ec, ev, now)
	} else {
		ev.skip("override_token")
	}

	// 6. Jurisdiction.
	if a.Counterparty != nil && a.Counterparty.Jurisdiction != "" && len(m.Policy.JurisdictionAllow) > 0 {
		if !contains(m.Policy.JurisdictionAllow, a.Counterparty.Jurisdiction) {
			ev.fail("jurisdiction", contracts.ReasonJurisdictionBlocked,
				fmt.Sprintf("jurisdiction %q not permitted", a.Counterparty.Jurisdiction), nil)
			return e.assemble(ctx, ec, a, ev, now)
		}
		ev.pass("jurisdiction", nil)
	} else {
		ev.skip("jurisdiction")
	}

	// 7. Counterparty lists.
	if a.Counterparty != nil && a.Counterparty.Host != "" {
		host := a.Counterparty.Host
		if hostSuffixMatch(m.Policy.CounterpartyDeny, host) {
			ev.fail("counterparty", contracts.ReasonCounterpartyBlocked,
				fmt.Sprintf("counterparty %q is deny-listed", host), nil)
			return e.assemble(ctx, ec, a, ev, now)
		}
		if len(m.Policy.CounterpartyAllow) > 0 && !hostSuffixMatch(m.Policy.CounterpartyAllow, host) {
			ev.fail("counterparty", contracts.ReasonCounterpartyNotListed,
				fmt.Sprintf("counterparty %q not in allow-list", host), nil)
			return e.assemble(ctx, ec, a, ev, now)
		}
		ev.pass("counterparty", nil)
	} else {
		ev.skip("counterparty")
	}

	// 8. Amount cap.
	if a.Amount != nil && len(m.Policy.AmountCaps) > 0 {
		cap, ok := m.Policy.AmountCaps[a.Currency]
		if !ok {
			ev.fail("amount_cap", contracts.ReasonCurrencyNotAllowed,
				fmt.Sprintf("no cap configured for currency %q", a.Currency), nil)
			return e.assemble(ctx, ec, a, ev, now)
		}
		ev.risk.AmountLimit = &cap
		if *a.Amount > cap {
			ev.escalate("amount_cap", contracts.ReasonAmountThreshold,
				fmt.Sprintf("amount %.2f %s exceeds cap %.2f", *a.Amount, a.Currency, cap),
				map[string]interface{}{"amount": *a.Amount, "cap": cap})
		} else {
			ev.pass("amount_cap", nil)
		}
	} else {
		ev.skip("amount_cap")
	}

	// 9. Approval thresholds.
	if t := matchThreshold(m.Policy.ApprovalThresholds, a); t != nil {
		ev.escalate("approval_thresholds", contracts.ReasonRequiresApproval,
			"action matches an approval threshold", nil)
	} else if len(m.Policy.ApprovalThresholds) > 0 {
		ev.pass("approval_thresholds", nil)
	} else {
		ev.skip("approval_thresholds")
	}

	// 10. Manifest require_human_approval.
	if m.RequiresHumanApproval(a.Type) {
		ev.escalate("human_approval", contracts.ReasonRequiresApproval,
			fmt.Sprintf("action type %q requires human approval", a.Type), nil)
	} else {
		ev.pass("human_approval", nil)
	}

	// 11. Declarative rules.
	if len(m.Policy.Rules) > 0 {
		if err := e.checkRules(stored, ec, a, ev); err != nil {
			return nil, err
		}
	} else {
		ev.skip("rules")
	}
	if ev.deny != nil {
		return e.assemble(ctx, ec, a, ev, now)
	}

	// 12. Allowed hours.
	if w := m.Constraints.AllowedHours; w != nil {
		if !w.Contains(now.Hour()) {
			ev.fail("allowed_hours", contracts.ReasonHoursRestricted,
				fmt.Sprintf("hour %02d outside window %02d-%02d", now.Hour(), w.Start, w.End), nil)
			return e.assemble(ctx, ec, a, ev, now)
		}
		ev.pass("allowed_hours", nil)
	} else {
		ev.skip("allowed_hours")
	}

	// 13. Budgets (peek only; Execute increments).
	if err := e.checkBudgets(ctx, ec, a, m, ev, now); err != nil {
		return nil, err
	}

	return e.assemble(ctx, ec, a, ev, now)
}

func (e *Engine) checkOverride(ctx context.Context, ec contracts.EvalContext, ev *evaluation, now time.Time) {
	res, verr := token.VerifyOverride(e.keys, ec.OverrideToken, now, ev.fingerprint)
	if verr != nil {
		ev.trace = append(ev.trace, contracts.TraceEntry{
			Check: "override_token", Result: contracts.CheckFail,
			Details: map[string]interface{}{"code": verr.Code},
		})
		ev.overrideFailure = &contracts.Reason{Code: verr.Code, Message: verr.Error()}
		return
	}

	ap, err := e.approvals.Get(ctx, res.ApprovalID)
	if err != nil || ap.Status != contracts.ApprovalApproved ||
		ap.OverrideTokenHash != token.SHA256Hex(ec.OverrideToken) {
		// Replaying a spent token is misuse and denies outright; anything
		// else is traced and leaves the escalation standing.
		if err == nil && ap.Status == contracts.ApprovalConsumed {
			ev.fail("override_token", contracts.ReasonOverrideConsumed,
				"override token was already consumed", nil)
			return
		}
		ev.trace = append(ev.trace, contracts.TraceEntry{
			Check: "override_token", Result: contracts.CheckFail,
			Details: map[string]interface{}{"code": contracts.ReasonOverrideInvalid},
		})
		ev.overrideFailure = &contracts.Reason{Code: contracts.ReasonOverrideInvalid,
			Message: "override token does not back an approved action"}
		return
	}

	ev.overrideOK = true
	ev.overrideApprovalID = res.ApprovalID
	ev.overrideJTI = res.JTI
	ev.pass("override_token", map[string]interface{}{"approval_id": res.ApprovalID})
}

func (e *Engine) checkRules(stored *manifest.Stored, ec contracts.EvalContext, a contracts.Action, ev *evaluation) error {
	compiled, err := e.compiledRules(stored)
	if err != nil {
		return NewFault(contracts.ReasonEvalFault, err)
	}

	actionMap := map[string]interface{}{
		"type":   a.Type,
		"tool":   a.Tool,
		"params": a.Params,
	}
	if a.Amount != nil {
		actionMap["amount"] = *a.Amount
	}
	if a.Currency != "" {
		actionMap["currency"] = a.Currency
	}
	if a.Counterparty != nil {
		actionMap["counterparty"] = map[string]interface{}{
			"id":           a.Counterparty.ID,
			"host":         a.Counterparty.Host,
			"jurisdiction": a.Counterparty.Jurisdiction,
		}
	}
	ctxMap := map[string]interface{}{
		"org_id":   ec.OrgID,
		"uapk_id":  ec.UAPKID,
		"agent_id": ec.AgentID,
		"user_id":  ec.UserID,
	}

	for _, cr := range compiled {
		matched, err := manifest.EvalRule(cr, actionMap, ctxMap)
		if err != nil {
			// A rule that cannot evaluate fails closed.
			ev.fail("rules", cr.Rule.Code, err.Error(), map[string]interface{}{"rule": cr.Rule.Name})
			return nil
		}
		if !matched {
			continue
		}
		details := map[string]interface{}{"rule": cr.Rule.Name}
		if cr.Rule.Effect == "deny" {
			ev.fail("rules", cr.Rule.Code, fmt.Sprintf("rule %q matched", cr.Rule.Name), details)
			return nil
		}
		ev.escalate("rules", cr.Rule.Code, fmt.Sprintf("rule %q matched", cr.Rule.Name), details)
		return nil
	}
	ev.pass("rules", nil)
	return nil
}

func (e *Engine) compiledRules(stored *manifest.Stored) ([]manifest.CompiledRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if compiled, ok := e.rules[stored.Hash]; ok {
		return compiled, nil
	}
	compiled, err := manifest.CompileRules(stored.Manifest.Policy.Rules)
	if err != nil {
		return nil, err
	}
	e.rules[stored.Hash] = compiled
	return compiled, nil
}

// BudgetCaps merges the per-type budget and the manifest-wide caps (the "*"
// budget plus declared constraints) for one action type. Zero means uncapped.
func BudgetCaps(m *contracts.Manifest, actionType string) (typed, global counter.Caps) {
	if b, ok := m.Policy.Budgets[actionType]; ok && actionType != counter.GlobalActionType {
		typed = counter.Caps{Hourly: b.Hourly, Daily: b.Daily}
	}
	if b, ok := m.Policy.Budgets[counter.GlobalActionType]; ok {
		global = counter.Caps{Hourly: b.Hourly, Daily: b.Daily}
	}
	global.Daily = minCap(global.Daily, m.Constraints.MaxActionsPerDay)
	global.Hourly = minCap(global.Hourly, m.Constraints.MaxActionsPerHour)
	return typed, global
}

func minCap(a, b int64) int64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func (e *Engine) checkBudgets(ctx context.Context, ec contracts.EvalContext, a contracts.Action,
	m *contracts.Manifest, ev *evaluation, now time.Time) error {
	typed, global := BudgetCaps(m, a.Type)
	if typed == (counter.Caps{}) && global == (counter.Caps{}) {
		ev.skip("budgets")
		return nil
	}

	check := func(key counter.Key, caps counter.Caps, label string) (string, error) {
		if caps.Daily > 0 {
			n, err := e.counters.Peek(ctx, key, counter.WindowDay, now)
			if err != nil {
				return "", NewFault(contracts.ReasonStoreFault, err)
			}
			ev.risk.BudgetsUsed[label+":day"] = n
			if n >= caps.Daily {
				return contracts.ReasonBudgetExceededDay, nil
			}
		}
		if caps.Hourly > 0 {
			n, err := e.counters.Peek(ctx, key, counter.WindowHour, now)
			if err != nil {
				return "", NewFault(contracts.ReasonStoreFault, err)
			}
			ev.risk.BudgetsUsed[label+":hour"] = n
			if n >= caps.Hourly {
				return contracts.ReasonBudgetExceededHour, nil
			}
		}
		return "", nil
	}

	if typed != (counter.Caps{}) {
		code, err := check(counter.Key{OrgID: ec.OrgID, UAPKID: ec.UAPKID, ActionType: a.Type}, typed, a.Type)
		if err != nil {
			return err
		}
		if code != "" {
			ev.fail("budgets", code, fmt.Sprintf("budget for %q exhausted", a.Type), nil)
			return nil
		}
	}
	if global != (counter.Caps{}) {
		code, err := check(counter.Key{OrgID: ec.OrgID, UAPKID: ec.UAPKID, ActionType: counter.GlobalActionType},
			global, counter.GlobalActionType)
		if err != nil {
			return err
		}
		if code != "" {
			ev.fail("budgets", code, "manifest-wide budget exhausted", nil)
			return nil
		}
	}
	ev.pass("budgets", nil)
	return nil
}

// assemble folds the accumulated trace into the final decision, creating the
// PENDING approval on ESCALATE.
func (e *Engine) assemble(ctx context.Context, ec contracts.EvalContext, a contracts.Action,
	ev *evaluation, now time.Time) (*contracts.Decision, error) {
	d := &contracts.Decision{
		PolicyTrace: ev.trace,
		Risk:        ev.risk,
	}

	switch {
	case ev.deny != nil:
		d.Outcome = contracts.OutcomeDeny
		d.Reasons = []contracts.Reason{*ev.deny}
	case ev.overrideOK:
		d.Outcome = contracts.OutcomeAllow
		d.ApprovalID = ev.overrideApprovalID
		d.ConsumedOverrideTokenID = ev.overrideJTI
	case len(ev.escalations) > 0:
		d.Outcome = contracts.OutcomeEscalate
		d.Reasons = ev.escalations
		if ev.overrideFailure != nil {
			d.Reasons = append(d.Reasons, *ev.overrideFailure)
		}
		ap, err := e.approvals.CreatePending(ctx, &contracts.Approval{
			ID:                uuid.New().String(),
			OrgID:             ec.OrgID,
			UAPKID:            ec.UAPKID,
			AgentID:           ec.AgentID,
			ActionFingerprint: ev.fingerprint,
			ParamsSnapshot:    a.Params,
			Reason:            ev.escalations[0].Code,
			CreatedAt:         now,
			ExpiresAt:         now.Add(e.approvalExpiry),
		})
		if err != nil {
			return nil, NewFault(contracts.ReasonStoreFault, err)
		}
		d.ApprovalID = ap.ID
	default:
		d.Outcome = contracts.OutcomeAllow
	}
	return d, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// hostSuffixMatch matches host against suffix patterns: "example.com"
// matches the apex and any subdomain; a leading "*." is accepted and means
// the same thing.
func hostSuffixMatch(patterns []string, host string) bool {
	host = strings.ToLower(host)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimPrefix(p, "*."))
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

// matchThreshold returns the first threshold entry every populated selector
// of which matches the action.
func matchThreshold(thresholds []contracts.ApprovalThreshold, a contracts.Action) *contracts.ApprovalThreshold {
	for i := range thresholds {
		t := &thresholds[i]
		if len(t.ActionTypes) > 0 && !contains(t.ActionTypes, a.Type) {
			continue
		}
		if len(t.Tools) > 0 && !contains(t.Tools, a.Tool) {
			continue
		}
		if t.Currency != "" && t.Currency != a.Currency {
			continue
		}
		if t.Amount != nil {
			if a.Amount == nil || *a.Amount < *t.Amount {
				continue
			}
		}
		return t
	}
	return nil
}
