package policy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/counter"
	"github.com/agentgate/agentgate/pkg/crypto"
	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/token"
)

var (
	ctx    = context.Background()
	anchor = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
)

type testEnv struct {
	engine    *Engine
	manifests manifest.Store
	counters  counter.Store
	approvals approval.Store
	issuers   *token.IssuerRegistry
	gateway   *crypto.Ed25519Signer
	idp       *crypto.Ed25519Signer
}

func baseManifest() *contracts.Manifest {
	return &contracts.Manifest{
		Version: "1.0.0",
		UAPKID:  "uapk-1",
		OrgID:   "org-1",
		Tools: map[string]contracts.ToolSpec{
			"billing": {Kind: contracts.ToolHTTP, Config: contracts.ToolConfig{URL: "https://billing.example.com/v1"}},
			"echo":    {Kind: contracts.ToolMock},
		},
		CapabilitiesRequested: []string{"refund", "notify"},
		Status:                contracts.ManifestDraft,
	}
}

func newTestEnv(t *testing.T, m *contracts.Manifest) *testEnv {
	t.Helper()

	gw, err := crypto.NewEd25519Signer("gateway-1")
	if err != nil {
		t.Fatalf("gateway signer: %v", err)
	}
	idp, err := crypto.NewEd25519Signer("acme-idp")
	if err != nil {
		t.Fatalf("idp signer: %v", err)
	}
	issuers := token.NewIssuerRegistry()
	issuers.Register("acme-idp", idp.PublicKeyBytes())

	env := &testEnv{
		manifests: manifest.NewMemoryStore(),
		counters:  counter.NewMemoryStore(),
		approvals: approval.NewMemoryStore(),
		issuers:   issuers,
		gateway:   gw,
		idp:       idp,
	}
	env.engine = NewEngine(env.manifests, env.counters, env.approvals, issuers,
		crypto.NewKeySet(gw.PublicKeyBytes()), 24*time.Hour).
		WithClock(func() time.Time { return anchor })

	if m != nil {
		raw, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal manifest: %v", err)
		}
		if _, err := env.manifests.Register(ctx, raw); err != nil {
			t.Fatalf("register manifest: %v", err)
		}
		if _, err := env.manifests.Activate(ctx, m.OrgID, m.UAPKID, m.Version); err != nil {
			t.Fatalf("activate manifest: %v", err)
		}
	}
	return env
}

func evalCtx() contracts.EvalContext {
	return contracts.EvalContext{
		OrgID:     "org-1",
		UAPKID:    "uapk-1",
		AgentID:   "agent-7",
		UserID:    "user-3",
		RequestID: "req-1",
	}
}

func refundAction(amount float64) contracts.Action {
	return contracts.Action{
		Type:     "refund",
		Tool:     "billing",
		Params:   map[string]interface{}{"order_id": "ord-1"},
		Amount:   &amount,
		Currency: "USD",
	}
}

func wantOutcome(t *testing.T, d *contracts.Decision, outcome contracts.Outcome, codes ...string) {
	t.Helper()
	if d.Outcome != outcome {
		t.Fatalf("outcome = %s, want %s (reasons %v)", d.Outcome, outcome, d.ReasonCodes())
	}
	got := d.ReasonCodes()
	if len(codes) != len(got) {
		t.Fatalf("reasons = %v, want %v", got, codes)
	}
	for i, c := range codes {
		if got[i] != c {
			t.Fatalf("reasons = %v, want %v", got, codes)
		}
	}
}

func capToken(t *testing.T, env *testEnv, agentID string, caps ...string) string {
	t.Helper()
	tok, err := token.IssueCapability(env.idp.PrivateKey(), token.CapabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "acme-idp",
			Subject:   agentID,
			Audience:  jwt.ClaimStrings{token.Audience},
			IssuedAt:  jwt.NewNumericDate(anchor),
			ExpiresAt: jwt.NewNumericDate(anchor.Add(time.Hour)),
			ID:        "cap-jti",
		},
		Cap: caps,
	})
	if err != nil {
		t.Fatalf("IssueCapability: %v", err)
	}
	return tok
}

func TestEvaluateAllowBaseline(t *testing.T) {
	env := newTestEnv(t, baseManifest())

	d, err := env.engine.Evaluate(ctx, evalCtx(), refundAction(50))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	wantOutcome(t, d, contracts.OutcomeAllow)
	if len(d.PolicyTrace) == 0 || d.PolicyTrace[0].Check != "manifest" {
		t.Fatalf("trace = %+v", d.PolicyTrace)
	}
	for _, e := range d.PolicyTrace {
		if e.Result == contracts.CheckFail || e.Result == contracts.CheckEscalate {
			t.Fatalf("unexpected %s in trace: %+v", e.Result, e)
		}
	}
}

func TestEvaluateNoActiveManifest(t *testing.T) {
	env := newTestEnv(t, nil)
	d, err := env.engine.Evaluate(ctx, evalCtx(), refundAction(50))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonManifestNotFound)
	// First failure ends the walk.
	if len(d.PolicyTrace) != 1 {
		t.Fatalf("trace = %+v", d.PolicyTrace)
	}
}

func TestEvaluateUnconfiguredTool(t *testing.T) {
	env := newTestEnv(t, baseManifest())
	a := refundAction(50)
	a.Tool = "wire"
	d, _ := env.engine.Evaluate(ctx, evalCtx(), a)
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonToolNotConfigured)
}

func TestEvaluateToolLists(t *testing.T) {
	m := baseManifest()
	m.Policy.ToolDeny = []string{"billing"}
	env := newTestEnv(t, m)
	d, _ := env.engine.Evaluate(ctx, evalCtx(), refundAction(50))
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonToolDenied)

	m2 := baseManifest()
	m2.Policy.ToolAllow = []string{"echo"}
	env = newTestEnv(t, m2)
	d, _ = env.engine.Evaluate(ctx, evalCtx(), refundAction(50))
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonToolNotAllowed)
}

func TestEvaluateCapabilityToken(t *testing.T) {
	m := baseManifest()
	m.Policy.RequireCapabilityToken = true
	env := newTestEnv(t, m)

	d, _ := env.engine.Evaluate(ctx, evalCtx(), refundAction(50))
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonTokenInvalid)

	ec := evalCtx()
	ec.CapabilityToken = capToken(t, env, "agent-7", "notify")
	d, _ = env.engine.Evaluate(ctx, ec, refundAction(50))
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonCapabilityMissing)

	ec.CapabilityToken = capToken(t, env, "agent-7", "agent:refund")
	d, _ = env.engine.Evaluate(ctx, ec, refundAction(50))
	wantOutcome(t, d, contracts.OutcomeAllow)
}

func TestEvaluateVerifiesOptionalToken(t *testing.T) {
	// A token presented voluntarily is still verified.
	env := newTestEnv(t, baseManifest())
	ec := evalCtx()
	ec.CapabilityToken = capToken(t, env, "someone-else", "refund")
	d, _ := env.engine.Evaluate(ctx, ec, refundAction(50))
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonTokenInvalid)
}

func TestEvaluateJurisdiction(t *testing.T) {
	m := baseManifest()
	m.Policy.JurisdictionAllow = []string{"US", "CA"}
	env := newTestEnv(t, m)

	a := refundAction(50)
	a.Counterparty = &contracts.Counterparty{ID: "cp-1", Jurisdiction: "RU"}
	d, _ := env.engine.Evaluate(ctx, evalCtx(), a)
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonJurisdictionBlocked)

	a.Counterparty.Jurisdiction = "CA"
	d, _ = env.engine.Evaluate(ctx, evalCtx(), a)
	wantOutcome(t, d, contracts.OutcomeAllow)
}

func TestEvaluateCounterpartyLists(t *testing.T) {
	m := baseManifest()
	m.Policy.CounterpartyDeny = []string{"evil.com"}
	m.Policy.CounterpartyAllow = []string{"example.com"}
	env := newTestEnv(t, m)

	a := refundAction(50)
	a.Counterparty = &contracts.Counterparty{Host: "api.evil.com"}
	d, _ := env.engine.Evaluate(ctx, evalCtx(), a)
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonCounterpartyBlocked)

	a.Counterparty.Host = "shop.other.net"
	d, _ = env.engine.Evaluate(ctx, evalCtx(), a)
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonCounterpartyNotListed)

	a.Counterparty.Host = "api.example.com"
	d, _ = env.engine.Evaluate(ctx, evalCtx(), a)
	wantOutcome(t, d, contracts.OutcomeAllow)
}

func TestEvaluateAmountCaps(t *testing.T) {
	m := baseManifest()
	m.Policy.AmountCaps = map[string]float64{"USD": 1000}
	env := newTestEnv(t, m)

	a := refundAction(500)
	a.Currency = "EUR"
	d, _ := env.engine.Evaluate(ctx, evalCtx(), a)
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonCurrencyNotAllowed)

	d, _ = env.engine.Evaluate(ctx, evalCtx(), refundAction(500))
	wantOutcome(t, d, contracts.OutcomeAllow)
	if d.Risk.AmountLimit == nil || *d.Risk.AmountLimit != 1000 {
		t.Fatalf("risk = %+v", d.Risk)
	}

	d, _ = env.engine.Evaluate(ctx, evalCtx(), refundAction(1500))
	wantOutcome(t, d, contracts.OutcomeEscalate, contracts.ReasonAmountThreshold)
	if d.ApprovalID == "" {
		t.Fatal("escalation must create a pending approval")
	}
	ap, err := env.approvals.Get(ctx, d.ApprovalID)
	if err != nil || ap.Status != contracts.ApprovalPending {
		t.Fatalf("approval = %+v, err=%v", ap, err)
	}
}

func TestEvaluateApprovalThresholds(t *testing.T) {
	limit := 250.0
	m := baseManifest()
	m.Policy.ApprovalThresholds = []contracts.ApprovalThreshold{
		{ActionTypes: []string{"refund"}, Amount: &limit, Currency: "USD"},
	}
	env := newTestEnv(t, m)

	d, _ := env.engine.Evaluate(ctx, evalCtx(), refundAction(100))
	wantOutcome(t, d, contracts.OutcomeAllow)

	d, _ = env.engine.Evaluate(ctx, evalCtx(), refundAction(300))
	wantOutcome(t, d, contracts.OutcomeEscalate, contracts.ReasonRequiresApproval)
}

func TestEvaluateHumanApprovalIsIdempotent(t *testing.T) {
	m := baseManifest()
	m.Constraints.RequireHumanApproval = []string{"refund"}
	env := newTestEnv(t, m)

	d1, _ := env.engine.Evaluate(ctx, evalCtx(), refundAction(50))
	wantOutcome(t, d1, contracts.OutcomeEscalate, contracts.ReasonRequiresApproval)

	// Re-evaluating the same action rebinds to the existing PENDING approval.
	d2, _ := env.engine.Evaluate(ctx, evalCtx(), refundAction(50))
	if d2.ApprovalID != d1.ApprovalID {
		t.Fatalf("approval ids differ: %s vs %s", d1.ApprovalID, d2.ApprovalID)
	}
}

func TestEvaluateRules(t *testing.T) {
	m := baseManifest()
	m.Policy.Rules = []contracts.PolicyRule{
		{Name: "no-test-orders", Expr: `action.params.order_id == "test"`, Effect: "deny", Code: "TEST_ORDER"},
		{Name: "big-refund", Expr: `has(action.amount) && action.amount > 400.0`, Effect: "escalate", Code: "BIG_REFUND"},
	}
	env := newTestEnv(t, m)

	a := refundAction(50)
	a.Params = map[string]interface{}{"order_id": "test"}
	d, _ := env.engine.Evaluate(ctx, evalCtx(), a)
	wantOutcome(t, d, contracts.OutcomeDeny, "TEST_ORDER")

	d, _ = env.engine.Evaluate(ctx, evalCtx(), refundAction(500))
	wantOutcome(t, d, contracts.OutcomeEscalate, "BIG_REFUND")

	d, _ = env.engine.Evaluate(ctx, evalCtx(), refundAction(50))
	wantOutcome(t, d, contracts.OutcomeAllow)
}

func TestEvaluateRuleErrorFailsClosed(t *testing.T) {
	m := baseManifest()
	m.Policy.Rules = []contracts.PolicyRule{
		{Name: "reads-missing-key", Expr: `action.params.missing_key == "x"`, Effect: "escalate", Code: "MISSING_KEY"},
	}
	env := newTestEnv(t, m)

	d, _ := env.engine.Evaluate(ctx, evalCtx(), refundAction(50))
	wantOutcome(t, d, contracts.OutcomeDeny, "MISSING_KEY")
}

func TestEvaluateAllowedHours(t *testing.T) {
	m := baseManifest()
	m.Constraints.AllowedHours = &contracts.HourWindow{Start: 8, End: 18}
	env := newTestEnv(t, m)
	d, _ := env.engine.Evaluate(ctx, evalCtx(), refundAction(50)) // clock is 12:00 UTC
	wantOutcome(t, d, contracts.OutcomeAllow)

	m2 := baseManifest()
	m2.Constraints.AllowedHours = &contracts.HourWindow{Start: 22, End: 6}
	env = newTestEnv(t, m2)
	d, _ = env.engine.Evaluate(ctx, evalCtx(), refundAction(50))
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonHoursRestricted)
}

func TestEvaluateTypedBudget(t *testing.T) {
	m := baseManifest()
	m.Policy.Budgets = map[string]contracts.Budget{"refund": {Daily: 2}}
	env := newTestEnv(t, m)

	key := counter.Key{OrgID: "org-1", UAPKID: "uapk-1", ActionType: "refund"}
	for i := 0; i < 2; i++ {
		if ok, err := env.counters.Increment(ctx, key, anchor, counter.Caps{Daily: 2}); !ok || err != nil {
			t.Fatalf("seed increment %d: ok=%v err=%v", i, ok, err)
		}
	}

	d, _ := env.engine.Evaluate(ctx, evalCtx(), refundAction(50))
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonBudgetExceededDay)
	if d.Risk.BudgetsUsed["refund:day"] != 2 {
		t.Fatalf("risk = %+v", d.Risk)
	}
}

func TestEvaluateGlobalBudgetFromConstraints(t *testing.T) {
	m := baseManifest()
	m.Constraints.MaxActionsPerHour = 1
	env := newTestEnv(t, m)

	key := counter.Key{OrgID: "org-1", UAPKID: "uapk-1", ActionType: counter.GlobalActionType}
	if ok, err := env.counters.Increment(ctx, key, anchor, counter.Caps{Hourly: 1}); !ok || err != nil {
		t.Fatalf("seed: ok=%v err=%v", ok, err)
	}

	d, _ := env.engine.Evaluate(ctx, evalCtx(), refundAction(50))
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonBudgetExceededHour)
}

func TestBudgetCapsMerge(t *testing.T) {
	m := baseManifest()
	m.Policy.Budgets = map[string]contracts.Budget{
		"refund":                 {Daily: 5, Hourly: 2},
		counter.GlobalActionType: {Daily: 100},
	}
	m.Constraints.MaxActionsPerDay = 50
	m.Constraints.MaxActionsPerHour = 20

	typed, global := BudgetCaps(m, "refund")
	if typed.Daily != 5 || typed.Hourly != 2 {
		t.Fatalf("typed = %+v", typed)
	}
	// The tighter of the "*" budget and the declared constraints wins.
	if global.Daily != 50 || global.Hourly != 20 {
		t.Fatalf("global = %+v", global)
	}

	typed, _ = BudgetCaps(m, "notify")
	if typed != (counter.Caps{}) {
		t.Fatalf("typed for unbudgeted type = %+v", typed)
	}
}

func escalateAndApprove(t *testing.T, env *testEnv, a contracts.Action) (string, string) {
	t.Helper()
	d, err := env.engine.Evaluate(ctx, evalCtx(), a)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != contracts.OutcomeEscalate {
		t.Fatalf("outcome = %s, want ESCALATE", d.Outcome)
	}

	ap, err := env.approvals.Get(ctx, d.ApprovalID)
	if err != nil {
		t.Fatalf("Get approval: %v", err)
	}
	tok, hash, err := token.IssueOverride(env.gateway, ap.ID, ap.ActionFingerprint, 5*time.Minute, anchor)
	if err != nil {
		t.Fatalf("IssueOverride: %v", err)
	}
	if _, err := env.approvals.Decide(ctx, ap.ID, "operator-1", true, "checked", hash, anchor); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	return ap.ID, tok
}

func TestOverrideTokenShortCircuitsEscalation(t *testing.T) {
	m := baseManifest()
	m.Constraints.RequireHumanApproval = []string{"refund"}
	env := newTestEnv(t, m)

	apID, tok := escalateAndApprove(t, env, refundAction(50))

	ec := evalCtx()
	ec.OverrideToken = tok
	d, err := env.engine.Evaluate(ctx, ec, refundAction(50))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	wantOutcome(t, d, contracts.OutcomeAllow)
	if d.ApprovalID != apID || d.ConsumedOverrideTokenID == "" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestOverrideTokenBoundToAction(t *testing.T) {
	m := baseManifest()
	m.Constraints.RequireHumanApproval = []string{"refund"}
	env := newTestEnv(t, m)

	_, tok := escalateAndApprove(t, env, refundAction(50))

	// A different amount changes the fingerprint; the escalation stands and
	// the failure is surfaced alongside it.
	ec := evalCtx()
	ec.OverrideToken = tok
	d, _ := env.engine.Evaluate(ctx, ec, refundAction(75))
	wantOutcome(t, d, contracts.OutcomeEscalate,
		contracts.ReasonRequiresApproval, contracts.ReasonOverrideMismatch)
}

func TestConsumedOverrideTokenDenies(t *testing.T) {
	m := baseManifest()
	m.Constraints.RequireHumanApproval = []string{"refund"}
	env := newTestEnv(t, m)

	apID, tok := escalateAndApprove(t, env, refundAction(50))
	res, err := env.approvals.Consume(ctx, apID, token.SHA256Hex(tok), anchor)
	if err != nil || res != approval.ConsumeOK {
		t.Fatalf("Consume = %s, err=%v", res, err)
	}

	ec := evalCtx()
	ec.OverrideToken = tok
	d, _ := env.engine.Evaluate(ctx, ec, refundAction(50))
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonOverrideConsumed)
}

func TestOverrideTokenNeverBypassesDeny(t *testing.T) {
	m := baseManifest()
	m.Constraints.RequireHumanApproval = []string{"refund"}
	env := newTestEnv(t, m)

	_, tok := escalateAndApprove(t, env, refundAction(50))

	// Deny-list the tool after approval: the deny must win over the override.
	m2 := baseManifest()
	m2.Version = "1.1.0"
	m2.Constraints.RequireHumanApproval = []string{"refund"}
	m2.Policy.ToolDeny = []string{"billing"}
	raw, _ := json.Marshal(m2)
	if _, err := env.manifests.Register(ctx, raw); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := env.manifests.Activate(ctx, "org-1", "uapk-1", "1.1.0"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	ec := evalCtx()
	ec.OverrideToken = tok
	d, _ := env.engine.Evaluate(ctx, ec, refundAction(50))
	wantOutcome(t, d, contracts.OutcomeDeny, contracts.ReasonToolDenied)
}

func TestHostSuffixMatch(t *testing.T) {
	cases := []struct {
		patterns []string
		host     string
		want     bool
	}{
		{[]string{"example.com"}, "example.com", true},
		{[]string{"example.com"}, "api.example.com", true},
		{[]string{"*.example.com"}, "api.example.com", true},
		{[]string{"example.com"}, "badexample.com", false},
		{[]string{"example.com"}, "example.com.evil.net", false},
	}
	for _, tc := range cases {
		if got := hostSuffixMatch(tc.patterns, tc.host); got != tc.want {
			t.Errorf("hostSuffixMatch(%v, %q) = %v, want %v", tc.patterns, tc.host, got, tc.want)
		}
	}
}

func TestEvaluateCancelledContext(t *testing.T) {
	env := newTestEnv(t, baseManifest())
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := env.engine.Evaluate(cancelled, evalCtx(), refundAction(50))
	var fault *Fault
	if !errors.As(err, &fault) || fault.Code != contracts.ReasonDeadline {
		t.Fatalf("err = %v, want DEADLINE fault", err)
	}
}
