package contracts

// Outcome is the three-valued result of a policy evaluation.
type Outcome string

const (
	OutcomeAllow    Outcome = "ALLOW"
	OutcomeDeny     Outcome = "DENY"
	OutcomeEscalate Outcome = "ESCALATE"
)

// Reason codes surfaced in decisions and interaction records.
const (
	ReasonManifestNotFound      = "MANIFEST_NOT_FOUND"
	ReasonManifestInactive      = "MANIFEST_INACTIVE"
	ReasonToolNotConfigured     = "TOOL_NOT_CONFIGURED"
	ReasonToolDenied            = "TOOL_DENIED"
	ReasonToolNotAllowed        = "TOOL_NOT_ALLOWED"
	ReasonTokenInvalid          = "TOKEN_INVALID"
	ReasonTokenExpired          = "TOKEN_EXPIRED"
	ReasonCapabilityMissing     = "CAPABILITY_MISSING"
	ReasonOverrideInvalid       = "OVERRIDE_TOKEN_INVALID"
	ReasonOverrideExpired       = "OVERRIDE_TOKEN_EXPIRED"
	ReasonOverrideConsumed      = "OVERRIDE_TOKEN_CONSUMED"
	ReasonOverrideMismatch      = "OVERRIDE_TOKEN_MISMATCH"
	ReasonJurisdictionBlocked   = "JURISDICTION_BLOCKED"
	ReasonCounterpartyBlocked   = "COUNTERPARTY_BLOCKED"
	ReasonCounterpartyNotListed = "COUNTERPARTY_NOT_ALLOWED"
	ReasonAmountThreshold       = "AMOUNT_THRESHOLD"
	ReasonCurrencyNotAllowed    = "CURRENCY_NOT_ALLOWED"
	ReasonRequiresApproval      = "REQUIRES_APPROVAL"
	ReasonBudgetExceededDay     = "BUDGET_EXCEEDED_DAY"
	ReasonBudgetExceededHour    = "BUDGET_EXCEEDED_HOUR"
	ReasonBudgetExceededRace    = "BUDGET_EXCEEDED_RACE"
	ReasonHoursRestricted       = "HOURS_RESTRICTED"
	ReasonEvalFault             = "EVAL_FAULT"
	ReasonStoreFault            = "STORE_FAULT"
	ReasonAuditFault            = "AUDIT_FAULT"
	ReasonDeadline              = "DEADLINE"
)

// CheckResult is the per-check outcome recorded in the policy trace.
type CheckResult string

const (
	CheckPass     CheckResult = "pass"
	CheckFail     CheckResult = "fail"
	CheckEscalate CheckResult = "escalate"
	CheckSkip     CheckResult = "skip"
)

// Reason is one structured reason attached to a decision.
type Reason struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// TraceEntry records the result of a single policy check, in check order.
type TraceEntry struct {
	Check   string                 `json:"check"`
	Result  CheckResult            `json:"result"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// RiskSnapshot captures the budget/cap state the decision was made against.
type RiskSnapshot struct {
	BudgetsUsed map[string]int64 `json:"budgets_used"`
	AmountLimit *float64         `json:"amount_limit,omitempty"`
}

// Decision is the result of evaluating an action against the active manifest.
type Decision struct {
	Outcome                 Outcome      `json:"outcome"`
	Reasons                 []Reason     `json:"reasons"`
	PolicyTrace             []TraceEntry `json:"policy_trace"`
	Risk                    RiskSnapshot `json:"risk_snapshot"`
	ApprovalID              string       `json:"approval_id,omitempty"`
	ConsumedOverrideTokenID string       `json:"consumed_override_token_id,omitempty"`
}

// ReasonCodes returns the reason codes in order.
func (d *Decision) ReasonCodes() []string {
	codes := make([]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		codes = append(codes, r.Code)
	}
	return codes
}

// Denied reports whether the decision is a DENY.
func (d *Decision) Denied() bool { return d.Outcome == OutcomeDeny }
