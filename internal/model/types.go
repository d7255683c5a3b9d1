package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Wallet    string           `json:"wallet,omitempty"`
	Providers []ProviderStatus `json:"providers,omitempty"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type ProviderInfo struct {
	Name           string                   `json:"name"`
	Type           string                   `json:"type"`
	RequiresKey    bool                     `json:"requires_key"`
	Capabilities   []string                 `json:"capabilities"`
	KeyEnvVarName  string                   `json:"key_env_var,omitempty"`
	CapabilityAuth []ProviderCapabilityAuth `json:"capability_auth,omitempty"`
}

type ProviderCapabilityAuth struct {
	Capability  string `json:"capability"`
	KeyEnvVar   string `json:"key_env_var"`
	Description string `json:"description,omitempty"`
}

// MarketAmount is a base-unit amount tagged with its market.
type MarketAmount struct {
	Index  uint16 `json:"index"`
	Symbol string `json:"symbol"`
	Mint   string `json:"mint"`
	Amount uint64 `json:"amount"`
}

// RepayPlan is the dry-run view of a resolved and assembled repay.
type RepayPlan struct {
	Vault            string       `json:"vault"`
	Owner            string       `json:"owner"`
	Health           int          `json:"health"`
	GoalHealth       int          `json:"goal_health"`
	Mode             string       `json:"mode"`
	Loan             MarketAmount `json:"loan"`
	Collateral       MarketAmount `json:"collateral"`
	TargetRepayUSD   string       `json:"target_repay_usd"`
	LoanValueUSD     string       `json:"loan_value_usd"`
	RouteInAmount    uint64       `json:"route_in_amount"`
	RouteOutAmount   uint64       `json:"route_out_amount"`
	PriceImpactPct   float64      `json:"price_impact_pct"`
	RoutePath        string       `json:"route_path,omitempty"`
	FlashLoan        bool         `json:"flash_loan"`
	BorrowAmount     uint64       `json:"borrow_amount"`
	WrapAmount       uint64       `json:"wrap_amount"`
	Instructions     int          `json:"instructions"`
	LookupTables     int          `json:"lookup_tables"`
	TransactionBytes int          `json:"transaction_bytes"`
}

// ProvisionResult reports the token accounts created for the wallet.
type ProvisionResult struct {
	Wallet     string   `json:"wallet"`
	Created    []string `json:"created"`
	Signatures []string `json:"signatures,omitempty"`
}
