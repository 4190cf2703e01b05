package canton

import "time"

// PriorityToken is the remote platform's record of a queue-bypass credential.
// The platform is the system of record; the gateway never persists these.
type PriorityToken struct {
	ID         string         `json:"id"`
	Token      string         `json:"token"`
	Label      string         `json:"label"`
	CreatedAt  int64          `json:"createdAt"`
	CreatedBy  string         `json:"createdBy"`
	ExpiresAt  *int64         `json:"expiresAt,omitempty"`
	IsRevoked  bool           `json:"isRevoked"`
	UsageCount int            `json:"usageCount"`
	MaxUses    *int           `json:"maxUses,omitempty"`
	LastUsedAt *int64         `json:"lastUsedAt,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Usable reports whether the token can still admit a user: not revoked and,
// when a use limit exists, not exhausted. A missing MaxUses means unlimited.
func (t PriorityToken) Usable() bool {
	if t.IsRevoked {
		return false
	}
	if t.MaxUses != nil && t.UsageCount >= *t.MaxUses {
		return false
	}
	return true
}

// CreatePriorityTokenRequest is the platform's token creation payload.
// ExpiresAt is epoch milliseconds, matching the platform's wire format.
type CreatePriorityTokenRequest struct {
	Label     string         `json:"label"`
	CreatedBy string         `json:"createdBy"`
	MaxUses   int            `json:"maxUses"`
	ExpiresAt *int64         `json:"expiresAt,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PriorityTokenList is the platform's list response envelope.
type PriorityTokenList struct {
	Tokens []PriorityToken `json:"tokens"`
}

// EnsureResult reports the outcome of idempotent token issuance.
type EnsureResult struct {
	Token string `json:"token"`
	IsNew bool   `json:"isNew"`
}

// EligibilityCheck is the outcome of a single eligibility criterion.
type EligibilityCheck struct {
	Eligible bool           `json:"eligible"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EligibilityChecks groups the three criteria evaluated per user.
type EligibilityChecks struct {
	HasTag         EligibilityCheck `json:"hasTag"`
	HasEarnBalance EligibilityCheck `json:"hasEarnBalance"`
	HasSendBalance EligibilityCheck `json:"hasSendBalance"`
}

// DistributionSummary identifies the reward period a verdict was computed
// against, including the snapshot block actually used.
type DistributionSummary struct {
	ID            int64  `json:"id"`
	Number        int    `json:"number"`
	Name          string `json:"name"`
	SnapshotBlock uint64 `json:"snapshotBlock"`
}

// EligibilityResult is an immutable per-user verdict. Eligible is true only
// when every constituent check passed.
type EligibilityResult struct {
	Eligible     bool                 `json:"eligible"`
	CheckedAt    time.Time            `json:"checkedAt"`
	Checks       EligibilityChecks    `json:"checks"`
	Distribution *DistributionSummary `json:"distribution,omitempty"`
}

// GenerateResult is the entry point's response: the issued token, the invite
// link built from it, and whether this call created the token.
type GenerateResult struct {
	Token string `json:"token"`
	URL   string `json:"url"`
	IsNew bool   `json:"isNew"`
}
