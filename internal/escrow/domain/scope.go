package domain

// ScopeKind selects which escrows a history query may see
type ScopeKind int

const (
	ScopeOwn ScopeKind = iota
	ScopeMerchant
	ScopeAll
)

// Scope is resolved once from the caller's role and passed to every query.
type Scope struct {
	Kind      ScopeKind
	AccountID string
}

// Own limits results to escrows bought by buyerID
func Own(buyerID string) Scope { return Scope{Kind: ScopeOwn, AccountID: buyerID} }

// ForMerchant limits results to escrows sold by merchantID
func ForMerchant(merchantID string) Scope { return Scope{Kind: ScopeMerchant, AccountID: merchantID} }

// All returns every escrow
func All() Scope { return Scope{Kind: ScopeAll} }

// Allows reports whether e is visible within the scope
func (s Scope) Allows(e *Escrow) bool {
	switch s.Kind {
	case ScopeAll:
		return true
	case ScopeMerchant:
		return e.MerchantID == s.AccountID
	default:
		return e.BuyerID == s.AccountID
	}
}
