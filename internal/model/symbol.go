package model

// SymbolType is the asset class of a symbol
type SymbolType string

const (
	SymbolTypeForex  SymbolType = "forex"
	SymbolTypeCrypto SymbolType = "crypto"
)

// Valid reports whether t is a known symbol type
func (t SymbolType) Valid() bool {
	return t == SymbolTypeForex || t == SymbolTypeCrypto
}

// Symbol represents a provider instrument stored in the catalog.
// (Provider, ProviderSymbol) is its identity; Symbol is the normalized
// name shared by every provider quoting the same instrument.
type Symbol struct {
	ID             int64      `json:"id" db:"id"`
	Provider       string     `json:"provider" db:"provider"`
	Symbol         string     `json:"symbol" db:"symbol"`
	ProviderSymbol string     `json:"provider_symbol" db:"provider_symbol"`
	Type           SymbolType `json:"type" db:"type"`
	Name           *string    `json:"name" db:"name"`
}

// SymbolInfo is a catalog entry as reported by a rate source
type SymbolInfo struct {
	Symbol         string     `json:"symbol"`
	ProviderSymbol string     `json:"provider_symbol"`
	Type           SymbolType `json:"type"`
	Name           *string    `json:"name"`
}

// ToSymbol binds the catalog entry to a provider
func (si SymbolInfo) ToSymbol(provider string) Symbol {
	ps := si.ProviderSymbol
	if ps == "" {
		ps = si.Symbol
	}
	return Symbol{
		Provider:       provider,
		Symbol:         si.Symbol,
		ProviderSymbol: ps,
		Type:           si.Type,
		Name:           si.Name,
	}
}

// SymbolFilter represents filter parameters for symbol queries
type SymbolFilter struct {
	Provider string     `json:"provider" form:"provider"`
	Type     SymbolType `json:"type" form:"type" binding:"omitempty,oneof=forex crypto"`
	Query    string     `json:"q" form:"q"`
}

// MultiProviderSymbol is a normalized symbol quoted by more than one provider
type MultiProviderSymbol struct {
	Symbol    string   `json:"symbol"`
	Providers []string `json:"providers"`
}

// Favorite is a symbol pinned by the user for automatic backfill
type Favorite struct {
	Provider       string `json:"provider" form:"provider" db:"provider" binding:"required"`
	ProviderSymbol string `json:"provider_symbol" form:"provider_symbol" db:"provider_symbol" binding:"required"`
	CreatedAt      string `json:"created_at,omitempty" form:"-" db:"created_at"`
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
