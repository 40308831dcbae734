package model

import "time"

// DateLayout is the storage format of rate dates
const DateLayout = "2006-01-02"

// FormatDate renders a calendar date in storage format
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a storage-format date as a UTC calendar day
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// DailyRate is one day of a dense rate series; Rate is nil for gaps
type DailyRate struct {
	Date string   `json:"date"`
	Rate *float64 `json:"rate"`
}

// DateRate is a cached rate row for a single date
type DateRate struct {
	Symbol         string     `json:"symbol" db:"symbol"`
	ProviderSymbol string     `json:"provider_symbol" db:"provider_symbol"`
	Rate           float64    `json:"rate" db:"rate"`
	Provider       string     `json:"provider" db:"provider"`
	Type           SymbolType `json:"type" db:"type"`
}

// BackfillCheckpoint is the persisted resume point of an interrupted backfill
type BackfillCheckpoint struct {
	LastSymbolIdx int `json:"last_symbol_idx"`
	Length        int `json:"length"`
}

// ChainLeg is one resolved hop of a chain rate
type ChainLeg struct {
	Base     string   `json:"base"`
	Quote    string   `json:"quote"`
	Symbol   string   `json:"symbol,omitempty"`
	Rate     *float64 `json:"rate"`
	Inverted bool     `json:"inverted"`
}

// ChainRate is a rate derived through an intermediate currency
type ChainRate struct {
	Date string     `json:"date"`
	From string     `json:"from"`
	Via  string     `json:"via"`
	To   string     `json:"to"`
	Legs []ChainLeg `json:"legs"`
	Rate *float64   `json:"rate"`
}
