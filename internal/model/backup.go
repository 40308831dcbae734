package model

// RateRow is a denormalized rate as exported to backups
type RateRow struct {
	Date           string  `json:"date" db:"date"`
	Provider       string  `json:"provider" db:"provider"`
	ProviderSymbol string  `json:"provider_symbol,omitempty" db:"provider_symbol"`
	Symbol         string  `json:"symbol,omitempty" db:"-"` // legacy backups keyed rates by symbol
	Rate           float64 `json:"rate" db:"rate"`
}

// SymbolRow is a denormalized symbol as exported to backups
type SymbolRow struct {
	Provider         string     `json:"provider" db:"provider"`
	Symbol           string     `json:"symbol" db:"symbol"`
	ProviderSymbol   string     `json:"provider_symbol,omitempty" db:"provider_symbol"`
	NormalizedSymbol string     `json:"normalized_symbol,omitempty" db:"-"`
	Type             SymbolType `json:"type" db:"type"`
	Name             *string    `json:"name" db:"name"`
}

// MetadataRow is a metadata key/value pair
type MetadataRow struct {
	Key   string `json:"key" db:"key"`
	Value string `json:"value" db:"value"`
}

// Backup is the on-disk backup document
type Backup struct {
	Rates     []RateRow     `json:"rates"`
	Symbols   []SymbolRow   `json:"symbols"`
	Metadata  []MetadataRow `json:"metadata"`
	Favorites []Favorite    `json:"favorites,omitempty"`
}

// BackupInfo describes a backup file
type BackupInfo struct {
	Filename  string `json:"filename"`
	Timestamp string `json:"timestamp"`
}

// BackupResult is returned after a backup was written
type BackupResult struct {
	Filename       string `json:"filename"`
	Timestamp      string `json:"timestamp"`
	RatesCount     int    `json:"rates_count"`
	SymbolsCount   int    `json:"symbols_count"`
	MetadataCount  int    `json:"metadata_count"`
	FavoritesCount int    `json:"favorites_count"`
}

// RestoreResult is returned after a backup was restored
type RestoreResult struct {
	Timestamp string `json:"timestamp"`
	Rates     *int   `json:"rates,omitempty"`
	Symbols   *int   `json:"symbols,omitempty"`
	Metadata  *int   `json:"metadata,omitempty"`
	Favorites *int   `json:"favorites,omitempty"`
}
