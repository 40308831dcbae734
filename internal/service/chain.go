package service

import (
	"context"
	"strings"

	"github.com/yourorg/exchanger/internal/model"
)

// RateLookup returns the rate of a normalized symbol, or nil when unknown
type RateLookup func(ctx context.Context, symbol string) (*float64, error)

// ResolveLeg prices base in quote. The direct symbol base+quote wins; when
// it is missing the inverse quote+base rate R is used as 1/R.
func ResolveLeg(ctx context.Context, base, quote string, lookup RateLookup) (model.ChainLeg, error) {
	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	leg := model.ChainLeg{Base: base, Quote: quote}

	direct := base + quote
	rate, err := lookup(ctx, direct)
	if err != nil {
		return leg, err
	}
	if rate != nil {
		leg.Symbol = direct
		leg.Rate = rate
		return leg, nil
	}

	inverse := quote + base
	rate, err = lookup(ctx, inverse)
	if err != nil {
		return leg, err
	}
	if rate != nil && *rate != 0 {
		inverted := 1 / *rate
		leg.Symbol = inverse
		leg.Rate = &inverted
		leg.Inverted = true
	}
	return leg, nil
}

// CombineLegs multiplies the leg rates. The result is nil when any leg is
// unresolved.
func CombineLegs(legs ...model.ChainLeg) *float64 {
	if len(legs) == 0 {
		return nil
	}
	product := 1.0
	for _, leg := range legs {
		if leg.Rate == nil {
			return nil
		}
		product *= *leg.Rate
	}
	return &product
}
