package domain

import "github.com/shopspring/decimal"

// UsageDimensions carries the priceable quantities of a usage event.
type UsageDimensions struct {
	InputTokens  int64
	OutputTokens int64
	Requests     int64
	Images       int64
	AudioSeconds int64
	VideoSeconds int64
}

// ComputeCost prices the dimensions against a cost snapshot. It is pure:
// entries the snapshot lacks contribute nothing, so the result is
// informational and independent of credit accounting.
func ComputeCost(snapshot map[CostType]CostEntry, dims UsageDimensions) decimal.Decimal {
	total := decimal.Zero

	add := func(costType CostType, quantity int64) {
		if quantity <= 0 {
			return
		}
		entry, ok := snapshot[costType]
		if !ok {
			return
		}
		total = total.Add(entry.UnitCost().Mul(decimal.NewFromInt(quantity)))
	}

	add(CostTypeInputToken, dims.InputTokens)
	add(CostTypeOutputToken, dims.OutputTokens)
	add(CostTypeRequest, dims.Requests)
	add(CostTypeImage, dims.Images)
	add(CostTypeAudio, dims.AudioSeconds)
	add(CostTypeVideo, dims.VideoSeconds)

	return total
}
