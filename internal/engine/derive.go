package engine

import (
	"github.com/subastamon/subastamon/internal/alert"
	"github.com/subastamon/subastamon/internal/config"
	"github.com/subastamon/subastamon/internal/event"
	"github.com/subastamon/subastamon/internal/store"
)

// equivalentQuantity converts the auction line quantity into cost
// units: lines quoted per pack divide the unit count by the pack size.
func equivalentQuantity(qty, itemsPerLine *float64) *float64 {
	if qty == nil {
		return nil
	}
	v := *qty
	if itemsPerLine != nil && *itemsPerLine > 0 {
		v /= *itemsPerLine
	}
	return &v
}

// resolveUnitCost picks the unit cost in ARS. Totals win over unit
// prices because operators usually negotiate the whole line; USD costs
// apply only when a conversion rate is set.
func resolveUnitCost(com *store.ItemCommercial, eqQty *float64) *float64 {
	if com == nil {
		return nil
	}
	if com.TotalCostARS != nil && eqQty != nil && *eqQty > 0 {
		v := *com.TotalCostARS / *eqQty
		return &v
	}
	if com.UnitCostARS != nil {
		v := *com.UnitCostARS
		return &v
	}
	if com.ConvUSD != nil && *com.ConvUSD > 0 {
		if com.TotalCostUSD != nil && eqQty != nil && *eqQty > 0 {
			v := *com.TotalCostUSD * *com.ConvUSD / *eqQty
			return &v
		}
		if com.UnitCostUSD != nil {
			v := *com.UnitCostUSD * *com.ConvUSD
			return &v
		}
	}
	return nil
}

// deriveInput bundles everything derive needs beyond the update itself.
type deriveInput struct {
	Commercial *store.ItemCommercial
	Config     *store.ItemConfig
	Engine     config.EngineConfig

	ProviderID  string
	WasBestAuto bool
	PortalEnded bool
}

// derive enriches one update with the commercial figures and the alert
// decision. Pointer outputs stay nil when an input needed to compute
// them is missing.
func derive(upd event.Update, in deriveInput) event.Derived {
	d := event.Derived{Update: upd}

	com := in.Commercial
	if com != nil {
		d.Quantity = com.Quantity
		d.ItemsPerLine = com.ItemsPerLine
		d.ReferenceTotal = com.ReferenceTotal
		d.ReferenceUnit = com.ReferenceUnit
	}

	eqQty := equivalentQuantity(d.Quantity, d.ItemsPerLine)
	unitCost := resolveUnitCost(com, eqQty)
	d.UnitCost = unitCost

	// Pack-quoted lines shift the reference unit too.
	if d.ReferenceTotal != nil && eqQty != nil && *eqQty > 0 {
		ru := *d.ReferenceTotal / *eqQty
		d.ReferenceUnit = &ru
	}

	// min_margin is a fraction; the override wins, then the stored
	// value, then the configured default percentage.
	minMargin := in.Engine.DefaultMinMarginPct / 100
	if com != nil && com.MinMargin != nil {
		minMargin = *com.MinMargin
	}
	if in.Config != nil && in.Config.MinMarginOverride != nil {
		minMargin = *in.Config.MinMarginOverride
	}
	d.MinMargin = &minMargin

	if unitCost != nil && *unitCost > 0 {
		au := (1 + minMargin) * *unitCost
		d.AcceptableUnit = &au
		if eqQty != nil && *eqQty > 0 {
			at := au * *eqQty
			d.AcceptableTotal = &at
		}

		if d.ReferenceTotal != nil && eqQty != nil && *eqQty > 0 {
			rm := *d.ReferenceTotal/(*unitCost**eqQty) - 1
			d.ReferenceMargin = &rm
		} else if d.ReferenceUnit != nil {
			rm := *d.ReferenceUnit / *unitCost - 1
			d.ReferenceMargin = &rm
		}
	}

	// The amount to beat is a line total; the best offer substitutes
	// when the portal omits it.
	target := upd.OfferToBeat
	if target == nil {
		target = upd.BestOffer
	}
	if target != nil && eqQty != nil && *eqQty > 0 {
		iu := *target / *eqQty
		d.ImprovementUnit = &iu
		if unitCost != nil && *unitCost > 0 {
			im := iu / *unitCost - 1
			d.ImprovementMargin = &im
			mp := im * 100
			d.MarginPct = &mp
		}
	}

	// Without the quantity the unit math stalls; the alert bucket still
	// gets a line-level margin against the ARS cost, total preferred.
	if d.MarginPct == nil && target != nil && com != nil {
		base := com.TotalCostARS
		if base == nil {
			base = unitCost
		}
		if base != nil && *base > 0 {
			mp := (*target - *base) / *base * 100
			d.MarginPct = &mp
		}
	}

	follow, myBid := false, false
	hide := in.Engine.HideBelowThreshold
	if in.Config != nil {
		if in.Config.Follow != nil {
			follow = *in.Config.Follow
		}
		if in.Config.MyBid != nil {
			myBid = *in.Config.MyBid
		}
		if in.Config.HideBelowThreshold != nil {
			hide = *in.Config.HideBelowThreshold
		}
	}

	bestAuto := in.ProviderID != "" && upd.BestProviderID != "" && upd.BestProviderID == in.ProviderID
	outbid := in.WasBestAuto && !bestAuto && upd.BestProviderID != "" && upd.Changed

	d.Follow = follow
	d.MyBid = myBid
	d.OperatorIsBest = bestAuto
	d.Outbid = outbid

	dec := alert.Decide(alert.Input{
		PortalEnded:          in.PortalEnded,
		Outbid:               outbid,
		OperatorIsBestAuto:   bestAuto,
		OperatorIsBestManual: myBid,
		Tracked:              follow,
		Changed:              upd.Changed,
		MarginPct:            d.MarginPct,
		MinMarginPct:         minMargin * 100,
		HideBelowThreshold:   hide,
	})
	d.Style = string(dec.Style)
	d.Sound = string(dec.Sound)
	d.Highlight = dec.Highlight
	d.Hide = dec.Hide

	return d
}
