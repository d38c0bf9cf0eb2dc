// Package alert turns one item tick into a display decision: style,
// sound cue, highlight and hide flags. Decide is pure.
package alert

import "fmt"

// Style is the visual classification of an item row.
type Style string

const (
	StyleNormal  Style = "NORMAL"
	StyleTracked Style = "TRACKED"
	StyleWarning Style = "WARNING"
	StyleDanger  Style = "DANGER"
	StyleSuccess Style = "SUCCESS"
	StyleMyOffer Style = "MY_OFFER"
	StyleOutbid  Style = "OUTBID"
)

// Sound is the audio cue accompanying the decision.
type Sound string

const (
	SoundNone    Sound = "NONE"
	SoundAlert   Sound = "ALERT"
	SoundSuccess Sound = "SUCCESS"
	SoundError   Sound = "ERROR"
)

// Input is the per-item tick state the decision depends on.
type Input struct {
	TransportError bool
	PortalEnded    bool

	Outbid               bool
	OperatorIsBestAuto   bool
	OperatorIsBestManual bool

	Tracked bool
	Changed bool

	MarginPct          *float64
	MinMarginPct       float64
	HideBelowThreshold bool
}

// Decision is the outcome for one item row.
type Decision struct {
	Style     Style
	Sound     Sound
	Highlight bool
	Hide      bool
	Message   string
}

// Decide applies the decision order; the first matching rule wins.
func Decide(in Input) Decision {
	switch {
	case in.TransportError:
		d := Decision{Style: StyleDanger, Message: "fetch failed"}
		if in.Tracked {
			d.Sound = SoundError
		} else {
			d.Sound = SoundNone
		}
		return d

	case in.PortalEnded:
		return Decision{Style: StyleWarning, Sound: SoundNone, Message: "auction finished"}

	case in.Outbid:
		d := marginBucket(in)
		if in.MarginPct == nil {
			d.Style = StyleOutbid
		}
		d.Sound = SoundAlert
		d.Highlight = true
		d.Hide = false
		d.Message = "outbid: another provider holds the best offer"
		return d

	case in.OperatorIsBestAuto:
		d := Decision{Style: StyleMyOffer, Sound: SoundNone, Message: "your offer is best"}
		if in.Tracked && in.Changed {
			d.Sound = SoundSuccess
		}
		return d

	case in.OperatorIsBestManual:
		return Decision{Style: StyleSuccess, Sound: SoundNone, Message: "marked as own offer"}

	case in.MarginPct != nil:
		return marginBucket(in)

	case in.Tracked && in.Changed:
		return Decision{Style: StyleWarning, Sound: SoundAlert, Message: "tracked item changed, margin unknown"}

	case in.Tracked:
		return Decision{Style: StyleTracked, Sound: SoundNone}

	default:
		return Decision{Style: StyleNormal, Sound: SoundNone}
	}
}

// marginBucket classifies a computable margin against the minimum.
func marginBucket(in Input) Decision {
	if in.MarginPct == nil {
		return Decision{Style: StyleNormal, Sound: SoundNone}
	}
	m := *in.MarginPct
	switch {
	case m >= in.MinMarginPct+5:
		return Decision{
			Style:   StyleSuccess,
			Sound:   SoundNone,
			Message: fmt.Sprintf("margin %.1f%% comfortably above %.1f%%", m, in.MinMarginPct),
		}
	case m >= in.MinMarginPct:
		return Decision{
			Style:   StyleWarning,
			Sound:   SoundNone,
			Message: fmt.Sprintf("margin %.1f%% at the %.1f%% minimum", m, in.MinMarginPct),
		}
	default:
		return Decision{
			Style:   StyleDanger,
			Sound:   SoundNone,
			Hide:    in.HideBelowThreshold,
			Message: fmt.Sprintf("margin %.1f%% below the %.1f%% minimum", m, in.MinMarginPct),
		}
	}
}
