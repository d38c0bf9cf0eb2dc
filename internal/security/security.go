// Package security decides how the monitor reacts to transport errors:
// keep going, alert, back off the cadence, pause, or stop.
package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/subastamon/subastamon/internal/config"
)

// Action is the policy's verdict for one evaluation.
type Action string

const (
	ActionContinue Action = "CONTINUE"
	ActionAlert    Action = "ALERT"
	ActionBackoff  Action = "BACKOFF"
	ActionPause    Action = "PAUSE"
	ActionStop     Action = "STOP"
)

// Policy holds the backoff parameters. The zero value is not usable;
// construct with Default or FromConfig.
type Policy struct {
	MaxStreak           int
	MinStreakForBackoff int
	BackoffFactor       float64
	CadenceCeiling      time.Duration
	InactivityCeiling   time.Duration
	TolerateTimeouts    bool
	Terminator          string
}

// Default returns the standard parameters.
func Default() Policy {
	return Policy{
		MaxStreak:           10,
		MinStreakForBackoff: 2,
		BackoffFactor:       2.0,
		CadenceCeiling:      30 * time.Second,
		InactivityCeiling:   5 * time.Minute,
		TolerateTimeouts:    true,
		Terminator:          "finalizada",
	}
}

// FromConfig builds a Policy from the loaded configuration.
func FromConfig(cfg config.SecurityConfig) Policy {
	return Policy{
		MaxStreak:           cfg.MaxErrorStreak,
		MinStreakForBackoff: cfg.MinErrorStreak,
		BackoffFactor:       cfg.BackoffFactor,
		CadenceCeiling:      cfg.BackoffCeiling,
		InactivityCeiling:   cfg.InactivityWindow,
		TolerateTimeouts:    cfg.TolerateTimeouts,
		Terminator:          cfg.TerminatorMessage,
	}
}

// Input is the observed situation for one auction at one instant.
type Input struct {
	CurrentCadence time.Duration
	ErrorStreak    int
	LastOKAt       time.Time // zero when no fetch has succeeded yet
	LastStatus     int
	Message        string
	Now            time.Time
}

// Decision is the verdict. NewCadence is set only for BACKOFF.
type Decision struct {
	Action     Action
	NewCadence time.Duration
	Reason     string
}

// Evaluate applies the decision order; the first matching rule wins.
// The function is pure: same input, same decision.
func (p Policy) Evaluate(in Input) Decision {
	if p.Terminator != "" && strings.Contains(strings.ToLower(in.Message), strings.ToLower(p.Terminator)) {
		return Decision{Action: ActionStop, Reason: "portal reports the auction finished"}
	}

	if isTransportError(in.LastStatus) {
		switch {
		case in.ErrorStreak >= p.MaxStreak:
			return Decision{
				Action: ActionStop,
				Reason: fmt.Sprintf("error streak %d reached the limit %d", in.ErrorStreak, p.MaxStreak),
			}
		case in.LastStatus == 0 && p.TolerateTimeouts:
			return Decision{Action: ActionAlert, Reason: "transient timeout tolerated"}
		case in.ErrorStreak < p.MinStreakForBackoff:
			return Decision{
				Action: ActionAlert,
				Reason: fmt.Sprintf("status %d, streak %d below backoff threshold", in.LastStatus, in.ErrorStreak),
			}
		default:
			next := time.Duration(float64(in.CurrentCadence) * p.BackoffFactor)
			if next > p.CadenceCeiling {
				next = p.CadenceCeiling
			}
			return Decision{
				Action:     ActionBackoff,
				NewCadence: next,
				Reason:     fmt.Sprintf("status %d, streak %d, cadence %s", in.LastStatus, in.ErrorStreak, next),
			}
		}
	}

	if !in.LastOKAt.IsZero() && in.Now.Sub(in.LastOKAt) > p.InactivityCeiling {
		return Decision{
			Action: ActionPause,
			Reason: fmt.Sprintf("no successful fetch since %s", in.LastOKAt.Format(time.RFC3339)),
		}
	}

	return Decision{Action: ActionContinue}
}

// isTransportError reports whether the status denotes a failed fetch.
// Status 0 means the request never completed (timeout, network).
func isTransportError(status int) bool {
	return status < 200 || status >= 300
}
