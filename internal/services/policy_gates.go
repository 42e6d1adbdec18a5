package services

import (
	"fmt"
	"time"

	"courier/internal/models"
)

// Block reasons reported in PolicyDecision.BlockedBy
const (
	BlockedByFollowUpLimit  = "follow_up_limit"
	BlockedByMinQuietPeriod = "min_quiet_period"
	BlockedBySessionIdle    = "session_idle"
)

// PolicyGates decides whether an autonomous send is currently allowed for a
// session. It is a pure function of the metadata snapshot and the time it is
// asked at — no stores, no I/O — which keeps it independently unit-testable.
//
// Direct replies to a user turn never pass through here; only sends the
// agent initiates on its own are gated.
type PolicyGates struct{}

// NewPolicyGates creates a new policy gate
func NewPolicyGates() *PolicyGates {
	return &PolicyGates{}
}

// CheckCanSendAutonomous evaluates the session's autonomy counters against
// its configured limits. A zero-valued limit disables that check.
func (g *PolicyGates) CheckCanSendAutonomous(meta *models.AutonomyMetadata, now time.Time) models.PolicyDecision {
	limits := meta.Limits

	if limits.MaxConsecutiveSends > 0 && meta.ConsecutiveAutonomousSends >= limits.MaxConsecutiveSends {
		return models.PolicyDecision{
			Allowed:   false,
			BlockedBy: BlockedByFollowUpLimit,
			Reason: fmt.Sprintf("%d consecutive autonomous sends reached the limit of %d",
				meta.ConsecutiveAutonomousSends, limits.MaxConsecutiveSends),
		}
	}

	if !meta.LastUserActivity.IsZero() {
		sinceActivity := now.Sub(meta.LastUserActivity)

		if limits.MinQuietPeriod > 0 && sinceActivity < limits.MinQuietPeriod {
			return models.PolicyDecision{
				Allowed:   false,
				BlockedBy: BlockedByMinQuietPeriod,
				Reason: fmt.Sprintf("only %s since last user activity, minimum quiet period is %s",
					sinceActivity.Round(time.Second), limits.MinQuietPeriod),
			}
		}

		if limits.MaxIdlePeriod > 0 && sinceActivity > limits.MaxIdlePeriod {
			return models.PolicyDecision{
				Allowed:   false,
				BlockedBy: BlockedBySessionIdle,
				Reason: fmt.Sprintf("session idle for %s, past the %s horizon",
					sinceActivity.Round(time.Second), limits.MaxIdlePeriod),
			}
		}
	}

	return models.PolicyDecision{Allowed: true}
}
