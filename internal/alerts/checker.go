package alerts

import (
	"fmt"
	"time"

	"github.com/dennisdiepolder/handoff/internal/types"
)

const (
	awayLimit      = 10 * time.Minute
	busyLimit      = 30 * time.Minute
	heartbeatLimit = 45 * time.Second
)

// CheckAgentAlerts evaluates alert rules for a slice of agents,
// mutating each agent's Alerts field in place.
func CheckAgentAlerts(agents []types.AgentSnapshot, now time.Time) {
	for i := range agents {
		agents[i].Alerts = nil
		if !agents[i].Connected {
			continue
		}

		dur := now.Sub(agents[i].StatusSince)
		switch agents[i].Status {
		case types.PresenceAway:
			if dur > awayLimit {
				agents[i].Alerts = append(agents[i].Alerts, types.AgentAlert{
					Rule:     "away_long",
					Severity: types.SeverityWarning,
					Message:  fmt.Sprintf("Away for %s", formatDuration(dur)),
				})
			}
		case types.PresenceBusy:
			if dur > busyLimit {
				agents[i].Alerts = append(agents[i].Alerts, types.AgentAlert{
					Rule:     "busy_long",
					Severity: types.SeverityWarning,
					Message:  fmt.Sprintf("Busy for %s", formatDuration(dur)),
				})
			}
		}

		// Still counted as assignable but the console has gone quiet
		if silent := now.Sub(agents[i].LastSeen); silent > heartbeatLimit && agents[i].Status.Assignable() {
			agents[i].Alerts = append(agents[i].Alerts, types.AgentAlert{
				Rule:     "heartbeat_late",
				Severity: types.SeverityCritical,
				Message:  fmt.Sprintf("No heartbeat for %s", formatDuration(silent)),
			})
		}
	}
}

func formatDuration(d time.Duration) string {
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if mins >= 60 {
		hours := mins / 60
		mins = mins % 60
		return fmt.Sprintf("%dh%dm", hours, mins)
	}
	return fmt.Sprintf("%dm%ds", mins, secs)
}
