package monitoring

import (
	"fmt"
	"strconv"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

// Condition identifies what an alert watches. Unknown values are accepted and
// rendered with a generic template.
type Condition string

const (
	ConditionErrorRate           Condition = "error_rate"
	ConditionResponseTime        Condition = "response_time"
	ConditionMemoryUsage         Condition = "memory_usage"
	ConditionUptime              Condition = "uptime"
	ConditionRateLimitViolations Condition = "rate_limit_violations"
	ConditionFailedLogins        Condition = "failed_logins"
	ConditionHeartbeat           Condition = "monitoring_heartbeat"
	ConditionSystemStartup       Condition = "system_startup"
)

type alertText struct {
	kind    domain.AlertType
	title   string
	message string
}

func (c Condition) render(value, threshold float64) alertText {
	switch c {
	case ConditionErrorRate:
		return alertText{
			kind:    domain.AlertError,
			title:   "High Error Rate",
			message: fmt.Sprintf("Error rate is %.1f%%, above the %.1f%% threshold", value, threshold),
		}
	case ConditionResponseTime:
		return alertText{
			kind:    domain.AlertWarning,
			title:   "Slow Response Times",
			message: fmt.Sprintf("Average response time is %.0fms, above the %.0fms threshold", value, threshold),
		}
	case ConditionMemoryUsage:
		return alertText{
			kind:    domain.AlertWarning,
			title:   "High Memory Usage",
			message: fmt.Sprintf("Memory usage is %.2fGB, above the %.2fGB threshold", value, threshold),
		}
	case ConditionUptime:
		return alertText{
			kind:    domain.AlertError,
			title:   "Uptime Degraded",
			message: fmt.Sprintf("Downtime is %.2f%% of the tracking period, above the %.2f%% budget", value, threshold),
		}
	case ConditionRateLimitViolations:
		return alertText{
			kind:    domain.AlertWarning,
			title:   "Rate Limit Violations",
			message: fmt.Sprintf("%.0f rate limit violations in the last hour (threshold %.0f)", value, threshold),
		}
	case ConditionFailedLogins:
		return alertText{
			kind:    domain.AlertWarning,
			title:   "Failed Login Spike",
			message: fmt.Sprintf("%.0f failed logins in the last hour (threshold %.0f)", value, threshold),
		}
	case ConditionHeartbeat:
		return alertText{
			kind:    domain.AlertInfo,
			title:   "Monitoring Active",
			message: "Monitoring has been running for more than 5 minutes",
		}
	case ConditionSystemStartup:
		return alertText{
			kind:    domain.AlertInfo,
			title:   "System Started",
			message: "Monitoring initialised",
		}
	default:
		return alertText{
			kind:    domain.AlertWarning,
			title:   "System Alert",
			message: fmt.Sprintf("Value %s exceeds threshold %s", formatRaw(value), formatRaw(threshold)),
		}
	}
}

func formatRaw(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
