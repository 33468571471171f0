package orchestrator

import (
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// Issue names a health sweep finding.
type Issue string

const (
	IssueUnhealthy     Issue = "unhealthy"
	IssueHighErrorRate Issue = "high_error_rate"
	IssueHighLatency   Issue = "high_latency"
)

// HealthReport is one sweep finding.
type HealthReport struct {
	AgentID string
	Issue   Issue
	Status  core.UnitStatus
}

// CheckHealth recomputes every unit's status and logs those crossing the
// configured thresholds. It never changes routing state.
func (o *Orchestrator) CheckHealth() []HealthReport {
	agents, opts, _ := o.snapshot()
	var reports []HealthReport
	for _, a := range agents {
		st := a.Status()
		if !st.IsHealthy {
			reports = append(reports, HealthReport{AgentID: a.ID(), Issue: IssueUnhealthy, Status: st})
		}
		if opts.HighErrorRate > 0 && st.ErrorRate > opts.HighErrorRate {
			reports = append(reports, HealthReport{AgentID: a.ID(), Issue: IssueHighErrorRate, Status: st})
		}
		if opts.HighLatency > 0 && st.AverageResponseTime > opts.HighLatency {
			reports = append(reports, HealthReport{AgentID: a.ID(), Issue: IssueHighLatency, Status: st})
		}
	}
	for _, r := range reports {
		logging.LogHealth(o.log(), string(r.Issue), r.AgentID,
			"error_rate", r.Status.ErrorRate,
			"average_response_time", r.Status.AverageResponseTime,
			"requests_processed", r.Status.RequestsProcessed)
	}
	return reports
}

func (o *Orchestrator) healthLoop(interval time.Duration) {
	defer close(o.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.CheckHealth()
		}
	}
}
