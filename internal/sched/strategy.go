package sched

import "github.com/qmlh/crewd/pkg/models"

// CapabilityStrategy scores agents on specialization and capability match
// minus current workload. Agents at their concurrency cap are skipped; ties
// break on lowest queued task count, then lexical agent id.
type CapabilityStrategy struct{}

func (CapabilityStrategy) Pick(task models.Task, candidates []AgentInfo) string {
	bestID := ""
	bestScore := 0
	bestTasks := 0
	for _, a := range candidates {
		if a.Status == models.AgentOffline || a.Status == models.AgentError {
			continue
		}
		if a.MaxTasks > 0 && a.CurrentTasks >= a.MaxTasks {
			continue
		}
		score := score(task, a)
		if bestID == "" || score > bestScore ||
			(score == bestScore && a.CurrentTasks < bestTasks) {
			bestID = a.ID
			bestScore = score
			bestTasks = a.CurrentTasks
		}
	}
	return bestID
}

func score(task models.Task, a AgentInfo) int {
	s := 0
	if a.Specialization == task.Type {
		s += 10
	}
	for _, c := range a.Capabilities {
		if c == task.Type {
			s += 5
			break
		}
	}
	return s - a.Workload
}
