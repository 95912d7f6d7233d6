// Package orchestrator drives full-history sync jobs: it plans the window
// grid, downloads report tasks through the throttled adapters, normalizes
// rows, and commits ledger transactions in task order with checkpointed
// resume.
package orchestrator

import (
	"time"

	"github.com/recoup-ai/recoup/internal/model"
)

// Task is one (window, report type) download unit.
type Task struct {
	Index      int
	WindowIdx  int
	ReportIdx  int
	Window     model.Window
	ReportType model.ReportType
}

// Plan is the ordered task grid for one sync job. Windows are newest-first;
// within a window, report types run in their canonical order.
type Plan struct {
	Windows []model.Window
	Reports []model.ReportType
	Tasks   []Task
}

// Total is the number of tasks in the plan.
func (p Plan) Total() int { return len(p.Tasks) }

// TaskAt maps a (window, report) checkpoint to its flat task index.
func (p Plan) TaskAt(windowIdx, reportIdx int) int {
	return windowIdx*len(p.Reports) + reportIdx
}

// Tile cuts the sync horizon into half-open windows [start, end), newest
// first. The oldest window is clamped to the horizon start, so it may span
// fewer months than the rest.
func Tile(now time.Time, months, windowMonths int) []model.Window {
	if months <= 0 || windowMonths <= 0 {
		return nil
	}
	end := now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1) // tomorrow, exclusive
	horizon := end.AddDate(0, -months, 0)

	var windows []model.Window
	for end.After(horizon) {
		start := end.AddDate(0, -windowMonths, 0)
		if start.Before(horizon) {
			start = horizon
		}
		windows = append(windows, model.Window{Start: start, End: end})
		end = start
	}
	return windows
}

// NewPlan lays out the task grid over the given windows and report types.
// Empty reports default to the full report set.
func NewPlan(windows []model.Window, reports []model.ReportType) Plan {
	if len(reports) == 0 {
		reports = model.AllReportTypes()
	}
	p := Plan{Windows: windows, Reports: reports}
	p.Tasks = make([]Task, 0, len(windows)*len(reports))
	for wi, w := range windows {
		for ri, rt := range reports {
			p.Tasks = append(p.Tasks, Task{
				Index:      len(p.Tasks),
				WindowIdx:  wi,
				ReportIdx:  ri,
				Window:     w,
				ReportType: rt,
			})
		}
	}
	return p
}
