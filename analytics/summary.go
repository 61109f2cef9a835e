// Package analytics aggregates the workflow log. It only reads.
package analytics

import (
	"sort"
	"time"

	"github.com/songzhibin97/autoflow/types"
)

// DefaultWindow is the default aggregation window.
const DefaultWindow = 30 * 24 * time.Hour

const defaultTopN = 5

// ErrorCount is one distinct error message.
type ErrorCount struct {
	Message  string    `json:"message"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
}

// Day is the trend bucket of one UTC day, keyed by the run's first row.
type Day struct {
	Date        string  `json:"date"`
	Executions  int     `json:"executions"`
	SuccessRate float64 `json:"successRate"`
	AvgTimeMs   float64 `json:"avgTimeMs"`
}

// Summary aggregates the runs of one workflow. A run is the set of rows
// sharing a run id; its outcome is its last success or error row.
type Summary struct {
	WorkflowID      string       `json:"workflowId"`
	From            time.Time    `json:"from"`
	To              time.Time    `json:"to"`
	TotalExecutions int          `json:"totalExecutions"`
	Succeeded       int          `json:"succeeded"`
	Failed          int          `json:"failed"`
	InProgress      int          `json:"inProgress"`
	SuccessRate     float64      `json:"successRate"`
	ErrorRate       float64      `json:"errorRate"`
	AvgTimeMs       float64      `json:"avgTimeMs"`
	TopErrors       []ErrorCount `json:"topErrors"`
	Daily           []Day        `json:"daily"`
}

type run struct {
	first    time.Time
	finished time.Time
	outcome  types.LogStatus
}

// Summarize aggregates the rows executed in (now-window, now]. It does not
// modify logs.
func Summarize(workflowID string, logs []types.LogEntry, now time.Time, window time.Duration, topN int) Summary {
	if window <= 0 {
		window = DefaultWindow
	}
	if topN <= 0 {
		topN = defaultTopN
	}
	from := now.Add(-window)
	s := Summary{WorkflowID: workflowID, From: from, To: now, TopErrors: []ErrorCount{}, Daily: []Day{}}

	runs := make(map[string]*run)
	errs := make(map[string]*ErrorCount)
	for _, l := range logs {
		if !l.ExecutedAt.After(from) || l.ExecutedAt.After(now) {
			continue
		}
		r, ok := runs[l.RunID]
		if !ok {
			r = &run{first: l.ExecutedAt}
			runs[l.RunID] = r
		}
		if l.ExecutedAt.Before(r.first) {
			r.first = l.ExecutedAt
		}
		if l.Status == types.LogSuccess || l.Status == types.LogError {
			if !l.ExecutedAt.Before(r.finished) {
				r.finished = l.ExecutedAt
				r.outcome = l.Status
			}
		}
		if l.Status == types.LogError && l.Error != "" {
			e, ok := errs[l.Error]
			if !ok {
				e = &ErrorCount{Message: l.Error}
				errs[l.Error] = e
			}
			e.Count++
			if l.ExecutedAt.After(e.LastSeen) {
				e.LastSeen = l.ExecutedAt
			}
		}
	}

	type dayAcc struct {
		runs, ok, timed int
		totalMs         float64
	}
	days := make(map[string]*dayAcc)
	var totalMs float64
	var timed int
	for _, r := range runs {
		s.TotalExecutions++
		key := r.first.UTC().Format("2006-01-02")
		d, ok := days[key]
		if !ok {
			d = &dayAcc{}
			days[key] = d
		}
		d.runs++

		switch r.outcome {
		case types.LogSuccess:
			s.Succeeded++
			d.ok++
		case types.LogError:
			s.Failed++
		default:
			s.InProgress++
			continue
		}
		ms := float64(r.finished.Sub(r.first)) / float64(time.Millisecond)
		totalMs += ms
		timed++
		d.totalMs += ms
		d.timed++
	}

	if s.TotalExecutions > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.TotalExecutions)
		s.ErrorRate = float64(s.Failed) / float64(s.TotalExecutions)
	}
	if timed > 0 {
		s.AvgTimeMs = totalMs / float64(timed)
	}

	for _, e := range errs {
		s.TopErrors = append(s.TopErrors, *e)
	}
	sort.Slice(s.TopErrors, func(i, j int) bool {
		a, b := s.TopErrors[i], s.TopErrors[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.Message < b.Message
	})
	if len(s.TopErrors) > topN {
		s.TopErrors = s.TopErrors[:topN]
	}

	for date, d := range days {
		day := Day{Date: date, Executions: d.runs, SuccessRate: float64(d.ok) / float64(d.runs)}
		if d.timed > 0 {
			day.AvgTimeMs = d.totalMs / float64(d.timed)
		}
		s.Daily = append(s.Daily, day)
	}
	sort.Slice(s.Daily, func(i, j int) bool { return s.Daily[i].Date < s.Daily[j].Date })
	return s
}
