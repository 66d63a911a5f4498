package libhive

import (
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
)

// SuiteSummary counts the test outcomes of a suite.
type SuiteSummary struct {
	ID     TestSuiteID
	Name   string
	Tests  int
	Passed int
	Failed int
	// Names of failed tests, sorted by test ID.
	Failures []string
}

// Summarize computes per-suite pass/fail counts, ordered by suite ID.
func Summarize(results map[TestSuiteID]*TestSuite) []SuiteSummary {
	ids := make([]TestSuiteID, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	summaries := make([]SuiteSummary, 0, len(ids))
	for _, id := range ids {
		suite := results[id]
		s := SuiteSummary{ID: id, Name: suite.Name, Tests: len(suite.TestCases)}

		testIDs := make([]TestID, 0, len(suite.TestCases))
		for tid := range suite.TestCases {
			testIDs = append(testIDs, tid)
		}
		sort.Slice(testIDs, func(i, j int) bool { return testIDs[i] < testIDs[j] })
		for _, tid := range testIDs {
			if suite.TestCases[tid].SummaryResult.Pass {
				s.Passed++
			} else {
				s.Failed++
				s.Failures = append(s.Failures, suite.TestCases[tid].Name)
			}
		}
		summaries = append(summaries, s)
	}
	return summaries
}

// WriteSummary renders the results as a table.
func WriteSummary(w io.Writer, results map[TestSuiteID]*TestSuite) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Suite", "Tests", "Passed", "Failed"})

	var total SuiteSummary
	for _, s := range Summarize(results) {
		failed := color.GreenString("%d", s.Failed)
		if s.Failed > 0 {
			failed = color.RedString("%d", s.Failed)
		}
		t.AppendRow(table.Row{s.Name, s.Tests, color.GreenString("%d", s.Passed), failed})
		for _, name := range s.Failures {
			t.AppendRow(table.Row{"", "", "", color.RedString("✗ %s", name)})
		}
		total.Tests += s.Tests
		total.Passed += s.Passed
		total.Failed += s.Failed
	}
	t.AppendFooter(table.Row{"Total", total.Tests, total.Passed, total.Failed})
	t.Render()
}
