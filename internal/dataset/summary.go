package dataset

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"

	"media-transcribe-go/internal/logger"
	"media-transcribe-go/internal/types"
)

const (
	resultsSheet = "Results"
	summarySheet = "Summary"
	okKind       = "ok"
)

// Summary counts batch outcomes.
type Summary struct {
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	ByKind    map[string]int `json:"by_kind"`
	Retried   int            `json:"retried"`
}

// Summarize tallies results by failure kind. Successful rows count under "ok".
func Summarize(results []types.BatchResult) Summary {
	s := Summary{Total: len(results), ByKind: map[string]int{}}
	for _, r := range results {
		if r.Kind == "" {
			s.Succeeded++
			s.ByKind[okKind]++
		} else {
			s.Failed++
			s.ByKind[r.Kind]++
		}
		if r.Attempts > 1 {
			s.Retried++
		}
	}
	return s
}

// WriteResults writes one row per result plus a summary sheet to an xlsx file.
func WriteResults(path string, results []types.BatchResult) (Summary, error) {
	log := logger.New().WithField("component", "dataset.results").WithField("path", path)

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), resultsSheet); err != nil {
		return Summary{}, fmt.Errorf("rename sheet: %w", err)
	}
	header := []any{"Row", "ID", "URL", "Run ID", "Transcript", "Kind", "Stage", "Error", "Attempts", "Duration (ms)"}
	if err := f.SetSheetRow(resultsSheet, "A1", &header); err != nil {
		return Summary{}, fmt.Errorf("write header: %w", err)
	}
	for i, r := range results {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return Summary{}, err
		}
		row := []any{r.Row, r.ID, r.URL, r.RunID, r.Transcript, r.Kind, r.Stage, r.Error, r.Attempts, r.DurationMs}
		if err := f.SetSheetRow(resultsSheet, cell, &row); err != nil {
			return Summary{}, fmt.Errorf("write row %d: %w", r.Row, err)
		}
	}

	sum := Summarize(results)
	if _, err := f.NewSheet(summarySheet); err != nil {
		return Summary{}, fmt.Errorf("add summary sheet: %w", err)
	}
	lines := [][]any{
		{"Total", sum.Total},
		{"Succeeded", sum.Succeeded},
		{"Failed", sum.Failed},
		{"Retried", sum.Retried},
		{},
		{"Kind", "Count"},
	}
	kinds := make([]string, 0, len(sum.ByKind))
	for k := range sum.ByKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if sum.ByKind[kinds[i]] != sum.ByKind[kinds[j]] {
			return sum.ByKind[kinds[i]] > sum.ByKind[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	for _, k := range kinds {
		lines = append(lines, []any{k, sum.ByKind[k]})
	}
	for i := range lines {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &lines[i]); err != nil {
			return Summary{}, fmt.Errorf("write summary: %w", err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		log.WithError(err).Error("save failed")
		return Summary{}, fmt.Errorf("save: %w", err)
	}
	log.WithFields(map[string]interface{}{
		"total":     sum.Total,
		"succeeded": sum.Succeeded,
		"failed":    sum.Failed,
	}).Info("batch results written")
	return sum, nil
}
