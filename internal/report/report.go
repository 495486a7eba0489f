// Package report aggregates finished runs into a per-strategy/model
// leaderboard.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/coder/balatrollm/internal/collector"
)

// Entry is one leaderboard row: every run of one strategy/model pair
// folded together.
type Entry struct {
	Rank           int     `json:"rank"`
	Strategy       string  `json:"strategy"`
	Model          string  `json:"model"`
	Runs           int     `json:"runs"`
	WinRate        float64 `json:"win_rate"`
	CompletionRate float64 `json:"completion_rate"`
	MeanFinalAnte  float64 `json:"mean_final_ante"`
	MeanFinalRound float64 `json:"mean_final_round"`
	MeanTokens     float64 `json:"mean_tokens"`
	MeanCostUSD    float64 `json:"mean_cost_usd"`
	StdCostUSD     float64 `json:"std_cost_usd"`
	MeanTimeMs     float64 `json:"mean_time_ms"`
	StdTimeMs      float64 `json:"std_time_ms"`
}

type runRecord struct {
	strategy string
	model    string
	stats    collector.Stats
}

// Generate walks runsDir for finished runs and writes the leaderboard
// in the chosen format: "table" (default), "markdown", or "json".
func Generate(runsDir, format string, w io.Writer) error {
	runs, err := collectRuns(runsDir)
	if err != nil {
		return err
	}
	entries := aggregate(runs)

	switch format {
	case "markdown":
		return writeMarkdown(entries, w)
	case "json":
		return writeJSON(entries, w)
	default:
		return writeTable(entries, w)
	}
}

func collectRuns(runsDir string) ([]runRecord, error) {
	var runs []runRecord
	err := filepath.WalkDir(runsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "stats.json" {
			return nil
		}
		rec, err := readRun(filepath.Dir(path))
		if err != nil {
			// A half-written run directory is skipped, not fatal.
			return nil
		}
		runs = append(runs, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning runs directory: %w", err)
	}
	return runs, nil
}

func readRun(dir string) (runRecord, error) {
	var rec runRecord

	data, err := os.ReadFile(filepath.Join(dir, "stats.json"))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec.stats); err != nil {
		return rec, err
	}

	var task struct {
		Model struct {
			Vendor string `json:"vendor"`
			Name   string `json:"name"`
		} `json:"model"`
		Strategy string `json:"strategy"`
	}
	data, err = os.ReadFile(filepath.Join(dir, "task.json"))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &task); err != nil {
		return rec, err
	}

	rec.strategy = task.Strategy
	rec.model = task.Model.Vendor + "/" + task.Model.Name
	return rec, nil
}

func aggregate(runs []runRecord) []Entry {
	type accum struct {
		strategy  string
		model     string
		runs      []collector.Stats
		won       int
		completed int
	}
	groups := map[string]*accum{}

	for _, r := range runs {
		key := r.strategy + "\x00" + r.model
		a, ok := groups[key]
		if !ok {
			a = &accum{strategy: r.strategy, model: r.model}
			groups[key] = a
		}
		a.runs = append(a.runs, r.stats)
		if r.stats.Won {
			a.won++
		}
		if r.stats.Completed {
			a.completed++
		}
	}

	var entries []Entry
	for _, a := range groups {
		n := float64(len(a.runs))
		e := Entry{
			Strategy:       a.strategy,
			Model:          a.model,
			Runs:           len(a.runs),
			WinRate:        float64(a.won) / n,
			CompletionRate: float64(a.completed) / n,
		}

		var costGroups, timeGroups []collector.Group
		for _, s := range a.runs {
			e.MeanFinalAnte += float64(s.FinalAnte) / n
			e.MeanFinalRound += float64(s.FinalRound) / n
			e.MeanTokens += (s.Total.InputTokens + s.Total.OutputTokens) / n
			e.MeanCostUSD += s.Total.TotalCost / n
			e.MeanTimeMs += s.Average.TimeMs / n
			if s.Calls.Successful > 0 {
				costGroups = append(costGroups, collector.Group{
					N: s.Calls.Successful, Mean: s.Average.TotalCost, StdDev: s.StdDev.TotalCost,
				})
				timeGroups = append(timeGroups, collector.Group{
					N: s.Calls.Successful, Mean: s.Average.TimeMs, StdDev: s.StdDev.TimeMs,
				})
			}
		}
		// Runs are unequal-sized sample groups of per-call quantities,
		// so their spreads merge via pooling rather than averaging.
		e.StdCostUSD = collector.PooledStdDev(costGroups)
		e.StdTimeMs = collector.PooledStdDev(timeGroups)

		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].MeanFinalRound != entries[j].MeanFinalRound {
			return entries[i].MeanFinalRound > entries[j].MeanFinalRound
		}
		if entries[i].Strategy != entries[j].Strategy {
			return entries[i].Strategy < entries[j].Strategy
		}
		return entries[i].Model < entries[j].Model
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

func writeTable(entries []Entry, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSTRATEGY\tMODEL\tRUNS\tWIN RATE\tCOMPLETION\tMEAN ANTE\tMEAN ROUND\tMEAN TOKENS\tMEAN COST")
	fmt.Fprintln(tw, strings.Repeat("-", 100))
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%.0f%%\t%.0f%%\t%.1f\t%.1f\t%.0f\t$%.4f\n",
			e.Rank, e.Strategy, e.Model, e.Runs,
			e.WinRate*100, e.CompletionRate*100,
			e.MeanFinalAnte, e.MeanFinalRound, e.MeanTokens, e.MeanCostUSD)
	}
	return tw.Flush()
}

func writeMarkdown(entries []Entry, w io.Writer) error {
	fmt.Fprintln(w, "| Rank | Strategy | Model | Runs | Win Rate | Completion | Mean Ante | Mean Round | Mean Tokens | Mean Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|---|---|")
	for _, e := range entries {
		fmt.Fprintf(w, "| %d | %s | %s | %d | %.0f%% | %.0f%% | %.1f | %.1f | %.0f | $%.4f |\n",
			e.Rank, e.Strategy, e.Model, e.Runs,
			e.WinRate*100, e.CompletionRate*100,
			e.MeanFinalAnte, e.MeanFinalRound, e.MeanTokens, e.MeanCostUSD)
	}
	return nil
}

func writeJSON(entries []Entry, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
