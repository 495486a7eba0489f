// Package collector owns one run's directory: the append-only request,
// response, and gamestate logs, call-outcome counters, and the final
// stats file derived from them.
package collector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/coder/balatrollm/internal/config"
	"github.com/coder/balatrollm/internal/game"
	"github.com/coder/balatrollm/internal/pricing"
	"github.com/coder/balatrollm/internal/strategy"
)

// Outcome classifies one decision-point call.
type Outcome string

const (
	// OutcomeSuccessful: the model returned a tool call and the game accepted it.
	OutcomeSuccessful Outcome = "successful"
	// OutcomeError: the model response carried no usable tool call.
	OutcomeError Outcome = "error"
	// OutcomeFailed: the game rejected the tool call.
	OutcomeFailed Outcome = "failed"
)

// CallStats counts decision-point outcomes for one run.
type CallStats struct {
	Successful int `json:"successful"`
	Error      int `json:"error"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// AggregatedStats carries one aggregate (total, average, or standard
// deviation) over the per-response quantities of a run.
type AggregatedStats struct {
	InputTokens  float64 `json:"input_tokens"`
	OutputTokens float64 `json:"output_tokens"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost"`
	TimeMs       float64 `json:"time_ms"`
}

// Stats is the final per-run record written to stats.json.
type Stats struct {
	Won          bool            `json:"won"`
	Completed    bool            `json:"completed"`
	FinalAnte    int             `json:"final_ante"`
	FinalRound   int             `json:"final_round"`
	FinishReason string          `json:"finish_reason"`
	Providers    map[string]int  `json:"providers"`
	Calls        CallStats       `json:"calls"`
	Total        AggregatedStats `json:"total"`
	Average      AggregatedStats `json:"average"`
	StdDev       AggregatedStats `json:"std_dev"`
}

// ResponseBody is the success half of a response record, in OpenAI
// batch output format. RequestID is the millisecond timestamp taken
// when the request was sent.
type ResponseBody struct {
	RequestID  string          `json:"request_id"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// ErrorBody is the failure half of a response record.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type requestRecord struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

type responseRecord struct {
	ID       string        `json:"id"`
	CustomID string        `json:"custom_id"`
	Response *ResponseBody `json:"response"`
	Error    *ErrorBody    `json:"error"`
}

// Collector manages the files of one run directory. Not safe for
// concurrent use; each Bot owns exactly one Collector.
type Collector struct {
	task   config.Task
	runDir string
	table  *pricing.Table

	requestCount int
	calls        CallStats

	requests   *os.File
	responses  *os.File
	gamestates *os.File
}

// New creates the run directory under baseDir, snapshots the task and
// strategy manifest into it, and opens the append-only logs. The
// pricing table may be nil; costs then rely on provider-reported usage.
func New(task config.Task, baseDir string, manifest strategy.Manifest, table *pricing.Table) (*Collector, error) {
	vendor, model := task.Vendor()
	now := time.Now()
	dirName := fmt.Sprintf("%s_%03d_%s_%s_%s",
		now.Format("20060102_150405"), now.Nanosecond()/1e6,
		task.Deck, task.Stake, task.Seed)
	runDir := filepath.Join(baseDir, task.Strategy, vendor, model, dirName)

	if err := os.MkdirAll(filepath.Join(runDir, "screenshots"), 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	taskSnapshot := map[string]any{
		"model":    map[string]string{"vendor": vendor, "name": model},
		"seed":     task.Seed,
		"deck":     task.Deck,
		"stake":    task.Stake,
		"strategy": task.Strategy,
	}
	if err := writeJSON(filepath.Join(runDir, "task.json"), taskSnapshot); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(runDir, "strategy.json"), manifest); err != nil {
		return nil, err
	}

	c := &Collector{task: task, runDir: runDir, table: table}
	var err error
	for _, f := range []struct {
		name string
		dst  **os.File
	}{
		{"requests.jsonl", &c.requests},
		{"responses.jsonl", &c.responses},
		{"gamestates.jsonl", &c.gamestates},
	} {
		*f.dst, err = os.OpenFile(filepath.Join(runDir, f.name),
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("opening %s: %w", f.name, err)
		}
	}
	return c, nil
}

// RunDir returns the absolute run directory path.
func (c *Collector) RunDir() string { return c.runDir }

// Close closes the append-only logs. Safe to call more than once.
func (c *Collector) Close() {
	for _, f := range []*os.File{c.requests, c.responses, c.gamestates} {
		if f != nil {
			f.Close()
		}
	}
	c.requests, c.responses, c.gamestates = nil, nil, nil
}

// WriteRequest appends a request record and returns its custom id.
// Ids are sequential within the run, starting at request-00001.
func (c *Collector) WriteRequest(body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request body: %w", err)
	}
	c.requestCount++
	customID := fmt.Sprintf("request-%05d", c.requestCount)
	rec := requestRecord{
		CustomID: customID,
		Method:   "POST",
		URL:      "/v1/chat/completions",
		Body:     raw,
	}
	if err := appendLine(c.requests, rec); err != nil {
		return "", err
	}
	return customID, nil
}

// WriteResponse appends a response record. Exactly one of resp and
// errBody must be non-nil. id is the millisecond timestamp at which the
// response was received.
func (c *Collector) WriteResponse(id, customID string, resp *ResponseBody, errBody *ErrorBody) error {
	if (resp == nil) == (errBody == nil) {
		return fmt.Errorf("response record %s needs exactly one of response or error", customID)
	}
	return appendLine(c.responses, responseRecord{
		ID:       id,
		CustomID: customID,
		Response: resp,
		Error:    errBody,
	})
}

// WriteGamestate appends one raw gamestate document.
func (c *Collector) WriteGamestate(raw json.RawMessage) error {
	_, err := fmt.Fprintf(c.gamestates, "%s\n", raw)
	return err
}

// RecordCall bumps the counter for one decision-point outcome.
func (c *Collector) RecordCall(outcome Outcome) error {
	switch outcome {
	case OutcomeSuccessful:
		c.calls.Successful++
	case OutcomeError:
		c.calls.Error++
	case OutcomeFailed:
		c.calls.Failed++
	default:
		return fmt.Errorf("invalid call outcome %q", outcome)
	}
	c.calls.Total++
	return nil
}

// Calls returns a snapshot of the outcome counters.
func (c *Collector) Calls() CallStats { return c.calls }

// WriteStats reads the response and gamestate logs back, aggregates
// them, and overwrites stats.json. Call it exactly once, after the run
// loop has exited.
func (c *Collector) WriteStats(finishReason string) (*Stats, error) {
	stats := &Stats{
		FinishReason: finishReason,
		Providers:    map[string]int{},
		Calls:        c.calls,
	}

	if gs, err := c.lastGamestate(); err == nil && gs != nil {
		stats.Won = gs.Won()
		stats.Completed = gs.Label() == game.StateGameOver || gs.Won()
		stats.FinalAnte = gs.Ante()
		stats.FinalRound = gs.Round()
	}

	samples, providers, err := c.successfulSamples()
	if err != nil {
		return nil, err
	}
	stats.Providers = providers
	aggregate(stats, samples)

	if err := writeJSON(filepath.Join(c.runDir, "stats.json"), stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// sample holds the per-response quantities aggregated into Stats.
type sample struct {
	provider  string
	inTokens  float64
	outTokens float64
	inCost    float64
	outCost   float64
	totalCost float64
	timeMs    float64
}

func (c *Collector) successfulSamples() ([]sample, map[string]int, error) {
	providers := map[string]int{}
	var samples []sample

	lines, err := readLines(filepath.Join(c.runDir, "responses.jsonl"))
	if err != nil {
		return nil, nil, err
	}

	vendor, model := c.task.Vendor()
	for _, line := range lines {
		var rec responseRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, nil, fmt.Errorf("parsing response record: %w", err)
		}
		if rec.Response == nil || rec.Response.StatusCode != 200 {
			continue
		}

		var body struct {
			Provider string `json:"provider"`
			Usage    struct {
				PromptTokens     int     `json:"prompt_tokens"`
				CompletionTokens int     `json:"completion_tokens"`
				Cost             float64 `json:"cost"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(rec.Response.Body, &body); err != nil {
			return nil, nil, fmt.Errorf("parsing response body %s: %w", rec.CustomID, err)
		}
		if body.Provider != "" {
			providers[body.Provider]++
		}

		s := sample{
			provider:  body.Provider,
			inTokens:  float64(body.Usage.PromptTokens),
			outTokens: float64(body.Usage.CompletionTokens),
			totalCost: body.Usage.Cost,
		}
		s.inCost, s.outCost = c.table.Cost(vendor, model,
			body.Usage.PromptTokens, body.Usage.CompletionTokens)
		if s.totalCost == 0 {
			s.totalCost = s.inCost + s.outCost
		}

		received, err1 := strconv.ParseInt(rec.ID, 10, 64)
		sent, err2 := strconv.ParseInt(rec.Response.RequestID, 10, 64)
		if err1 == nil && err2 == nil {
			s.timeMs = float64(received - sent)
		}
		samples = append(samples, s)
	}
	return samples, providers, nil
}

// aggregate fills Total, Average, and StdDev from the samples. The
// standard deviation is pooled over per-provider groups, which equals
// the plain sample standard deviation over all responses while keeping
// the per-group breakdown available.
func aggregate(stats *Stats, samples []sample) {
	if len(samples) == 0 {
		return
	}
	n := float64(len(samples))

	fields := []struct {
		pick func(sample) float64
		tot  *float64
		avg  *float64
		std  *float64
	}{
		{func(s sample) float64 { return s.inTokens }, &stats.Total.InputTokens, &stats.Average.InputTokens, &stats.StdDev.InputTokens},
		{func(s sample) float64 { return s.outTokens }, &stats.Total.OutputTokens, &stats.Average.OutputTokens, &stats.StdDev.OutputTokens},
		{func(s sample) float64 { return s.inCost }, &stats.Total.InputCost, &stats.Average.InputCost, &stats.StdDev.InputCost},
		{func(s sample) float64 { return s.outCost }, &stats.Total.OutputCost, &stats.Average.OutputCost, &stats.StdDev.OutputCost},
		{func(s sample) float64 { return s.totalCost }, &stats.Total.TotalCost, &stats.Average.TotalCost, &stats.StdDev.TotalCost},
		{func(s sample) float64 { return s.timeMs }, &stats.Total.TimeMs, &stats.Average.TimeMs, &stats.StdDev.TimeMs},
	}

	for _, f := range fields {
		var sum float64
		byProvider := map[string][]float64{}
		for _, s := range samples {
			v := f.pick(s)
			sum += v
			byProvider[s.provider] = append(byProvider[s.provider], v)
		}
		*f.tot = sum
		*f.avg = sum / n

		groups := make([]Group, 0, len(byProvider))
		for _, vals := range byProvider {
			mean, std := MeanStdDev(vals)
			groups = append(groups, Group{N: len(vals), Mean: mean, StdDev: std})
		}
		*f.std = PooledStdDev(groups)
	}
}

func (c *Collector) lastGamestate() (game.GameState, error) {
	lines, err := readLines(filepath.Join(c.runDir, "gamestates.jsonl"))
	if err != nil || len(lines) == 0 {
		return nil, err
	}
	return game.ParseGameState(lines[len(lines)-1])
}

func readLines(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []json.RawMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func appendLine(f *os.File, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%s\n", data)
	return err
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
