package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/llm"
)

// Synthesis composes the final natural-language answer from the source
// results, citing the sources the answer draws on. With no usable source
// data it says so instead of inventing an answer.
type Synthesis struct {
	client queryhive.LLMClient
	logger *zap.Logger
}

// NewSynthesis creates the answer-composition agent.
func NewSynthesis(client queryhive.LLMClient, logger *zap.Logger) *Synthesis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesis{client: client, logger: logger}
}

// Kind implements queryhive.Agent.
func (s *Synthesis) Kind() queryhive.AgentKind { return queryhive.AgentSynthesis }

type synthesisSchema struct {
	Text         string   `json:"text"`
	CitedSources []string `json:"cited_sources"`
	FollowUps    []string `json:"follow_ups"`
}

const synthesisSystemPrompt = `You answer data questions strictly from the evidence provided. Never state a
fact the evidence does not contain. Cite the source IDs you used. Suggest up
to two follow-up questions the evidence could answer. Respond with a single
JSON object:
{"text": "the answer", "cited_sources": ["source ids"], "follow_ups": ["questions"]}`

// Execute implements queryhive.Agent.
func (s *Synthesis) Execute(ctx context.Context, input queryhive.AgentInput) (queryhive.AgentResult, error) {
	start := time.Now()

	usable := usableResults(input.Prior)
	if len(usable) == 0 {
		return queryhive.AgentResult{
			Agent:      queryhive.AgentSynthesis,
			Success:    true,
			Confidence: 0.2,
			Elapsed:    time.Since(start),
			Payload: queryhive.SynthesizedAnswer{
				Text: "None of the available sources returned data for this question.",
			},
		}, nil
	}

	if s.client == nil {
		return queryhive.AgentResult{}, queryhive.NewConfigurationError("llm client is not configured", nil)
	}

	resp, err := baseCall(ctx, s.client, synthesisSystemPrompt, synthesisUserPrompt(input, usable), 2048)
	if err != nil {
		return queryhive.AgentResult{}, err
	}
	var parsed synthesisSchema
	if err := llm.DecodeStructured(resp.Text, &parsed); err != nil {
		return queryhive.AgentResult{}, err
	}

	// Cited sources must be ones that actually produced data; anything else
	// the model made up.
	cited := filterCitations(parsed.CitedSources, usable)

	return queryhive.AgentResult{
		Agent:         queryhive.AgentSynthesis,
		Success:       true,
		Confidence:    synthesisConfidence(cited, usable),
		Elapsed:       time.Since(start),
		ResourceUnits: resp.ResourceUnits,
		Payload: queryhive.SynthesizedAnswer{
			Text:         strings.TrimSpace(parsed.Text),
			CitedSources: cited,
			FollowUps:    parsed.FollowUps,
		},
	}, nil
}

// usableResults returns the per-source results that succeeded with data.
func usableResults(prior map[queryhive.AgentKind]queryhive.AgentResult) []queryhive.SourceResult {
	var out []queryhive.SourceResult
	for _, kind := range []queryhive.AgentKind{queryhive.AgentStructuredQuery, queryhive.AgentDocumentExtract, queryhive.AgentConnectorFetch} {
		res, ok := prior[kind]
		if !ok {
			continue
		}
		set, ok := res.Payload.(queryhive.SourceResultSet)
		if !ok {
			continue
		}
		for _, sr := range set.Results {
			if sr.Success && sr.HasData() {
				out = append(out, sr)
			}
		}
	}
	return out
}

func synthesisUserPrompt(input queryhive.AgentInput, usable []queryhive.SourceResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nEvidence:\n", input.EffectiveQuery())
	for _, sr := range usable {
		fmt.Fprintf(&b, "--- source %s ---\n", sr.SourceID)
		switch {
		case len(sr.Rows) > 0:
			writeRows(&b, sr)
		case len(sr.Passages) > 0:
			for _, p := range sr.Passages {
				fmt.Fprintf(&b, "[%s] %s\n", p.DocumentID, p.Excerpt)
			}
		case len(sr.Records) > 0:
			writeRecords(&b, sr.Records)
		}
	}
	return b.String()
}

// writeRows renders tabular data as JSON lines, truncated so a huge result
// set cannot blow the prompt budget.
func writeRows(b *strings.Builder, sr queryhive.SourceResult) {
	const maxRows = 50
	rows := sr.Rows
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	fmt.Fprintf(b, "columns: %s\n", strings.Join(sr.Columns, ", "))
	for _, row := range rows {
		if data, err := json.Marshal(row); err == nil {
			b.Write(data)
			b.WriteString("\n")
		}
	}
	if len(sr.Rows) > maxRows {
		fmt.Fprintf(b, "(%d more rows omitted)\n", len(sr.Rows)-maxRows)
	}
}

func writeRecords(b *strings.Builder, records []map[string]any) {
	const maxRecords = 25
	if len(records) > maxRecords {
		records = records[:maxRecords]
	}
	for _, rec := range records {
		if data, err := json.Marshal(rec); err == nil {
			b.Write(data)
			b.WriteString("\n")
		}
	}
}

func filterCitations(cited []string, usable []queryhive.SourceResult) []string {
	valid := make(map[string]bool, len(usable))
	for _, sr := range usable {
		valid[sr.SourceID] = true
	}
	var out []string
	for _, id := range cited {
		if valid[id] {
			out = append(out, id)
		}
	}
	// A model that cites nothing still drew on the evidence it was given.
	if len(out) == 0 {
		for _, sr := range usable {
			out = append(out, sr.SourceID)
		}
	}
	return out
}

func synthesisConfidence(cited []string, usable []queryhive.SourceResult) float64 {
	if len(usable) == 0 {
		return 0.2
	}
	base := 0.6 + 0.1*float64(len(cited))
	if base > 0.9 {
		base = 0.9
	}
	return base
}
