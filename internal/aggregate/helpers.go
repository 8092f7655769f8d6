package aggregate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/queryhive/queryhive"
)

// partitionSources splits the fan-out results into sources that produced
// data and sources that failed or came back empty.
func partitionSources(prior map[queryhive.AgentKind]queryhive.AgentResult) (withData, failed []queryhive.SourceResult) {
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
				withData = append(withData, sr)
			} else if !sr.Success {
				failed = append(failed, sr)
			}
		}
	}
	return withData, failed
}

// evidenceDigest renders the per-source evidence compactly for model review.
func evidenceDigest(query string, results []queryhive.SourceResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	for _, sr := range results {
		fmt.Fprintf(&b, "--- source %s ---\n", sr.SourceID)
		switch {
		case len(sr.Rows) > 0:
			writeCompact(&b, sr.Rows, 20)
		case len(sr.Passages) > 0:
			for i, p := range sr.Passages {
				if i >= 10 {
					break
				}
				fmt.Fprintf(&b, "%s\n", p.Excerpt)
			}
		case len(sr.Records) > 0:
			writeCompact(&b, sr.Records, 20)
		}
	}
	return b.String()
}

func writeCompact(b *strings.Builder, rows []map[string]any, limit int) {
	if len(rows) > limit {
		rows = rows[:limit]
	}
	for _, row := range rows {
		if data, err := json.Marshal(row); err == nil {
			b.Write(data)
			b.WriteString("\n")
		}
	}
}
