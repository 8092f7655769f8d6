package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/queryhive/queryhive"
)

// Cache keys are derived from semantically relevant inputs only: query text,
// source-set fingerprint and user scope. Volatile fields (timestamps, request
// IDs, relevance scores) never participate, so identical requests hash to
// identical keys.

type planKeyInput struct {
	Op           string   `json:"op"`
	Query        string   `json:"query"`
	Fingerprints []string `json:"fingerprints"`
	Scope        string   `json:"scope"`
}

// PlanKey returns the cache key for an execution plan.
func PlanKey(q queryhive.QueryContext, sources []queryhive.SourceDescriptor) string {
	return hashKey(planKeyInput{
		Op:           "plan",
		Query:        q.Query,
		Fingerprints: sortedFingerprints(sources),
		Scope:        q.Scope(),
	})
}

// AnalysisKey returns the cache key for a query classification. Analyses are
// query-text-only and source-independent, so they live under the long TTL
// class.
func AnalysisKey(query string) string {
	return hashKey(planKeyInput{Op: "analysis", Query: query})
}

// AgentKey returns the cache key for one agent's output on one query.
func AgentKey(kind queryhive.AgentKind, q queryhive.QueryContext, sources []queryhive.SourceDescriptor) string {
	return hashKey(planKeyInput{
		Op:           "agent/" + string(kind),
		Query:        q.Query,
		Fingerprints: sortedFingerprints(sources),
		Scope:        q.Scope(),
	})
}

func sortedFingerprints(sources []queryhive.SourceDescriptor) []string {
	fps := make([]string, 0, len(sources))
	for _, src := range sources {
		fp := src.Fingerprint
		if fp == "" {
			fp = src.ID
		}
		fps = append(fps, string(src.Kind)+":"+fp)
	}
	sort.Strings(fps)
	return fps
}

func hashKey(input planKeyInput) string {
	data, err := json.Marshal(input)
	if err != nil {
		// Marshalling a flat struct of strings cannot fail; fall back to the
		// raw query to stay deterministic regardless.
		return input.Op + ":" + input.Query
	}
	hasher := sha1.New()
	hasher.Write(data)
	return input.Op + ":" + hex.EncodeToString(hasher.Sum(nil))
}
