package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
)

// Names of the independent hallucination-risk checks.
const (
	CheckCitationCoverage    = "citation_coverage"
	CheckNumericGrounding    = "numeric_grounding"
	CheckSourceAgreement     = "source_agreement"
	CheckEvidencePresence    = "evidence_presence"
	CheckConfidenceAlignment = "confidence_alignment"
)

// Hallucination runs independent risk checks over the synthesized answer and
// escalates the risk level with the number of failures: one failed check is
// medium risk, two high, three or more critical. Only critical risk marks the
// answer unsafe to deliver as-is; lower levels deliver with a confidence
// penalty applied downstream.
type Hallucination struct {
	logger *zap.Logger
}

// NewHallucination creates the answer risk-review agent.
func NewHallucination(logger *zap.Logger) *Hallucination {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hallucination{logger: logger}
}

// Kind implements queryhive.Agent.
func (h *Hallucination) Kind() queryhive.AgentKind { return queryhive.AgentHallucination }

// Execute implements queryhive.Agent.
func (h *Hallucination) Execute(ctx context.Context, input queryhive.AgentInput) (queryhive.AgentResult, error) {
	start := time.Now()

	answer, haveAnswer := synthesizedAnswer(input.Prior)
	withData, _ := partitionSources(input.Prior)

	checks := []queryhive.CheckResult{
		checkCitationCoverage(answer, withData),
		checkNumericGrounding(answer, withData),
		checkSourceAgreement(input.Prior),
		checkEvidencePresence(answer, haveAnswer, withData),
		checkConfidenceAlignment(input.Prior, withData),
	}

	failedCount := 0
	for _, c := range checks {
		if c.Status == queryhive.CheckFailed {
			failedCount++
		}
	}
	risk := escalate(failedCount)

	report := queryhive.HallucinationReport{
		Checks:        checks,
		Risk:          risk,
		SafeToProceed: risk != queryhive.RiskCritical,
	}
	return queryhive.AgentResult{
		Agent:      queryhive.AgentHallucination,
		Success:    true,
		Confidence: 0.8,
		Elapsed:    time.Since(start),
		Payload:    report,
	}, nil
}

func escalate(failed int) queryhive.RiskLevel {
	switch {
	case failed >= 3:
		return queryhive.RiskCritical
	case failed == 2:
		return queryhive.RiskHigh
	case failed == 1:
		return queryhive.RiskMedium
	default:
		return queryhive.RiskLow
	}
}

func synthesizedAnswer(prior map[queryhive.AgentKind]queryhive.AgentResult) (queryhive.SynthesizedAnswer, bool) {
	res, ok := prior[queryhive.AgentSynthesis]
	if !ok {
		return queryhive.SynthesizedAnswer{}, false
	}
	answer, ok := res.Payload.(queryhive.SynthesizedAnswer)
	return answer, ok
}

// checkCitationCoverage fails when the answer cites nothing, or cites a
// source that produced no data.
func checkCitationCoverage(answer queryhive.SynthesizedAnswer, withData []queryhive.SourceResult) queryhive.CheckResult {
	check := queryhive.CheckResult{Name: CheckCitationCoverage, Status: queryhive.CheckPassed}
	if answer.Text == "" {
		check.Status = queryhive.CheckWarning
		check.Detail = "no answer to review"
		return check
	}
	if len(answer.CitedSources) == 0 {
		check.Status = queryhive.CheckFailed
		check.Detail = "answer cites no sources"
		return check
	}
	valid := make(map[string]bool, len(withData))
	for _, sr := range withData {
		valid[sr.SourceID] = true
	}
	for _, id := range answer.CitedSources {
		if !valid[id] {
			check.Status = queryhive.CheckFailed
			check.Detail = fmt.Sprintf("cited source %s produced no data", id)
			return check
		}
	}
	return check
}

// A trailing period is sentence punctuation, not a decimal point.
var numberPattern = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// checkNumericGrounding fails when the answer states numbers that appear
// nowhere in the evidence.
func checkNumericGrounding(answer queryhive.SynthesizedAnswer, withData []queryhive.SourceResult) queryhive.CheckResult {
	check := queryhive.CheckResult{Name: CheckNumericGrounding, Status: queryhive.CheckPassed}
	numbers := numberPattern.FindAllString(answer.Text, -1)
	if len(numbers) == 0 {
		return check
	}

	evidence := evidenceText(withData)
	ungrounded := 0
	for _, raw := range numbers {
		normalized := strings.ReplaceAll(raw, ",", "")
		if !strings.Contains(evidence, normalized) && !strings.Contains(evidence, raw) {
			ungrounded++
		}
	}
	// Derived figures (percentages, rounded totals) legitimately differ from
	// the raw evidence; only a majority of unmatched numbers fails.
	if ungrounded*2 > len(numbers) {
		check.Status = queryhive.CheckFailed
		check.Detail = fmt.Sprintf("%d of %d numbers not found in evidence", ungrounded, len(numbers))
	} else if ungrounded > 0 {
		check.Status = queryhive.CheckWarning
		check.Detail = fmt.Sprintf("%d of %d numbers not found in evidence", ungrounded, len(numbers))
	}
	return check
}

// checkSourceAgreement fails when the consistency pass found a contradicted
// source.
func checkSourceAgreement(prior map[queryhive.AgentKind]queryhive.AgentResult) queryhive.CheckResult {
	check := queryhive.CheckResult{Name: CheckSourceAgreement, Status: queryhive.CheckPassed}
	res, ok := prior[queryhive.AgentConsistency]
	if !ok {
		check.Status = queryhive.CheckWarning
		check.Detail = "no consistency report available"
		return check
	}
	report, ok := res.Payload.(queryhive.ConsistencyReport)
	if !ok {
		check.Status = queryhive.CheckWarning
		check.Detail = "no consistency report available"
		return check
	}
	for _, src := range report.Sources {
		switch src.Status {
		case queryhive.StatusContradicted:
			check.Status = queryhive.CheckFailed
			check.Detail = fmt.Sprintf("source %s contradicted by another source", src.SourceID)
			return check
		case queryhive.StatusInconsistent:
			check.Status = queryhive.CheckWarning
			check.Detail = fmt.Sprintf("source %s inconsistent with another source", src.SourceID)
		}
	}
	return check
}

// checkEvidencePresence fails when a substantive answer exists but no source
// produced data to support it.
func checkEvidencePresence(answer queryhive.SynthesizedAnswer, haveAnswer bool, withData []queryhive.SourceResult) queryhive.CheckResult {
	check := queryhive.CheckResult{Name: CheckEvidencePresence, Status: queryhive.CheckPassed}
	if !haveAnswer || answer.Text == "" {
		return check
	}
	if len(withData) == 0 {
		check.Status = queryhive.CheckFailed
		check.Detail = "answer exists but no source produced data"
	}
	return check
}

// checkConfidenceAlignment fails when synthesis claims high confidence over
// thin evidence.
func checkConfidenceAlignment(prior map[queryhive.AgentKind]queryhive.AgentResult, withData []queryhive.SourceResult) queryhive.CheckResult {
	check := queryhive.CheckResult{Name: CheckConfidenceAlignment, Status: queryhive.CheckPassed}
	res, ok := prior[queryhive.AgentSynthesis]
	if !ok {
		return check
	}
	if res.Confidence >= 0.7 && len(withData) == 0 {
		check.Status = queryhive.CheckFailed
		check.Detail = "high synthesis confidence with no supporting data"
	}
	return check
}

func evidenceText(withData []queryhive.SourceResult) string {
	var b strings.Builder
	for _, sr := range withData {
		for _, row := range sr.Rows {
			if data, err := json.Marshal(row); err == nil {
				b.Write(data)
			}
		}
		for _, p := range sr.Passages {
			b.WriteString(p.Excerpt)
		}
		for _, rec := range sr.Records {
			if data, err := json.Marshal(rec); err == nil {
				b.Write(data)
			}
		}
	}
	return b.String()
}
