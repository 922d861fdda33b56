package compliance

import "strings"

// Advisory content scanning. Issues are logged alongside the send but
// never block it; enforcement stays with the human reviewing campaigns.

var healthClaimTerms = []string{
	"cure", "cures", "treats", "treatment for", "heals",
	"medical benefit", "doctor recommended", "fda approved",
	"anxiety relief", "pain relief", "cancer",
}

var minorAppealingTerms = []string{
	"candy", "gummy bears", "cartoon", "kid", "kids",
	"back to school", "toy", "lunchbox",
}

// ScanResult reports advisory content issues.
type ScanResult struct {
	Approved bool
	Issues   []string
}

// ScanContent checks marketing copy against the health-claim and
// minor-appealing word lists with case-insensitive substring matching.
// The state argument reserves room for per-state lists; none exist yet.
func ScanContent(text, state string) ScanResult {
	lower := strings.ToLower(text)
	var issues []string
	for _, term := range healthClaimTerms {
		if strings.Contains(lower, term) {
			issues = append(issues, "possible health claim: "+term)
		}
	}
	for _, term := range minorAppealingTerms {
		if strings.Contains(lower, term) {
			issues = append(issues, "possibly minor-appealing: "+term)
		}
	}
	return ScanResult{Approved: len(issues) == 0, Issues: issues}
}
