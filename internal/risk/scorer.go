// Package risk turns detection results and candidate evidence into a
// bounded risk assessment.
//
// Scoring is a pure function: factor rules run in a fixed order, factor
// text is deterministic, and nothing here touches the clock, the network,
// or storage. The same candidate and detection always produce the same
// assessment.
package risk

import (
	"fmt"
	"sort"
	"strings"

	"github.com/darrentmorgan/singura-sub016/internal/aidetect"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

const (
	baseScore      = 30
	perFactorScore = 15
	maxScore       = 100

	// DefaultAIPlatformScore is the fixed score for confirmed AI platform
	// integrations.
	DefaultAIPlatformScore = 85

	// scopeCountThreshold is the scope count at which breadth alone
	// becomes a factor.
	scopeCountThreshold = 5
)

// Assessment is the scorer's verdict on one candidate.
type Assessment struct {
	Score   int              `json:"score"`
	Level   models.RiskLevel `json:"level"`
	Factors []string         `json:"factors"`
}

// Scorer assigns risk scores. Stateless after construction; safe for
// concurrent use.
type Scorer struct {
	aiPlatformScore int
}

func NewScorer(aiPlatformScore int) *Scorer {
	if aiPlatformScore <= 0 {
		aiPlatformScore = DefaultAIPlatformScore
	}
	if aiPlatformScore > maxScore {
		aiPlatformScore = maxScore
	}
	return &Scorer{aiPlatformScore: aiPlatformScore}
}

// Score assesses one candidate. A confirmed AI platform integration pins
// the score and floors the level at high; everything else scores by factor
// count, capped at 100.
func (s *Scorer) Score(c models.DiscoveredAutomation, det aidetect.Detection) Assessment {
	factors := collectFactors(c, det)

	if det.IsAIPlatform {
		level := models.RiskHigh
		if s.aiPlatformScore >= 90 || len(factors) >= 5 {
			level = models.RiskCritical
		}
		return Assessment{Score: s.aiPlatformScore, Level: level, Factors: factors}
	}

	score := baseScore + perFactorScore*len(factors)
	if score > maxScore {
		score = maxScore
	}
	return Assessment{Score: score, Level: levelForCount(len(factors)), Factors: factors}
}

// collectFactors applies the factor rules in their fixed order.
func collectFactors(c models.DiscoveredAutomation, det aidetect.Detection) []string {
	factors := []string{}

	if det.IsAIPlatform {
		factors = append(factors, "AI platform integration: "+det.Vendor)
	}

	if k := len(c.Permissions); k >= scopeCountThreshold {
		factors = append(factors, fmt.Sprintf("%d OAuth scopes granted", k))
	}

	counts := map[models.ScopeCategory]int{}
	for _, scope := range c.Permissions {
		if cat, ok := models.SensitiveScopeCategory(scope); ok {
			counts[cat]++
		}
	}
	for _, rule := range []struct {
		cat   models.ScopeCategory
		label string
	}{
		{models.ScopeCategoryDrive, "Drive access"},
		{models.ScopeCategoryMail, "Mail access"},
		{models.ScopeCategoryCalendar, "Calendar access"},
		{models.ScopeCategoryAdmin, "Admin access"},
	} {
		if n := counts[rule.cat]; n > 0 {
			factors = append(factors, fmt.Sprintf("%s: %d scope(s)", rule.label, n))
		}
	}

	if det.AutomationPlatform {
		factors = append(factors, "Third-party automation platform detected")
	}

	for _, host := range fetchHosts(c.Actions) {
		factors = append(factors, "External URL fetch: "+host)
	}

	if external, _ := c.Metadata["external_project"].(bool); external {
		factors = append(factors, "Service account belongs to external project")
	}

	return factors
}

// fetchHosts extracts distinct url_fetch targets from script actions,
// sorted so factor order never depends on action order.
func fetchHosts(actions []string) []string {
	seen := map[string]struct{}{}
	var hosts []string
	for _, a := range actions {
		host, ok := strings.CutPrefix(a, "url_fetch:")
		if !ok || host == "" {
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// levelForCount maps factor count to a level for non-AI candidates.
func levelForCount(n int) models.RiskLevel {
	switch {
	case n == 0:
		return models.RiskLow
	case n <= 2:
		return models.RiskMedium
	case n <= 4:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}
