package aidetect

import (
	"sort"
	"strings"

	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// Rule confidence weights. A name token is the strongest evidence, an API
// key prefix the weakest that still clears the default threshold.
const (
	confidenceVendorToken = 80
	confidenceHostname    = 75
	confidenceKeyPrefix   = 70
	confidenceScopeBoost  = 15

	// DefaultConfidenceThreshold is the confidence at or above which a
	// candidate counts as an AI platform integration.
	DefaultConfidenceThreshold = 70
)

// Detection is the detector's verdict on one candidate.
type Detection struct {
	// IsAIPlatform is true when confidence clears the threshold and the
	// matched vendor is an AI platform proper, not an automation platform.
	IsAIPlatform bool `json:"is_ai_platform"`

	Vendor      string `json:"vendor,omitempty"`       // catalog key, e.g. "openai"
	DisplayName string `json:"display_name,omitempty"` // e.g. "OpenAI / ChatGPT"
	Platform    string `json:"platform,omitempty"`     // catalog platform enum

	// AutomationPlatform is true when the matched vendor is a workflow
	// automation platform (catalog automation flag) at or above threshold.
	AutomationPlatform bool `json:"automation_platform,omitempty"`

	Confidence int      `json:"confidence"`
	Signals    []string `json:"signals,omitempty"`
}

// Detector evaluates candidates against a vendor catalog. Stateless after
// construction; safe for concurrent use.
type Detector struct {
	catalog   *Catalog
	threshold int
}

func NewDetector(catalog *Catalog, threshold int) *Detector {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &Detector{catalog: catalog, threshold: threshold}
}

// Detect matches one candidate against every vendor in catalog order and
// returns the strongest match. Ties keep the earlier vendor. Same input,
// same output: evidence is assembled in a fixed order and no rule consults
// time or randomness.
func (d *Detector) Detect(c models.DiscoveredAutomation) Detection {
	// The newline keeps a name ending and an ID beginning from fusing
	// into a token match across the boundary.
	identity := strings.ToLower(c.Name) + "\n" + strings.ToLower(c.ExternalID)
	evidence := evidenceStrings(c)

	var best Detection
	for _, v := range d.catalog.Vendors {
		det := matchVendor(v, identity, evidence, c.Permissions)
		if det.Confidence > best.Confidence {
			best = det
		}
	}

	if best.Confidence >= d.threshold {
		if best.AutomationPlatform {
			best.IsAIPlatform = false
		} else {
			best.IsAIPlatform = true
		}
	} else {
		best.AutomationPlatform = false
	}
	return best
}

// Threshold returns the configured confidence threshold.
func (d *Detector) Threshold() int { return d.threshold }

func matchVendor(v Vendor, identity string, evidence []string, scopes []string) Detection {
	confidence := 0
	var signals []string

	for _, tok := range v.Tokens {
		if strings.Contains(identity, tok) {
			confidence = maxConfidence(confidence, confidenceVendorToken)
			signals = append(signals, "vendor_token:"+tok)
		}
	}
	for _, host := range v.Hostnames {
		for _, ev := range evidence {
			if strings.Contains(ev, host) {
				confidence = maxConfidence(confidence, confidenceHostname)
				signals = append(signals, "hostname:"+host)
				break
			}
		}
	}
	for _, prefix := range v.KeyPrefixes {
		if evidenceHasKeyPrefix(evidence, prefix) {
			confidence = maxConfidence(confidence, confidenceKeyPrefix)
			signals = append(signals, "key_prefix:"+prefix)
		}
	}

	if confidence == 0 {
		return Detection{}
	}

	// A sensitive scope strengthens an existing match; on its own it says
	// nothing about which vendor is behind the automation.
	for _, scope := range scopes {
		if models.IsSensitiveScope(scope) {
			confidence += confidenceScopeBoost
			if confidence > 100 {
				confidence = 100
			}
			signals = append(signals, "sensitive_scope:"+scope)
			break
		}
	}

	return Detection{
		Vendor:             v.Name,
		DisplayName:        v.Display,
		Platform:           v.Platform,
		AutomationPlatform: v.Automation,
		Confidence:         confidence,
		Signals:            signals,
	}
}

// evidenceStrings assembles the candidate's evidence in a fixed order:
// actions first, then metadata string values by sorted key. Everything is
// lowercased once here.
func evidenceStrings(c models.DiscoveredAutomation) []string {
	out := make([]string, 0, len(c.Actions)+len(c.Metadata))
	for _, a := range c.Actions {
		out = append(out, strings.ToLower(a))
	}
	if len(c.Metadata) > 0 {
		keys := make([]string, 0, len(c.Metadata))
		for k := range c.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s, ok := c.Metadata[k].(string); ok {
				out = append(out, strings.ToLower(s))
			}
		}
	}
	return out
}

// evidenceHasKeyPrefix looks for a word starting with the prefix and
// carrying material beyond it. Substring matching would false-positive on
// words that merely contain the prefix ("risk-" contains "sk-" only as a
// substring, not as a word start).
func evidenceHasKeyPrefix(evidence []string, prefix string) bool {
	for _, ev := range evidence {
		words := strings.FieldsFunc(ev, func(r rune) bool {
			return !(r == '-' || r == '_' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
		})
		for _, w := range words {
			if len(w) > len(prefix) && strings.HasPrefix(w, prefix) {
				return true
			}
		}
	}
	return false
}

func maxConfidence(a, b int) int {
	if a > b {
		return a
	}
	return b
}
