package pattern

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/msageha/troupe/internal/model"
)

// Signals describe the shape of a piece of work. Select turns them into a
// protocol choice with a fixed weight table, so the same signals always pick
// the same protocol.
type Signals struct {
	// HasArtifact: there is a concrete artifact that can be reviewed.
	HasArtifact bool `yaml:"has_artifact" json:"has_artifact"`
	// Contested: reasonable positions disagree and a ruling is wanted.
	Contested bool `yaml:"contested" json:"contested"`
	// Sequential: the work splits into ordered stages.
	Sequential bool `yaml:"sequential" json:"sequential"`
	// Exploratory: independent views are wanted before anyone converges.
	Exploratory bool `yaml:"exploratory" json:"exploratory"`
	// NeedsAgreement: every participant must sign off on one decision.
	NeedsAgreement bool `yaml:"needs_agreement" json:"needs_agreement"`
	// Interface: two or more parties must agree on a shared contract.
	Interface bool `yaml:"interface" json:"interface"`
	// NeedsExpertise: a specialist answer is needed, not a team decision.
	NeedsExpertise bool `yaml:"needs_expertise" json:"needs_expertise"`
	// Ongoing: the work is watched over time rather than finished once.
	Ongoing bool `yaml:"ongoing" json:"ongoing"`
	// Subtasks is the number of independent subtasks the work splits into.
	Subtasks int `yaml:"subtasks" json:"subtasks"`
}

// weights[protocol][signal] is the score a present signal adds.
var weights = map[model.Protocol]map[string]int{
	model.ProtocolReviewLoop:          {"artifact": 3, "agreement": 1},
	model.ProtocolDebate:              {"contested": 3, "exploratory": 1},
	model.ProtocolPipeline:            {"sequential": 3, "subtasks": 1},
	model.ProtocolDiscovery:           {"exploratory": 3, "contested": 1},
	model.ProtocolConsensus:           {"agreement": 3, "contested": 1},
	model.ProtocolContractNegotiation: {"interface": 3, "agreement": 1},
	model.ProtocolConsultation:        {"expertise": 3},
	model.ProtocolMonitoring:          {"ongoing": 3, "artifact": 1},
	model.ProtocolNestedDispatch:      {"subtasks": 3},
}

// Score is one protocol's total for a set of signals.
type Score struct {
	Protocol model.Protocol
	Score    int
}

func (s Signals) present() map[string]bool {
	return map[string]bool{
		"artifact":    s.HasArtifact,
		"contested":   s.Contested,
		"sequential":  s.Sequential,
		"exploratory": s.Exploratory,
		"agreement":   s.NeedsAgreement,
		"interface":   s.Interface,
		"expertise":   s.NeedsExpertise,
		"ongoing":     s.Ongoing,
		"subtasks":    s.Subtasks >= 2,
	}
}

// Scores returns every protocol's score in Protocols order.
func Scores(sig Signals) []Score {
	present := sig.present()
	out := make([]Score, 0, len(weights))
	for _, p := range Protocols() {
		total := 0
		for signal, w := range weights[p] {
			if present[signal] {
				total += w
			}
		}
		out = append(out, Score{Protocol: p, Score: total})
	}
	return out
}

// Select picks the highest-scoring protocol. Ties go to the protocol listed
// first in Protocols; with no signal at all the review loop is chosen.
func Select(sig Signals) model.Protocol {
	best := Score{Protocol: model.ProtocolReviewLoop, Score: 0}
	for _, s := range Scores(sig) {
		if s.Score > best.Score {
			best = s
		}
	}
	return best.Protocol
}

// ParseSignals reads signal names as used in the weight table, e.g.
// "artifact", "contested" or "subtasks=3".
func ParseSignals(names []string) (Signals, error) {
	var sig Signals
	for _, raw := range names {
		name, value, hasValue := strings.Cut(strings.TrimSpace(raw), "=")
		if hasValue && name != "subtasks" {
			return Signals{}, fmt.Errorf("signal %q takes no value", name)
		}
		switch name {
		case "artifact":
			sig.HasArtifact = true
		case "contested":
			sig.Contested = true
		case "sequential":
			sig.Sequential = true
		case "exploratory":
			sig.Exploratory = true
		case "agreement":
			sig.NeedsAgreement = true
		case "interface":
			sig.Interface = true
		case "expertise":
			sig.NeedsExpertise = true
		case "ongoing":
			sig.Ongoing = true
		case "subtasks":
			n := 2
			if hasValue {
				v, err := strconv.Atoi(value)
				if err != nil || v < 0 {
					return Signals{}, fmt.Errorf("subtasks: invalid count %q", value)
				}
				n = v
			}
			sig.Subtasks = n
		default:
			return Signals{}, fmt.Errorf("unknown signal %q", name)
		}
	}
	return sig, nil
}
