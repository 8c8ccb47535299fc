package acb

import "strings"

// Mode selects the budget profile of a bundle.
type Mode string

const (
	ModeTask        Mode = "TASK"
	ModeExploration Mode = "EXPLORATION"
	ModeDebugging   Mode = "DEBUGGING"
	ModeLearning    Mode = "LEARNING"
	ModeGeneral     Mode = "GENERAL"
)

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeTask, ModeExploration, ModeDebugging, ModeLearning, ModeGeneral:
		return true
	}
	return false
}

// intentModes maps intent keywords to a mode. DetectMode falls back to
// GENERAL for anything unmapped.
var intentModes = map[string]Mode{
	"task": ModeTask, "implement": ModeTask, "fix": ModeTask,
	"explore": ModeExploration, "think": ModeExploration, "brainstorm": ModeExploration,
	"debug": ModeDebugging, "error": ModeDebugging, "trace": ModeDebugging,
	"teach": ModeLearning, "explain": ModeLearning, "how": ModeLearning,
}

// DetectMode maps a free-form intent string to a mode. The first word with a
// mapping wins.
func DetectMode(intent string) Mode {
	for _, w := range strings.Fields(strings.ToLower(intent)) {
		if m, ok := intentModes[w]; ok {
			return m
		}
	}
	return ModeGeneral
}

// Section names, in assembly order.
type Section string

const (
	SectionIdentity     Section = "identity"
	SectionRules        Section = "rules"
	SectionTaskState    Section = "task_state"
	SectionDecisions    Section = "relevant_decisions"
	SectionRecentWindow Section = "recent_window"
	SectionCapsules     Section = "capsules"
	SectionEvidence     Section = "retrieved_evidence"
)

// sectionOrder is the fixed assembly order of a bundle.
var sectionOrder = []Section{
	SectionIdentity, SectionRules, SectionTaskState, SectionDecisions,
	SectionRecentWindow, SectionCapsules, SectionEvidence,
}

// sectionBudgets is the fixed per-mode token budget of every section. The
// unlisted remainder of the default 65000-token budget is reserve. A zero
// entry means the section is empty in that mode no matter what candidates
// exist.
var sectionBudgets = map[Mode]map[Section]int{
	ModeGeneral: {
		SectionIdentity: 1200, SectionRules: 6000, SectionTaskState: 3000,
		SectionDecisions: 4000, SectionRecentWindow: 8000,
		SectionCapsules: 4000, SectionEvidence: 28000,
	},
	ModeTask: {
		SectionIdentity: 1200, SectionRules: 10000, SectionTaskState: 5000,
		SectionDecisions: 4000, SectionRecentWindow: 2000,
		SectionCapsules: 4000, SectionEvidence: 28000,
	},
	ModeExploration: {
		SectionIdentity: 1200, SectionRules: 3000, SectionTaskState: 1000,
		SectionDecisions: 6000, SectionRecentWindow: 15000,
		SectionCapsules: 2000, SectionEvidence: 35000,
	},
	ModeDebugging: {
		SectionIdentity: 1200, SectionRules: 5000, SectionTaskState: 4000,
		SectionDecisions: 3000, SectionRecentWindow: 12000,
		SectionCapsules: 0, SectionEvidence: 25000,
	},
	ModeLearning: {
		SectionIdentity: 1200, SectionRules: 8000, SectionTaskState: 0,
		SectionDecisions: 8000, SectionRecentWindow: 2000,
		SectionCapsules: 2000, SectionEvidence: 40000,
	},
}

// SectionBudget returns the fixed budget of one section under a mode.
func SectionBudget(mode Mode, sec Section) int {
	return sectionBudgets[mode][sec]
}
