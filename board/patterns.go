package board

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CandidateEdge is a proposed dependency: the task FromID should wait for
// ToID. Confidence is in [0,1].
type CandidateEdge struct {
	FromID     string  `json:"from_id"`
	ToID       string  `json:"to_id"`
	Confidence float64 `json:"confidence"`
	Rule       string  `json:"rule"`
}

// PatternConfidenceThreshold is the bar a pattern edge must clear to be
// accepted outright. Edges below it are not discarded; they become ambiguous
// pairs for the model pass.
const PatternConfidenceThreshold = 0.80

// PatternResult is the output of the pattern pass: edges the rule catalog
// proposed with confidence at or above PatternConfidenceThreshold, plus
// task-id pairs the catalog could not settle (shared keywords but no
// applicable rule, or a rule attenuated below the threshold).
type PatternResult struct {
	Edges     []CandidateEdge
	Ambiguous [][2]string
}

// actionStage describes one stage of the conventional delivery pipeline.
// A task at a later stage depends on the same entity's task at an earlier
// stage.
type actionStage struct {
	stage      int
	confidence float64
	verbs      []string
}

var actionStages = []actionStage{
	{0, 0.90, []string{"design", "plan", "spec", "architect"}},
	{1, 0.90, []string{"implement", "build", "create", "add", "develop", "write", "setup", "set up"}},
	{2, 0.95, []string{"test", "verify", "validate", "qa"}},
	{3, 0.85, []string{"document", "describe"}},
	{4, 0.90, []string{"deploy", "release", "ship", "launch"}},
	{5, 0.85, []string{"integrate", "connect", "wire"}},
}

var titleCaser = cases.Title(language.English)

// classify splits a task name into its pipeline stage and the entity the
// action applies to. Returns ok=false when no catalog verb matches.
func classify(name string) (st actionStage, entity string, ok bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, stage := range actionStages {
		for _, verb := range stage.verbs {
			if lower == verb {
				return stage, "", true
			}
			if strings.HasPrefix(lower, verb+" ") {
				return stage, normalizeEntity(strings.TrimPrefix(lower, verb+" ")), true
			}
		}
	}
	return actionStage{}, "", false
}

// normalizeEntity reduces an entity phrase to comparable tokens.
func normalizeEntity(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	kept := fields[:0]
	for _, f := range fields {
		switch f {
		case "the", "a", "an", "for", "of", "to", "with":
			continue
		}
		kept = append(kept, strings.Trim(f, ".,:;()"))
	}
	return strings.Join(kept, " ")
}

// entityOverlap returns the token-set Jaccard similarity of two entities.
func entityOverlap(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	as := strings.Fields(a)
	bs := strings.Fields(b)
	set := make(map[string]bool, len(as))
	for _, t := range as {
		set[t] = true
	}
	shared := 0
	for _, t := range bs {
		if set[t] {
			shared++
		}
	}
	union := len(as) + len(bs) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// InferPatterns runs the rule catalog over every task pair and proposes
// dependency edges. Pairs that share vocabulary but match no rule are
// reported as ambiguous for the AI pass.
func InferPatterns(tasks []Task) PatternResult {
	var res PatternResult

	type classified struct {
		task   *Task
		stage  actionStage
		entity string
		known  bool
	}
	infos := make([]classified, len(tasks))
	for i := range tasks {
		st, entity, ok := classify(tasks[i].Name)
		infos[i] = classified{task: &tasks[i], stage: st, entity: entity, known: ok}
	}

	for i := range infos {
		for j := i + 1; j < len(infos); j++ {
			a, b := infos[i], infos[j]
			if a.task.ProjectID != b.task.ProjectID {
				continue
			}
			if a.known && b.known && a.stage.stage != b.stage.stage {
				overlap := entityOverlap(a.entity, b.entity)
				if overlap == 0 {
					continue
				}
				// Later stage depends on earlier stage.
				later, earlier := a, b
				if a.stage.stage < b.stage.stage {
					later, earlier = b, a
				}
				conf := later.stage.confidence
				if overlap < 1 {
					conf *= 0.85 * overlap
				}
				if conf < PatternConfidenceThreshold {
					// The rule fired but partial entity overlap weakened
					// it too much to accept; let the model decide.
					res.Ambiguous = append(res.Ambiguous, [2]string{a.task.ID, b.task.ID})
					continue
				}
				res.Edges = append(res.Edges, CandidateEdge{
					FromID:     later.task.ID,
					ToID:       earlier.task.ID,
					Confidence: conf,
					Rule: fmt.Sprintf("%s Before %s",
						titleCaser.String(earlier.stage.verbs[0]),
						titleCaser.String(later.stage.verbs[0])),
				})
				continue
			}
			// No rule applies. Shared vocabulary still suggests a
			// relation worth asking the AI about.
			if sharesKeyword(a.task, b.task) {
				res.Ambiguous = append(res.Ambiguous, [2]string{a.task.ID, b.task.ID})
			}
		}
	}
	return res
}

// sharesKeyword reports whether two task names share a meaningful token.
func sharesKeyword(a, b *Task) bool {
	at := strings.Fields(normalizeEntity(a.Name))
	bt := strings.Fields(normalizeEntity(b.Name))
	set := make(map[string]bool, len(at))
	for _, t := range at {
		if len(t) > 2 {
			set[t] = true
		}
	}
	for _, t := range bt {
		if set[t] {
			return true
		}
	}
	return false
}
