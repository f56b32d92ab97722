package marcus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/provider"
)

const (
	// singleSourceThreshold accepts a model verdict unsupported by a
	// pattern edge. Pattern edges carry their own, stricter bar
	// (board.PatternConfidenceThreshold).
	singleSourceThreshold = 0.70
	// agreementBoost is added when both sources agree on a direction.
	agreementBoost = 0.15
	// inferBatchSize caps pairs per AI call.
	inferBatchSize = 20
)

// inferKey identifies a cached AI verdict. The description hash invalidates
// the cache when either task is rewritten.
type inferKey struct {
	a, b, descHash string
}

// HybridInferer infers task dependencies by combining a deterministic
// pattern pass with batched AI judgment on the pairs patterns alone cannot
// settle. AI verdicts are cached in memory per task-pair and description.
type HybridInferer struct {
	ai      provider.AIProvider
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.Mutex
	cache map[inferKey]provider.InferenceResult
}

// NewHybridInferer creates an inferer. A nil AI provider degrades to the
// pattern pass alone.
func NewHybridInferer(ai provider.AIProvider, logger *slog.Logger, timeout time.Duration) *HybridInferer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HybridInferer{
		ai:      ai,
		logger:  logger,
		timeout: timeout,
		cache:   make(map[inferKey]provider.InferenceResult),
	}
}

// Infer returns dependency edges for the task set. Edges are returned in a
// deterministic order; callers apply them with AddDependency.
func (h *HybridInferer) Infer(ctx context.Context, tasks []board.Task) []board.CandidateEdge {
	pattern := board.InferPatterns(tasks)

	byPair := make(map[[2]string]board.CandidateEdge)
	for _, e := range pattern.Edges {
		byPair[pairKey(e.FromID, e.ToID)] = e
	}

	aiResults := h.judge(ctx, tasks, pattern.Ambiguous)

	var edges []board.CandidateEdge
	seen := make(map[[2]string]bool)
	byID := lo.SliceToMap(tasks, func(t board.Task) (string, board.Task) { return t.ID, t })

	for _, e := range pattern.Edges {
		key := pairKey(e.FromID, e.ToID)
		if seen[key] {
			continue
		}
		seen[key] = true

		ai, hasAI := aiResults[key]
		switch {
		case !hasAI:
			// Pattern edges already cleared their own confidence bar.
			edges = append(edges, e)
		case sameDirection(e, ai):
			e.Confidence = min(1, max(e.Confidence, ai.Confidence)+agreementBoost)
			edges = append(edges, e)
		default:
			// Conflict: the more confident source wins.
			if ai.Confidence > e.Confidence {
				if flipped, ok := edgeFromVerdict(ai, byID); ok && ai.Confidence >= singleSourceThreshold {
					edges = append(edges, flipped)
				}
			} else {
				edges = append(edges, e)
			}
		}
	}

	// AI-only verdicts on pairs patterns flagged but could not direct.
	for key, ai := range aiResults {
		if seen[key] {
			continue
		}
		seen[key] = true
		if ai.Direction == provider.DirectionNone || ai.Confidence < singleSourceThreshold {
			continue
		}
		if edge, ok := edgeFromVerdict(ai, byID); ok {
			edges = append(edges, edge)
		}
	}

	return sortEdges(edges)
}

// judge submits ambiguous pairs to the AI backend in bounded batches,
// serving cached verdicts without a call. An AI failure returns whatever was
// cached; the pattern pass stands alone for the rest.
func (h *HybridInferer) judge(ctx context.Context, tasks []board.Task, ambiguous [][2]string) map[[2]string]provider.InferenceResult {
	results := make(map[[2]string]provider.InferenceResult)
	if h.ai == nil || len(ambiguous) == 0 {
		return results
	}
	byID := lo.SliceToMap(tasks, func(t board.Task) (string, board.Task) { return t.ID, t })

	var pending []provider.DependencyPair
	pendingKeys := make(map[[2]string]inferKey)
	for _, pair := range ambiguous {
		a, okA := byID[pair[0]]
		b, okB := byID[pair[1]]
		if !okA || !okB {
			continue
		}
		key := inferKey{a: a.ID, b: b.ID, descHash: descHash(a, b)}
		h.mu.Lock()
		cached, hit := h.cache[key]
		h.mu.Unlock()
		if hit {
			results[pairKey(a.ID, b.ID)] = cached
			continue
		}
		pendingKeys[pairKey(a.ID, b.ID)] = key
		pending = append(pending, provider.DependencyPair{
			FirstID:           a.ID,
			FirstName:         a.Name,
			FirstDescription:  a.Description,
			SecondID:          b.ID,
			SecondName:        b.Name,
			SecondDescription: b.Description,
		})
	}

	for _, batch := range lo.Chunk(pending, inferBatchSize) {
		callCtx, cancel := context.WithTimeout(ctx, h.timeout)
		verdicts, err := h.ai.InferDependencies(callCtx, batch)
		cancel()
		if err != nil {
			h.logger.Warn("Dependency inference degraded to patterns only", "error", err)
			return results
		}
		for _, v := range verdicts {
			key := pairKey(v.FirstID, v.SecondID)
			results[key] = v
			if ck, ok := pendingKeys[key]; ok {
				h.mu.Lock()
				h.cache[ck] = v
				h.mu.Unlock()
			}
		}
	}
	return results
}

// pairKey orders a pair canonically so (a,b) and (b,a) collide.
func pairKey(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

func descHash(a, b board.Task) string {
	h := sha256.New()
	if a.ID > b.ID {
		a, b = b, a
	}
	h.Write([]byte(a.Description))
	h.Write([]byte{0})
	h.Write([]byte(b.Description))
	return hex.EncodeToString(h.Sum(nil))
}

// sameDirection reports whether a pattern edge and an AI verdict point the
// same way.
func sameDirection(e board.CandidateEdge, v provider.InferenceResult) bool {
	switch v.Direction {
	case provider.DirectionFirst:
		return e.FromID == v.FirstID && e.ToID == v.SecondID
	case provider.DirectionSecond:
		return e.FromID == v.SecondID && e.ToID == v.FirstID
	}
	return false
}

// edgeFromVerdict converts an AI verdict into a candidate edge.
func edgeFromVerdict(v provider.InferenceResult, byID map[string]board.Task) (board.CandidateEdge, bool) {
	var from, to string
	switch v.Direction {
	case provider.DirectionFirst:
		from, to = v.FirstID, v.SecondID
	case provider.DirectionSecond:
		from, to = v.SecondID, v.FirstID
	default:
		return board.CandidateEdge{}, false
	}
	if _, ok := byID[from]; !ok {
		return board.CandidateEdge{}, false
	}
	if _, ok := byID[to]; !ok {
		return board.CandidateEdge{}, false
	}
	return board.CandidateEdge{FromID: from, ToID: to, Confidence: v.Confidence, Rule: "Model Judgment"}, true
}

func sortEdges(edges []board.CandidateEdge) []board.CandidateEdge {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].FromID != edges[j].FromID {
			return edges[i].FromID < edges[j].FromID
		}
		return edges[i].ToID < edges[j].ToID
	})
	return edges
}
