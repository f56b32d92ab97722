package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Model responses arrive as markdown with the structured payload in a fenced
// json code block, usually preceded by free-form reasoning. The parser walks
// the markdown AST and decodes the first fenced block that unmarshals into
// the expected shape.

// extractFencedJSON returns the raw contents of fenced code blocks whose
// info string is json (or empty), in document order.
func extractFencedJSON(markdown string) []string {
	source := []byte(markdown)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var blocks []string
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fence, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		lang := ""
		if fence.Info != nil {
			lang = strings.TrimSpace(string(fence.Info.Segment.Value(source)))
		}
		if lang != "" && lang != "json" {
			return ast.WalkContinue, nil
		}
		var sb strings.Builder
		for i := 0; i < fence.Lines().Len(); i++ {
			seg := fence.Lines().At(i)
			sb.Write(seg.Value(source))
		}
		blocks = append(blocks, sb.String())
		return ast.WalkContinue, nil
	})
	return blocks
}

// decodeFirst unmarshals the first fenced JSON block that decodes cleanly
// into out. Bare JSON with no fence is accepted as a fallback.
func decodeFirst(markdown string, out any) error {
	for _, block := range extractFencedJSON(markdown) {
		if err := json.Unmarshal([]byte(block), out); err == nil {
			return nil
		}
	}
	trimmed := strings.TrimSpace(markdown)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), out); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no usable json block in response")
}

// ParseDecomposition extracts a Decomposition from a model response.
func ParseDecomposition(markdown string) (Decomposition, error) {
	var d Decomposition
	if err := decodeFirst(markdown, &d); err != nil {
		return Decomposition{}, fmt.Errorf("parse decomposition: %w", err)
	}
	if len(d.Subtasks) == 0 {
		return Decomposition{}, fmt.Errorf("parse decomposition: empty subtask list")
	}
	return d, nil
}

// ParseInferences extracts dependency verdicts from a model response. The
// payload may be a bare array or wrapped in {"results": [...]}.
func ParseInferences(markdown string) ([]InferenceResult, error) {
	var results []InferenceResult
	if err := decodeFirst(markdown, &results); err == nil && len(results) > 0 {
		return normalizeInferences(results), nil
	}
	var wrapped struct {
		Results []InferenceResult `json:"results"`
	}
	if err := decodeFirst(markdown, &wrapped); err != nil {
		return nil, fmt.Errorf("parse inferences: %w", err)
	}
	return normalizeInferences(wrapped.Results), nil
}

func normalizeInferences(results []InferenceResult) []InferenceResult {
	out := results[:0]
	for _, r := range results {
		switch r.Direction {
		case DirectionFirst, DirectionSecond, DirectionNone:
		default:
			continue
		}
		if r.Confidence < 0 {
			r.Confidence = 0
		}
		if r.Confidence > 1 {
			r.Confidence = 1
		}
		out = append(out, r)
	}
	return out
}
