package decompose

import (
	"context"
	"fmt"
	"strings"

	"panopticon/internal/domain"
)

// Static splits prompts locally without a model. Lines and semicolons
// separate tasks; a single-clause prompt is fanned out into numbered parts.
// It backs offline runs and tests.
type Static struct{}

func (Static) Decompose(ctx context.Context, prompt string, targetCount int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrDecomposition)
	}
	parts := splitClauses(prompt)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty prompt: %w", domain.ErrDecomposition)
	}
	if len(parts) > 1 || targetCount <= 1 {
		return parts, nil
	}
	out := make([]string, targetCount)
	for i := range out {
		out[i] = fmt.Sprintf("%s (part %d of %d)", parts[0], i+1, targetCount)
	}
	return out, nil
}

// Refine keeps the current tasks and adds the instruction's clauses.
func (Static) Refine(ctx context.Context, prompt string, currentTasks []string, instruction string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrDecomposition)
	}
	extra := splitClauses(instruction)
	if len(extra) == 0 {
		return nil, fmt.Errorf("empty refinement: %w", domain.ErrDecomposition)
	}
	out := append([]string{}, currentTasks...)
	return append(out, extra...), nil
}

func splitClauses(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == ';' })
	var out []string
	for _, f := range fields {
		f = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(f), "-*0123456789.) "))
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
