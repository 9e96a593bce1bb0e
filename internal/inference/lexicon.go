package inference

import (
	"context"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Term weights for the built-in financial lexicon. Positive weight pushes
// toward bullish, negative toward bearish. Deliberately small; this scorer
// exists for development and tests, not production accuracy.
var lexicon = map[string]float64{
	"beat":       1.0,
	"beats":      1.0,
	"record":     0.8,
	"strong":     0.8,
	"surge":      1.0,
	"surges":     1.0,
	"rally":      0.9,
	"gain":       0.7,
	"gains":      0.7,
	"growth":     0.7,
	"upgrade":    0.9,
	"upgraded":   0.9,
	"profit":     0.6,
	"bullish":    1.0,
	"soar":       1.0,
	"soars":      1.0,
	"miss":       -1.0,
	"misses":     -1.0,
	"missed":     -1.0,
	"weak":       -0.8,
	"drop":       -0.8,
	"drops":      -0.8,
	"plunge":     -1.0,
	"plunges":    -1.0,
	"fall":       -0.7,
	"falls":      -0.7,
	"decline":    -0.7,
	"downgrade":  -0.9,
	"downgraded": -0.9,
	"loss":       -0.7,
	"losses":     -0.7,
	"bearish":    -1.0,
	"lawsuit":    -0.8,
	"recall":     -0.8,
	"bankruptcy": -1.2,
}

// temperature controls how sharply raw lexicon evidence maps to
// probabilities; higher spreads mass away from neutral faster
const temperature = 1.5

// LexiconScorer is a deterministic keyword-weight sentiment scorer
type LexiconScorer struct{}

func NewLexiconScorer() *LexiconScorer {
	return &LexiconScorer{}
}

func (l *LexiconScorer) Name() string { return "lexicon" }

// ScoreBatch scores each text independently from term weights
func (l *LexiconScorer) ScoreBatch(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = scoreText(text)
	}
	return results, nil
}

func scoreText(text string) Result {
	var pos, neg float64
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		w, ok := lexicon[tok]
		if !ok {
			continue
		}
		if w > 0 {
			pos += w
		} else {
			neg -= w
		}
	}

	scores := softmax([3]float64{pos * temperature, neg * temperature, 0})
	return Result{Label: bestLabel(scores), Scores: scores}
}

// softmax turns raw evidence into a probability vector. Shifting by the max
// keeps the exponentials from overflowing.
func softmax(logits [3]float64) [3]float64 {
	shift := floats.Max(logits[:])

	var out [3]float64
	for i, v := range logits {
		out[i] = math.Exp(v - shift)
	}
	floats.Scale(1/floats.Sum(out[:]), out[:])
	return out
}
