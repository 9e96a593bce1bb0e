// Package inference scores financial text for sentiment. The production path
// calls an external model service over HTTP; a deterministic lexicon scorer
// serves development and tests, and a SQLite cache sits in front of either to
// absorb duplicate texts across retried jobs.
package inference

import "context"

// Sentiment labels, in score-vector order
const (
	LabelPositive = "positive"
	LabelNegative = "negative"
	LabelNeutral  = "neutral"
)

// Labels lists the class labels in the order scorers emit probabilities
var Labels = [3]string{LabelPositive, LabelNegative, LabelNeutral}

// Result is one text's classification: the winning label plus the full
// probability vector in Labels order
type Result struct {
	Label  string     `json:"label"`
	Scores [3]float64 `json:"scores"`
}

// Score collapses the probability vector into a single signed signal:
// P(positive) - P(negative), in [-1, 1]
func (r Result) Score() float64 {
	return r.Scores[0] - r.Scores[1]
}

// Scorer classifies a batch of texts. Implementations must return exactly
// one Result per input text, in input order, or an error for the whole batch.
type Scorer interface {
	ScoreBatch(ctx context.Context, texts []string) ([]Result, error)
	Name() string
}

// bestLabel picks the label with the highest probability
func bestLabel(scores [3]float64) string {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return Labels[best]
}
