package compact

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"conductor/pkg/proto"
)

// Estimator provides token estimates for transcripts when the provider has
// not yet reported usage. All supported models approximate with the GPT-4
// encoding.
type Estimator struct {
	codec tokenizer.Codec
}

// NewEstimator creates a token estimator.
func NewEstimator() (*Estimator, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &Estimator{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
func (e *Estimator) CountTokens(text string) int {
	if e == nil || e.codec == nil {
		// 4 chars ≈ 1 token
		return len(text) / 4
	}
	count, err := e.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// EstimateMessages sums token estimates over a transcript window, including
// a small per-message framing overhead.
func (e *Estimator) EstimateMessages(msgs []*proto.Message) int {
	const perMessageOverhead = 4

	total := 0
	for _, msg := range msgs {
		total += perMessageOverhead
		total += e.CountTokens(string(msg.Role))
		for i := range msg.Parts {
			part := &msg.Parts[i]
			total += e.CountTokens(part.Text)
			total += e.CountTokens(part.ToolInput)
			total += e.CountTokens(part.ToolOutput)
		}
	}
	return total
}
