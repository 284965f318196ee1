package openai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/sellsight/sellsight/internal/domain"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// encoder resolves the tokenizer for the configured model, falling back to
// cl100k_base for models tiktoken does not know.
func encoder(model string) *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.EncodingForModel(model)
		if err != nil {
			e, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return
			}
		}
		enc = e
	})
	return enc
}

// estimateText counts tokens in one string. Returns a rough char/4 figure
// when the tokenizer is unavailable so usage is never silently zero.
func estimateText(model, text string) int {
	if text == "" {
		return 0
	}
	e := encoder(model)
	if e == nil {
		return len(text)/4 + 1
	}
	return len(e.Encode(text, nil, nil))
}

// estimateMessages approximates prompt tokens: content tokens plus a small
// per-message framing overhead.
func estimateMessages(model string, msgs []domain.ChatMessage) int {
	const perMessageOverhead = 4
	total := 0
	for _, m := range msgs {
		total += estimateText(model, m.Content) + perMessageOverhead
		for _, tc := range m.ToolCalls {
			total += estimateText(model, tc.Name) + estimateText(model, string(tc.Args))
		}
	}
	return total
}
