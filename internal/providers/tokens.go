package providers

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

var encodings sync.Map // model -> *tiktoken.Tiktoken

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	if enc, ok := encodings.Load(model); ok {
		return enc.(*tiktoken.Tiktoken), nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, err
		}
	}
	encodings.Store(model, enc)
	return enc, nil
}

// CountTokens estimates prompt tokens for a history. Falls back to a
// 4-chars-per-token estimate when no encoding can be loaded.
func CountTokens(model string, msgs []Message) int {
	enc, err := encodingFor(model)
	if err != nil {
		slog.Debug("tiktoken unavailable, estimating", "model", model, "error", err)
		return EstimateTokens(msgs)
	}
	n := 2
	for _, m := range msgs {
		n += 4 + len(enc.Encode(m.Content, nil, nil))
	}
	return n
}

// EstimateTokens is the encoding-free approximation.
func EstimateTokens(msgs []Message) int {
	n := 2
	for _, m := range msgs {
		n += 4 + len(m.Content)/4
	}
	return n
}
