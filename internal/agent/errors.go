package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/cloudserve/internal/executor"
)

var (
	// ErrAttemptsExhausted means every attempt of a run failed to execute.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	// ErrInputBlocked means the input guard rejected the task.
	ErrInputBlocked = errors.New("message blocked by input guard")
	// ErrEmptyTask is returned for blank user messages.
	ErrEmptyTask = errors.New("empty task")
)

// AttemptsExhaustedError carries every attempt's error message.
type AttemptsExhaustedError struct {
	Attempts []string
	LastErr  error
}

func (e *AttemptsExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrAttemptsExhausted, len(e.Attempts), e.LastErr)
}

// Is lets errors.Is match ErrAttemptsExhausted.
func (e *AttemptsExhaustedError) Is(target error) bool { return target == ErrAttemptsExhausted }

func (e *AttemptsExhaustedError) Unwrap() error { return e.LastErr }

// FormatError maps an agent error to text that is safe to show users.
// Raw API payloads are never exposed.
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	var exhausted *AttemptsExhaustedError
	if errors.As(err, &exhausted) {
		return fmt.Sprintf("The generated code failed %d times in a row. Try rephrasing the task.", len(exhausted.Attempts))
	}
	if errors.Is(err, ErrInputBlocked) {
		return "Your message was blocked by the input filter."
	}
	if errors.Is(err, ErrEmptyTask) {
		return "Please describe what you want the code to do."
	}
	if errors.Is(err, executor.ErrUnsupportedLanguage) {
		return "The model produced code in a language this server cannot run."
	}
	if errors.Is(err, context.Canceled) {
		return "The run was cancelled."
	}

	raw := err.Error()
	lower := strings.ToLower(raw)

	if containsAny(lower, "timeout", "timed out", "deadline exceeded") {
		return "Request timed out. Please try again."
	}
	if isContextOverflowError(lower) {
		return "The conversation is too long for this model. Reset the chat and try again."
	}
	if containsAny(lower, "rate limit", "rate_limit", "too many requests", "429", "quota exceeded", "resource_exhausted") {
		return "API rate limit reached. Please try again later."
	}
	if strings.Contains(lower, "overloaded") {
		return "The AI service is temporarily overloaded. Please try again in a moment."
	}
	if containsAny(lower, "billing", "insufficient credits", "credit balance", "payment required", "402") {
		return "API billing error: your API key may have run out of credits."
	}
	if containsAny(lower, "invalid api key", "invalid_api_key", "unauthorized", "forbidden", "authentication", "401", "403", "access denied") {
		return "Authentication error. Please check your API key configuration."
	}
	if containsAny(lower, "not a valid model", "model_not_found", "does not exist") {
		return "Model configuration error. Please check your config and restart."
	}

	slog.Warn("unclassified agent error", "error", raw)
	return "Sorry, something went wrong processing your message. Please try again."
}

func isContextOverflowError(lower string) bool {
	return containsAny(lower,
		"context_length_exceeded",
		"context length exceeded",
		"maximum context length",
		"prompt is too long",
		"request_too_large",
	) || (strings.Contains(lower, "context") &&
		containsAny(lower, "overflow", "too large", "too long", "exceeded"))
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
