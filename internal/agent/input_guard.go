// Package agent runs user tasks through code-generating agents.
//
// Every task is scanned before it reaches the model, since the generated
// code runs on the host. agent.injection_action picks the response:
//   - "log":   info-level logging
//   - "warn":  warning-level logging (default)
//   - "block": reject the task with ErrInputBlocked
//   - "off":   no scanning
package agent

import "regexp"

type guardRule struct {
	name string
	re   *regexp.Regexp
}

// InputGuard matches tasks against prompt-injection and host-abuse rules.
type InputGuard struct {
	rules []guardRule
}

func NewInputGuard() *InputGuard {
	return &InputGuard{rules: defaultRules}
}

// Scan returns the names of the rules task trips, in rule order.
func (g *InputGuard) Scan(task string) []string {
	if task == "" {
		return nil
	}
	var hits []string
	for _, r := range g.rules {
		if r.re.MatchString(task) {
			hits = append(hits, r.name)
		}
	}
	return hits
}

// Rules returns the rule names in scan order.
func (g *InputGuard) Rules() []string {
	names := make([]string, 0, len(g.rules))
	for _, r := range g.rules {
		names = append(names, r.name)
	}
	return names
}

var defaultRules = []guardRule{
	// Attempts to replace the code-generation instructions.
	{"ignore_instructions", regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier|your)\s+(instructions?|rules?|prompts?|guidelines?)`)},
	{"role_override", regexp.MustCompile(`(?i)(you are now|from now on you are|pretend (to be|you are)|act as if you are)\s+`)},
	{"system_tags", regexp.MustCompile(`(?i)</?system>|\[SYSTEM\]|\[INST\]|<<SYS>>|<\|im_start\|>system`)},
	{"prompt_leak", regexp.MustCompile(`(?i)(reveal|print|show|repeat)\s+(me\s+)?(your|the)\s+(system\s+prompt|instructions)`)},
	{"null_bytes", regexp.MustCompile(`\x00`)},

	// Tasks that ask the generated program to harm or read out the host.
	{"secret_exfiltration", regexp.MustCompile(`(?i)(os\.environ|printenv|process\.env|\.aws/credentials|\.ssh/id_|/etc/shadow|api[_ ]?keys?\s+(from|in)\s+(the\s+)?env)`)},
	{"destructive_shell", regexp.MustCompile(`(?i)(rm\s+-rf\s+(/|~)|mkfs\.|dd\s+if=.*of=/dev/|:\(\)\s*\{\s*:\|:&\s*\};:)`)},
	{"remote_payload", regexp.MustCompile(`(?i)(curl|wget)\s+[^|;]*\|\s*(ba|z)?sh`)},
}
