// Package codeblock pulls fenced code segments out of free-form model output.
package codeblock

import (
	"regexp"
	"strings"
)

// DefaultLanguage is assumed when a fence carries no language tag or the
// completion contains no fence at all.
const DefaultLanguage = "python"

// Block is one fenced code segment.
type Block struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// fenceRe matches ```lang\n ... ``` lazily so adjacent blocks stay separate.
var fenceRe = regexp.MustCompile("(?s)```([\\w+#.-]*)[ \\t]*\\r?\\n(.*?)```")

var languageAliases = map[string]string{
	"py":      "python",
	"python3": "python",
	"sh":      "bash",
	"shell":   "bash",
	"zsh":     "bash",
	"js":      "javascript",
	"node":    "javascript",
	"nodejs":  "javascript",
	"rb":      "ruby",
}

// NormalizeLanguage lowercases a fence tag and folds common aliases.
func NormalizeLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return DefaultLanguage
	}
	if canon, ok := languageAliases[tag]; ok {
		return canon
	}
	return tag
}

// ExtractAll returns every fenced block in text, in order of appearance.
func ExtractAll(text string) []Block {
	matches := fenceRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	blocks := make([]Block, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, Block{
			Language: NormalizeLanguage(m[1]),
			Code:     trimCode(m[2]),
		})
	}
	return blocks
}

// Extract returns the last fenced block in text. Without any fence the whole
// trimmed text becomes the code body under DefaultLanguage.
func Extract(text string) Block {
	blocks := ExtractAll(text)
	if len(blocks) > 0 {
		return blocks[len(blocks)-1]
	}
	return Block{Language: DefaultLanguage, Code: strings.TrimSpace(text)}
}

func trimCode(code string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	return strings.TrimRight(code, "\n")
}
