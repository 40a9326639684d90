package http

import "regexp"

var slugRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// isValidSlug checks whether s is a usable agent ID: lowercase alphanumeric,
// hyphens and underscores, not starting or ending with a separator.
func isValidSlug(s string) bool {
	return len(s) <= 64 && slugRe.MatchString(s)
}
