package textutil

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

func plainTextPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// PlainText strips markup from user supplied text, collapses whitespace and returns the
// unescaped result so stored snapshots hold the literal characters the shopper typed.
func PlainText(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	cleaned := html.UnescapeString(plainTextPolicy().Sanitize(value))
	return strings.Join(strings.Fields(cleaned), " ")
}

// PlainTextPtr applies PlainText to an optional value, returning nil when nothing remains.
func PlainTextPtr(value *string) *string {
	if value == nil {
		return nil
	}
	cleaned := PlainText(*value)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}
