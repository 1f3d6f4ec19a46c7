package rules

import (
	"log/slog"
	"regexp"
	"strings"
)

// Match returns the first rule in list order matching text, or nil. A rule
// with a pattern matches by case-insensitive regex; if the pattern fails to
// compile the rule falls back to a substring test on its trigger. A pattern
// that compiles but does not match never falls back.
func (s *Set) Match(text string, logger *slog.Logger) *Rule {
	for i := range s.Rules {
		rule := &s.Rules[i]
		if ruleMatches(rule, text, logger) {
			return rule
		}
	}
	return nil
}

func ruleMatches(rule *Rule, text string, logger *slog.Logger) bool {
	if rule.Pattern != "" {
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err == nil {
			return re.MatchString(text)
		}
		if logger != nil {
			logger.Warn("rule pattern failed to compile, using trigger fallback",
				"pattern", rule.Pattern, "error", err)
		}
	}
	if rule.Trigger == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(rule.Trigger))
}

// Placeholder substitution values for a response item.
type Substitutions struct {
	PushName    string
	UserID      string
	SenderDPURL string
}

// Apply replaces the template placeholders literally in s. A string without
// placeholders passes through unchanged.
func (v Substitutions) Apply(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "${pushname}", v.PushName)
	s = strings.ReplaceAll(s, "${userid}", v.UserID)
	s = strings.ReplaceAll(s, "${senderdpurl}", v.SenderDPURL)
	return s
}

// Expand returns a copy of item with substitutions applied to its content,
// caption and url fields.
func (v Substitutions) Expand(item ResponseItem) ResponseItem {
	item.Content = v.Apply(item.Content)
	item.Caption = v.Apply(item.Caption)
	item.URL = v.Apply(item.URL)
	return item
}
