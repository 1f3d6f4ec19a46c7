package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// ErrBadDocument marks a rule document rejected as a whole. The previously
// loaded rule set stays active when loading fails with this error.
var ErrBadDocument = errors.New("invalid rule document")

// ResponseItem is one step of a rule's response sequence.
type ResponseItem struct {
	Type    string `yaml:"type"`
	Content string `yaml:"content"`
	Caption string `yaml:"caption"`
	URL     string `yaml:"url"`
	DelayMs int    `yaml:"delay_ms"`
}

// Rule pairs a trigger with an ordered response. Pattern, when present and
// compilable, is authoritative; Trigger is the substring fallback.
type Rule struct {
	Trigger  string         `yaml:"trigger"`
	Pattern  string         `yaml:"pattern"`
	Response []ResponseItem `yaml:"response"`
}

// Set is an immutable, ordered rule list.
type Set struct {
	Rules []Rule
}

type document struct {
	Rules []Rule `yaml:"rules"`
}

// Store holds the active rule set and swaps it atomically on reload, so
// readers never observe a half-updated list.
type Store struct {
	path   string
	logger *slog.Logger
	active atomic.Pointer[Set]
}

// NewStore creates a store reading rule documents from path. The initial
// active set is empty until the first successful Load.
func NewStore(path string, logger *slog.Logger) *Store {
	s := &Store{
		path:   path,
		logger: logger.With("component", "rules"),
	}
	s.active.Store(&Set{})
	return s
}

// Load parses and validates the rule document and swaps it in. On any
// validation failure the previous set remains active and the error wraps
// ErrBadDocument.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrBadDocument, s.path, err)
	}

	set, err := Parse(data)
	if err != nil {
		return err
	}

	s.active.Store(set)
	s.logger.Info("rule set loaded", "path", s.path, "rules", len(set.Rules))
	return nil
}

// Active returns the current rule set.
func (s *Store) Active() *Set {
	return s.active.Load()
}

// Parse decodes and validates a rule document.
func Parse(data []byte) (*Set, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDocument, err)
	}

	for i, rule := range doc.Rules {
		if rule.Trigger == "" && rule.Pattern == "" {
			return nil, fmt.Errorf("%w: rule %d has neither trigger nor pattern", ErrBadDocument, i)
		}
		if len(rule.Response) == 0 {
			return nil, fmt.Errorf("%w: rule %d has no response items", ErrBadDocument, i)
		}
		for j, item := range rule.Response {
			if err := validateItem(item); err != nil {
				return nil, fmt.Errorf("%w: rule %d item %d: %v", ErrBadDocument, i, j, err)
			}
		}
	}

	return &Set{Rules: doc.Rules}, nil
}

func validateItem(item ResponseItem) error {
	switch item.Type {
	case "text":
		if item.Content == "" {
			return errors.New("text item requires content")
		}
	case "image", "video", "voice":
		if item.URL == "" {
			return fmt.Errorf("%s item requires url", item.Type)
		}
	default:
		return fmt.Errorf("unknown response type %q", item.Type)
	}
	if item.DelayMs < 0 {
		return errors.New("delay_ms must not be negative")
	}
	return nil
}
