// Package behavior maps event types to propagation behaviors through an
// ordered list of topic-pattern rules.
package behavior

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/barrierbus/errs"
	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/bus/topic"
	"github.com/coachpo/barrierbus/internal/infra/logging"
)

// Rule assigns a behavior to every event type matching Pattern.
type Rule struct {
	Pattern       string                `yaml:"pattern" json:"pattern"`
	Mode          schema.Mode           `yaml:"mode" json:"mode"`
	Interceptable bool                  `yaml:"interceptable" json:"interceptable"`
	Barrier       *schema.BarrierConfig `yaml:"barrier,omitempty" json:"barrierConfig,omitempty"`
}

// Normalise trims the pattern and canonicalises the mode. Barrier settings are
// checked when the rule is consulted so a broken rule fails the publish that
// hits it.
func (r Rule) Normalise() (Rule, error) {
	r.Pattern = strings.TrimSpace(r.Pattern)
	if err := topic.Validate(r.Pattern); err != nil {
		return Rule{}, err
	}
	mode, err := schema.ParseMode(string(r.Mode))
	if err != nil {
		return Rule{}, err
	}
	r.Mode = mode
	if r.Barrier != nil {
		barrier := *r.Barrier
		r.Barrier = &barrier
	}
	return r, nil
}

// Behavior converts the rule into the answer handed to the bus.
func (r Rule) Behavior() (schema.Behavior, error) {
	out := schema.Behavior{Mode: r.Mode, Interceptable: r.Interceptable}
	if !r.Mode.Blocking() {
		return out, nil
	}
	if r.Barrier == nil {
		return schema.Behavior{}, errs.New("behavior/lookup", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%s rule %q has no barrier config", r.Mode, r.Pattern)),
			errs.WithField("pattern", r.Pattern))
	}
	if err := r.Barrier.Validate(); err != nil {
		return schema.Behavior{}, errs.New("behavior/lookup", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("rule %q: %s", r.Pattern, errs.MessageOf(err))),
			errs.WithField("pattern", r.Pattern),
			errs.WithCause(err))
	}
	barrier := r.Barrier.Normalised()
	out.Barrier = &barrier
	return out, nil
}

// Document is the on-disk layout of a behavior rules file.
type Document struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// Registry answers EventBehavior lookups; the first matching rule wins and
// unmatched types are passive.
type Registry struct {
	matcher topic.Matcher
	logger  zerolog.Logger

	mu    sync.RWMutex
	rules []Rule
}

// Option customises a Registry.
type Option func(*Registry)

// WithMatcher overrides the pattern matcher.
func WithMatcher(m topic.Matcher) Option {
	return func(r *Registry) {
		if m != nil {
			r.matcher = m
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry builds a registry seeded with rules, in order.
func NewRegistry(rules []Rule, opts ...Option) (*Registry, error) {
	r := &Registry{
		matcher: topic.NewMQTTMatcher(),
		logger:  logging.Component("behavior"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if err := r.Replace(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// EventBehavior returns the behavior of the first rule matching eventType.
func (r *Registry) EventBehavior(eventType string) (schema.Behavior, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if r.matcher.Match(rule.Pattern, eventType) {
			return rule.Behavior()
		}
	}
	return schema.PassiveBehavior(), nil
}

// Set inserts rule or replaces the rule with the same pattern in place.
func (r *Registry) Set(rule Rule) error {
	normalised, err := rule.Normalise()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.rules {
		if existing.Pattern == normalised.Pattern {
			r.rules[i] = normalised
			r.logger.Info().Str("pattern", normalised.Pattern).Str("mode", string(normalised.Mode)).Msg("behavior rule replaced")
			return nil
		}
	}
	r.rules = append(r.rules, normalised)
	r.logger.Info().Str("pattern", normalised.Pattern).Str("mode", string(normalised.Mode)).Msg("behavior rule added")
	return nil
}

// Remove deletes the rule registered under pattern and reports whether it existed.
func (r *Registry) Remove(pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.rules {
		if existing.Pattern == pattern {
			r.rules = append(r.rules[:i:i], r.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Replace swaps the whole rule list. On error the current rules are kept.
func (r *Registry) Replace(rules []Rule) error {
	next := make([]Rule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for i, rule := range rules {
		normalised, err := rule.Normalise()
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if _, dup := seen[normalised.Pattern]; dup {
			return errs.New("behavior/replace", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("duplicate rule pattern %q", normalised.Pattern)))
		}
		seen[normalised.Pattern] = struct{}{}
		next = append(next, normalised)
	}
	r.mu.Lock()
	r.rules = next
	r.mu.Unlock()
	return nil
}

// Rules returns a copy of the rules in evaluation order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	for i, rule := range r.rules {
		out[i] = rule
		if rule.Barrier != nil {
			barrier := *rule.Barrier
			out[i].Barrier = &barrier
		}
	}
	return out
}

// LoadFile replaces the rules with the contents of a YAML rules file.
func (r *Registry) LoadFile(path string) error {
	rules, err := ReadFile(path)
	if err != nil {
		return err
	}
	if err := r.Replace(rules); err != nil {
		return fmt.Errorf("load behaviors %s: %w", path, err)
	}
	r.logger.Info().Str("path", path).Int("rules", len(rules)).Msg("behavior rules loaded")
	return nil
}

// ReadFile parses a YAML rules file.
func ReadFile(path string) ([]Rule, error) {
	file, err := os.Open(filepath.Clean(strings.TrimSpace(path))) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, fmt.Errorf("open behaviors: %w", err)
	}
	defer func() { _ = file.Close() }()
	return Decode(file)
}

// Decode parses rules from YAML.
func Decode(reader io.Reader) ([]Rule, error) {
	var doc Document
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode behaviors: %w", err)
	}
	return doc.Rules, nil
}
