// Package approver implements a scripted barrier responder that votes over
// the websocket hub.
package approver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/logging"
)

// DefaultScriptTimeout bounds a single decide call.
const DefaultScriptTimeout = 500 * time.Millisecond

// ErrDecideMissing is reported when a script does not define decide.
var ErrDecideMissing = errors.New("approver: policy script must define decide(request)")

// Decision is a policy verdict.
type Decision struct {
	Progression schema.Progression `json:"progression"`
	Reason      string             `json:"reason,omitempty"`
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithFallback sets the progression used when the script fails.
func WithFallback(p schema.Progression) PolicyOption {
	return func(pol *Policy) { pol.fallback = p }
}

// WithScriptTimeout overrides DefaultScriptTimeout.
func WithScriptTimeout(d time.Duration) PolicyOption {
	return func(pol *Policy) {
		if d > 0 {
			pol.timeout = d
		}
	}
}

// WithPolicyLogger overrides the component logger.
func WithPolicyLogger(logger zerolog.Logger) PolicyOption {
	return func(pol *Policy) { pol.logger = logger }
}

// Policy evaluates barrier requests. A goja runtime is single-threaded so
// calls are serialised.
type Policy struct {
	name     string
	fallback schema.Progression
	timeout  time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	rt     *goja.Runtime
	decide goja.Callable
}

// StaticPolicy always answers fallback.
func StaticPolicy(fallback schema.Progression, opts ...PolicyOption) *Policy {
	p := newPolicy("static", opts)
	p.fallback = fallback
	return p
}

// LoadPolicy compiles the script at path.
func LoadPolicy(path string, opts ...PolicyOption) (*Policy, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	source, err := os.ReadFile(clean) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, fmt.Errorf("approver: read policy: %w", err)
	}
	return CompilePolicy(filepath.Base(clean), string(source), opts...)
}

// CompilePolicy compiles source. The script defines decide(request) either
// as a global function or on module.exports.
func CompilePolicy(name, source string, opts ...PolicyOption) (*Policy, error) {
	p := newPolicy(name, opts)
	program, err := goja.Compile(p.name, source, true)
	if err != nil {
		return nil, fmt.Errorf("approver: compile %s: %w", p.name, err)
	}

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("approver: module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("approver: module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("approver: module init: %w", err)
	}
	if err := rt.Set("console", p.console(rt)); err != nil {
		return nil, fmt.Errorf("approver: module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("approver: run %s: %w", p.name, err)
	}

	p.decide = findDecide(rt, module)
	if p.decide == nil {
		return nil, ErrDecideMissing
	}
	p.rt = rt
	return p, nil
}

// findDecide resolves module.exports as a function, module.exports.decide,
// then a global decide.
func findDecide(rt *goja.Runtime, module *goja.Object) goja.Callable {
	exported := module.Get("exports")
	if exported != nil && !goja.IsUndefined(exported) && !goja.IsNull(exported) {
		if fn, ok := goja.AssertFunction(exported); ok {
			return fn
		}
		if fn, ok := goja.AssertFunction(exported.ToObject(rt).Get("decide")); ok {
			return fn
		}
	}
	if fn, ok := goja.AssertFunction(rt.Get("decide")); ok {
		return fn
	}
	return nil
}

func newPolicy(name string, opts []PolicyOption) *Policy {
	p := &Policy{
		name:     strings.TrimSpace(name),
		fallback: schema.ProgressionContinue,
		timeout:  DefaultScriptTimeout,
		logger:   logging.Component("approver"),
	}
	if p.name == "" {
		p.name = "policy.js"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Name identifies the policy in logs.
func (p *Policy) Name() string { return p.name }

// Decide evaluates req. Script errors, timeouts and unusable results fall back
// to the configured progression.
func (p *Policy) Decide(req schema.BarrierRequest) Decision {
	if p.decide == nil {
		return Decision{Progression: p.fallback, Reason: "static policy"}
	}
	arg, err := requestValue(req)
	if err != nil {
		return p.fail(req, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	timer := time.AfterFunc(p.timeout, func() {
		p.rt.Interrupt(fmt.Sprintf("decide exceeded %s", p.timeout))
	})
	value, err := p.decide(goja.Undefined(), p.rt.ToValue(arg))
	timer.Stop()
	p.rt.ClearInterrupt()
	if err != nil {
		return p.fail(req, err)
	}
	decision, err := p.interpret(value)
	if err != nil {
		return p.fail(req, err)
	}
	return decision
}

func (p *Policy) interpret(value goja.Value) (Decision, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return Decision{}, fmt.Errorf("decide returned no verdict")
	}
	switch exported := value.Export().(type) {
	case string:
		progression, err := schema.ParseProgression(exported)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Progression: progression}, nil
	case bool:
		if exported {
			return Decision{Progression: schema.ProgressionContinue}, nil
		}
		return Decision{Progression: schema.ProgressionBlock}, nil
	case map[string]any:
		raw, _ := exported["progression"].(string)
		progression, err := schema.ParseProgression(raw)
		if err != nil {
			return Decision{}, err
		}
		reason, _ := exported["reason"].(string)
		return Decision{Progression: progression, Reason: reason}, nil
	default:
		return Decision{}, fmt.Errorf("decide returned unsupported %T", exported)
	}
}

func (p *Policy) fail(req schema.BarrierRequest, err error) Decision {
	eventID := ""
	if req.Event != nil {
		eventID = req.Event.ID
	}
	p.logger.Warn().Err(err).Str("policy", p.name).Str("event_id", eventID).
		Str("fallback", string(p.fallback)).Msg("policy evaluation failed")
	return Decision{Progression: p.fallback, Reason: "policy error: " + err.Error()}
}

func (p *Policy) console(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	logAt := func(level zerolog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			p.logger.WithLevel(level).Str("policy", p.name).Msg(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logAt(zerolog.InfoLevel))
	_ = console.Set("info", logAt(zerolog.InfoLevel))
	_ = console.Set("warn", logAt(zerolog.WarnLevel))
	_ = console.Set("error", logAt(zerolog.ErrorLevel))
	return console
}

// requestValue turns req into plain maps so scripts see the wire field names.
func requestValue(req schema.BarrierRequest) (map[string]any, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return out, nil
}
