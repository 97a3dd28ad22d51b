package eventbus

import "sync"

var (
	defaultOnce sync.Once
	defaultBus  *EventBus
)

// Default returns the process-wide bus, constructing it with DefaultConfig on
// first use. It is never reset; tests that need isolation should call New.
func Default() *EventBus {
	bus, _ := InitDefault(DefaultConfig())
	return bus
}

// InitDefault constructs the process-wide bus with cfg and opts if it does not
// exist yet. It reports whether this call created the instance; otherwise the
// existing bus is returned unchanged.
func InitDefault(cfg Config, opts ...Option) (*EventBus, bool) {
	created := false
	defaultOnce.Do(func() {
		defaultBus = New(cfg, opts...)
		created = true
	})
	return defaultBus, created
}
