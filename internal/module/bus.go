package module

import (
	"plugin"
	"sync"
	"sync/atomic"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/log"
)

// Bus is the process-wide, ordered module chain. It is installed once
// during startup; dispatch thereafter reads an immutable snapshot
// pointer, matching spec.md §4.E's "lock-free via a snapshot pointer"
// requirement and generalising chasquid's own global-state discipline
// (internal/smtpsrv keeps its alias/userdb maps behind a similar
// set-once/read-many pattern).
type Bus struct {
	snapshot atomic.Pointer[[]Module]
	once     sync.Once
}

// Install publishes the ordered module list. It is a no-op after the
// first call: the bus is set-once, matching spec.md §4.E/§9's registry
// discipline. Core, if present in mods, should be first; Install does
// not reorder the slice.
func (b *Bus) Install(mods []Module) {
	b.once.Do(func() {
		cp := append([]Module(nil), mods...)
		b.snapshot.Store(&cp)
	})
}

// Installed reports whether Install has run.
func (b *Bus) Installed() bool {
	return b.snapshot.Load() != nil
}

// modules returns the current snapshot, or an empty slice before
// Install has run.
func (b *Bus) modules() []Module {
	p := b.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Dispatch runs event through every module in order. A module that
// returns false, or panics, aborts the chain; Dispatch returns false in
// that case. A panicking module is logged and treated as a failed
// validation but is not removed from the snapshot (spec.md §4.E/§9
// failure-isolation table: "module kept loaded").
func (b *Bus) Dispatch(event ValidateEvent, ctx *Context) bool {
	for _, m := range b.modules() {
		if !safeValidate(m, event, ctx) {
			return false
		}
	}
	return true
}

// Emit runs a lifecycle event through every module. Failures are
// advisory: they are logged but never abort the chain or change the
// return to the caller, since Emit has no boolean result.
func (b *Bus) Emit(event LifecycleEvent, ctx *Context) {
	for _, m := range b.modules() {
		safeEmit(m, event, ctx)
	}
}

func safeValidate(m Module, event ValidateEvent, ctx *Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("module %q panicked validating %v: %v", m.Name(), event, r)
			ok = false
		}
	}()
	return m.Validate(event, ctx)
}

func safeEmit(m Module, event LifecycleEvent, ctx *Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("module %q panicked emitting %v: %v", m.Name(), event, r)
		}
	}()
	m.Emit(event, ctx)
}

// LoadShared opens a Go plugin (built with `go build -buildmode=plugin`)
// at path and resolves its exported DeclareModule symbol, a
// func([]string) (Module, error) that is called with args. This is the Go-idiomatic stand-in for spec.md §6's C
// ABI declare_module()/Mod tagged union: a full C-ABI loader needs
// cgo and an FFI layer no library in the example pack provides, so
// Shared modules here are native Go plugins carrying the same
// ordering/name/kind/init contract instead of raw function pointers and
// {len,*char} strings. See DESIGN.md.
func LoadShared(path string, args []string) (Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup("DeclareModule")
	if err != nil {
		return nil, err
	}
	declare, ok := sym.(func([]string) (Module, error))
	if !ok {
		return nil, errBadPluginSymbol
	}
	return declare(args)
}

var errBadPluginSymbol = pluginSymbolError("module: DeclareModule has the wrong signature, want func([]string) (module.Module, error)")

type pluginSymbolError string

func (e pluginSymbolError) Error() string { return string(e) }
