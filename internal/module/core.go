package module

// Core is always installed first (spec.md §4.E). It sets no responses
// and performs no extra validation: the
// session loop already applies the built-in envelope/size rules via the
// FSM before dispatch, so Core's job is limited to lifecycle
// bookkeeping a later module (e.g. Metrics) can read back from
// Context.Metadata.
type Core struct{}

func (Core) Name() string { return "core" }
func (Core) Kind() Kind   { return KindCore }

func (Core) Validate(ValidateEvent, *Context) bool { return true }

func (Core) Emit(event LifecycleEvent, ctx *Context) {
	ctx.MetaSet("core.last_event", event.String())
}
