package module

// Test is the module kind test harnesses install instead of mutating
// the process-wide registry after startup (spec.md §9: "Test harnesses
// install a test-only listener; they should not require modifying the
// registry after startup"). Callers set ValidateFunc/EmitFunc to observe
// or control dispatch from within a test.
type Test struct {
	NameStr     string
	ValidateFunc func(event ValidateEvent, ctx *Context) bool
	EmitFunc     func(event LifecycleEvent, ctx *Context)
}

func (t Test) Name() string {
	if t.NameStr == "" {
		return "test"
	}
	return t.NameStr
}

func (Test) Kind() Kind { return KindTest }

func (t Test) Validate(event ValidateEvent, ctx *Context) bool {
	if t.ValidateFunc == nil {
		return true
	}
	return t.ValidateFunc(event, ctx)
}

func (t Test) Emit(event LifecycleEvent, ctx *Context) {
	if t.EmitFunc != nil {
		t.EmitFunc(event, ctx)
	}
}
