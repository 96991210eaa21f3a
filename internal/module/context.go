// Package module implements the process-wide plugin bus spec.md §4.E
// describes: an ordered, set-once list of validators and lifecycle
// listeners dispatched against a per-connection Context. It generalises
// chasquid's single post-DATA external hook (internal/smtpsrv/conn.go's
// runPostDataHook, which shells out to one fixed script) into an ordered
// chain of in-process modules that can run before every FSM-relevant
// command, not just after DATA.
package module

import "github.com/Pyxxilated-Studios/empath-sub001/internal/address"

// Context is the session-scoped business context validators and
// listeners observe and may mutate, per spec.md's "Context (business)"
// definition.
type Context struct {
	ID              string
	Extended        bool
	Envelope        address.Envelope
	Data            []byte
	MaxMessageSize  int
	Banner          string
	RemoteAddr      string

	// Metadata is a typed sidechannel between modules: declared SIZE,
	// DNS cache hit/miss, and similar facts a later module or the
	// session loop may want without re-deriving them.
	Metadata map[string]string

	// Response is the pending response a validator may set. When
	// non-nil after dispatch, the session sends it verbatim instead of
	// its built-in default (spec.md §4.D step 4).
	Response *Response
}

// Response is an SMTP status line a module wants sent verbatim.
type Response struct {
	Code    int
	Message string
}

// SetResponse records a verbatim response for the session to send.
func (c *Context) SetResponse(code int, message string) {
	c.Response = &Response{Code: code, Message: message}
}

// MetaSet records a metadata fact, initialising the map lazily.
func (c *Context) MetaSet(key, value string) {
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.Metadata[key] = value
}

// MetaGet reads a metadata fact; ok is false if it was never set.
func (c *Context) MetaGet(key string) (string, bool) {
	v, ok := c.Metadata[key]
	return v, ok
}
