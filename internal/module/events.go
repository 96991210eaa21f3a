package module

// ValidateEvent is fired synchronously from the session loop at the
// point the matching FSM transition occurs; a module may reject it by
// returning false, which typically drives the session into Reject.
type ValidateEvent int

const (
	ValidateConnect ValidateEvent = iota
	ValidateEhlo
	ValidateMailFrom
	ValidateRcptTo
	ValidateData
	ValidateStartTLS
)

func (v ValidateEvent) String() string {
	switch v {
	case ValidateConnect:
		return "Connect"
	case ValidateEhlo:
		return "Ehlo"
	case ValidateMailFrom:
		return "MailFrom"
	case ValidateRcptTo:
		return "RcptTo"
	case ValidateData:
		return "Data"
	case ValidateStartTLS:
		return "StartTls"
	default:
		return "Unknown"
	}
}

// LifecycleEvent is fired advisedly: listeners return nothing, and a
// listener that panics is logged without changing the session or
// delivery outcome.
type LifecycleEvent int

const (
	ConnectionOpened LifecycleEvent = iota
	ConnectionClosed
	SmtpError
	SmtpMessageReceived
	DeliveryAttempt
	DeliverySuccess
	DeliveryFailure
	DnsLookup
)

func (l LifecycleEvent) String() string {
	switch l {
	case ConnectionOpened:
		return "ConnectionOpened"
	case ConnectionClosed:
		return "ConnectionClosed"
	case SmtpError:
		return "SmtpError"
	case SmtpMessageReceived:
		return "SmtpMessageReceived"
	case DeliveryAttempt:
		return "DeliveryAttempt"
	case DeliverySuccess:
		return "DeliverySuccess"
	case DeliveryFailure:
		return "DeliveryFailure"
	case DnsLookup:
		return "DnsLookup"
	default:
		return "Unknown"
	}
}

// Kind distinguishes the four module origins spec.md §4.E names. Core
// and Metrics are in-process; Shared is a dynamically loaded native
// library; Test is installed only by test harnesses.
type Kind int

const (
	KindCore Kind = iota
	KindMetrics
	KindShared
	KindTest
)

func (k Kind) String() string {
	switch k {
	case KindCore:
		return "Core"
	case KindMetrics:
		return "Metrics"
	case KindShared:
		return "Shared"
	case KindTest:
		return "Test"
	default:
		return "Unknown"
	}
}

// Module is one entry in the plugin bus. Validate is called for the six
// validation events; a false return aborts the chain. Emit is called
// for the eight lifecycle events and is advisory only. Implementations
// that do not care about a given event should simply return true /
// do nothing.
type Module interface {
	Name() string
	Kind() Kind
	Validate(event ValidateEvent, ctx *Context) bool
	Emit(event LifecycleEvent, ctx *Context)
}
