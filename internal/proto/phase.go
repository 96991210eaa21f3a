package proto

import "github.com/Pyxxilated-Studios/empath-sub001/internal/address"

// Phase is a session FSM state, spec.md §4.C's full set.
type Phase int

const (
	Connect Phase = iota
	Helo
	Ehlo
	StartTls
	MailFrom
	RcptTo
	Data
	Reading
	PostDot
	Quit
	Help
	InvalidPhase
	InvalidCommandSequence
	Reject
	Close
)

func (p Phase) String() string {
	switch p {
	case Connect:
		return "Connect"
	case Helo:
		return "Helo"
	case Ehlo:
		return "Ehlo"
	case StartTls:
		return "StartTls"
	case MailFrom:
		return "MailFrom"
	case RcptTo:
		return "RcptTo"
	case Data:
		return "Data"
	case Reading:
		return "Reading"
	case PostDot:
		return "PostDot"
	case Quit:
		return "Quit"
	case Help:
		return "Help"
	case InvalidCommandSequence:
		return "InvalidCommandSequence"
	case Reject:
		return "Reject"
	case Close:
		return "Close"
	default:
		return "Invalid"
	}
}

// SessionState is the mutable side of the transition: the client id
// announced by HELO/EHLO, whether it arrived extended (EHLO), and the
// in-progress envelope. Transition only ever writes to this struct; it
// never performs I/O, logging, or plugin dispatch (spec.md §4.C).
type SessionState struct {
	ClientID string
	Extended bool
	Envelope address.Envelope
}

// helloPhase returns the phase RSET and a completed transaction return
// to: Ehlo if the client spoke EHLO, Helo otherwise.
func (s *SessionState) helloPhase() Phase {
	if s.Extended {
		return Ehlo
	}
	return Helo
}

// Transition is the pure state-transition function spec.md §4.C
// mandates: (Phase, Command, *SessionState) -> Phase. It mutates state
// in place (recording hello identity, envelope sender/recipients,
// resets) but performs no I/O and calls no plugin.
func Transition(phase Phase, cmd Command, state *SessionState) Phase {
	// QUIT and RSET are accepted from (almost) any phase.
	switch cmd.Verb {
	case CmdQuit:
		return Quit
	case CmdRset:
		state.Envelope.Reset()
		if phase == Connect {
			return Connect
		}
		return state.helloPhase()
	}

	switch phase {
	case Connect:
		switch cmd.Verb {
		case CmdEhlo:
			state.ClientID = cmd.Host
			state.Extended = true
			return Ehlo
		case CmdHelo:
			state.ClientID = cmd.Host
			state.Extended = false
			return Helo
		default:
			return InvalidCommandSequence
		}

	case Ehlo, Helo, Help, StartTls, PostDot:
		switch cmd.Verb {
		case CmdStartTLS:
			if phase == Ehlo || phase == Helo {
				if state.Extended {
					return StartTls
				}
				return InvalidCommandSequence
			}
			return InvalidCommandSequence
		case CmdMailFrom:
			if cmd.NullFrom {
				state.Envelope.SetSender(nil, cmd.Params)
			} else {
				a := cmd.From
				state.Envelope.SetSender(&a, cmd.Params)
			}
			return MailFrom
		case CmdHelp:
			return Help
		case CmdNoop, CmdVrfy, CmdAuth:
			return phase
		default:
			return InvalidCommandSequence
		}

	case MailFrom, RcptTo:
		switch cmd.Verb {
		case CmdRcptTo:
			state.Envelope.AddRecipient(cmd.To, cmd.Params)
			return RcptTo
		case CmdData:
			if phase == RcptTo {
				return Data
			}
			return InvalidCommandSequence
		case CmdNoop, CmdVrfy:
			return phase
		default:
			return InvalidCommandSequence
		}

	case Data:
		// DATA proper is handled by the session loop's dot-reader; once
		// bytes start arriving the session drives Reading/PostDot
		// itself. Any command seen here other than the implicit content
		// stream resets the transaction, per spec.md's table ("Data |
		// (any non-QUIT) | Connect").
		return Connect

	case Reading:
		return Reading

	default:
		return InvalidCommandSequence
	}
}
