package session

import (
	"crypto/tls"
	"net"

	"blitiri.com.ar/go/systemd"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/log"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/maillog"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/module"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/queue"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/spool"
)

// Server owns the accept loops for every configured listener. Grounded
// on chasquid's own internal/smtpsrv/server.go Server.addrs/listeners/
// serve shape, generalized from chasquid's auth/alias/DKIM wiring to
// the module bus, spool backend and delivery queue this repository
// actually needs.
type Server struct {
	Config  Config
	Bus     *module.Bus
	Backend spool.Backend
	Queue   *queue.Queue

	addrs     map[Mode][]string
	listeners map[Mode][]net.Listener
}

// NewServer returns an empty Server; call AddAddr/AddListeners before
// ListenAndServe.
func NewServer(cfg Config, bus *module.Bus, backend spool.Backend, q *queue.Queue) *Server {
	return &Server{
		Config:    cfg,
		Bus:       bus,
		Backend:   backend,
		Queue:     q,
		addrs:     map[Mode][]string{},
		listeners: map[Mode][]net.Listener{},
	}
}

// AddAddr registers a TCP address to listen on in the given mode. The
// literal value "systemd" defers to socket activation via AddListeners.
func (s *Server) AddAddr(addr string, mode Mode) {
	s.addrs[mode] = append(s.addrs[mode], addr)
}

// ResolveSystemdListeners picks up any sockets systemd passed down, for
// addresses registered as "systemd" (spec.md §10.3, blitiri.com.ar/go/systemd).
func (s *Server) ResolveSystemdListeners() error {
	for mode, addrs := range s.addrs {
		var kept []string
		for _, a := range addrs {
			if a != "systemd" {
				kept = append(kept, a)
				continue
			}
			ls, err := systemd.Listeners()
			if err != nil {
				return err
			}
			for _, l := range ls {
				s.listeners[mode] = append(s.listeners[mode], l)
			}
		}
		s.addrs[mode] = kept
	}
	return nil
}

// ListenAndServe starts every registered listener on its own goroutine
// and returns immediately; it never blocks.
func (s *Server) ListenAndServe() error {
	opened := map[Mode][]net.Listener{}
	for mode, addrs := range s.addrs {
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			log.Infof("session: listening on %s (%s)", addr, mode)
			maillog.Listening(addr)
			opened[mode] = append(opened[mode], l)
			go s.serve(l, mode)
		}
	}
	for mode, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("session: listening on %s (%s, via systemd)", l.Addr(), mode)
			maillog.Listening(l.Addr().String())
			go s.serve(l, mode)
		}
	}
	// Keep the listeners opened above so Close can shut them down too.
	for mode, ls := range opened {
		s.listeners[mode] = append(s.listeners[mode], ls...)
	}
	return nil
}

// Close shuts down every listener, causing each serve loop's Accept to
// return an error and exit.
func (s *Server) Close() {
	for _, ls := range s.listeners {
		for _, l := range ls {
			l.Close()
		}
	}
	s.listeners = map[Mode][]net.Listener{}
}

func (s *Server) serve(l net.Listener, mode Mode) {
	if mode.ImplicitTLS {
		l = tls.NewListener(l, s.Config.TLSConfig)
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Infof("session: listener %s closed: %v", l.Addr(), err)
			return
		}
		c := New(conn, mode, s.Config, s.Bus, s.Backend, s.Queue)
		go c.Handle()
	}
}
