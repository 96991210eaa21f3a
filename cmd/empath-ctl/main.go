// empath-ctl is the command-line client for empathd's control-plane
// Unix socket: queue/dns/breaker introspection plus the process
// status.
//
// Grounded on chasquid-util's own docopt-style `const usage` block
// (cmd/chasquid-util/chasquid-util.go) for the command shape, this
// time actually parsed with github.com/docopt/docopt-go instead of
// chasquid-util's own hand-rolled "--key=value" splitter — a
// dependency the teacher's go.mod carries but, before this package,
// nothing in the tree imported.
package main

import (
	"fmt"
	"os"

	"github.com/docopt/docopt-go"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/control"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/wire"
)

const usage = `empath-ctl: inspect a running empathd instance.

Usage:
  empath-ctl [options] queue
  empath-ctl [options] dns
  empath-ctl [options] breakers
  empath-ctl [options] status

Options:
  --socket=<path>  Control socket path [default: /tmp/empath.sock]
  --token=<token>  Bearer token (sent as-is; the server compares its hash)
  -h --help        Show this help
`

const version = "empath-ctl undefined"

func main() {
	args, err := docopt.Parse(usage, nil, true, version, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	socket, _ := args["--socket"].(string)
	token, _ := args["--token"].(string)
	client := control.NewClient(socket, token)

	var method string
	switch {
	case args["queue"].(bool):
		method = "queue.snapshot"
	case args["dns"].(bool):
		method = "dns.list"
	case args["breakers"].(bool):
		method = "ratelimit.breakers"
	case args["status"].(bool):
		method = "system.status"
	}

	resp, err := client.Call(method, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "empath-ctl: %v\n", err)
		os.Exit(1)
	}

	printResponse(method, resp)
}

func printResponse(method string, resp []byte) {
	dec := wire.NewDecoder(resp)
	switch method {
	case "queue.snapshot":
		n, _ := dec.Uint32()
		fmt.Printf("%d queue entries\n", n)
		for i := uint32(0); i < n; i++ {
			id, _ := dec.String()
			domain, _ := dec.String()
			status, _ := dec.Uint8()
			attempts, _ := dec.Uint32()
			fmt.Printf("  %s -> %s  status=%d attempts=%d\n", id, domain, status, attempts)
		}
	case "dns.list":
		n, _ := dec.Uint32()
		fmt.Printf("%d cached domains\n", n)
		for i := uint32(0); i < n; i++ {
			domain, _ := dec.String()
			m, _ := dec.Uint32()
			fmt.Printf("  %s:\n", domain)
			for j := uint32(0); j < m; j++ {
				host, _ := dec.String()
				pref, _ := dec.Uint32()
				fmt.Printf("    %s (priority %d)\n", host, pref)
			}
		}
	case "ratelimit.breakers":
		n, _ := dec.Uint32()
		fmt.Printf("%d breakers\n", n)
		for i := uint32(0); i < n; i++ {
			domain, _ := dec.String()
			state, _ := dec.Uint8()
			fails, _ := dec.Uint32()
			fmt.Printf("  %s  state=%d consecutive_fails=%d\n", domain, state, fails)
		}
	case "system.status":
		hostname, _ := dec.String()
		queued, _ := dec.Uint32()
		cleanup, _ := dec.Uint32()
		fmt.Printf("hostname=%s queued=%d pending_cleanup=%d\n", hostname, queued, cleanup)
	}
}
