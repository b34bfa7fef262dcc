// Package haproxytest provides an in-memory HAProxy runtime socket for
// load-balancer tests.
package haproxytest

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
)

// SlotState mirrors one server-template slot.
type SlotState struct {
	Name       string
	Addr       string
	OpState    string
	AdminState string
}

// Server is a fake HAProxy runtime socket speaking just enough of the
// protocol for the control client: show servers state plus slot rebinds.
type Server struct {
	mu    sync.Mutex
	slots []*SlotState

	listener net.Listener

	// Commands records every command received, in order.
	Commands []string
}

// NewServer starts a fake with n template slots, all free (maintenance).
func NewServer(n int) (*Server, error) {
	s := &Server{}
	for i := 1; i <= n; i++ {
		s.slots = append(s.slots, &SlotState{
			Name:       fmt.Sprintf("member%d", i),
			Addr:       "127.0.0.1",
			OpState:    "0",
			AdminState: "5",
		})
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.listener = listener
	go s.serve()
	return s, nil
}

// Addr returns the socket address to dial.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Close stops the listener.
func (s *Server) Close() { _ = s.listener.Close() }

// Bind marks a slot as actively serving addr, as a ready server would
// report after a rebind.
func (s *Server) Bind(name, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.slots {
		if slot.Name == name {
			slot.Addr = addr
			slot.OpState = "2"
			slot.AdminState = "4"
		}
	}
}

// Slot returns a copy of the named slot's state.
func (s *Server) Slot(name string) (SlotState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.slots {
		if slot.Name == name {
			return *slot, true
		}
	}
	return SlotState{}, false
}

// BoundAddrs returns the addresses of all actively serving slots.
func (s *Server) BoundAddrs() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, slot := range s.slots {
		if slot.OpState == "2" && slot.AdminState == "4" {
			out[slot.Addr] = true
		}
	}
	return out
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	command := strings.TrimSpace(line)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Commands = append(s.Commands, command)

	switch {
	case command == "show servers state nodes":
		fmt.Fprintln(conn, "1")
		fmt.Fprintln(conn, "# be_id be_name srv_id srv_name srv_addr srv_op_state srv_admin_state srv_uweight srv_iweight srv_time_since_last_change srv_check_status srv_check_result srv_check_health srv_check_state srv_agent_state bk_f_forced_id srv_f_forced_id srv_fqdn srv_port")
		for i, slot := range s.slots {
			fmt.Fprintf(conn, "3 nodes %d %s %s %s %s 1 1 0 6 3 4 6 0 0 0 - 80\n",
				i+1, slot.Name, slot.Addr, slot.OpState, slot.AdminState)
		}
	case strings.HasPrefix(command, "set server nodes/"):
		rest := strings.TrimPrefix(command, "set server nodes/")
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			fmt.Fprintln(conn, "Unknown command.")
			return
		}
		name := fields[0]
		for _, slot := range s.slots {
			if slot.Name != name {
				continue
			}
			switch {
			case fields[1] == "addr" && len(fields) >= 3:
				slot.Addr = fields[2]
			case fields[1] == "state" && len(fields) >= 3 && fields[2] == "ready":
				slot.OpState = "2"
				slot.AdminState = "4"
			case fields[1] == "state" && len(fields) >= 3 && fields[2] == "maint":
				slot.OpState = "0"
				slot.AdminState = "5"
			}
		}
	default:
		fmt.Fprintln(conn, "Unknown command.")
	}
}
