// Package scpitest provides a loopback SCPI instrument for tests.
//
// The Server accepts newline terminated messages of ';' separated
// commands, including IEEE 488.2 definite length binary blocks, records
// every command, and answers queries.  SYSTem:ERRor? pops an error queue
// that FailOn feeds, *OPC? answers 1 and *CLS clears the queue.
package scpitest

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Server is a fake instrument listening on the loopback interface
type Server struct {
	ln net.Listener

	mu        sync.Mutex
	cmds      []string
	blocks    [][]byte
	errq      []string
	failOn    map[string]string
	responses map[string]string
}

// NewServer starts a Server on a free loopback port
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:     ln,
		failOn: make(map[string]string),
		responses: map[string]string{
			"*IDN?":            "Tabor Electronics,P9484M,000000000,1.0.0",
			":SYST:INF:MODEL?": "P9484M",
		},
	}
	go s.serve()
	return s, nil
}

// Addr returns the host:port the server listens on
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the server
func (s *Server) Close() error {
	return s.ln.Close()
}

// Commands returns every command received so far.  Binary blocks appear
// as their header, for example ":TRAC:DATA#3128"
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.cmds))
	copy(out, s.cmds)
	return out
}

// Blocks returns the payloads of every binary block received so far
func (s *Server) Blocks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.blocks))
	copy(out, s.blocks)
	return out
}

// Reset forgets recorded commands and blocks
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = nil
	s.blocks = nil
}

// FailOn queues the error `code,"msg"` whenever a command starting with
// prefix is received
func (s *Server) FailOn(prefix string, code int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[strings.ToUpper(prefix)] = strconv.Itoa(code) + `,"` + msg + `"`
}

// SetResponse sets the answer to a query
func (s *Server) SetResponse(query, resp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[strings.ToUpper(query)] = resp
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		parts, err := s.readMessage(r)
		if err != nil {
			return
		}
		var answers []string
		for _, p := range parts {
			if a, ok := s.execute(p); ok {
				answers = append(answers, a)
			}
		}
		if len(answers) > 0 {
			if _, err = io.WriteString(conn, strings.Join(answers, ";")+"\n"); err != nil {
				return
			}
		}
	}
}

// readMessage reads up to the terminating newline and splits the message
// into commands.  Binary blocks are consumed whole and recorded
func (s *Server) readMessage(r *bufio.Reader) ([]string, error) {
	var (
		cur   strings.Builder
		parts []string
	)
	for {
		c, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch c {
		case '\n':
			parts = append(parts, cur.String())
			return parts, nil
		case ';':
			parts = append(parts, cur.String())
			cur.Reset()
		case '#':
			d, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			digits := make([]byte, int(d-'0'))
			if _, err = io.ReadFull(r, digits); err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(string(digits))
			if err != nil {
				return nil, err
			}
			data := make([]byte, n)
			if _, err = io.ReadFull(r, data); err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.blocks = append(s.blocks, data)
			s.mu.Unlock()
			cur.WriteByte('#')
			cur.WriteByte(d)
			cur.Write(digits)
		default:
			cur.WriteByte(c)
		}
	}
}

// execute records one command and returns the answer if it is a query
func (s *Server) execute(cmd string) (string, bool) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	up := strings.ToUpper(cmd)
	for prefix, e := range s.failOn {
		if strings.HasPrefix(up, prefix) {
			s.errq = append(s.errq, e)
		}
	}
	switch {
	case up == "*CLS":
		s.errq = nil
		return "", false
	case up == "*OPC?":
		return "1", true
	case up == ":SYST:ERR?" || up == ":SYSTEM:ERROR?" || up == "SYSTEM:ERROR?" || up == "SYST:ERR?":
		if len(s.errq) == 0 {
			return `0, no error`, true
		}
		e := s.errq[0]
		s.errq = s.errq[1:]
		return e, true
	case strings.HasSuffix(up, "?"):
		if r, ok := s.responses[up]; ok {
			return r, true
		}
		return "0", true
	}
	return "", false
}
