// Package remotetest provides an in-process SSH server for tests that need
// a real target to run status and restart commands against.
package remotetest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Credentials accepted by every Server.
const (
	User     = "fuzzer"
	Password = "s3cret"
)

// Commands with special behavior. Any other command exits with the code
// set for it, or 0.
const (
	// CommandHang never exits.
	CommandHang = "hang"
	// CommandDrop closes the channel without an exit status.
	CommandDrop = "drop"
	// CommandKill reports the process as killed by SIGKILL.
	CommandKill = "kill"
)

// Server is a minimal SSH server accepting password logins for User. It
// runs no processes; exec requests are answered from a table of exit codes.
type Server struct {
	Host string
	Port int

	listener net.Listener
	signer   ssh.Signer

	mu       sync.Mutex
	codes    map[string]int
	commands []string
}

// NewServer starts a server on a loopback port. It is closed when the test
// finishes.
func NewServer(t testing.TB, codes map[string]int) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)

	s := &Server{
		Host:     addr.IP.String(),
		Port:     addr.Port,
		listener: ln,
		signer:   signer,
		codes:    make(map[string]int),
	}
	for cmd, code := range codes {
		s.codes[cmd] = code
	}

	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.signer.PublicKey()
}

// SetCode changes the exit code returned for command.
func (s *Server) SetCode(command string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[command] = code
}

// Commands returns every command received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.commands...)
}

func (s *Server) serve() {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pw) == Password {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(s.signer)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn, cfg)
	}
}

func (s *Server) handle(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, chReqs)
	}
}

func (s *Server) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		code := s.codes[payload.Command]
		s.mu.Unlock()

		switch payload.Command {
		case CommandHang:
			continue
		case CommandDrop:
			return
		case CommandKill:
			sig := struct {
				Signal     string
				CoreDumped bool
				Error      string
				Lang       string
			}{Signal: "KILL"}
			ch.SendRequest("exit-signal", false, ssh.Marshal(&sig))
			return
		default:
			status := struct{ Status uint32 }{uint32(code)}
			ch.SendRequest("exit-status", false, ssh.Marshal(&status))
			return
		}
	}
}
