// Package stratum implements the miner-facing TCP protocol server.
package stratum

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zenith-network/zenith-pool/internal/util"
)

// Protocol limits
const (
	// MaxLineSize caps the per-connection receive buffer; one frame over
	// this is treated as a flood and the socket destroyed.
	MaxLineSize = 10 * 1024
)

// Request is a JSON-RPC request from a miner
type Request struct {
	ID     interface{}       `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Response is a JSON-RPC response to a miner
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification is a server-initiated message
type Notification struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// Session is one miner connection. Messages are handled strictly in
// arrival order by the session's read loop; nothing here is processed
// concurrently for a single connection.
type Session struct {
	ID   uint64
	Conn net.Conn

	Port     string // local listening port the miner dialed
	IP       string
	Worker   string // "<address>.<name>" as authorized
	Address  string // address component only
	TLS      bool

	Subscribed bool
	Authorized bool

	ExtraNonce1     string
	ExtraNonce2Size int

	// Extranonce subscription (mining.extranonce.subscribe) marks the
	// session eligible for mining.set_extranonce pushes on proxy handoff.
	ExtranonceSubscribed bool

	// Difficulty: current is what submits are judged against; pending is
	// queued by vardiff and flushed immediately ahead of the next notify.
	Difficulty        float64
	PendingDifficulty float64

	vardiff *vardiffState

	// FromProxy marks sessions whose socket arrived via a switch port;
	// only these are eligible for coinswitch handoff.
	FromProxy bool

	LastSubmit  time.Time
	ConnectedAt time.Time

	// server is the pool currently handling this session's messages. The
	// proxy multiplexer repoints it on coinswitch.
	server atomic.Value

	writeMu sync.Mutex
	closed  bool
}

// currentServer returns the pool server this session dispatches to
func (s *Session) currentServer() *Server {
	return s.server.Load().(*Server)
}

// send writes one frame and returns any write error to the caller.
func (s *Session) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = s.Conn.Write(append(data, '\n'))
	return err
}

// sendResult sends a success response
func (s *Session) sendResult(id interface{}, result interface{}) error {
	return s.send(Response{ID: id, Result: result, Error: nil})
}

// sendError sends a JSON-RPC error tuple [code, msg, traceback]
func (s *Session) sendError(id interface{}, code int, message string) error {
	return s.send(Response{ID: id, Result: nil, Error: []interface{}{code, message, nil}})
}

// sendDifficulty pushes mining.set_difficulty
func (s *Session) sendDifficulty(diff float64) error {
	return s.send(Notification{Method: "mining.set_difficulty", Params: []interface{}{diff}})
}

// sendTarget pushes mining.set_target with the 64-hex share target, the
// form target-based miners expect instead of a difficulty number
func (s *Session) sendTarget(diff float64) error {
	target := fmt.Sprintf("%064x", util.DifficultyToTarget(diff))
	return s.send(Notification{Method: "mining.set_target", Params: []interface{}{target}})
}

// sendExtranonce pushes mining.set_extranonce after a proxy handoff
func (s *Session) sendExtranonce() error {
	return s.send(Notification{
		Method: "mining.set_extranonce",
		Params: []interface{}{s.ExtraNonce1, s.ExtraNonce2Size},
	})
}

// close shuts the socket down once
func (s *Session) close() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.closed {
		s.closed = true
		s.Conn.Close()
	}
}

// newLineReader builds the capped line scanner for the connection
func newLineReader(conn net.Conn) *bufio.Scanner {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), MaxLineSize)
	return scanner
}

// extractIP strips the port (and IPv6 brackets) from a remote address
func extractIP(remoteAddr string) string {
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		ip := remoteAddr[:idx]
		ip = strings.TrimPrefix(ip, "[")
		return strings.TrimSuffix(ip, "]")
	}
	return remoteAddr
}

// parseWorker splits "<address>.<name>"; a missing name maps to "default"
func parseWorker(username string) (address, worker string) {
	if i := strings.IndexByte(username, '.'); i >= 0 {
		name := username[i+1:]
		if name == "" {
			name = "default"
		}
		return username[:i], username[:i] + "." + name
	}
	return username, username + ".default"
}
