package stratum

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/jobs"
	"github.com/zenith-network/zenith-pool/internal/policy"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// AuthorizeFunc decides a mining.authorize request. disconnect asks the
// server to drop the socket after replying.
type AuthorizeFunc func(ip, username, password string) (ok bool, disconnect bool)

// SubmitRequest carries one mining.submit's raw parameters
type SubmitRequest struct {
	WorkerName  string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	Solution    string
}

// SubmitFunc validates one submission; accepted shares feed vardiff
type SubmitFunc func(sess *Session, req SubmitRequest) (accepted bool, errCode int, errMsg string)

// Server is one coin's stratum front end across all configured ports
type Server struct {
	coin   string
	cfg    *config.PoolConfig
	policy *policy.Server

	authorizeFn AuthorizeFunc
	submitFn    SubmitFunc

	listeners []net.Listener
	sessions  sync.Map // id -> *Session
	sessionSeq uint64

	// Pool-global extranonce1 counter, seeded per coin so reconstructed
	// coinbases stay unique across restarts of different pools.
	extraNonceSeq   uint32
	extraNonce2Size int

	lastJob       atomic.Value // *jobs.Job
	lastBroadcast atomic.Value // time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a stratum server for one coin
func NewServer(cfg *config.PoolConfig, pol *policy.Server, extraNonce2Size int) *Server {
	s := &Server{
		coin:            cfg.Coin.Name,
		cfg:             cfg,
		policy:          pol,
		extraNonceSeq:   crc32.ChecksumIEEE([]byte(cfg.Coin.Name)),
		extraNonce2Size: extraNonce2Size,
		quit:            make(chan struct{}),
	}
	s.lastBroadcast.Store(time.Now())
	return s
}

// SetAuthorizeFunc wires the pool's authorization predicate
func (s *Server) SetAuthorizeFunc(fn AuthorizeFunc) { s.authorizeFn = fn }

// SetSubmitFunc wires the submit pipeline
func (s *Server) SetSubmitFunc(fn SubmitFunc) { s.submitFn = fn }

// Start opens every configured port
func (s *Server) Start() error {
	for port, portCfg := range s.cfg.Ports {
		addr := ":" + port

		var listener net.Listener
		var err error
		if portCfg.TLS != nil {
			cert, cerr := tls.LoadX509KeyPair(portCfg.TLS.Cert, portCfg.TLS.Key)
			if cerr != nil {
				return fmt.Errorf("port %s: loading TLS keypair: %w", port, cerr)
			}
			listener, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
		} else {
			listener, err = net.Listen("tcp", addr)
		}
		if err != nil {
			return fmt.Errorf("port %s: %w", port, err)
		}

		s.listeners = append(s.listeners, listener)
		util.Infof("[%s] stratum listening on %s (tls=%v)", s.coin, addr, portCfg.TLS != nil)

		s.wg.Add(1)
		go s.acceptLoop(listener, port, portCfg)
	}

	s.wg.Add(1)
	go s.rebroadcastLoop()

	s.wg.Add(1)
	go s.reaperLoop()

	return nil
}

// Stop closes the listeners and every session
func (s *Server) Stop() {
	close(s.quit)
	for _, l := range s.listeners {
		l.Close()
	}
	s.sessions.Range(func(_, value interface{}) bool {
		value.(*Session).close()
		return true
	})
	s.wg.Wait()
	util.Infof("[%s] stratum server stopped", s.coin)
}

func (s *Server) acceptLoop(listener net.Listener, port string, portCfg config.PortConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				util.Warnf("[%s] accept error on %s: %v", s.coin, port, err)
				continue
			}
		}

		ip := extractIP(conn.RemoteAddr().String())
		if s.policy != nil && s.policy.IsBanned(ip) {
			conn.Close()
			continue
		}

		sess := s.newSession(conn, port, portCfg)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSession(sess)
		}()
	}
}

// HandleConn adopts a socket handed over by the proxy multiplexer
func (s *Server) HandleConn(conn net.Conn, port string, portCfg config.PortConfig) {
	ip := extractIP(conn.RemoteAddr().String())
	if s.policy != nil && s.policy.IsBanned(ip) {
		conn.Close()
		return
	}
	sess := s.newSession(conn, port, portCfg)
	sess.FromProxy = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSession(sess)
	}()
}

func (s *Server) newSession(conn net.Conn, port string, portCfg config.PortConfig) *Session {
	id := atomic.AddUint64(&s.sessionSeq, 1)
	en1 := atomic.AddUint32(&s.extraNonceSeq, 1)

	diff := portCfg.Diff
	if vd := portCfg.VarDiff; vd != nil && diff < vd.MinDiff {
		diff = vd.MinDiff
	}

	sess := &Session{
		ID:              id,
		Conn:            conn,
		Port:            port,
		IP:              extractIP(conn.RemoteAddr().String()),
		ExtraNonce1:     fmt.Sprintf("%08x", en1),
		ExtraNonce2Size: s.extraNonce2Size,
		Difficulty:      diff,
		vardiff:         newVardiffState(portCfg.VarDiff),
		ConnectedAt:     time.Now(),
	}
	sess.server.Store(s)
	s.sessions.Store(id, sess)
	return sess
}

// runSession drives the connection's read loop. Messages are handled in
// order; a slow handler holds up later frames from the same socket.
func (s *Server) runSession(sess *Session) {
	defer func() {
		sess.close()
		sess.currentServer().sessions.Delete(sess.ID)
		util.Debugf("[%s] session %d disconnected (%s)", s.coin, sess.ID, sess.IP)
	}()

	scanner := newLineReader(sess.Conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			util.Warnf("[%s] session %d (%s): malformed frame, disconnecting", s.coin, sess.ID, sess.IP)
			return
		}

		sess.currentServer().handleRequest(sess, &req)

		select {
		case <-sess.currentServer().quit:
			return
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		// ErrTooLong means the 10 KiB frame cap was blown: flood.
		util.Warnf("[%s] session %d (%s): %v", s.coin, sess.ID, sess.IP, err)
	}
}

func (s *Server) handleRequest(sess *Session, req *Request) {
	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(sess, req)
	case "mining.authorize":
		s.handleAuthorize(sess, req)
	case "mining.submit":
		s.handleSubmit(sess, req)
	case "mining.extranonce.subscribe":
		sess.ExtranonceSubscribed = true
		sess.sendResult(req.ID, true)
	case "mining.get_transactions":
		sess.sendResult(req.ID, []interface{}{})
	default:
		util.Debugf("[%s] session %d: unknown method %q", s.coin, sess.ID, req.Method)
		sess.sendResult(req.ID, true)
	}
}

func (s *Server) handleSubscribe(sess *Session, req *Request) {
	sess.Subscribed = true
	sid := fmt.Sprintf("%016x", sess.ID)

	result := []interface{}{
		[][]string{
			{"mining.set_difficulty", sid},
			{"mining.notify", sid},
		},
		sess.ExtraNonce1,
		sess.ExtraNonce2Size,
	}
	sess.sendResult(req.ID, result)

	s.pushDifficulty(sess)
	if job, ok := s.lastJob.Load().(*jobs.Job); ok && job != nil {
		sess.send(Notification{Method: "mining.notify", Params: job.NotifyParams()})
	}
}

func (s *Server) handleAuthorize(sess *Session, req *Request) {
	username := stringParam(req.Params, 0)
	password := stringParam(req.Params, 1)
	if username == "" {
		sess.sendError(req.ID, 20, "missing worker name")
		return
	}

	ok, disconnect := true, false
	if s.authorizeFn != nil {
		ok, disconnect = s.authorizeFn(sess.IP, username, password)
	}
	if !ok {
		sess.sendError(req.ID, 24, "unauthorized worker")
		if disconnect {
			sess.close()
		}
		return
	}

	address, worker := parseWorker(username)
	sess.Address = address
	sess.Worker = worker
	sess.Authorized = true
	sess.sendResult(req.ID, true)

	util.Debugf("[%s] session %d authorized as %s", s.coin, sess.ID, worker)
}

func (s *Server) handleSubmit(sess *Session, req *Request) {
	if !sess.Authorized {
		sess.sendError(req.ID, 24, "unauthorized worker")
		return
	}
	if !sess.Subscribed {
		sess.sendError(req.ID, 25, "not subscribed")
		return
	}

	sess.LastSubmit = time.Now()

	sub := SubmitRequest{
		WorkerName:  stringParam(req.Params, 0),
		JobID:       stringParam(req.Params, 1),
		ExtraNonce2: stringParam(req.Params, 2),
		NTime:       stringParam(req.Params, 3),
		Nonce:       stringParam(req.Params, 4),
		Solution:    stringParam(req.Params, 5),
	}

	accepted, errCode, errMsg := false, 20, "no submit handler"
	if s.submitFn != nil {
		accepted, errCode, errMsg = s.submitFn(sess, sub)
	}

	if accepted {
		sess.sendResult(req.ID, true)
		if sess.vardiff != nil {
			if newDiff := sess.vardiff.onAcceptedShare(sess.Difficulty); newDiff > 0 {
				sess.PendingDifficulty = newDiff
			}
		}
	} else {
		sess.sendError(req.ID, errCode, errMsg)
	}

	if s.policy != nil && !s.policy.ApplyShare(sess.IP, accepted) {
		sess.close()
	}
}

// BroadcastJob pushes a job to every subscribed session, flushing any
// queued difficulty first so the client sees a consistent pair.
func (s *Server) BroadcastJob(job *jobs.Job) {
	s.lastJob.Store(job)
	s.lastBroadcast.Store(time.Now())

	count := 0
	s.sessions.Range(func(_, value interface{}) bool {
		sess := value.(*Session)
		if !sess.Subscribed {
			return true
		}
		if sess.PendingDifficulty > 0 {
			sess.Difficulty = sess.PendingDifficulty
			sess.PendingDifficulty = 0
			s.pushDifficulty(sess)
		}
		if err := sess.send(Notification{Method: "mining.notify", Params: job.NotifyParams()}); err != nil {
			sess.close()
			return true
		}
		count++
		return true
	})

	util.Debugf("[%s] broadcast job %s (height %d) to %d sessions", s.coin, job.ID, job.Height, count)
}

// rebroadcastLoop re-emits the current job when no fresh template
// arrived within the configured window
func (s *Server) rebroadcastLoop() {
	defer s.wg.Done()

	timeout := s.cfg.JobRebroadcastTimeout
	if timeout <= 0 {
		timeout = 55 * time.Second
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			last, _ := s.lastBroadcast.Load().(time.Time)
			if time.Since(last) < timeout {
				continue
			}
			if job, ok := s.lastJob.Load().(*jobs.Job); ok && job != nil {
				s.BroadcastJob(job)
			}
		}
	}
}

// reaperLoop destroys connections idle past the connection timeout
func (s *Server) reaperLoop() {
	defer s.wg.Done()

	timeout := s.cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.sessions.Range(func(_, value interface{}) bool {
				sess := value.(*Session)
				lastActive := sess.LastSubmit
				if lastActive.IsZero() {
					lastActive = sess.ConnectedAt
				}
				if time.Since(lastActive) > timeout {
					util.Debugf("[%s] reaping idle session %d (%s)", s.coin, sess.ID, sess.IP)
					sess.close()
				}
				return true
			})
		}
	}
}

// BanIP records a ban received over the cluster fan-out and drops any
// live sessions from that IP.
func (s *Server) BanIP(ip string) {
	if s.policy != nil {
		s.policy.Ban(ip, false)
	}
	s.sessions.Range(func(_, value interface{}) bool {
		sess := value.(*Session)
		if sess.IP == ip {
			sess.close()
		}
		return true
	})
}

// Relinquish detaches proxy-attached sessions the predicate approves,
// returning them for attachment to another pool's server.
func (s *Server) Relinquish(pred func(*Session) bool) []*Session {
	var released []*Session
	s.sessions.Range(func(key, value interface{}) bool {
		sess := value.(*Session)
		if sess.FromProxy && pred(sess) {
			s.sessions.Delete(key)
			released = append(released, sess)
		}
		return true
	})
	return released
}

// Attach adopts a session released by another pool's server: new
// extranonce, this pool's difficulty, and the current job.
func (s *Server) Attach(sess *Session) {
	en1 := atomic.AddUint32(&s.extraNonceSeq, 1)
	sess.ExtraNonce1 = fmt.Sprintf("%08x", en1)
	sess.ExtraNonce2Size = s.extraNonce2Size
	sess.Authorized = false // re-authorize against this pool's policy
	sess.server.Store(s)
	s.sessions.Store(sess.ID, sess)

	if sess.ExtranonceSubscribed {
		sess.sendExtranonce()
	}
	if portCfg, ok := s.cfg.Ports[sess.Port]; ok {
		sess.Difficulty = portCfg.Diff
		sess.vardiff = newVardiffState(portCfg.VarDiff)
	}
	s.pushDifficulty(sess)
	if job, ok := s.lastJob.Load().(*jobs.Job); ok && job != nil {
		sess.send(Notification{Method: "mining.notify", Params: job.NotifyParams()})
	}
}

// pushDifficulty sends the session's share target in whichever form the
// coin's miners speak: a difficulty number or a 64-hex target.
func (s *Server) pushDifficulty(sess *Session) {
	if s.cfg.Coin.NotifyTarget {
		sess.sendTarget(sess.Difficulty)
		return
	}
	sess.sendDifficulty(sess.Difficulty)
}

// SessionCount returns the number of connected sessions
func (s *Server) SessionCount() int {
	count := 0
	s.sessions.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// DefaultPortConfig returns an arbitrary configured port's settings,
// used when the proxy adopts a socket for a port this pool never opened.
func (s *Server) DefaultPortConfig() config.PortConfig {
	for _, pc := range s.cfg.Ports {
		return pc
	}
	return config.PortConfig{Diff: 1}
}

func stringParam(params []json.RawMessage, i int) string {
	if i >= len(params) {
		return ""
	}
	var out string
	if err := json.Unmarshal(params[i], &out); err != nil {
		return ""
	}
	return out
}
