package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mobsim.ai/internal/observerproto"
	"mobsim.ai/internal/sim/kernel"
	"mobsim.ai/internal/sim/network"
)

// RunInfo is the static part of the bootstrap response.
type RunInfo struct {
	RunID    string
	EndFrame uint64
}

// Server streams tick summaries to loopback observers and serves the admin
// state endpoint. It is a kernel.TickSink: WriteTick runs on the scheduler
// goroutine between ticks, so it may read committed agent state.
type Server struct {
	group *kernel.WorkGroup
	net   *network.Network
	info  RunInfo
	log   *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session
	status   map[string]func() any
}

type session struct {
	id  string
	out chan []byte

	// guarded by Server.mu
	sub        observerproto.SubscribeMsg
	recordKind map[string]bool
	agentKind  map[string]bool
	allAgents  bool
}

func NewServer(g *kernel.WorkGroup, nw *network.Network, info RunInfo, logger *log.Logger) *Server {
	return &Server{
		group: g,
		net:   nw,
		info:  info,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]*session{},
		status:   map[string]func() any{},
	}
}

// AddStatus adds a named section to the state endpoint. fn is called per
// request and must be safe for concurrent use.
func (s *Server) AddStatus(name string, fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[name] = fn
}

// Sessions returns the number of connected observers.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Routes registers the observer and admin handlers on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", s.StateHandler())
	mux.HandleFunc("/admin/v1/observer/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/admin/v1/observer/ws", s.WSHandler())
}

func (s *Server) StateHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		s.mu.Lock()
		out := map[string]any{
			"run_id":    s.info.RunID,
			"observers": len(s.sessions),
		}
		fns := make(map[string]func() any, len(s.status))
		for k, fn := range s.status {
			fns[k] = fn
		}
		s.mu.Unlock()

		out["kernel"] = s.group.Stats()
		for k, fn := range fns {
			out[k] = fn()
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(out)
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		env, cfg := s.group.Env(), s.group.Config()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			RunID:           s.info.RunID,
			Frame:           s.group.Stats().Frame,
			RunParams: observerproto.RunParams{
				TickMs:   env.TickMs,
				Workers:  cfg.Workers,
				Seed:     env.Seed,
				EndFrame: s.info.EndFrame,
			},
			Network: describeNetwork(s.net),
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func describeNetwork(n *network.Network) observerproto.Network {
	var out observerproto.Network
	if n == nil {
		return out
	}
	for _, id := range n.Nodes() {
		nd, _ := n.Node(id)
		out.Nodes = append(out.Nodes, observerproto.Node{ID: uint32(nd.ID), X: nd.X, Y: nd.Y})
	}
	for _, id := range n.Links() {
		l, _ := n.Link(id)
		out.Links = append(out.Links, observerproto.Link{ID: uint32(l.ID), From: uint32(l.From), To: uint32(l.To), Length: l.Length})
	}
	for _, id := range n.Stops() {
		st, _ := n.Stop(id)
		out.Stops = append(out.Stops, observerproto.Stop{ID: uint32(st.ID), Link: uint32(st.Link), Offset: st.Offset})
	}
	return out
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sess := &session{
			id:  fmt.Sprintf("O%d", s.nextID.Add(1)),
			out: make(chan []byte, 1),
		}
		s.mu.Lock()
		sess.apply(sub)
		s.sessions[sess.id] = sess
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sub, ok := parseSubscribe(msg)
			if !ok {
				continue
			}
			s.mu.Lock()
			sess.apply(sub)
			s.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	normalizeSubscribe(&sub)
	return sub, true
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.EveryTicks <= 0 {
		sub.EveryTicks = 1
	}
	if sub.MaxAgents <= 0 {
		sub.MaxAgents = 2000
	}
	if sub.MaxAgents > 20000 {
		sub.MaxAgents = 20000
	}
}

func (ss *session) apply(sub observerproto.SubscribeMsg) {
	ss.sub = sub
	ss.recordKind = map[string]bool{}
	for _, k := range sub.RecordKinds {
		ss.recordKind[k] = true
	}
	ss.agentKind = map[string]bool{}
	ss.allAgents = false
	for _, k := range sub.AgentKinds {
		if k == "*" {
			ss.allAgents = true
		}
		ss.agentKind[k] = true
	}
}

func (ss *session) wantsAgents() bool { return ss.allAgents || len(ss.agentKind) > 0 }

// WriteTick fans the entry out to every observer. A session whose writer is
// behind has its pending frame replaced: observers see the latest tick, not
// every tick.
func (s *Server) WriteTick(e kernel.TickLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) == 0 {
		return nil
	}

	base := observerproto.TickMsg{
		Type:            "TICK",
		ProtocolVersion: observerproto.Version,
		Frame:           e.Frame,
		Ms:              e.Ms,
		Population:      e.Population,
		Scheduled:       e.Scheduled,
		Created:         len(e.Created),
		Removed:         len(e.Removed),
		Migrated:        len(e.Migrated),
		Faults:          len(e.Faults),
		Delivered:       e.Messages.Delivered,
		Dropped:         e.Messages.Dropped,
		Digest:          e.Digest,
	}
	for _, w := range s.group.Stats().Workers {
		base.Workers = append(base.Workers, observerproto.WorkerLoad{ID: w.ID, Agents: w.Agents, Load: w.Load})
	}

	var agents []observerproto.AgentState
	for _, ss := range s.sessions {
		if ss.wantsAgents() {
			agents = snapshotAgents(s.group)
			break
		}
	}

	for _, ss := range s.sessions {
		if e.Frame%uint64(ss.sub.EveryTicks) != 0 {
			continue
		}
		msg := base
		if ss.wantsAgents() {
			for _, a := range agents {
				if len(msg.Agents) >= ss.sub.MaxAgents {
					break
				}
				if ss.allAgents || ss.agentKind[a.Kind] {
					msg.Agents = append(msg.Agents, a)
				}
			}
		}
		for _, r := range e.Records {
			if ss.recordKind[r.Kind] {
				msg.Records = append(msg.Records, observerproto.RecordedItem{Agent: uint64(r.Agent), Kind: r.Kind, Data: r.Data})
			}
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		pushLatest(ss.out, b)
	}
	return nil
}

func snapshotAgents(g *kernel.WorkGroup) []observerproto.AgentState {
	all := g.Agents()
	out := make([]observerproto.AgentState, 0, len(all))
	for _, a := range all {
		if a.State() != kernel.Active {
			continue
		}
		loc := a.Pos.Get()
		out = append(out, observerproto.AgentState{ID: uint64(a.ID()), Kind: a.Kind(), Link: uint32(loc.Link), Offset: loc.Offset})
	}
	return out
}

func pushLatest(ch chan []byte, b []byte) {
	for {
		select {
		case ch <- b:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
