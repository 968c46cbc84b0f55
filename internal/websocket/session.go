package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/luciancaetano/hostrpc"
	"github.com/luciancaetano/hostrpc/internal/deferred"
	"github.com/luciancaetano/hostrpc/internal/protocol"
	"github.com/luciancaetano/hostrpc/internal/route"
)

// idStep keeps the ids of the two sides disjoint: endpoints allocate odd ids,
// server peers even ones.
const idStep = 2

// session is the RPC core shared by endpoints and server peers: id
// allocation, the pending call store, and inbound dispatch.
type session struct {
	routes *route.Table
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*deferred.Deferred[json.RawMessage]
}

func newSession(routes *route.Table, logger *slog.Logger, firstID int64) *session {
	return &session{
		routes:  routes,
		logger:  logger,
		nextID:  firstID,
		pending: make(map[int64]*deferred.Deferred[json.RawMessage]),
	}
}

// add allocates an id and stores a pending call under it.
func (s *session) add() (int64, *deferred.Deferred[json.RawMessage]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID += idStep
	d := deferred.New[json.RawMessage]()
	s.pending[id] = d
	return id, d
}

// has reports whether id is still waiting for a reply.
func (s *session) has(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// remove drops a pending call without settling it.
func (s *session) remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pending[id]
	delete(s.pending, id)
	return ok
}

// reject settles every pending call with err.
func (s *session) reject(err error) int {
	s.mu.Lock()
	victims := s.pending
	s.pending = make(map[int64]*deferred.Deferred[json.RawMessage])
	s.mu.Unlock()

	for _, d := range victims {
		_ = d.Reject(err)
	}
	return len(victims)
}

func (s *session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// settle completes the pending call a result or error message answers.
func (s *session) settle(m *protocol.Message) {
	if m.ID == nil {
		s.logger.Warn("dropping reply without id", "error", string(m.Error))
		return
	}

	s.mu.Lock()
	d, ok := s.pending[*m.ID]
	delete(s.pending, *m.ID)
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("dropping reply for unknown call", "id", *m.ID)
		return
	}

	if m.Kind() == protocol.KindError {
		_ = d.Reject(protocol.NewRemoteError(m.Error))
		return
	}
	result := m.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	_ = d.Resolve(result)
}

// handle processes one inbound message. reply delivers a frame back to the
// peer; the caller decides whether the frame is still deliverable.
func (s *session) handle(ctx context.Context, data []byte, reply func([]byte)) {
	m, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("malformed message", "error", err)
		frame, ferr := protocol.NewError(nil, fmt.Sprintf("%s: %v", hostrpc.ErrMsgParseError, err))
		if ferr == nil {
			reply(frame)
		}
		return
	}

	switch m.Kind() {
	case protocol.KindCall:
		go s.serve(ctx, m, reply)
	default:
		s.settle(m)
	}
}

func (s *session) serve(ctx context.Context, m *protocol.Message, reply func([]byte)) {
	d := s.routes.Call(ctx, m.Method, m.Params)

	var (
		result any
		err    error
	)
	select {
	case <-d.Done():
		result, err = d.Result()
	case <-ctx.Done():
		return
	}

	if m.ID == nil {
		if err != nil {
			s.logger.Debug("notification failed", "method", m.Method, "error", err)
		}
		return
	}

	var frame []byte
	if err != nil {
		s.logger.Debug("route failed", "method", m.Method, "id", *m.ID, "error", err)
		frame, err = protocol.NewError(m.ID, protocol.ErrorValue(err))
	} else {
		frame, err = protocol.NewResult(*m.ID, result)
	}
	if err != nil {
		frame, err = protocol.NewError(m.ID, fmt.Sprintf("%s: %v", hostrpc.ErrMsgFailedToEncode, err))
		if err != nil {
			return
		}
	}
	reply(frame)
}
