// Package acp is the ACP (alternate transport) Port Adapter. It exposes the
// Session Manager's transport-agnostic public contract — createTask,
// listSessions, getSession, subscribe — as JSON-RPC 2.0 over newline-delimited
// connections, the same framing the teacher's pkg/acp/jsonrpc client uses to
// talk to agent subprocesses, here turned around to face external callers.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/session/models"
	"github.com/kandev/sessiond/internal/session/repository"
	"github.com/kandev/sessiond/internal/session/service"
	"github.com/kandev/sessiond/pkg/acp/jsonrpc"
)

// Method names exposed by the gateway. These are sessiond's own ACP method
// names; pkg/acp/jsonrpc supplies only the JSON-RPC 2.0 envelope types and
// error codes, and declares no method names.
const (
	MethodSessionCreate    = "session/create"
	MethodSessionList      = "session/list"
	MethodSessionGet       = "session/get"
	MethodSessionSubscribe = "session/subscribe"

	// NotificationSessionEvent is pushed to a subscribed connection for every
	// Event delivered by the Session Manager's Subscribe stream.
	NotificationSessionEvent = "session/event"
)

// createParams is the session/create request payload.
type createParams struct {
	TenantID        string               `json:"tenant_id,omitempty"`
	ProjectID       string               `json:"project_id,omitempty"`
	Task            models.Task          `json:"task"`
	Agent           models.AgentSpec     `json:"agent"`
	Runtime         models.RuntimeSpec   `json:"runtime"`
	Repo            models.RepoSpec      `json:"repo"`
	Delivery        models.DeliverySpec  `json:"delivery"`
	IdempotencyKey  string               `json:"idempotency_key,omitempty"`
}

type listParams struct {
	TenantID  string        `json:"tenant_id,omitempty"`
	ProjectID string        `json:"project_id,omitempty"`
	Status    models.Status `json:"status,omitempty"`
	Page      int           `json:"page,omitempty"`
	PerPage   int           `json:"per_page,omitempty"`
}

type listResult struct {
	Items []*models.Session `json:"items"`
	Total int               `json:"total"`
}

type getParams struct {
	ID string `json:"id"`
}

type subscribeParams struct {
	ID           string `json:"id"`
	FromSequence int64  `json:"from_sequence,omitempty"`
}

// Server accepts connections and dispatches ACP method calls onto a Session
// Manager, mirroring shape for shape the public contract the HTTP adapter
// also fronts.
type Server struct {
	sessions *service.Manager
	log      *logger.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer constructs an ACP gateway Server.
func NewServer(sessions *service.Manager, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{sessions: sessions, log: log.WithFields(zap.String("component", "acp_gateway"))}
}

// Serve listens on addr and handles connections until ctx is cancelled or
// the listener errors. It blocks until the listener stops.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.log.Info("acp gateway listening", zap.String("addr", addr))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	connLog := s.log.WithFields(zap.String("remote_addr", conn.RemoteAddr().String()))
	var writeMu sync.Mutex
	write := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = append(data, '\n')
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = conn.Write(data)
		return err
	}

	scanner := bufio.NewScanner(conn)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = write(errorResponse(nil, jsonrpc.ParseError, "invalid JSON-RPC request"))
			continue
		}

		s.dispatch(ctx, connLog, &req, write)
	}
}

func (s *Server) dispatch(ctx context.Context, log *logger.Logger, req *jsonrpc.Request, write func(any) error) {
	switch req.Method {
	case MethodSessionCreate:
		s.handleCreate(ctx, req, write)
	case MethodSessionList:
		s.handleList(ctx, req, write)
	case MethodSessionGet:
		s.handleGet(ctx, req, write)
	case MethodSessionSubscribe:
		s.handleSubscribe(ctx, log, req, write)
	default:
		_ = write(errorResponse(req.ID, jsonrpc.MethodNotFound, "unknown method: "+req.Method))
	}
}

func (s *Server) handleCreate(ctx context.Context, req *jsonrpc.Request, write func(any) error) {
	var p createParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = write(errorResponse(req.ID, jsonrpc.InvalidParams, err.Error()))
		return
	}

	session, err := s.sessions.CreateTask(ctx, service.CreateTaskRequest{
		TenantID:  p.TenantID,
		ProjectID: p.ProjectID,
		Task:      p.Task,
		Agent:     p.Agent,
		Runtime:   p.Runtime,
		Repo:      p.Repo,
		Delivery:  p.Delivery,
	}, p.IdempotencyKey)
	if err != nil {
		_ = write(coreErrResponse(req.ID, err))
		return
	}
	_ = write(resultResponse(req.ID, session))
}

func (s *Server) handleList(ctx context.Context, req *jsonrpc.Request, write func(any) error) {
	var p listParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			_ = write(errorResponse(req.ID, jsonrpc.InvalidParams, err.Error()))
			return
		}
	}
	if p.PerPage <= 0 {
		p.PerPage = 50
	}
	if p.Page <= 0 {
		p.Page = 1
	}

	result, err := s.sessions.ListSessions(ctx, repository.SessionFilters{
		TenantID:  p.TenantID,
		ProjectID: p.ProjectID,
		Status:    p.Status,
	}, repository.Pagination{Page: p.Page, PerPage: p.PerPage})
	if err != nil {
		_ = write(coreErrResponse(req.ID, err))
		return
	}
	_ = write(resultResponse(req.ID, listResult{Items: result.Items, Total: result.Total}))
}

func (s *Server) handleGet(ctx context.Context, req *jsonrpc.Request, write func(any) error) {
	var p getParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = write(errorResponse(req.ID, jsonrpc.InvalidParams, err.Error()))
		return
	}
	session, err := s.sessions.GetSession(ctx, p.ID)
	if err != nil {
		_ = write(coreErrResponse(req.ID, err))
		return
	}
	_ = write(resultResponse(req.ID, session))
}

// handleSubscribe responds to the initial request once the subscription is
// open, then streams NotificationSessionEvent messages on the same
// connection until the Event stream ends or the subscriber disconnects.
func (s *Server) handleSubscribe(ctx context.Context, log *logger.Logger, req *jsonrpc.Request, write func(any) error) {
	var p subscribeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = write(errorResponse(req.ID, jsonrpc.InvalidParams, err.Error()))
		return
	}

	sub, err := s.sessions.Subscribe(ctx, p.ID, p.FromSequence)
	if err != nil {
		_ = write(coreErrResponse(req.ID, err))
		return
	}
	defer sub.Close()

	if err := write(resultResponse(req.ID, map[string]any{"subscribed": true})); err != nil {
		return
	}

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := write(notification(NotificationSessionEvent, event)); err != nil {
				return
			}
			if event.Type == models.EventStatus && event.Status.Terminal() {
				return
			}
		case <-sub.Lost:
			_ = write(notification(NotificationSessionEvent, map[string]string{"error": "backpressure_lost"}))
			return
		case <-ctx.Done():
			return
		}
	}
}

func resultResponse(id any, result any) *jsonrpc.Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, jsonrpc.InternalError, err.Error())
	}
	return &jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: raw}
}

func errorResponse(id any, code int, message string) *jsonrpc.Response {
	return &jsonrpc.Response{JSONRPC: "2.0", ID: id, Error: &jsonrpc.Error{Code: code, Message: message}}
}

// coreErrResponse maps a coreerr.Kind onto a JSON-RPC error, keeping the
// Kind and any field errors in Data for callers that want to branch on them.
func coreErrResponse(id any, err error) *jsonrpc.Response {
	kind := coreerr.KindOf(err)
	code := jsonrpc.InternalError
	switch kind {
	case coreerr.ValidationFailed:
		code = jsonrpc.InvalidParams
	case coreerr.NotFound:
		code = -32001
	case coreerr.ConflictingState, coreerr.IdempotencyConflict:
		code = -32002
	case coreerr.Transient, coreerr.RepoUnavailable, coreerr.ProvisioningFailed, coreerr.NoProvider, coreerr.Capacity:
		code = -32003
	case coreerr.BackpressureLost:
		code = -32004
	}

	var data json.RawMessage
	var coreErr *coreerr.Error
	if errors.As(err, &coreErr) {
		if marshalled, marshalErr := json.Marshal(map[string]any{"kind": coreErr.Kind}); marshalErr == nil {
			data = marshalled
		}
	}
	return &jsonrpc.Response{JSONRPC: "2.0", ID: id, Error: &jsonrpc.Error{Code: code, Message: err.Error(), Data: data}}
}

func notification(method string, params any) *jsonrpc.Notification {
	raw, err := json.Marshal(params)
	if err != nil {
		raw = nil
	}
	return &jsonrpc.Notification{JSONRPC: "2.0", Method: method, Params: raw}
}
