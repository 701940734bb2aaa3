// handler.go implements a JSON-RPC-style handler over gRPC unary calls, so
// the service needs no generated stubs.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/QwavePune/aws-infra-agent-bot/internal/approval"
	"github.com/QwavePune/aws-infra-agent-bot/internal/audit"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
)

// ServiceName is the gRPC service carrying the Call method.
const ServiceName = "infraagent.v1.AgentService"

// CallMethod is the full method name clients invoke.
const CallMethod = "/" + ServiceName + "/Call"

// RPCRequest is a generic JSON-RPC-style request.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a generic JSON-RPC-style response.
type RPCResponse struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// Handler dispatches JSON-RPC requests to the Service.
type Handler struct {
	service  *Service
	dispatch map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NewHandler creates a handler backed by the given service.
func NewHandler(svc *Service) *Handler {
	h := &Handler{service: svc}
	h.dispatch = map[string]handlerFunc{
		"approvals.list":    h.handleListApprovals,
		"approvals.get":     h.handleGetApproval,
		"approvals.approve": h.handleApprove,
		"approvals.reject":  h.handleReject,
		"approvals.execute": h.handleExecute,
		"approvals.comment": h.handleComment,

		"roles.get":    h.handleGetRoles,
		"roles.update": h.handleUpdateRoles,

		"profile.get": h.handleGetProfile,
		"profile.set": h.handleSetProfile,

		"audit.query":  h.handleQueryAudit,
		"audit.verify": h.handleVerifyAudit,

		"tools.list": h.handleListTools,
	}
	return h
}

// Methods lists the dispatchable method names.
func (h *Handler) Methods() []string {
	out := make([]string, 0, len(h.dispatch))
	for m := range h.dispatch {
		out = append(out, m)
	}
	return out
}

// Handle processes a JSON-RPC request and returns a response.
func (h *Handler) Handle(ctx context.Context, req *RPCRequest) *RPCResponse {
	fn, ok := h.dispatch[req.Method]
	if !ok {
		return &RPCResponse{Error: fmt.Sprintf("unknown method: %s", req.Method), ErrorKind: string(core.KindValidation)}
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		resp := &RPCResponse{Error: err.Error()}
		if approval.IsNotFound(err) {
			resp.ErrorKind = "NotFound"
		} else if kind, ok := core.KindOf(err); ok {
			resp.ErrorKind = string(kind)
		}
		return resp
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return &RPCResponse{Error: fmt.Sprintf("encoding result: %v", err)}
	}
	return &RPCResponse{Result: resultJSON}
}

// RegisterWithGRPC registers the handler under ServiceName. Clients send
// RPCRequest JSON and receive RPCResponse JSON.
func (h *Handler) RegisterWithGRPC(s *grpc.Server) {
	sd := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*agentServiceHandler)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Call",
				Handler:    h.grpcCallHandler,
			},
		},
		Streams: []grpc.StreamDesc{},
	}
	s.RegisterService(&sd, h)
}

type agentServiceHandler interface{}

func (h *Handler) grpcCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req RPCRequest
	if err := dec(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if interceptor == nil {
		return h.Handle(ctx, &req), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CallMethod}
	return interceptor(ctx, &req, info, func(ctx context.Context, r any) (any, error) {
		return h.Handle(ctx, r.(*RPCRequest)), nil
	})
}

// callerParams identify the caller when no client certificate does.
type callerParams struct {
	Profile  string `json:"profile,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

func (p callerParams) clientKey(ctx context.Context) string {
	addr := ""
	if pr, ok := peer.FromContext(ctx); ok && pr.Addr != nil {
		addr = pr.Addr.String()
	}
	return profile.ClientKey(p.ClientID, "", addr)
}

func (h *Handler) actor(ctx context.Context, p callerParams) string {
	return h.service.Actor(ctx, p.Profile, p.clientKey(ctx))
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return core.Wrap(core.KindValidation, "decode params", err)
	}
	return nil
}

// --- approvals ---

type listParams struct {
	callerParams
	Status    string `json:"status,omitempty"`
	Requester string `json:"requester,omitempty"`
	Checker   string `json:"checker,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (h *Handler) handleListApprovals(ctx context.Context, params json.RawMessage) (any, error) {
	var p listParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return h.service.ListApprovals(approval.Filter{
		Status:    core.ApprovalStatus(p.Status),
		Requester: p.Requester,
		Checker:   p.Checker,
		ThreadID:  p.ThreadID,
		Limit:     p.Limit,
	}, h.actor(ctx, p.callerParams)), nil
}

type idParams struct {
	callerParams
	ID      string `json:"id"`
	Notes   string `json:"notes,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) decodeID(params json.RawMessage) (idParams, error) {
	var p idParams
	if err := decodeParams(params, &p); err != nil {
		return p, err
	}
	if p.ID == "" {
		return p, core.Errorf(core.KindValidation, "decode params", "id is required")
	}
	return p, nil
}

func (h *Handler) handleGetApproval(_ context.Context, params json.RawMessage) (any, error) {
	p, err := h.decodeID(params)
	if err != nil {
		return nil, err
	}
	return h.service.GetApproval(p.ID)
}

func (h *Handler) handleApprove(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := h.decodeID(params)
	if err != nil {
		return nil, err
	}
	return h.service.Approve(p.ID, p.Notes, h.actor(ctx, p.callerParams))
}

func (h *Handler) handleReject(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := h.decodeID(params)
	if err != nil {
		return nil, err
	}
	return h.service.Reject(p.ID, p.Notes, h.actor(ctx, p.callerParams))
}

func (h *Handler) handleExecute(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := h.decodeID(params)
	if err != nil {
		return nil, err
	}
	return h.service.Execute(ctx, p.ID, h.actor(ctx, p.callerParams))
}

func (h *Handler) handleComment(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := h.decodeID(params)
	if err != nil {
		return nil, err
	}
	return h.service.Comment(p.ID, h.actor(ctx, p.callerParams), p.Message)
}

// --- roles ---

func (h *Handler) handleGetRoles(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.GetRoles(), nil
}

type rolesParams struct {
	CheckerProfiles []string `json:"checker_profiles"`
	MakerProfiles   []string `json:"maker_profiles"`
}

func (h *Handler) handleUpdateRoles(_ context.Context, params json.RawMessage) (any, error) {
	var p rolesParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return h.service.UpdateRoles(p.CheckerProfiles, p.MakerProfiles)
}

// --- profile ---

func (h *Handler) handleGetProfile(ctx context.Context, params json.RawMessage) (any, error) {
	var p callerParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return h.service.GetProfile(ctx, p.clientKey(ctx)), nil
}

type setProfileParams struct {
	callerParams
	ClientOnly bool `json:"client_only,omitempty"`
}

func (h *Handler) handleSetProfile(ctx context.Context, params json.RawMessage) (any, error) {
	var p setProfileParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return h.service.SetProfile(ctx, p.clientKey(ctx), p.Profile, p.ClientOnly), nil
}

// --- audit ---

func (h *Handler) handleQueryAudit(_ context.Context, params json.RawMessage) (any, error) {
	var q audit.Query
	if err := decodeParams(params, &q); err != nil {
		return nil, err
	}
	return h.service.QueryAudit(q)
}

func (h *Handler) handleVerifyAudit(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.VerifyAudit()
}

// --- tools ---

func (h *Handler) handleListTools(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"tools": h.service.ListTools()}, nil
}
