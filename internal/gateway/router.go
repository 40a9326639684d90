package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nextlevelbuilder/cloudserve/pkg/protocol"
)

// ServerName and ServerVersion are reported in the connect handshake.
const ServerName = "cloudserve"

var ServerVersion = "dev"

// MethodHandler processes a single RPC method request.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter maps method names to handlers.
type MethodRouter struct {
	handlers map[string]MethodHandler
	server   *Server
}

func NewMethodRouter(server *Server) *MethodRouter {
	r := &MethodRouter{
		handlers: make(map[string]MethodHandler),
		server:   server,
	}
	r.registerDefaults()
	return r
}

// Register adds a method handler.
func (r *MethodRouter) Register(method string, handler MethodHandler) {
	r.handlers[method] = handler
}

// writeMethods are refused to viewers.
var writeMethods = map[string]bool{
	protocol.MethodChatSend:  true,
	protocol.MethodChatAbort: true,
	protocol.MethodChatReset: true,
}

// CanAccess reports whether role may call method.
func CanAccess(role Role, method string) bool {
	if role == RoleViewer {
		return !writeMethods[method]
	}
	return role == RoleAdmin || role == RoleOperator
}

// Handle dispatches a request to the appropriate handler.
func (r *MethodRouter) Handle(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	handler, ok := r.handlers[req.Method]
	if !ok {
		slog.Warn("unknown method", "method", req.Method, "client", client.id)
		client.SendResponse(protocol.NewErrorResponse(
			req.ID,
			protocol.ErrInvalidRequest,
			"unknown method: "+req.Method,
		))
		return
	}

	if req.Method != protocol.MethodConnect && req.Method != protocol.MethodHealth {
		if role := client.Role(); !CanAccess(role, req.Method) {
			slog.Warn("permission denied", "method", req.Method, "role", role, "client", client.id)
			client.SendResponse(protocol.NewErrorResponse(
				req.ID,
				protocol.ErrUnauthorized,
				"permission denied: insufficient role for "+req.Method,
			))
			return
		}
	}

	slog.Debug("handling method", "method", req.Method, "client", client.id, "req_id", req.ID)
	handler(ctx, client, req)
}

func (r *MethodRouter) registerDefaults() {
	r.Register(protocol.MethodConnect, r.handleConnect)
	r.Register(protocol.MethodHealth, r.handleHealth)
	r.Register(protocol.MethodStatus, r.handleStatus)
}

func (r *MethodRouter) handleConnect(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	configToken := r.server.token()
	switch {
	case configToken != "" && tokenMatch(params.Token, configToken):
		client.authenticate(RoleAdmin, params.UserID)
	case configToken == "":
		client.authenticate(RoleOperator, params.UserID)
	default:
		// Wrong or missing token still gets a read-only session.
		slog.Warn("security.connect_bad_token", "client", client.id)
		client.authenticate(RoleViewer, params.UserID)
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"clientId": client.id,
		"role":     string(client.Role()),
		"user_id":  client.UserID(),
		"server": map[string]interface{}{
			"name":    ServerName,
			"version": ServerVersion,
		},
	}))
}

func (r *MethodRouter) handleHealth(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"status": "ok",
	}))
}

func (r *MethodRouter) handleStatus(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, r.server.Status()))
}
