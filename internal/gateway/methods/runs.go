package methods

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nextlevelbuilder/cloudserve/internal/gateway"
	"github.com/nextlevelbuilder/cloudserve/internal/store"
	"github.com/nextlevelbuilder/cloudserve/pkg/protocol"
)

// RunsMethods handles runs.get and runs.list.
type RunsMethods struct {
	runs store.RunStore
}

func NewRunsMethods(runs store.RunStore) *RunsMethods {
	return &RunsMethods{runs: runs}
}

// Register adds runs methods to the router.
func (m *RunsMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodRunsGet, m.handleGet)
	router.Register(protocol.MethodRunsList, m.handleList)
}

func (m *RunsMethods) handleGet(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.RunID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "runId is required"))
		return
	}

	rec, err := m.runs.GetRun(ctx, params.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "run not found: "+params.RunID))
			return
		}
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	if uid := client.UserID(); uid != "" && rec.UserID != "" && rec.UserID != uid {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "run not found: "+params.RunID))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, rec))
}

type runsListParams struct {
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId"`
	Status     string `json:"status"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

func (m *RunsMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params runsListParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
			return
		}
	}

	filter := store.RunFilter{
		SessionKey: params.SessionKey,
		AgentID:    params.AgentID,
		UserID:     client.UserID(),
		Status:     store.RunStatus(params.Status),
		Limit:      params.Limit,
		Offset:     params.Offset,
	}
	runs, err := m.runs.ListRuns(ctx, filter)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	if runs == nil {
		runs = []*store.RunRecord{}
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	}))
}
