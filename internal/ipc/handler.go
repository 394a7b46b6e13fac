package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"vrmoded/internal/component"
	"vrmoded/internal/grants"
	"vrmoded/internal/store"
	"vrmoded/internal/vrmode"
)

// Coordinator is the part of the VR mode coordinator served over IPC.
type Coordinator interface {
	RequestMode(enabled bool, target component.Identity, scope component.ScopeID, caller component.Identity) bool
	SetSleeping(asleep bool)
	SetScreenOn(on bool)
	IsCurrentService(id component.Identity, scope component.ScopeID) bool
	ValidateCandidate(id component.Identity, scope component.ScopeID) component.ValidationResult
	SwitchScope(scope component.ScopeID)
	DumpDiagnostics() []vrmode.TransitionRecord
	Status() vrmode.Status
}

// AllowLister exposes the notification-access allow-list.
type AllowLister interface {
	AllowList() []grants.Grant
}

// GrantStore exposes persisted grants and their history.
type GrantStore interface {
	All() ([]grants.Grant, error)
	History(limit int) ([]store.HistoryEntry, error)
}

// DaemonHandler implements the Handler interface for vrmoded
type DaemonHandler struct {
	coord     Coordinator
	allow     AllowLister
	store     GrantStore
	version   string
	startedAt time.Time
	clients   func() int
	logger    *slog.Logger
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Coordinator Coordinator
	AllowList   AllowLister
	Store       GrantStore
	Version     string
	// Clients reports the number of connected clients; optional.
	Clients func() int
	Logger  *slog.Logger
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DaemonHandler{
		coord:     cfg.Coordinator,
		allow:     cfg.AllowList,
		store:     cfg.Store,
		version:   cfg.Version,
		startedAt: time.Now(),
		clients:   cfg.Clients,
		logger:    logger,
	}
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)

	case MsgRequestMode:
		return h.handleRequestMode(client, msg)

	case MsgSetSleeping, MsgSetScreenOn:
		return h.handleSetGate(msg)

	case MsgIsCurrentService:
		return h.handleIsCurrentService(msg)

	case MsgValidateCandidate:
		return h.handleValidateCandidate(msg)

	case MsgSwitchScope:
		return h.handleSwitchScope(msg)

	case MsgDump:
		return NewResponse(MsgDumpResp, msg.Header.RequestID, &DumpResponse{
			Transitions: h.coord.DumpDiagnostics(),
		})

	case MsgListGrants:
		return h.handleListGrants(msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

func (h *DaemonHandler) handleStatus(msg *Message) (*Message, error) {
	resp := &StatusResponse{
		Status:    h.coord.Status(),
		Version:   h.version,
		StartedAt: h.startedAt,
		Uptime:    time.Since(h.startedAt),
	}
	if h.clients != nil {
		resp.Clients = h.clients()
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleRequestMode(client *Client, msg *Message) (*Message, error) {
	var req RequestModeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	listener, err := optionalIdentity(req.Listener)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}
	caller, err := optionalIdentity(req.Caller)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	valid := h.coord.RequestMode(req.Enabled, listener, component.ScopeID(req.Scope), caller)
	h.logger.Debug("mode requested over ipc",
		"client", client.ID, "enabled", req.Enabled, "listener", req.Listener, "scope", req.Scope, "valid", valid)

	return NewResponse(MsgRequestModeResp, msg.Header.RequestID, &RequestModeResponse{Valid: valid})
}

func (h *DaemonHandler) handleSetGate(msg *Message) (*Message, error) {
	var req SetGateRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	if msg.Header.Type == MsgSetSleeping {
		h.coord.SetSleeping(req.Value)
	} else {
		h.coord.SetScreenOn(req.Value)
	}
	return NewResponse(MsgAck, msg.Header.RequestID, &AckResponse{Success: true})
}

func (h *DaemonHandler) handleIsCurrentService(msg *Message) (*Message, error) {
	id, scope, errMsg := decodeQuery(msg)
	if errMsg != nil {
		return errMsg, nil
	}
	return NewResponse(MsgIsCurrentServiceResp, msg.Header.RequestID, &IsCurrentServiceResponse{
		Current: h.coord.IsCurrentService(id, scope),
	})
}

func (h *DaemonHandler) handleValidateCandidate(msg *Message) (*Message, error) {
	id, scope, errMsg := decodeQuery(msg)
	if errMsg != nil {
		return errMsg, nil
	}
	result := h.coord.ValidateCandidate(id, scope)
	return NewResponse(MsgValidateCandidateResp, msg.Header.RequestID, &ValidateCandidateResponse{
		Result: result.String(),
		Valid:  result.OK(),
	})
}

func (h *DaemonHandler) handleSwitchScope(msg *Message) (*Message, error) {
	var req SwitchScopeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	if req.Scope < 0 {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "scope must not be negative"), nil
	}
	h.coord.SwitchScope(component.ScopeID(req.Scope))
	return NewResponse(MsgAck, msg.Header.RequestID, &AckResponse{Success: true})
}

func (h *DaemonHandler) handleListGrants(msg *Message) (*Message, error) {
	var req ListGrantsRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	resp := &ListGrantsResponse{}
	if h.allow != nil {
		resp.AllowList = h.allow.AllowList()
	}
	if h.store != nil {
		all, err := h.store.All()
		if err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrUnavailable, err.Error()), nil
		}
		resp.Grants = all
		if req.History > 0 {
			hist, err := h.store.History(req.History)
			if err != nil {
				return NewErrorMessage(msg.Header.RequestID, ErrUnavailable, err.Error()), nil
			}
			resp.History = hist
		}
	}
	return NewResponse(MsgListGrantsResp, msg.Header.RequestID, resp)
}

func decodeQuery(msg *Message) (component.Identity, component.ScopeID, *Message) {
	var q ListenerQuery
	if err := Decode(msg.Payload, &q); err != nil {
		return component.Identity{}, 0, NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request")
	}
	id, err := component.ParseIdentity(q.Listener)
	if err != nil {
		return component.Identity{}, 0, NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error())
	}
	return id, component.ScopeID(q.Scope), nil
}

func optionalIdentity(s string) (component.Identity, error) {
	if s == "" {
		return component.Identity{}, nil
	}
	return component.ParseIdentity(s)
}

// EventRelay forwards coordinator events to IPC subscribers.
type EventRelay struct {
	server *Server
}

// NewEventRelay returns an observer broadcasting on server.
func NewEventRelay(server *Server) *EventRelay {
	return &EventRelay{server: server}
}

// ObserverID implements vrmode.Observer.
func (r *EventRelay) ObserverID() string { return "ipc-relay" }

// OnEvent implements vrmode.Observer.
func (r *EventRelay) OnEvent(_ context.Context, event cloudevents.Event) error {
	enabled, err := vrmode.EnabledFrom(event)
	if err != nil {
		return err
	}
	ev, err := NewEvent(EventModeChanged, event.ID(), event.Time(), &ModeChangedEvent{Enabled: enabled})
	if err != nil {
		return err
	}
	r.server.Broadcast(ev)
	return nil
}
