package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/charlesng35/gpubroker/internal/auditctx"
	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/internal/signaling"
	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/logger"
)

// SignalingRouter dispatches inbound signaling messages to the broker and host registry.
type SignalingRouter struct {
	broker *SessionBroker
	hosts  *HostService
	log    *zap.Logger
}

var _ signaling.Dispatcher = (*SignalingRouter)(nil)

// NewSignalingRouter constructs the router.
func NewSignalingRouter(broker *SessionBroker, hosts *HostService) *SignalingRouter {
	return &SignalingRouter{
		broker: broker,
		hosts:  hosts,
		log:    logger.WithModule("signaling"),
	}
}

// HandleMessage routes one inbound envelope by sender role and type.
func (r *SignalingRouter) HandleMessage(ctx context.Context, peer signaling.Peer, env signaling.Envelope) error {
	switch peer.Role {
	case signaling.RoleHost:
		return r.handleHost(ctx, peer, env)
	case signaling.RoleClient:
		return r.handleClient(ctx, peer, env)
	default:
		return apperrors.NewBadRequest(fmt.Sprintf("unexpected %s message from %s", env.Type, peer.Role))
	}
}

func (r *SignalingRouter) handleHost(ctx context.Context, peer signaling.Peer, env signaling.Envelope) error {
	actor := auditctx.Actor{Type: auditctx.ActorHost, ID: peer.ID}
	ctx = auditctx.WithActor(ctx, actor)

	switch env.Type {
	case signaling.MsgHeartbeat:
		var payload signaling.HeartbeatPayload
		if len(env.Payload) > 0 {
			if err := env.Decode(&payload); err != nil {
				return apperrors.NewBadRequest(err.Error())
			}
		}
		if payload.HostID != "" && payload.HostID != peer.ID {
			return apperrors.ErrForbidden.WithMessage("heartbeat for another host")
		}
		if err := r.hosts.Heartbeat(ctx, peer.ID, payload.Load); err != nil {
			return err
		}
		return r.broker.RecordHostHeartbeat(ctx, peer.ID)

	case signaling.MsgSessionAnswer:
		var payload signaling.SessionAnswerPayload
		if err := env.Decode(&payload); err != nil {
			return apperrors.NewBadRequest(err.Error())
		}
		status := strings.ToUpper(strings.TrimSpace(payload.Status))
		if status != signaling.AnswerReady && status != signaling.AnswerRejected {
			return apperrors.NewBadRequest(fmt.Sprintf("unknown answer status %q", payload.Status))
		}
		return r.broker.SubmitAnswer(ctx, SessionAnswer{
			SessionID:     sessionIDOf(payload.SessionID, env),
			HostID:        peer.ID,
			HostPublicKey: strings.TrimSpace(payload.HostPublicKey),
			Accepted:      status == signaling.AnswerReady,
			Reason:        payload.Reason,
		})

	case signaling.MsgDirectConfirmed:
		return r.confirmDirect(ctx, peer, env)

	case signaling.MsgSessionTerminate:
		var payload signaling.SessionTerminatePayload
		if err := env.Decode(&payload); err != nil {
			return apperrors.NewBadRequest(err.Error())
		}
		_, err := r.broker.TerminateSession(ctx, sessionIDOf(payload.SessionID, env), actor, payload.Reason)
		return err

	default:
		return apperrors.NewBadRequest(fmt.Sprintf("unsupported host message %q", env.Type))
	}
}

func (r *SignalingRouter) handleClient(ctx context.Context, peer signaling.Peer, env signaling.Envelope) error {
	actor := auditctx.FromContextOr(ctx, auditctx.Actor{Type: auditctx.ActorUser, ID: peer.ID})
	ctx = auditctx.WithActor(ctx, actor)

	switch env.Type {
	case signaling.MsgKeepalive:
		sessionID, err := decodeSessionRef(env)
		if err != nil {
			return err
		}
		return r.broker.RecordKeepalive(ctx, peer, sessionID)

	case signaling.MsgDirectConfirmed:
		return r.confirmDirect(ctx, peer, env)

	case signaling.MsgSessionCancel, signaling.MsgSessionDisconnect:
		sessionID, err := decodeSessionRef(env)
		if err != nil {
			return err
		}
		reason := ""
		if env.Type == signaling.MsgSessionCancel {
			reason = ReasonCancelled
		}
		_, err = r.broker.TerminateSession(ctx, sessionID, actor, reason)
		return err

	default:
		return apperrors.NewBadRequest(fmt.Sprintf("unsupported client message %q", env.Type))
	}
}

func (r *SignalingRouter) confirmDirect(ctx context.Context, peer signaling.Peer, env signaling.Envelope) error {
	sessionID, err := decodeSessionRef(env)
	if err != nil {
		return err
	}
	return r.broker.ConfirmDirect(ctx, peer, sessionID)
}

// PeerConnected marks a host agent ONLINE as soon as its socket is up.
func (r *SignalingRouter) PeerConnected(ctx context.Context, peer signaling.Peer) {
	if peer.Role != signaling.RoleHost {
		return
	}
	if _, err := r.hosts.SetStatus(ctx, peer.ID, models.HostOnline); err != nil {
		r.log.Warn("host presence not updated", zap.String("host_id", peer.ID), zap.Error(err))
	}
}

// PeerDisconnected marks a host agent OFFLINE once its last socket closes.
func (r *SignalingRouter) PeerDisconnected(ctx context.Context, peer signaling.Peer) {
	if peer.Role != signaling.RoleHost {
		return
	}
	if _, err := r.hosts.SetStatus(ctx, peer.ID, models.HostOffline); err != nil {
		r.log.Warn("host presence not updated", zap.String("host_id", peer.ID), zap.Error(err))
	}
}

func decodeSessionRef(env signaling.Envelope) (string, error) {
	var payload signaling.SessionRefPayload
	if len(env.Payload) > 0 {
		if err := env.Decode(&payload); err != nil {
			return "", apperrors.NewBadRequest(err.Error())
		}
	}
	id := sessionIDOf(payload.SessionID, env)
	if id == "" {
		return "", apperrors.NewBadRequest("session_id is required")
	}
	return id, nil
}

func sessionIDOf(fromPayload string, env signaling.Envelope) string {
	if id := strings.TrimSpace(fromPayload); id != "" {
		return id
	}
	return strings.TrimSpace(env.SessionID)
}
