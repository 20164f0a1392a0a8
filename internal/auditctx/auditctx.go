package auditctx

import "context"

// Actor types recorded on audit entries.
const (
	ActorUser    = "user"
	ActorHost    = "host"
	ActorGateway = "gateway"
	ActorSystem  = "system"
)

// Actor captures contextual information about the principal that initiated a request.
type Actor struct {
	Type      string
	ID        string
	Role      string
	IPAddress string
	UserAgent string
}

// System is the actor used by background jobs and timers.
var System = Actor{Type: ActorSystem, ID: "broker"}

// IsAdmin reports whether the actor is a user carrying the admin role.
func (a Actor) IsAdmin() bool {
	return a.Type == ActorUser && a.Role == "admin"
}

type actorContextKey struct{}

// WithActor injects actor metadata into the supplied context, returning a derived context that
// callers can pass down into service layers for audit logging.
func WithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		return context.WithValue(context.Background(), actorContextKey{}, actor)
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// FromContext extracts previously stored actor metadata from the context.
func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}

// FromContextOr returns the actor stored in ctx, or fallback when none is present.
func FromContextOr(ctx context.Context, fallback Actor) Actor {
	if actor, ok := FromContext(ctx); ok && actor.ID != "" {
		return actor
	}
	return fallback
}
