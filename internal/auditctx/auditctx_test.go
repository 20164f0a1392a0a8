package auditctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{Type: ActorUser, ID: "u-1", Role: "admin"})

	actor, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "u-1", actor.ID)
	require.True(t, actor.IsAdmin())
}

func TestFromContextOrFallsBack(t *testing.T) {
	actor := FromContextOr(context.Background(), System)
	require.Equal(t, System, actor)

	host := Actor{Type: ActorHost, ID: "host-1"}
	require.Equal(t, host, FromContextOr(WithActor(context.Background(), host), System))
}
