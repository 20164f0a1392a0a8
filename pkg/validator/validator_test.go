package validator

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type offer struct {
	HostID    string `json:"host_id" validate:"required,max=8"`
	PublicKey string `json:"client_public_key" validate:"required,wgkey"`
	Endpoint  string `json:"endpoint" validate:"omitempty,hostname_port"`
	Mode      string `validate:"omitempty,oneof=direct relay"`
}

func validKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestValidateStructAccepts(t *testing.T) {
	require.NoError(t, ValidateStruct(offer{HostID: "h1", PublicKey: validKey(), Endpoint: "203.0.113.7:51820", Mode: "relay"}))
	require.NoError(t, ValidateStruct(&offer{HostID: "h1", PublicKey: validKey()}))
}

func TestValidateStructCollectsFailures(t *testing.T) {
	err := ValidateStruct(offer{HostID: "much-too-long", PublicKey: "short", Endpoint: "nohost", Mode: "p2p"})
	require.Error(t, err)

	var ve Errors
	require.True(t, errors.As(err, &ve))
	require.Len(t, ve, 4)
	require.Equal(t, FieldError{Field: "host_id", Tag: "max", Param: "8"}, ve[0])
	require.Equal(t, "client_public_key", ve[1].Field)
	require.Equal(t, "Mode", ve[3].Field)

	msg := Describe(err)
	require.Contains(t, msg, "host id must be at most 8 characters")
	require.Contains(t, msg, "client public key must be a base64 encoded WireGuard public key")
	require.Contains(t, msg, "endpoint must be a host:port pair")
	require.Contains(t, msg, "mode must be one of: direct relay")
}

func TestDescribeFallsBack(t *testing.T) {
	require.Equal(t, "invalid request payload", Describe(errors.New("boom")))
	require.Equal(t, "invalid request payload", Describe(nil))
}

func TestIsWireGuardKey(t *testing.T) {
	require.True(t, IsWireGuardKey(validKey()))
	require.True(t, IsWireGuardKey(" "+validKey()+" "))
	require.False(t, IsWireGuardKey(base64.StdEncoding.EncodeToString(make([]byte, 31))))
	require.False(t, IsWireGuardKey(strings.Repeat("!", WireGuardKeyLen)))
}
