package handlers_test

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/gpubroker/internal/handlers/testutil"
	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/internal/services"
)

func TestAuditListAndVerify(t *testing.T) {
	env := testutil.NewEnv(t)
	org := env.CreateOrg("alice")
	env.RegisterHost(org.ID, false)
	env.RegisterHost(org.ID, false)
	admin := env.Token("root", "admin")

	resp := env.Request(http.MethodGet, "/api/audit", nil, env.Token("alice", "user"))
	require.Equal(t, http.StatusForbidden, resp.Code, resp.Body.String())

	resp = env.Request(http.MethodGet, "/api/audit?page_size=2", nil, admin)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var page services.AuditPage
	testutil.DecodeInto(t, testutil.DecodeResponse(t, resp).Data, &page)
	require.Len(t, page.Entries, 2)
	require.NotNil(t, page.NextAfterSeq)
	require.Equal(t, uint64(1), page.Entries[0].Seq)

	resp = env.Request(http.MethodGet, "/api/audit?after_seq="+strconv.FormatUint(*page.NextAfterSeq, 10), nil, admin)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var rest services.AuditPage
	testutil.DecodeInto(t, testutil.DecodeResponse(t, resp).Data, &rest)
	require.NotEmpty(t, rest.Entries)
	require.Greater(t, rest.Entries[0].Seq, *page.NextAfterSeq)

	resp = env.Request(http.MethodGet, "/api/audit/verify", nil, admin)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var verification services.ChainVerification
	testutil.DecodeInto(t, testutil.DecodeResponse(t, resp).Data, &verification)
	require.True(t, verification.Valid)
	require.Nil(t, verification.BrokenAt)
	require.Equal(t, verification.HeadSeq, uint64(verification.Checked))

	// Rewriting a stored entry breaks the chain at that sequence.
	require.NoError(t, env.DB.Model(&models.AuditEntry{}).Where("seq = ?", 2).Update("outcome", "tampered").Error)
	resp = env.Request(http.MethodGet, "/api/audit/verify", nil, admin)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	testutil.DecodeInto(t, testutil.DecodeResponse(t, resp).Data, &verification)
	require.False(t, verification.Valid)
	require.NotNil(t, verification.BrokenAt)
	require.Equal(t, uint64(2), *verification.BrokenAt)
}

func TestAuditRejectsMalformedQueries(t *testing.T) {
	env := testutil.NewEnv(t)
	admin := env.Token("root", "admin")

	for _, path := range []string{
		"/api/audit?after_seq=-1",
		"/api/audit?since=yesterday",
		"/api/audit/verify?from_seq=9&to_seq=3",
		"/api/audit/verify?to_seq=abc",
	} {
		resp := env.Request(http.MethodGet, path, nil, admin)
		require.Equal(t, http.StatusBadRequest, resp.Code, path)
	}
}
