package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)

	Success(ctx, http.StatusAccepted, gin.H{"session_id": "s-1"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode(t, rec)
	require.True(t, resp.Success)
	require.Nil(t, resp.Error)
	require.Nil(t, resp.Meta)
}

func TestSuccessWithMetaKeepsZeroTotal(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)

	SuccessWithMeta(ctx, http.StatusOK, []string{}, &Meta{Page: 1, PerPage: 50})

	require.Contains(t, rec.Body.String(), `"total":0`)
	require.Contains(t, rec.Body.String(), `"total_pages":0`)
}

func TestErrorRendersReasonAndRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	ctx.Set(RequestIDKey, "req-42")

	Error(ctx, apperrors.ErrPoolExhausted)

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode(t, rec)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	require.Equal(t, apperrors.ReasonPoolExhausted, resp.Error.Reason)
	require.Equal(t, "req-42", resp.Error.RequestID)
}

func TestErrorHidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/api/sessions/x", nil)

	Error(ctx, errors.New("pq: connection reset by peer"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "connection reset")
	require.Equal(t, apperrors.ErrInternal.Code, decode(t, rec).Error.Code)
}

func TestErrorWithNil(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	Error(ctx, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestErrorForbidden(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	Error(ctx, apperrors.ErrForbidden)
	require.Equal(t, apperrors.ErrForbidden.StatusCode, rec.Code)
	require.Equal(t, apperrors.ErrForbidden.Code, decode(t, rec).Error.Code)
}
