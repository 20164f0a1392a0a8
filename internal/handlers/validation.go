package handlers

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/response"
	"github.com/charlesng35/gpubroker/pkg/validator"
)

// bindAndValidate decodes the JSON body into dest and checks its validate
// tags. On failure it writes a 400 and returns false.
func bindAndValidate[T any](c *gin.Context, dest *T) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, apperrors.NewBadRequest("invalid JSON payload"))
		return false
	}
	if err := validator.ValidateStruct(dest); err != nil {
		response.Error(c, apperrors.NewBadRequest(validator.Describe(err)))
		return false
	}
	return true
}

// queryInt reads a positive integer query parameter, falling back when it is absent or malformed.
func queryInt(c *gin.Context, key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
