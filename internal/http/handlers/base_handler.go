// README: Base handler utilities (JSON helpers, error mapping, binding, paging).
package handlers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"courier/internal/apperr"
	"courier/internal/types"
)

const ctxExposeDetail = "expose_error_detail"

var errBadRequest = apperr.New(apperr.KindBadRequest, "bad request")

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	Detail    string `json:"detail,omitempty"`
}

type pageResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// ExposeDetail makes error responses carry internal detail. Install it only in development.
func ExposeDetail() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxExposeDetail, true)
		c.Next()
	}
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, err error) {
	e := apperr.From(err)
	resp := errorResponse{Error: e.Message, Kind: string(e.Kind), Retryable: e.Retryable}
	if c.GetBool(ctxExposeDetail) {
		resp.Detail = e.Detail
	}
	writeJSON(c, apperr.HTTPStatus(e.Kind), resp)
}

// bindJSON decodes and validates the body, answering 400 itself on failure.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, errBadRequest.WithDetail("%s", bindingDetail(err)))
		return false
	}
	return true
}

func bindingDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid json: " + err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func pageFrom(c *gin.Context) types.Page {
	number, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	return types.NewPage(number, limit)
}

func pathID(c *gin.Context) (types.ID, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" || len(id) > 64 {
		writeError(c, errBadRequest.WithDetail("missing or malformed id"))
		return "", false
	}
	return types.ID(id), true
}

func queryFloat(c *gin.Context, key string) (float64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
