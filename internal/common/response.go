package common

import (
	"github.com/gin-gonic/gin"
)

// ErrorBody is the error half of the response envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func OK(c *gin.Context, data any) {
	c.JSON(200, gin.H{
		"success": true,
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code string, msg string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"success": false,
		"error":   ErrorBody{Code: code, Message: msg},
	})
}

func FailDetails(c *gin.Context, httpStatus int, code string, msg string, details any) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"success": false,
		"error":   ErrorBody{Code: code, Message: msg, Details: details},
	})
}

// Error codes shared by the devserver and the api client.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "VALIDATION_ERROR"
	CodeConflict     = "CONFLICT"
	CodeInternal     = "INTERNAL_ERROR"
)
