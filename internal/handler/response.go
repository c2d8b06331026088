package handler

import "github.com/medipass/sync-api/pkg/apperror"

type Response struct {
	Status  string        `json:"status"`
	Code    apperror.Code `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
	Data    interface{}   `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(err error) *Response {
	return &Response{
		Status:  "error",
		Code:    apperror.CodeOf(err),
		Message: err.Error(),
	}
}
