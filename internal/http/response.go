package http

import (
	"errors"
	"net/http"

	"lsmrepl/pkg/dberrors"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  string `json:"value,omitempty"`
	LSN    string `json:"lsn,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// NewFailureResponse carries the error class so that clients can decide whether to retry.
func NewFailureResponse(err error) Response {
	return Response{Status: StatusError, Error: err.Error(), Code: string(dberrors.CodeOf(err))}
}

// httpStatus maps an execution error to the HTTP status of its answer.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrNoMaster), errors.Is(err, dberrors.ErrUnavailable), errors.Is(err, dberrors.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, dberrors.ErrRedirectFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
