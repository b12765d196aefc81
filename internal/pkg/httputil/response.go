package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/moogar0880/problems"

	"github.com/rxfield/crm/internal/pkg/logger"
)

// ProblemContentType is the media type of RFC 7807 responses.
const ProblemContentType = "application/problem+json"

// maxBodyBytes caps request bodies read by Decode.
const maxBodyBytes = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("json encode failed", "component", "httputil", "error", err.Error())
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Created writes a 201 response with the given data.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Problem writes a problem document. kind becomes the problem type.
func Problem(w http.ResponseWriter, r *http.Request, status int, kind, detail string) {
	p := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(kind).
		WithDetail(detail)
	writeProblem(w, status, p)
}

// BadRequest writes a 400 validation problem.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	Problem(w, r, http.StatusBadRequest, "validation_error", detail)
}

// NotFound writes a 404 problem.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	Problem(w, r, http.StatusNotFound, "not_found", detail)
}

// Conflict writes a 409 problem.
func Conflict(w http.ResponseWriter, r *http.Request, detail string) {
	Problem(w, r, http.StatusConflict, "conflict", detail)
}

// InternalError logs the real error and writes a generic 500 problem.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	logger.Error("internal error", "component", "httputil", "path", r.URL.Path, "error", err.Error())
	Problem(w, r, http.StatusInternalServerError, "internal_error", "internal server error")
}

func writeProblem(w http.ResponseWriter, status int, p any) {
	w.Header().Set("Content-Type", ProblemContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		logger.Error("problem encode failed", "component", "httputil", "error", err.Error())
	}
}

// Decode reads a JSON body into dst, rejecting unknown fields. Returns false
// after writing a 400 problem if the body is unusable.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		BadRequest(w, r, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}
