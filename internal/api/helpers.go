package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/intake/pkg/schema"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error *schema.IntakeError `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to an HTTP status and writes it as a structured body.
// Errors that are not IntakeErrors are reported as STORE_ERROR without their
// internal message.
func writeError(w http.ResponseWriter, err error) {
	var ie *schema.IntakeError
	if !errors.As(err, &ie) {
		ie = schema.NewError(schema.ErrCodeStore, "internal error")
	}
	writeJSON(w, statusFor(ie.Code), errorBody{Error: ie})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeConfig, schema.ErrCodeInterpolation:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case schema.ErrCodeDispatch, schema.ErrCodeCircuitOpen, schema.ErrCodeRetryExhausted:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errUnauthorized(msg string) error {
	return schema.NewError(schema.ErrCodeUnauthorized, msg)
}

func errBadRequest(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeValidation, format, args...)
}

// decodeJSON reads a JSON body into v. An empty body leaves v unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errBadRequest("invalid request body: %v", err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
