package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"chama/pkg/validator"
)

type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondValidationError(w http.ResponseWriter, err error) {
	var details interface{} = err.Error()
	var verr *validator.Error
	if errors.As(err, &verr) {
		details = verr.Fields
	}
	respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":   "Validation failed",
		"details": details,
	})
}

// decodeBody decodes an optional JSON body into dst. An empty body leaves dst
// untouched.
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		return err
	}
	return nil
}
