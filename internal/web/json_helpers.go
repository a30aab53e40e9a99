package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"taskpilot/internal/errs"
)

const maxRequestBody = 1 << 20

var marshalJSON = json.Marshal

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "error", err)
	}
}

type errorBody struct {
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
	UsageType string            `json:"usage_type,omitempty"`
	Current   *int              `json:"current_count,omitempty"`
	Limit     *int              `json:"limit,omitempty"`
}

// writeError maps err onto its status code. Infrastructure detail is logged
// and never returned.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, body := errorResponse(r, logger, err)
	writeJSON(w, status, body)
}

func errorResponse(r *http.Request, logger *slog.Logger, err error) (int, errorBody) {
	status := errs.HTTPStatus(err)
	body := errorBody{Error: errs.PublicMessage(err)}
	var verr *errs.ValidationError
	var rerr *errs.RateLimitError
	switch {
	case errors.As(err, &verr):
		body.Fields = verr.Fields
	case errors.As(err, &rerr):
		body.UsageType = rerr.UsageType
		body.Current = &rerr.Current
		body.Limit = &rerr.Limit
	}
	if status >= http.StatusInternalServerError {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	return status, body
}

// decodeJSON reads a single JSON object bounded by maxRequestBody. Decode
// failures come back as validation errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	raw, err := readBody(w, r)
	if err != nil {
		return err
	}
	return decodeStrict(raw, dst)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errs.NewValidation("body", fmt.Sprintf("exceeds %d bytes", maxErr.Limit))
		}
		return nil, errs.NewValidation("body", err.Error())
	}
	return raw, nil
}

func decodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.NewValidation("body", "required")
		}
		return errs.NewValidation("body", err.Error())
	}
	if dec.More() {
		return errs.NewValidation("body", "must contain a single object")
	}
	return nil
}
