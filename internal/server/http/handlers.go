package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/observability"
	"github.com/helixir/pubmed-service/internal/tools"
)

// maxRequestBodySize limits tool argument bodies to 1 MB.
const maxRequestBodySize = 1 << 20

type listToolsResponse struct {
	Tools []tools.Descriptor `json:"tools"`
}

type errorResponse struct {
	Error     string           `json:"error"`
	ErrorKind domain.ErrorKind `json:"error_kind"`
	Field     string           `json:"field,omitempty"`
}

// listTools handles GET /v1/tools.
func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listToolsResponse{Tools: s.tools.List()})
}

// invokeTool handles POST /v1/tools/{tool}. The body is the tool's JSON
// arguments; an empty body uses every default. Upstream failures are
// reported in the tool result with status 200.
func (s *Server) invokeTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tool")

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidInput, "failed to read request body")
		return
	}
	if len(body) > maxRequestBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, domain.KindInvalidInput, "request body too large")
		return
	}

	ctx := observability.WithTool(r.Context(), name)
	result, err := s.tools.Invoke(ctx, name, json.RawMessage(body))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeDomainError maps facade errors to HTTP status codes. Internal error
// details are not leaked to clients.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     ve.Error(),
			ErrorKind: domain.KindInvalidInput,
			Field:     ve.Field,
		})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, domain.KindNotFound, err.Error())
	default:
		logger := observability.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("tool invocation failed")
		writeError(w, http.StatusInternalServerError, domain.KindInternal, "internal server error")
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Headers are already sent; an encoding failure cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, kind domain.ErrorKind, message string) {
	writeJSON(w, statusCode, errorResponse{Error: message, ErrorKind: kind})
}
