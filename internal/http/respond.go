package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/orlandolorenzomk/springops-sub000/internal/git"
	"github.com/orlandolorenzomk/springops-sub000/internal/port"
	"github.com/orlandolorenzomk/springops-sub000/internal/repository"
	"github.com/orlandolorenzomk/springops-sub000/internal/service/deploy"
	"github.com/orlandolorenzomk/springops-sub000/internal/service/monitor"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps service sentinels to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, deploy.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deploy.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, deploy.ErrBadRequest),
		errors.Is(err, port.ErrInvalidPort),
		errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, monitor.ErrInvalidWindow):
		return http.StatusBadRequest
	case errors.Is(err, git.ErrQueryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
