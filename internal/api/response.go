// Helper functions for sending standardized JSON responses.

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vrsandeep/streamdl/internal/downloader"
)

// RespondWithJSON writes a JSON response with the given status code and payload.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		// If marshaling fails, return an error response
		RespondWithError(w, http.StatusInternalServerError, "Failed to marshal response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// RespondWithError writes a standardized JSON error response.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, map[string]string{"error": message})
}

// RespondWithDownloadError maps download manager errors to status codes.
func RespondWithDownloadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, downloader.ErrNotFound):
		RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, downloader.ErrInvalidState):
		RespondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, downloader.ErrInvalidRequest):
		RespondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, downloader.ErrInsufficientStorage), errors.Is(err, downloader.ErrQuotaExceeded):
		RespondWithError(w, http.StatusInsufficientStorage, err.Error())
	default:
		RespondWithError(w, http.StatusInternalServerError, err.Error())
	}
}
