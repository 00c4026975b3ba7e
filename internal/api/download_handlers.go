// A handler file for all download-related API endpoints.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vrsandeep/streamdl/internal/downloader"
	"github.com/vrsandeep/streamdl/internal/models"
)

// EnqueuePayload is the expected structure for queuing a download.
type EnqueuePayload struct {
	downloader.Request
	// Quality accepts any spelling models.ParseQuality understands.
	Quality string `json:"quality"`
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, s.app.Sources().GetAll())
}

func (s *Server) handleEnqueueDownload(w http.ResponseWriter, r *http.Request) {
	var payload EnqueuePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	req := payload.Request
	if payload.Quality != "" {
		q, ok := models.ParseQuality(payload.Quality)
		if !ok {
			RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("Unknown quality %q", payload.Quality))
			return
		}
		req.Quality = q
	}

	item, err := s.app.Downloads().Enqueue(r.Context(), req)
	if err != nil {
		RespondWithDownloadError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusCreated, item)
}

func (s *Server) handleGetDownloadQueue(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, s.app.Downloads().GetQueue())
}

func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	item, err := s.app.Downloads().Get(chi.URLParam(r, "itemID"))
	if err != nil {
		RespondWithDownloadError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Downloads().Delete(r.Context(), chi.URLParam(r, "itemID")); err != nil {
		RespondWithDownloadError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueItemAction(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	var payload struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	dl := s.app.Downloads()
	var err error
	switch payload.Action {
	case "pause":
		err = dl.Pause(r.Context(), itemID)
	case "resume":
		err = dl.Resume(r.Context(), itemID)
	case "cancel":
		err = dl.Cancel(r.Context(), itemID)
	case "retry":
		err = dl.Retry(r.Context(), itemID)
	case "delete":
		err = dl.Delete(r.Context(), itemID)
	default:
		RespondWithError(w, http.StatusBadRequest, "Invalid action")
		return
	}
	if err != nil {
		RespondWithDownloadError(w, err)
		return
	}

	if payload.Action == "delete" {
		RespondWithJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}
	item, err := dl.Get(itemID)
	if err != nil {
		RespondWithDownloadError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, item)
}

func (s *Server) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	dl := s.app.Downloads()
	var affected int
	switch payload.Action {
	case "pause_all":
		affected = dl.PauseAll(r.Context())
	case "resume_all":
		affected = dl.ResumeAll(r.Context())
	case "retry_failed":
		affected = dl.RetryFailed(r.Context())
	case "delete_completed":
		affected = dl.DeleteCompleted(r.Context())
	default:
		RespondWithError(w, http.StatusBadRequest, "Invalid action")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "affected": affected})
}

func (s *Server) handleGetArtwork(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if _, err := s.app.Downloads().Get(itemID); err != nil {
		RespondWithDownloadError(w, err)
		return
	}
	file, err := os.Open(s.app.Artwork().Path(itemID))
	if err != nil {
		RespondWithError(w, http.StatusNotFound, "No artwork cached for this download")
		return
	}
	defer file.Close()
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, itemID+".jpg", time.Time{}, file)
}
