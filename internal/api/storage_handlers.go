package api

import (
	"encoding/json"
	"net/http"

	"github.com/vrsandeep/streamdl/internal/models"
)

type storageResponse struct {
	models.StorageInfo
	UsedPercent float64 `json:"used_percent"`
}

func (s *Server) handleGetStorage(w http.ResponseWriter, r *http.Request) {
	info := s.app.Downloads().GetStorageInfo()
	RespondWithJSON(w, http.StatusOK, storageResponse{StorageInfo: info, UsedPercent: info.UsedPercent()})
}

type settingsResponse struct {
	MaxConcurrent     int                  `json:"max_concurrent"`
	DefaultQuality    models.Quality       `json:"default_quality"`
	MaxQuality        models.Quality       `json:"max_quality"`
	WiFiOnly          bool                 `json:"wifi_only"`
	OnWiFi            bool                 `json:"on_wifi"`
	MaxParentalRating string               `json:"max_parental_rating,omitempty"`
	ResumeMode        models.ResumeMode    `json:"resume_mode"`
	Cleanup           models.CleanupPolicy `json:"cleanup"`
	MaxRetries        int                  `json:"max_retries"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st := s.app.Downloads().Settings()
	RespondWithJSON(w, http.StatusOK, settingsResponse{
		MaxConcurrent:     st.MaxConcurrent,
		DefaultQuality:    st.DefaultQuality,
		MaxQuality:        st.MaxQuality,
		WiFiOnly:          st.WiFiOnly,
		OnWiFi:            s.app.Network().OnWiFi(),
		MaxParentalRating: st.MaxParentalRating,
		ResumeMode:        st.ResumeMode,
		Cleanup:           st.Cleanup,
		MaxRetries:        st.MaxRetries,
	})
}

func (s *Server) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MaxConcurrent int `json:"max_concurrent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if payload.MaxConcurrent < 1 {
		RespondWithError(w, http.StatusBadRequest, "max_concurrent must be at least 1")
		return
	}
	if err := s.app.SetConcurrency(r.Context(), payload.MaxConcurrent); err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.handleGetSettings(w, r)
}

func (s *Server) handleSetCleanupPolicy(w http.ResponseWriter, r *http.Request) {
	var policy models.CleanupPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := policy.Validate(); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.app.SetCleanupPolicy(r.Context(), policy); err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.handleGetSettings(w, r)
}

func (s *Server) handleSetNetwork(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		WiFi *bool `json:"wifi"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.WiFi == nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	s.app.SetNetwork(*payload.WiFi)
	s.handleGetSettings(w, r)
}
