package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/hub"
	"github.com/DoyleJ11/tides-backend/internal/session"
)

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type tableResponse struct {
	Code        string `json:"code"`
	Version     int    `json:"version"`
	Clients     int    `json:"clients"`
	EncounterID string `json:"encounter_id,omitempty"`
}

func CreateTable(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var code string
		for {
			c, err := GenerateCode()
			if err != nil {
				http.Error(w, "failed to generate code", http.StatusInternalServerError)
				return
			}
			reply := make(chan *session.Session, 1)
			h.Inbox() <- hub.GetTable{Code: c, Reply: reply}
			if <-reply == nil {
				code = c
				break
			}
			h.Log().Debug("collision on code, regenerating", zap.String("code", c))
		}

		reply := make(chan *session.Session, 1)
		h.Inbox() <- hub.EnsureTable{Code: code, Reply: reply}
		if <-reply == nil {
			http.Error(w, "failed to create table", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, tableResponse{Code: code})
	}
}

func GetTable(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		reply := make(chan *session.Session, 1)
		h.Inbox() <- hub.GetTable{Code: code, Reply: reply}
		s := <-reply
		if s == nil {
			http.Error(w, "table not found", http.StatusNotFound)
			return
		}

		state := make(chan session.State, 1)
		select {
		case s.Inbox() <- session.GetState{Reply: state}:
		case <-s.Done():
			http.Error(w, "table not found", http.StatusNotFound)
			return
		}
		select {
		case st := <-state:
			writeJSON(w, http.StatusOK, tableResponse{Code: code, Version: st.Version, Clients: st.NumClients, EncounterID: st.EncounterID})
		case <-time.After(2 * time.Second):
			http.Error(w, "table busy", http.StatusServiceUnavailable)
		case <-r.Context().Done():
		}
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
