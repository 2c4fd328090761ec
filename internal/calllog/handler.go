package calllog

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MrWong99/switchline/internal/observe"
)

const defaultListLimit = 50

// Handler serves GET /calls?limit=N and GET /calls/{id}.
func Handler(s Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calls", func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, 500)
		}
		recs, err := s.Recent(r.Context(), limit)
		if err != nil {
			observe.Logger(r.Context()).Error("calllog: list calls", "err", err)
			http.Error(w, "could not list calls", http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []Record{}
		}
		writeJSON(w, recs)
	})
	mux.HandleFunc("GET /calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.Get(r.Context(), r.PathValue("id"))
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		if err != nil {
			observe.Logger(r.Context()).Error("calllog: get call", "err", err)
			http.Error(w, "could not load call", http.StatusInternalServerError)
			return
		}
		writeJSON(w, rec)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
