package client

import (
	"encoding/json"
	"net/http"

	"stockstreamv1/internal/endpoint"
	"stockstreamv1/internal/registry"
)

// RegisterRoutes mounts the downstream-subscriber registration endpoints:
// PUT /register adds or updates an endpoint with its ticker set, DELETE
// /register removes it.
func RegisterRoutes(mux *http.ServeMux, mgr *registry.Manager) {
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Href     string   `json:"href"`
			Verb     string   `json:"verb"`
			Hostname string   `json:"hostname"`
			Port     int      `json:"port"`
			Pathname string   `json:"pathname"`
			Tickers  []string `json:"tickers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		ep, err := endpoint.New(endpoint.Config{
			Href:     body.Href,
			Verb:     body.Verb,
			Hostname: body.Hostname,
			Port:     body.Port,
			Pathname: body.Pathname,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}

		switch r.Method {
		case http.MethodPut:
			err = mgr.AddEndPoint(r.Context(), ep, body.Tickers)
		case http.MethodDelete:
			err = mgr.RemoveEndPoint(r.Context(), ep)
		default:
			httpError(w, http.StatusMethodNotAllowed, "use PUT or DELETE")
			return
		}

		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true}`))
	})
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
