// Package server is the HTTP control surface of the publish host:
// registration, info and the token-guarded service commands.
package server

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"stockstreamv1/internal/cast"
	"stockstreamv1/internal/endpoint"
	"stockstreamv1/internal/model"
	"stockstreamv1/internal/publish"

	"github.com/pquerna/otp/totp"
)

// Server wires the publish service and broadcast layer to HTTP.
type Server struct {
	Pub  *publish.Service
	Cast *cast.Server

	// Secret is the static shared secret for /serv commands.
	Secret string
	// TOTPSecret, when set, additionally accepts a valid time-based
	// passcode as the token.
	TOTPSecret string
}

// registerBody is the PUT/DELETE /register request shape. Href takes
// precedence; otherwise the individual fields are used and a missing
// hostname falls back to the caller's observed IP.
type registerBody struct {
	Href     string `json:"href"`
	Verb     string `json:"verb"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Pathname string `json:"pathname"`
}

// RegisterRoutes mounts all control routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/now", s.handleNow)
	mux.HandleFunc("/serv/", s.handleCommand)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"stockserver"}`))
	})
}

func (s *Server) infoJSON() map[string]interface{} {
	return map[string]interface{}{
		"nowish":    s.Pub.Nowish().Format(model.TimeLayout),
		"state":     s.Pub.State().String(),
		"endpoints": s.Cast.Len(),
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.infoJSON())
}

func (s *Server) handleNow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nowish": s.Pub.Nowish().Format(model.TimeLayout),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ep, err := s.buildEndPoint(r, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.Cast.Register(ep)
	case http.MethodDelete:
		s.Cast.Unregister(ep)
	default:
		writeError(w, http.StatusMethodNotAllowed, "use PUT or DELETE")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"info":    s.infoJSON(),
	})
}

// buildEndPoint turns a register body into an EndPoint, defaulting the
// hostname to the caller's observed address.
func (s *Server) buildEndPoint(r *http.Request, body registerBody) (*endpoint.EndPoint, error) {
	cfg := endpoint.Config{
		Href:     body.Href,
		Verb:     body.Verb,
		Hostname: body.Hostname,
		Port:     body.Port,
		Pathname: body.Pathname,
	}
	if cfg.Href == "" && cfg.Hostname == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		cfg.Hostname = host
	}
	return endpoint.New(cfg)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r.URL.Query().Get("token")) {
		writeError(w, http.StatusForbidden, "rejected token")
		return
	}

	command := strings.TrimPrefix(r.URL.Path, "/serv/")
	ctx := r.Context()

	var err error
	switch command {
	case "start":
		err = s.Pub.Start(ctx)

	case "stop":
		err = s.Pub.Stop(ctx)

	case "reset":
		var offset time.Time
		if date := r.URL.Query().Get("date"); date != "" {
			offset, err = time.Parse(model.TimeLayout, date)
			if err != nil {
				writeError(w, http.StatusBadRequest, "date must be formatted "+model.TimeLayout)
				return
			}
		}
		err = s.Pub.Reset(ctx, offset)

	default:
		writeError(w, http.StatusNotFound, "unknown command: "+command)
		return
	}

	if err != nil {
		log.Printf("[server] command %q failed: %v", command, err)
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
			"info":    s.infoJSON(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"info":    s.infoJSON(),
	})
}

// authorized accepts the static shared secret, or a valid TOTP passcode when
// a TOTP secret is configured.
func (s *Server) authorized(token string) bool {
	if token == "" {
		return false
	}
	if token == s.Secret {
		return true
	}
	return s.TOTPSecret != "" && totp.Validate(token, s.TOTPSecret)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
