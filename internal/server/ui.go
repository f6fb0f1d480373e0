package server

import (
	"embed"
	"log/slog"
	"net/http"
)

// uiFS holds the embedded chat page served at the root path.
//
//go:embed static/chat.html
var uiFS embed.FS

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	page, err := uiFS.ReadFile("static/chat.html")
	if err != nil {
		s.logger.Error("failed to read embedded UI", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}
