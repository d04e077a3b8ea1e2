package web

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"
)

//go:embed static
var staticFiles embed.FS

var indexTemplate = template.Must(template.ParseFS(staticFiles, "static/index.html"))

type indexData struct {
	Title        string
	DisplayName  string
	AsyncEnabled bool
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	user := s.userFor(r)
	data := indexData{
		Title:        s.cfg.App.Title,
		DisplayName:  user.DisplayName,
		AsyncEnabled: s.cfg.App.AsyncQueriesEnabled,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		s.logger.Printf("render index: %v", err)
	}
}

func (s *Server) staticHandler() http.Handler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
