// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dashboard is a minimal read-only HTTP surface presenting the
// top event sources of the last 24 hours as a plain HTML table; metric
// values and anomalies are not shown. It is
// a thin collaborator over the query facade, not a specified subsystem —
// see SPEC_FULL.md §6.1.
package dashboard

import (
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/ClusterCockpit/loglens/internal/query"
	"github.com/ClusterCockpit/loglens/pkg/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

const pageTemplate = `<!DOCTYPE html>
<html>
<head><title>LogLens</title></head>
<body>
<h1>LogLens dashboard</h1>

<h2>Top sources (last 24h)</h2>
<table border="1" cellpadding="4">
<tr><th>Source</th><th>Events</th><th>Errors</th><th>Warnings</th></tr>
{{range .TopSources}}<tr><td>{{.Source}}</td><td>{{.EventCount}}</td><td>{{.ErrorCount}}</td><td>{{.WarningCount}}</td></tr>
{{else}}<tr><td colspan="4">No events in range</td></tr>
{{end}}
</table>
</body>
</html>
`

var tmpl = template.Must(template.New("dashboard").Parse(pageTemplate))

type pageData struct {
	TopSources []query.TopSourceRow
}

// Server wires a read-only dashboard over a query facade onto a
// gorilla/mux router with the teacher's compress/recovery middleware
// stack.
type Server struct {
	facade *query.Facade
	router *mux.Router
}

// NewServer constructs a dashboard Server over facade.
func NewServer(facade *query.Facade) *Server {
	s := &Server{facade: facade, router: mux.NewRouter()}
	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.Use(handlers.CompressHandler)
	s.router.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	return s
}

// Handler returns the fully wrapped http.Handler, matching
// cmd/cc-backend/main.go's compress/recovery/logging middleware stack.
func (s *Server) Handler() http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, s.router, func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Debugf("%s %s (%d, %.02fkb, %dms)",
			params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, float32(params.Size)/1024,
			time.Since(params.TimeStamp).Milliseconds())
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	sources, err := s.facade.QueryTopSources(start, end, 10, query.ByEventCount)
	if err != nil {
		log.Errorf("dashboard: querying top sources: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := tmpl.Execute(w, pageData{TopSources: sources}); err != nil {
		log.Errorf("dashboard: rendering template: %v", err)
	}
}
