// Package admin implements C9 (SPEC_FULL.md §4.9): read-only HTTP debug
// routes over the live endpoint set and the most recent historydb rows.
// Grounded on the teacher's internal/serialmux.AttachAdminRoutes, which
// wires tsweb.Debugger(mux) plus embedded html/template pages the same
// way.
package admin

import (
	"bytes"
	"embed"
	"html/template"
	"io"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/ilidar-tool/internal/historydb"
	"github.com/banshee-data/ilidar-tool/internal/network"
)

//go:embed templates/*
var templateFS embed.FS

var (
	endpointsTemplate = template.Must(template.ParseFS(templateFS, "templates/endpoints.html.tmpl"))
	discoveryTemplate = template.Must(template.ParseFS(templateFS, "templates/discovery.html.tmpl"))
	updateTemplate    = template.Must(template.ParseFS(templateFS, "templates/update.html.tmpl"))
)

// recentRowLimit bounds how many historydb rows each debug page shows.
const recentRowLimit = 100

// AttachRoutes registers /debug/endpoints, /debug/discovery, and
// /debug/update on mux via tsweb.Debugger. store may be nil (history
// disabled); the discovery/update pages then render empty tables. These
// routes never issue sensor commands, only read.
func AttachRoutes(mux *http.ServeMux, endpoints []*network.Endpoint, store *historydb.Store) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("endpoints", "list bound UDP endpoints", func(w http.ResponseWriter, r *http.Request) {
		cfgs := make([]network.EndpointConfig, 0, len(endpoints))
		for _, ep := range endpoints {
			cfgs = append(cfgs, ep.Config())
		}
		renderTemplate(w, endpointsTemplate, cfgs)
	})

	debug.HandleFunc("discovery", "recent discovery snapshots", func(w http.ResponseWriter, r *http.Request) {
		rows, err := store.RecentDiscovery(recentRowLimit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		renderTemplate(w, discoveryTemplate, rows)
	})

	debug.HandleFunc("update", "recent update outcomes", func(w http.ResponseWriter, r *http.Request) {
		rows, err := store.RecentUpdate(recentRowLimit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		renderTemplate(w, updateTemplate, rows)
	})
}

func renderTemplate(w http.ResponseWriter, t *template.Template, data interface{}) {
	buf := bytes.NewBuffer(nil)
	if err := t.Execute(buf, data); err != nil {
		http.Error(w, "failed to render template", http.StatusInternalServerError)
		return
	}
	io.Copy(w, buf)
}
