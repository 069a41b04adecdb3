// Package webui serves the embedded admin console with SPA fallback, mirroring
// the teacher's dist/ static-file mount but for paf's own (placeholder) build.
// The real SvelteKit build is out of scope for this port; this package is the
// contract shim that makes the management port a complete, runnable surface.
package webui

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed all:dist
var distRoot embed.FS

// Mount registers the /ui/ static file server, with SPA fallback for
// client-side routes and long-lived caching for hashed asset paths, on mux.
func Mount(mux *http.ServeMux) error {
	distFS, err := fs.Sub(distRoot, "dist")
	if err != nil {
		return err
	}
	indexHTML, err := fs.ReadFile(distFS, "index.html")
	if err != nil {
		return err
	}

	fileServer := http.StripPrefix("/ui/", http.FileServer(http.FS(distFS)))
	mux.HandleFunc("/ui/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/ui/")
		if path == "" || path == "index.html" {
			writeIndex(w, indexHTML)
			return
		}
		if strings.HasPrefix(path, "_app/immutable/") {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		}
		if _, err := fs.Stat(distFS, path); err != nil {
			writeIndex(w, indexHTML)
			return
		}
		fileServer.ServeHTTP(w, r)
	})
	return nil
}

func writeIndex(w http.ResponseWriter, indexHTML []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(indexHTML)
}
