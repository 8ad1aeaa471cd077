// Package web embeds the browser client and serves it with SPA fallback.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// Handler serves files from the embedded dist/ directory.
// Paths without a matching file get index.html.
func Handler() http.Handler {
	return handler(distFS)
}

func handler(root fs.FS) http.Handler {
	subFS, err := fs.Sub(root, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	fileServer := http.FileServer(http.FS(subFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name == "" {
			name = "index.html"
		}

		if f, err := subFS.Open(name); err == nil {
			if closeErr := f.Close(); closeErr != nil {
				slog.Debug("web: failed to close embedded file", "path", name, "error", closeErr)
			}
			fileServer.ServeHTTP(w, r)
			return
		}

		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}
