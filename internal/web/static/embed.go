// Package static embeds the optional web frontend build.
package static

import (
	"embed"
	"io/fs"
	"net/http"
)

// dist holds a .gitkeep so the pattern matches in builds without a frontend.
//
//go:embed all:dist/*
var distFS embed.FS

// GetFileSystem returns an http.FileSystem for the embedded dist directory.
func GetFileSystem() http.FileSystem {
	fsys, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic(err)
	}
	return http.FS(fsys)
}

// HasDist reports whether a built frontend (dist/index.html) is embedded.
func HasDist() bool {
	_, err := fs.Stat(distFS, "dist/index.html")
	return err == nil
}
