package handlers

import (
	"io/fs"
	"net/http"
	"path"
	"strings"

	"personalizer/internal/imagegen"
)

// publicDir serves regular files only. Directories and dot-files (in-flight
// temp files of the store) are reported as missing.
type publicDir struct {
	http.Dir
}

func (d publicDir) Open(name string) (http.File, error) {
	if strings.HasPrefix(path.Base(name), ".") {
		return nil, fs.ErrNotExist
	}
	f, err := d.Dir.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}

// Generated serves published artifacts under /generated/.
func (a *App) Generated() http.Handler {
	files := http.FileServer(publicDir{http.Dir(a.OutputDir)})
	return http.StripPrefix(strings.TrimSuffix(imagegen.PublicPrefix, "/"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		files.ServeHTTP(w, r)
	}))
}
