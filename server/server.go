// Package server implements the HTTP front-end (spec §4.7): URL grammar
// parsing for the buildid/source/metrics surface, index-store probing
// with a file-mtime cross-check, archive extraction, and delegation to
// the upstream client on a local miss.
//
// The routing here is grounded on the teacher repo's
// backend/http.NewHandler, collapsed to two http.ServeMux routes plus one
// regexp over the buildid path rather than a full router dependency —
// the grammar is four fixed shapes, not a general tree.
package server

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbgserver/dbgserver/buildid"
	"github.com/dbgserver/dbgserver/internal/service"
	"github.com/dbgserver/dbgserver/locator"
)

var buildIDPattern = regexp.MustCompile(`^/buildid/([0-9a-fA-F]+)/(debuginfo|executable|source)(/.*)?$`)

// Handler returns the server's http.Handler, wired against ctx.
func Handler(ctx *service.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/buildid/", func(w http.ResponseWriter, r *http.Request) {
		handleBuildID(ctx, w, r)
	})
	return mux
}

func handleBuildID(ctx *service.Context, w http.ResponseWriter, r *http.Request) {
	m := buildIDPattern.FindStringSubmatch(r.URL.Path)
	if m == nil {
		http.Error(w, "400 malformed build-id request", http.StatusBadRequest)
		return
	}
	hexID, kindStr, rest := m[1], m[2], m[3]

	if len(hexID)%2 != 0 {
		http.Error(w, "400 odd-length build-id", http.StatusBadRequest)
		return
	}
	kind, ok := locator.ParseKind(kindStr)
	if !ok {
		http.Error(w, "400 unknown kind", http.StatusBadRequest)
		return
	}

	var sourcePath string
	if kind == locator.Source {
		if rest == "" || rest == "/" {
			http.Error(w, "400 source request requires a path", http.StatusBadRequest)
			return
		}
		sourcePath = rest
		if !strings.HasPrefix(sourcePath, "/") {
			sourcePath = "/" + sourcePath
		}
	} else if rest != "" && rest != "/" {
		http.Error(w, "400 unexpected trailing path", http.StatusBadRequest)
		return
	}

	id := buildid.ID(strings.ToLower(hexID))

	if f, modTime, ok := probeLocal(ctx, id, kind, sourcePath); ok {
		defer f.Close()
		w.Header().Set("Last-Modified", modTime.Format(http.TimeFormat))
		w.Header().Set("Cache-Control", "public")
		http.ServeContent(w, r, "", modTime, f)
		return
	}

	if ctx.Upstream != nil {
		f, hit, err := ctx.Upstream.Lookup(r.Context(), id, kind, sourcePath)
		if err == nil && hit {
			defer f.Close()
			var modTime time.Time
			if info, statErr := f.Stat(); statErr == nil {
				modTime = info.ModTime()
			}
			w.Header().Set("Last-Modified", modTime.Format(http.TimeFormat))
			w.Header().Set("Cache-Control", "public")
			http.ServeContent(w, r, "", modTime, f)
			return
		}
		if err != nil {
			level.Debug(ctx.Logger).Log("msg", "upstream lookup failed", "build_id", id, "kind", kindStr, "err", err)
		}
	}

	http.Error(w, "404 not found", http.StatusNotFound)
}
