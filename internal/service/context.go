// Package service folds the global mutable state the original C++
// server kept in process-wide variables — the store handle, the sets of
// scan roots, the interrupted flag — into a single value constructed at
// startup and threaded to scanners and HTTP handlers, per spec §9's
// Design Notes. This mirrors the way the teacher repo's transport layer
// threads a single transport.Loader through both its client and server
// halves (internal/server/loader.go) instead of reaching for globals.
package service

import (
	"sync/atomic"

	"github.com/go-kit/log"

	"github.com/dbgserver/dbgserver/cache"
	"github.com/dbgserver/dbgserver/index"
	"github.com/dbgserver/dbgserver/upstream"
)

// Root is one configured scan root together with the scanner kind that
// applies to it (spec §4.4: plain-file roots use the "-F" flag, archive
// roots use "-R").
type Root struct {
	Path string
	// Archive is true for an "-R" root (archive scanner), false for an
	// "-F" root (plain-file scanner).
	Archive bool
}

// Context is the read-only-after-construction service context: set once
// in cmd/debugserver's startup and passed by pointer to every scanner
// goroutine and every HTTP handler.
type Context struct {
	Store    *index.Store
	Cache    *cache.Cache
	Upstream *upstream.Client
	Logger   log.Logger

	Roots          []Root
	RescanInterval int // seconds

	interrupted atomic.Bool
}

// New constructs a Context. Upstream may be nil if DEBUGSERVER_URLS is
// unset (spec §6): the HTTP front-end then has no fallback for a local
// miss.
func New(store *index.Store, c *cache.Cache, up *upstream.Client, logger log.Logger, roots []Root, rescanInterval int) *Context {
	return &Context{
		Store:          store,
		Cache:          c,
		Upstream:       up,
		Logger:         logger,
		Roots:          roots,
		RescanInterval: rescanInterval,
	}
}

// Interrupt sets the shared interrupted flag. Safe to call from a signal
// handler goroutine; the scanners observe it. The HTTP server's shutdown
// is driven separately by cmd/debugserver.
func (c *Context) Interrupt() {
	c.interrupted.Store(true)
}

// Interrupted reports whether shutdown has been requested. Scanner
// threads check this between files and between archive entries (spec
// §5's "Cancellation").
func (c *Context) Interrupted() bool {
	return c.interrupted.Load()
}
