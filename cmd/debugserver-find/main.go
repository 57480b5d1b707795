// Command debugserver-find is the client front-end (spec §6): given an
// artifact kind and build-id (and, for source files, a source path), it
// resolves the artifact through the client cache and configured upstream
// peers and prints the resolved cache path to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dbgserver/dbgserver/buildid"
	"github.com/dbgserver/dbgserver/cache"
	"github.com/dbgserver/dbgserver/locator"
	"github.com/dbgserver/dbgserver/upstream"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: debugserver-find <debuginfo|executable|source-file> <build-id> [source-path]")
		return 1
	}

	kindArg, hexID := args[0], args[1]
	kind, sourcePath, err := parseKindArg(kindArg, args[2:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "debugserver-find:", err)
		return 1
	}

	id, err := buildid.Parse(hexID)
	if err != nil || id.Empty() {
		fmt.Fprintln(os.Stderr, "debugserver-find: invalid build-id:", hexID)
		return 1
	}

	cachePath := os.Getenv("DEBUGSERVER_CACHE_PATH")
	if cachePath == "" {
		cachePath = defaultCachePath()
	}
	c, err := cache.Open(cachePath, cache.DefaultInterval)
	if err != nil {
		fmt.Fprintln(os.Stderr, "debugserver-find: opening cache:", err)
		return 1
	}

	peers := strings.Fields(os.Getenv("DEBUGSERVER_URLS"))
	timeout := 5 * time.Second
	if v := os.Getenv("DEBUGSERVER_TIMEOUT"); v != "" {
		if secs, parseErr := time.ParseDuration(v + "s"); parseErr == nil {
			timeout = secs
		}
	}
	client := upstream.New(peers, timeout, c)

	f, hit, err := client.Lookup(context.Background(), id, kind, sourcePath)
	if err != nil || !hit {
		if err == nil {
			err = fmt.Errorf("not found")
		}
		fmt.Fprintln(os.Stderr, "debugserver-find:", err)
		return 1
	}
	defer f.Close()

	fmt.Println(f.Name())
	return 0
}

func parseKindArg(kindArg string, rest []string) (locator.Kind, string, error) {
	switch kindArg {
	case "debuginfo":
		return locator.DebugInfo, "", nil
	case "executable":
		return locator.Executable, "", nil
	case "source-file":
		if len(rest) < 1 {
			return 0, "", fmt.Errorf("source-file requires a source path argument")
		}
		path := rest[0]
		if !strings.HasPrefix(path, "/") {
			return 0, "", fmt.Errorf("source path must begin with '/'")
		}
		return locator.Source, path, nil
	default:
		return 0, "", fmt.Errorf("unknown kind %q", kindArg)
	}
}

// defaultCachePath mirrors dbgserver-client.c's cache_path fallback:
// $HOME/.cache, or "/" if $HOME cannot be determined.
func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/"
	}
	return home + "/.cache"
}
