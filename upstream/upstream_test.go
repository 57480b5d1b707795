package upstream_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbgserver/dbgserver/cache"
	"github.com/dbgserver/dbgserver/locator"
	"github.com/dbgserver/dbgserver/upstream"
)

func TestLookupFallsThroughToSecondPeer(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead.Close()

	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		_, _ = io.WriteString(w, "debuginfo bytes")
	}))
	defer alive.Close()

	c, err := cache.Open(t.TempDir(), time.Hour)
	require.NoError(t, err)

	client := upstream.New([]string{dead.URL, alive.URL}, time.Second, c)

	f, hit, err := client.Lookup(context.Background(), "deadbeef", locator.DebugInfo, "")
	require.NoError(t, err)
	require.True(t, hit)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "debuginfo bytes", string(data))
}

func TestLookupNoPeersConfigured(t *testing.T) {
	c, err := cache.Open(t.TempDir(), time.Hour)
	require.NoError(t, err)

	client := upstream.New(nil, time.Second, c)
	_, hit, err := client.Lookup(context.Background(), "deadbeef", locator.Executable, "")
	assert.False(t, hit)
	assert.ErrorIs(t, err, upstream.ErrNotImplemented)
}

func TestLookupCacheHitSkipsNetwork(t *testing.T) {
	c, err := cache.Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Fill("deadbeef", locator.Executable, "", func(w io.Writer) (time.Time, error) {
		_, err := w.Write([]byte("cached"))
		return time.Now(), err
	}))

	client := upstream.New([]string{"http://127.0.0.1:1"}, time.Second, c)
	f, hit, err := client.Lookup(context.Background(), "deadbeef", locator.Executable, "")
	require.NoError(t, err)
	require.True(t, hit)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(data))
}
