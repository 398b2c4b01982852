package httpcache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripCachesResponses(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>dashboard</html>")
	}))
	defer srv.Close()

	cache, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	client := &http.Client{Transport: cache}

	fetch := func() string {
		resp, err := client.Get(srv.URL + "/")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
		return string(body)
	}

	first := fetch()
	second := fetch()

	assert.Equal(t, "<html>dashboard</html>", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), hits.Load(), "second request must be served from cache")
}

func TestRoundTripKeysOnRequestBody(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	cache, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	client := &http.Client{Transport: cache}

	post := func(body string) string {
		resp, err := client.Post(srv.URL+"/", "application/x-www-form-urlencoded", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		got, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(got)
	}

	assert.Equal(t, "email=a", post("email=a"))
	assert.Equal(t, "email=b", post("email=b"))
	assert.Equal(t, "email=a", post("email=a")) // replayed
	assert.Equal(t, int64(2), hits.Load())
}
