package cache

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livefir/livelayer/transport"
)

func ok(body string) *transport.Response {
	return &transport.Response{Status: http.StatusOK, Body: body}
}

func TestGetPut(t *testing.T) {
	c := New(10, time.Minute)

	assert.True(t, c.Put("get", "/users", ".list", ok("a")))

	resp, found := c.Get("GET", "/users", ".list")
	require.True(t, found)
	assert.Equal(t, "a", resp.Body)

	_, found = c.Get("GET", "/users", ".other")
	assert.False(t, found, "different target is a different entry")
}

func TestPutRejectsUncacheable(t *testing.T) {
	c := New(10, time.Minute)

	tests := []struct {
		name   string
		method string
		resp   *transport.Response
	}{
		{"post", http.MethodPost, ok("a")},
		{"error status", http.MethodGet, &transport.Response{Status: http.StatusUnprocessableEntity}},
		{"nil response", http.MethodGet, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, c.Put(tt.method, "/x", "main", tt.resp))
		})
	}
	assert.Equal(t, 0, c.Len())
}

func TestObserveExpiresOnWrite(t *testing.T) {
	c := New(10, time.Minute)
	c.Observe(http.MethodGet, "/a", "main", ok("a"), true)
	c.Observe(http.MethodGet, "/b", "main", ok("b"), true)
	c.Observe(http.MethodGet, "/c", "main", ok("c"), false)
	require.Equal(t, 2, c.Len())

	c.Observe(http.MethodPost, "/a", "main", ok("done"), false)
	assert.Equal(t, 0, c.Len())
}

func TestEntriesExpire(t *testing.T) {
	c := New(10, 20*time.Millisecond)
	c.Put(http.MethodGet, "/a", "main", ok("a"))

	assert.Eventually(t, func() bool {
		_, found := c.Get(http.MethodGet, "/a", "main")
		return !found
	}, time.Second, 5*time.Millisecond)
}

func TestLeastRecentlyUsedEvicted(t *testing.T) {
	c := New(2, time.Minute)
	c.Put(http.MethodGet, "/a", "main", ok("a"))
	c.Put(http.MethodGet, "/b", "main", ok("b"))
	c.Get(http.MethodGet, "/a", "main")
	c.Put(http.MethodGet, "/c", "main", ok("c"))

	_, found := c.Get(http.MethodGet, "/b", "main")
	assert.False(t, found)
	_, found = c.Get(http.MethodGet, "/a", "main")
	assert.True(t, found)
}
