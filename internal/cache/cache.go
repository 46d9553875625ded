// Package cache keeps recent GET responses so repeated renders of the same
// fragment can skip the network.
package cache

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/livefir/livelayer/transport"
)

// Key identifies a cached response. The target is part of the key because the
// server may render a different partial for each target.
type Key struct {
	Method string
	URL    string
	Target string
}

func newKey(method, url, target string) Key {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: url, Target: target}
}

// Cache is an expiring LRU of responses. Safe for concurrent use.
type Cache struct {
	lru *expirable.LRU[Key, *transport.Response]
}

// New creates a cache holding at most size responses for ttl each.
func New(size int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[Key, *transport.Response](size, nil, ttl)}
}

// Cacheable reports whether responses to method may be cached.
func Cacheable(method string) bool {
	m := strings.ToUpper(method)
	return m == "" || m == http.MethodGet || m == http.MethodHead
}

// Get returns a fresh cached response.
func (c *Cache) Get(method, url, target string) (*transport.Response, bool) {
	if !Cacheable(method) {
		return nil, false
	}
	return c.lru.Get(newKey(method, url, target))
}

// Put stores resp. Only successful responses to cacheable methods are kept.
func (c *Cache) Put(method, url, target string, resp *transport.Response) bool {
	if resp == nil || !resp.OK() || !Cacheable(method) {
		return false
	}
	c.lru.Add(newKey(method, url, target), resp)
	return true
}

// Observe updates the cache after any response. Responses to other methods
// than GET expire everything since the server state may have changed. GET
// responses are stored when store is set.
func (c *Cache) Observe(method, url, target string, resp *transport.Response, store bool) {
	if !Cacheable(method) {
		c.Expire()
		return
	}
	if store {
		c.Put(method, url, target, resp)
	}
}

// Expire drops every entry.
func (c *Cache) Expire() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
