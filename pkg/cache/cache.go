// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package cache implements the tool-result cache (C3): a fixed-capacity
// LRU with a per-tool TTL table, keyed on tool name + canonical JSON
// arguments.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type entry struct {
	key       string
	value     string
	expiresAt time.Time
}

// ToolCache is a fixed-capacity LRU keyed on tool_name + canonical args,
// with a per-tool TTL. It stores whatever value it is given; keeping
// error-prefixed results out is done by the caller (see Set).
type ToolCache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	ttls       map[string]time.Duration
	items      map[string]*list.Element
	order      *list.List // front = most recently used
}

// New creates a cache with the given capacity and default TTL. ttls
// overrides the default TTL per tool name; nil uses defaultTTL everywhere.
func New(capacity int, defaultTTL time.Duration, ttls map[string]time.Duration) *ToolCache {
	if capacity <= 0 {
		capacity = 100
	}
	if ttls == nil {
		ttls = make(map[string]time.Duration)
	}
	return &ToolCache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		ttls:       ttls,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Key builds the cache key for a tool call: tool_name + NUL + canonical
// JSON-encoded args (map keys sorted so argument order never matters).
func Key(toolName string, args map[string]interface{}) string {
	canon := canonicalJSON(args)
	return toolName + "\x00" + canon
}

func canonicalJSON(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(args[k])
		if err != nil {
			vb = []byte(`null`)
		}
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')
	return string(ordered)
}

// hashKey keeps the in-memory map key bounded in size for pathologically
// large argument payloads while Key() itself stays human-readable for logs.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached value for key, evicting it first if expired.
func (c *ToolCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hk := hashKey(key)
	el, ok := c.items[hk]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.order.Remove(el)
		delete(c.items, hk)
		return "", false
	}

	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores value under key with the TTL configured for toolName (or the
// default). Set does not inspect value: the tool registry checks
// constants.HasErrorPrefix before calling Set, so the poisoning guard lives
// at the call site and this package stays independent of the
// tool-vocabulary constants.
func (c *ToolCache) Set(toolName, key, value string) {
	ttl := c.defaultTTL
	if override, ok := c.ttls[toolName]; ok {
		ttl = override
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	hk := hashKey(key)
	if el, ok := c.items[hk]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(el)
		return
	}

	e := &entry{key: key, value: value, expiresAt: time.Now().Add(ttl)}
	el := c.order.PushFront(e)
	c.items[hk] = el

	if c.order.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *ToolCache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, hashKey(e.key))
}

// Len returns the current number of live (not necessarily unexpired) entries.
func (c *ToolCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear empties the cache.
func (c *ToolCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}
