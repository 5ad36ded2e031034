package subchannel

import (
	"sort"
	"strings"
	"sync"
)

// Key is a subchannel's identity: its target address plus a canonical
// fingerprint of its channel args.
type Key struct {
	Addr string
	Args string
}

// NewKey builds a Key with a deterministic args fingerprint.
func NewKey(addr string, channelArgs map[string]string) Key {
	if len(channelArgs) == 0 {
		return Key{Addr: addr}
	}
	parts := make([]string, 0, len(channelArgs))
	for k, v := range channelArgs {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return Key{Addr: addr, Args: strings.Join(parts, ",")}
}

// Index shares subchannels by identity, so that channels targeting the same
// endpoint with the same args reuse one connection lifecycle.
type Index struct {
	mu sync.Mutex
	m  map[Key]*Subchannel
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{m: make(map[Key]*Subchannel)}
}

// FindOrCreate returns the subchannel registered under key, creating and
// registering the result of create if none exists.
func (ix *Index) FindOrCreate(key Key, create func() *Subchannel) *Subchannel {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if sc, ok := ix.m[key]; ok {
		return sc
	}
	sc := create()
	ix.m[key] = sc
	return sc
}

// Remove unregisters sc if it is still the subchannel registered under key.
func (ix *Index) Remove(key Key, sc *Subchannel) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.m[key] == sc {
		delete(ix.m, key)
	}
}

// Len returns the number of registered subchannels.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.m)
}
