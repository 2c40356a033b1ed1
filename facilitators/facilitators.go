// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

// Package facilitators maps on-chain relayer addresses to named
// facilitator clusters. A facilitator is the wallet (or set of wallets)
// that submits x402 payment transactions on behalf of buyers.
package facilitators

import (
	"sort"
	"strings"
	"sync"
)

// Facilitator is a named cluster of relayer addresses.
type Facilitator struct {
	Name      string   `json:"name" yaml:"name"`
	Addresses []string `json:"addresses" yaml:"addresses"`
}

// Registry resolves addresses to facilitator names.
type Registry struct {
	mu     sync.RWMutex
	byAddr map[string]string   // lowercased address -> name
	byName map[string][]string // name -> lowercased addresses
}

// Defaults returns the built-in facilitator set. Deployments extend or
// replace it through config.
func Defaults() []Facilitator {
	return []Facilitator{
		{Name: "coinbase", Addresses: []string{
			"0xdf4ce973921affeaeb3dad1a68d9e5a2b04ae5a6",
		}},
		{Name: "x402.rs", Addresses: []string{
			"0xd8dfc729cbd09e1ff6d7ffad6b0b1f88cbfee982",
		}},
		{Name: "thirdweb", Addresses: []string{
			"0x45c9fb77bbf7ccdbae4c503182602efa5eefd223",
			"0x0192f7b39ab7cddf1ac2cbbe4ab74bcf7a5ef6a1",
		}},
		{Name: "payai", Addresses: []string{
			"0xb5081c3ecd6b124ffa12a1eb1e0ebd38f8e74d5b",
		}},
	}
}

// NewRegistry creates a registry from the given facilitators. Addresses
// are normalized; later entries win on conflict.
func NewRegistry(set []Facilitator) *Registry {
	r := &Registry{
		byAddr: make(map[string]string),
		byName: make(map[string][]string),
	}
	for _, f := range set {
		r.Add(f)
	}
	return r
}

// Add registers a facilitator, merging with any existing entry of the
// same name.
func (r *Registry) Add(f Facilitator) {
	name := strings.ToLower(strings.TrimSpace(f.Name))
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range f.Addresses {
		addr = NormalizeAddress(addr)
		if addr == "" {
			continue
		}
		if prev, ok := r.byAddr[addr]; ok && prev != name {
			r.byName[prev] = removeAddress(r.byName[prev], addr)
		}
		r.byAddr[addr] = name
		if !containsAddress(r.byName[name], addr) {
			r.byName[name] = append(r.byName[name], addr)
		}
	}
}

// Lookup returns the facilitator name for an address, or "" when the
// address is unknown.
func (r *Registry) Lookup(address string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAddr[NormalizeAddress(address)]
}

// DisplayName returns the facilitator name for an address, falling back
// to the normalized address itself for unknown relayers.
func (r *Registry) DisplayName(address string) string {
	if name := r.Lookup(address); name != "" {
		return name
	}
	return NormalizeAddress(address)
}

// Addresses returns the address cluster for a facilitator name.
func (r *Registry) Addresses(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs := r.byName[strings.ToLower(name)]
	out := make([]string, len(addrs))
	copy(out, addrs)
	return out
}

// Names returns all registered facilitator names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllAddresses returns every registered address, sorted.
func (r *Registry) AllAddresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs := make([]string, 0, len(r.byAddr))
	for addr := range r.byAddr {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Len returns the number of registered facilitators.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// NormalizeAddress returns the lowercase 0x form of an address, or ""
// for an input that cannot be an address.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) >= 2 && (addr[:2] == "0x" || addr[:2] == "0X") {
		addr = addr[2:]
	}
	if len(addr) != 40 || !isHex(addr) {
		return ""
	}
	return "0x" + strings.ToLower(addr)
}

// IsAddress reports whether s is a well-formed 20-byte hex address.
func IsAddress(s string) bool {
	return NormalizeAddress(s) != ""
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func containsAddress(addrs []string, addr string) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func removeAddress(addrs []string, addr string) []string {
	out := addrs[:0]
	for _, a := range addrs {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}
