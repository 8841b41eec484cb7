// Package arp implements the IPv4-to-MAC resolver: per-destination waiters
// with retry/timeout, and subnet/default-gateway routing (spec.md §3 "ArpTable",
// §4.4).
package arp

import (
	"net"
	"sync"

	"github.com/elvis-sim/elvis/internal/ipv4addr"
)

// Status is an ArpTable entry's resolution state. The zero value is
// StatusResolved; absence has no Status of its own and is never stored —
// Table.Get's second return value signals it.
type Status int

const (
	// StatusResolved means the address has a known MAC.
	StatusResolved Status = iota
	// StatusFailed means resolution was attempted and exhausted its retries.
	StatusFailed
)

// Entry is one ArpTable row.
type Entry struct {
	Status Status
	MAC    net.HardwareAddr
}

// Table maps IPv4 addresses to resolution Status, broadcasting a
// change-notification on every mutation so waiters can re-check their
// predicate (spec.md §9 "Waiters on per-key state"; §5 "ArpTable updates
// fire a single notification per mutation; all waiters observe a consistent
// status").
type Table struct {
	mu      sync.Mutex
	entries map[ipv4addr.Address]Entry
	notify  chan struct{}
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		entries: make(map[ipv4addr.Address]Entry),
		notify:  make(chan struct{}),
	}
}

// Get returns the current entry for ip, if any.
func (t *Table) Get(ip ipv4addr.Address) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	return e, ok
}

// Set marks ip as resolved to mac, overwriting any prior entry, and wakes
// every waiter.
func (t *Table) Set(ip ipv4addr.Address, mac net.HardwareAddr) {
	t.mu.Lock()
	t.entries[ip] = Entry{Status: StatusResolved, MAC: mac}
	t.wake()
	t.mu.Unlock()
}

// Fail marks ip as failed and wakes every waiter.
func (t *Table) Fail(ip ipv4addr.Address) {
	t.mu.Lock()
	t.entries[ip] = Entry{Status: StatusFailed}
	t.wake()
	t.mu.Unlock()
}

// Clear removes ip's entry entirely, allowing a future resolve to retry from
// scratch. This is the externally-triggered "Failed may be cleared to
// retry" transition (spec.md §4.4).
func (t *Table) Clear(ip ipv4addr.Address) {
	t.mu.Lock()
	delete(t.entries, ip)
	t.wake()
	t.mu.Unlock()
}

// wake closes the current notify channel (waking every Watch caller) and
// installs a fresh one. Must be called with mu held.
func (t *Table) wake() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// Watch returns the table's current change-notification channel. It closes
// the next time any Set/Fail/Clear call completes; callers must re-read
// state after it fires rather than assuming what changed (spec.md §9: "Do
// not assume notifications carry the new value").
func (t *Table) Watch() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}
