package service

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"sync"
)

// Lifecycle hands out start tokens and refuses to stop when a newer start arrived after
// the token the caller holds.
type Lifecycle struct {
	mu      sync.Mutex
	latest  int64
	stopped bool
}

// Start records a start request and returns its token.
func (l *Lifecycle) Start() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.latest++
	l.stopped = false

	return l.latest
}

// StopSelfResult stops the service if token is the most recent start token.
func (l *Lifecycle) StopSelfResult(token int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if token != l.latest {
		return false
	}

	l.stopped = true

	return true
}

// Latest returns the most recent start token.
func (l *Lifecycle) Latest() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.latest
}

// Stopped reports whether the last stop request succeeded and no start followed it.
func (l *Lifecycle) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stopped
}

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
}
