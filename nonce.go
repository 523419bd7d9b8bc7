package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultReplayWindow is how far a request timestamp may drift from the
// server clock, in either direction.
const DefaultReplayWindow = 5 * time.Minute

// NonceTracker remembers recently seen nonces. Entries are kept for twice
// the replay window so a request can never be replayed while its
// timestamp is still acceptable.
type NonceTracker struct {
	mu     sync.Mutex
	seen   map[string]int64 // nonce -> first seen, unix millis
	window time.Duration
	path   string
	now    func() time.Time
}

// NewNonceTracker creates a tracker persisting to path ("" = memory only).
func NewNonceTracker(window time.Duration, path string) *NonceTracker {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &NonceTracker{
		seen:   make(map[string]int64),
		window: window,
		path:   path,
		now:    time.Now,
	}
}

// inWindow reports whether ts is within the replay window of now.
func (nt *NonceTracker) inWindow(ts, now time.Time) bool {
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	return d <= nt.window
}

// Check reports whether nonce/timestamp would be accepted, without
// recording anything.
func (nt *NonceTracker) Check(nonce string, ts, now time.Time) bool {
	if !nt.inWindow(ts, now) {
		return false
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()
	_, dup := nt.seen[nonce]
	return !dup
}

// Record marks nonce as seen at now. It returns false if the nonce was
// already recorded, which makes Check+Record safe under concurrent use.
func (nt *NonceTracker) Record(nonce string, now time.Time) bool {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if _, dup := nt.seen[nonce]; dup {
		return false
	}
	nt.seen[nonce] = now.UnixMilli()
	return true
}

// CheckAndRecord is Check followed by Record.
func (nt *NonceTracker) CheckAndRecord(nonce string, ts, now time.Time) bool {
	if !nt.inWindow(ts, now) {
		return false
	}
	return nt.Record(nonce, now)
}

// Forget drops a nonce recorded for a request that was not persisted.
func (nt *NonceTracker) Forget(nonce string) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	delete(nt.seen, nonce)
}

// Len returns the number of tracked nonces.
func (nt *NonceTracker) Len() int {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	return len(nt.seen)
}

// Prune removes entries older than twice the replay window and returns
// how many were removed.
func (nt *NonceTracker) Prune(now time.Time) int {
	cutoff := now.Add(-2 * nt.window).UnixMilli()
	nt.mu.Lock()
	defer nt.mu.Unlock()
	removed := 0
	for n, seenAt := range nt.seen {
		if seenAt < cutoff {
			delete(nt.seen, n)
			removed++
		}
	}
	return removed
}

// Load restores persisted nonces. A missing file is not an error.
func (nt *NonceTracker) Load() error {
	if nt.path == "" {
		return nil
	}
	data, err := os.ReadFile(nt.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var saved map[string]int64
	if err := json.Unmarshal(data, &saved); err != nil {
		return err
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()
	for n, at := range saved {
		nt.seen[n] = at
	}
	return nil
}

// Save writes the current nonce set.
func (nt *NonceTracker) Save() error {
	if nt.path == "" {
		return nil
	}
	nt.mu.Lock()
	data, err := json.Marshal(nt.seen)
	nt.mu.Unlock()
	if err != nil {
		return err
	}
	return writeFileAtomic(nt.path, data, 0o644)
}

// Sweep prunes and persists once.
func (nt *NonceTracker) Sweep() {
	removed := nt.Prune(nt.now())
	if err := nt.Save(); err != nil {
		log.Printf("nonce tracker: save failed: %v", err)
		return
	}
	if removed > 0 {
		log.Debugf("nonce tracker: pruned %d, %d tracked", removed, nt.Len())
	}
}

// Run sweeps every interval until ctx is done, then saves a final time.
func (nt *NonceTracker) Run(ctx context.Context, interval time.Duration) {
	runPeriodic(ctx, "nonce-sweep", interval, func(context.Context) { nt.Sweep() })
	if err := nt.Save(); err != nil {
		log.Printf("nonce tracker: final save failed: %v", err)
	}
}
