// Package abuseguard gates mutating ledger entry points by identity. It is
// advisory: callers consult it before acting and it never touches the ledger.
package abuseguard

import (
	"sync"
	"time"

	"github.com/mindloadai/tokenledger/internal/metrics"
)

// Verdict is the guard's answer for one attempted call.
type Verdict string

const (
	VerdictAllowed   Verdict = "allowed"
	VerdictChallenge Verdict = "challenge"
	VerdictBlocked   Verdict = "blocked"
)

// Config parameterizes the guard. All thresholds are per sliding window.
type Config struct {
	Window             time.Duration
	ChallengeThreshold int
	BlockThreshold     int
	BlockDuration      time.Duration
	// DeviceAccountLimit flags a device once this many distinct accounts
	// act through it inside one window, independent of per-account rates.
	DeviceAccountLimit int
}

// DefaultConfig returns the shipped guard parameters.
func DefaultConfig() Config {
	return Config{
		Window:             time.Minute,
		ChallengeThreshold: 20,
		BlockThreshold:     60,
		BlockDuration:      15 * time.Minute,
		DeviceAccountLimit: 5,
	}
}

type subjectKey struct {
	subjectID  string
	actionType string
}

// Option configures a Guard.
type Option func(*Guard)

// WithRecorder wires the verdict counters.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(guard *Guard) {
		guard.recorder = recorder
	}
}

// Guard holds the rolling windows. Safe for concurrent use.
type Guard struct {
	config   Config
	nowFn    func() time.Time
	recorder *metrics.Recorder

	mutex          sync.Mutex
	windows        map[subjectKey][]time.Time
	blockedUntil   map[string]time.Time
	deviceAccounts map[string]map[string]time.Time
	flaggedDevices map[string]bool
}

// New wires a Guard. A nil clock defaults to time.Now.
func New(config Config, now func() time.Time, options ...Option) *Guard {
	if now == nil {
		now = time.Now
	}
	guard := &Guard{
		config:         config,
		nowFn:          now,
		windows:        make(map[subjectKey][]time.Time),
		blockedUntil:   make(map[string]time.Time),
		deviceAccounts: make(map[string]map[string]time.Time),
		flaggedDevices: make(map[string]bool),
	}
	for _, option := range options {
		if option != nil {
			option(guard)
		}
	}
	return guard
}

// CheckAndRecord counts one attempt for the subject and returns the verdict.
// Blocked and Challenge attempts still count, so a hammering caller stays
// throttled until it backs off.
func (guard *Guard) CheckAndRecord(subjectID string, actionType string) Verdict {
	verdict := guard.checkAndRecord(subjectID, actionType)
	if guard.recorder != nil {
		guard.recorder.AbuseVerdicts.WithLabelValues(string(verdict)).Inc()
	}
	return verdict
}

func (guard *Guard) checkAndRecord(subjectID string, actionType string) Verdict {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()
	now := guard.nowFn()

	if until, blocked := guard.blockedUntil[subjectID]; blocked {
		if now.Before(until) {
			return VerdictBlocked
		}
		delete(guard.blockedUntil, subjectID)
	}

	key := subjectKey{subjectID: subjectID, actionType: actionType}
	cutoff := now.Add(-guard.config.Window)
	kept := guard.windows[key][:0]
	for _, seen := range guard.windows[key] {
		if seen.After(cutoff) {
			kept = append(kept, seen)
		}
	}
	kept = append(kept, now)
	guard.windows[key] = kept

	count := len(kept)
	switch {
	case guard.config.BlockThreshold > 0 && count > guard.config.BlockThreshold:
		guard.blockedUntil[subjectID] = now.Add(guard.config.BlockDuration)
		return VerdictBlocked
	case guard.config.ChallengeThreshold > 0 && count > guard.config.ChallengeThreshold:
		return VerdictChallenge
	}
	return VerdictAllowed
}

// RecordDevice correlates an account acting through a device fingerprint and
// reports whether the device is flagged for review.
func (guard *Guard) RecordDevice(deviceID string, accountID string) bool {
	if deviceID == "" {
		return false
	}
	guard.mutex.Lock()
	defer guard.mutex.Unlock()
	now := guard.nowFn()
	cutoff := now.Add(-guard.config.Window)

	accounts := guard.deviceAccounts[deviceID]
	if accounts == nil {
		accounts = make(map[string]time.Time)
		guard.deviceAccounts[deviceID] = accounts
	}
	for seenAccount, lastSeen := range accounts {
		if !lastSeen.After(cutoff) {
			delete(accounts, seenAccount)
		}
	}
	accounts[accountID] = now

	if guard.config.DeviceAccountLimit > 0 && len(accounts) > guard.config.DeviceAccountLimit {
		guard.flaggedDevices[deviceID] = true
	}
	return guard.flaggedDevices[deviceID]
}

// DeviceFlagged reports whether a device fingerprint has been flagged.
func (guard *Guard) DeviceFlagged(deviceID string) bool {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()
	return guard.flaggedDevices[deviceID]
}
