// Package balancer selects which upstream handles the next request for a
// service family and tracks per-upstream health via a failure-threshold
// circuit breaker with auto-reset and manual daily disable.
package balancer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Mode selects how Select picks among the upstream pool.
type Mode string

const (
	ActiveFirst Mode = "active-first"
	WeightBased Mode = "weight-based"
)

// ServiceState is the per-service-family circuit-breaker bookkeeping.
type ServiceState struct {
	FailureThreshold  uint               `json:"failureThreshold"`
	AutoResetMinutes  uint               `json:"autoResetMinutes"`
	CurrentFailures   map[string]uint    `json:"currentFailures"`
	ExcludedUpstreams []string           `json:"excludedConfigs"`
	ExcludedAt        map[string]float64 `json:"excludedTimestamps"`
	ManualDisabled    map[string]string  `json:"manualDisabledUntil"` // name -> "YYYY-MM-DD"
}

func newServiceState(failureThreshold, autoResetMinutes uint) *ServiceState {
	return &ServiceState{
		FailureThreshold:  failureThreshold,
		AutoResetMinutes:  autoResetMinutes,
		CurrentFailures:   map[string]uint{},
		ExcludedUpstreams: []string{},
		ExcludedAt:        map[string]float64{},
		ManualDisabled:    map[string]string{},
	}
}

// State is the full durable document: one ServiceState per service family.
type State struct {
	Mode     Mode                     `json:"mode"`
	Services map[string]*ServiceState `json:"services"`
}

// Balancer is a mutex-guarded, mtime-watched JSON state file plus the
// selection and failure-recording logic that reads and mutates it.
type Balancer struct {
	mu               sync.Mutex
	path             string
	state            State
	lastModified     time.Time
	failureThreshold uint
	autoResetMinutes uint

	now func() time.Time
}

// Open loads (or creates) the balancer state file at path. failureThreshold
// and autoResetMinutes seed any service family encountered for the first
// time.
func Open(path string, failureThreshold, autoResetMinutes uint) (*Balancer, error) {
	b := &Balancer{
		path:             path,
		state:            State{Mode: ActiveFirst, Services: map[string]*ServiceState{}},
		failureThreshold: failureThreshold,
		autoResetMinutes: autoResetMinutes,
		now:              time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("balancer: create dir: %w", err)
	}
	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

// SetMode overrides the selection mode (default ActiveFirst).
func (b *Balancer) SetMode(m Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Mode = m
	return b.saveLocked()
}

func (b *Balancer) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Mode
}

func (b *Balancer) loadLocked() error {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			b.lastModified = time.Time{}
			return nil
		}
		return fmt.Errorf("balancer: read %s: %w", b.path, err)
	}

	var state State
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &state); err != nil {
			// Corrupt state file is treated as absent, matching the
			// teacher-original's warn-and-default behavior.
			state = State{Mode: ActiveFirst, Services: map[string]*ServiceState{}}
		}
	}
	if state.Services == nil {
		state.Services = map[string]*ServiceState{}
	}
	if state.Mode == "" {
		state.Mode = ActiveFirst
	}
	b.state = state

	if info, err := os.Stat(b.path); err == nil {
		b.lastModified = info.ModTime()
	}
	return nil
}

// checkAndReload reloads the state file from disk if it changed since the
// last read, so multiple processes sharing the same file stay in sync.
func (b *Balancer) checkAndReload() {
	info, err := os.Stat(b.path)
	if err != nil {
		return
	}
	if info.ModTime().After(b.lastModified) {
		_ = b.loadLocked()
	}
}

func (b *Balancer) serviceLocked(service string) *ServiceState {
	ss, ok := b.state.Services[service]
	if !ok {
		ss = newServiceState(b.failureThreshold, b.autoResetMinutes)
		b.state.Services[service] = ss
	}
	return ss
}

// Select returns the upstream name to use for the next request against
// service, given the currently active upstream and the full weighted pool.
func (b *Balancer) Select(service, activeName string, pool map[string]float64) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkAndReload()
	ss := b.serviceLocked(service)

	b.applyAutoReset(ss)
	b.cleanupManualDisabled(ss)

	switch b.state.Mode {
	case WeightBased:
		return selectWeighted(activeName, pool, ss, b.today())
	default:
		return activeName
	}
}

func selectWeighted(activeName string, pool map[string]float64, ss *ServiceState, today string) string {
	if len(pool) == 0 {
		return activeName
	}

	names := make([]string, 0, len(pool))
	for name := range pool {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		wi, wj := pool[names[i]], pool[names[j]]
		if wi != wj {
			return wi > wj
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		if ss.CurrentFailures[name] >= ss.FailureThreshold && ss.FailureThreshold > 0 {
			continue
		}
		if containsStr(ss.ExcludedUpstreams, name) {
			continue
		}
		if disabledUntil, ok := ss.ManualDisabled[name]; ok && disabledUntil == today {
			continue
		}
		return name
	}

	if _, ok := pool[activeName]; ok {
		return activeName
	}
	return names[0]
}

// Record updates the circuit-breaker state for name within service following
// a completed request, then writes the state back to disk.
func (b *Balancer) Record(service, name string, success bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkAndReload()
	ss := b.serviceLocked(service)
	b.applyAutoReset(ss)
	b.cleanupManualDisabled(ss)

	if success {
		ss.CurrentFailures[name] = 0
		ss.ExcludedUpstreams = removeStr(ss.ExcludedUpstreams, name)
		delete(ss.ExcludedAt, name)
	} else {
		ss.CurrentFailures[name]++
		if ss.FailureThreshold > 0 && ss.CurrentFailures[name] >= ss.FailureThreshold {
			if !containsStr(ss.ExcludedUpstreams, name) {
				ss.ExcludedUpstreams = append(ss.ExcludedUpstreams, name)
				ss.ExcludedAt[name] = float64(b.now().UnixNano()) / 1e9
			}
		}
	}

	return b.saveLocked()
}

// SetManualDisable excludes name from selection for the remainder of date
// ("YYYY-MM-DD"). Per the resolved Open Question on future-dated disables,
// only today's date is accepted — this is a same-day pause, not a schedule.
func (b *Balancer) SetManualDisable(service, name, date string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	today := b.today()
	if date != today {
		return fmt.Errorf("balancer: manual disable date must be today (%s), got %q", today, date)
	}

	ss := b.serviceLocked(service)
	ss.ManualDisabled[name] = date
	return b.saveLocked()
}

// ClearManualDisable re-enables name immediately.
func (b *Balancer) ClearManualDisable(service, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ss := b.serviceLocked(service)
	delete(ss.ManualDisabled, name)
	return b.saveLocked()
}

// Snapshot returns a deep-enough copy of a service's state for status APIs.
func (b *Balancer) Snapshot(service string) ServiceState {
	b.mu.Lock()
	defer b.mu.Unlock()

	ss := b.serviceLocked(service)
	out := ServiceState{
		FailureThreshold:  ss.FailureThreshold,
		AutoResetMinutes:  ss.AutoResetMinutes,
		CurrentFailures:   map[string]uint{},
		ExcludedUpstreams: append([]string{}, ss.ExcludedUpstreams...),
		ExcludedAt:        map[string]float64{},
		ManualDisabled:    map[string]string{},
	}
	for k, v := range ss.CurrentFailures {
		out.CurrentFailures[k] = v
	}
	for k, v := range ss.ExcludedAt {
		out.ExcludedAt[k] = v
	}
	for k, v := range ss.ManualDisabled {
		out.ManualDisabled[k] = v
	}
	return out
}

func (b *Balancer) applyAutoReset(ss *ServiceState) {
	if ss.AutoResetMinutes == 0 {
		return
	}
	now := float64(b.now().UnixNano()) / 1e9
	resetAfter := float64(ss.AutoResetMinutes) * 60.0

	var toReset []string
	for _, name := range ss.ExcludedUpstreams {
		if ts, ok := ss.ExcludedAt[name]; ok && now-ts >= resetAfter {
			toReset = append(toReset, name)
		}
	}
	for _, name := range toReset {
		ss.ExcludedUpstreams = removeStr(ss.ExcludedUpstreams, name)
		delete(ss.ExcludedAt, name)
		ss.CurrentFailures[name] = 0
	}
}

func (b *Balancer) cleanupManualDisabled(ss *ServiceState) {
	today := b.today()
	for name, until := range ss.ManualDisabled {
		if until != today {
			delete(ss.ManualDisabled, name)
		}
	}
}

func (b *Balancer) today() string {
	return b.now().UTC().Format("2006-01-02")
}

func (b *Balancer) saveLocked() error {
	buf, err := json.MarshalIndent(b.state, "", "  ")
	if err != nil {
		return fmt.Errorf("balancer: marshal: %w", err)
	}
	if err := os.WriteFile(b.path, buf, 0o644); err != nil {
		return fmt.Errorf("balancer: write %s: %w", b.path, err)
	}
	if info, err := os.Stat(b.path); err == nil {
		b.lastModified = info.ModTime()
	}
	return nil
}

func containsStr(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

func removeStr(list []string, item string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
