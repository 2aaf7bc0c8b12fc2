package progress

import (
	"math"
	"sync"
	"time"
)

// Snapshot is a point-in-time view of one transfer.
type Snapshot struct {
	ID               string
	FileName         string
	FileSize         int64
	BytesTransferred int64
	Percentage       float64
	// Speed is bytes per second over the interval since the previous snapshot.
	Speed float64
	// TimeRemaining is in seconds; +Inf while Speed is zero.
	TimeRemaining float64
}

// Done reports whether every byte of the file has been transferred.
func (s Snapshot) Done() bool {
	return s.BytesTransferred >= s.FileSize
}

// ETA converts TimeRemaining to a duration, 0 when unknown.
func (s Snapshot) ETA() time.Duration {
	if math.IsInf(s.TimeRemaining, 0) || math.IsNaN(s.TimeRemaining) || s.TimeRemaining < 0 {
		return 0
	}
	return time.Duration(s.TimeRemaining * float64(time.Second))
}

// Meter computes snapshots from the delta between consecutive byte counts.
type Meter struct {
	mu        sync.Mutex
	startedAt time.Time
	lastAt    time.Time
	lastBytes int64
	now       func() time.Time
}

// NewMeter returns a meter using the wall clock.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	m := &Meter{now: now}
	m.Start()
	return m
}

// Start resets the reference point to now and zero bytes.
func (m *Meter) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastBytes = 0
}

// StartedAt returns when the meter was last started.
func (m *Meter) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// Update records bytes as the new total and returns the derived snapshot.
func (m *Meter) Update(id, fileName string, fileSize, bytes int64) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	speed := float64(bytes-m.lastBytes) / elapsed

	snap := Snapshot{
		ID:               id,
		FileName:         fileName,
		FileSize:         fileSize,
		BytesTransferred: bytes,
		Speed:            speed,
		TimeRemaining:    math.Inf(1),
	}
	if fileSize > 0 {
		snap.Percentage = float64(bytes) / float64(fileSize) * 100
	} else {
		snap.Percentage = 100
	}
	if speed > 0 {
		remaining := fileSize - bytes
		if remaining < 0 {
			remaining = 0
		}
		snap.TimeRemaining = float64(remaining) / speed
	}

	m.lastAt = now
	m.lastBytes = bytes
	return snap
}
