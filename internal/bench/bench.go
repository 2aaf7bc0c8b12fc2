package bench

import (
	"fmt"
	"time"
)

const mib = 1024 * 1024

// Recorder tracks throughput of one benchmark run from cumulative byte counts.
type Recorder struct {
	start     time.Time
	last      time.Time
	lastBytes int64
	ewma      float64
	peak      float64
	firstAck  time.Duration
	gotFirst  bool
}

type Snapshot struct {
	Bytes    int64
	Total    int64
	Elapsed  time.Duration
	InstMBps float64
	EwmaMBps float64
	AvgMBps  float64
	PeakMBps float64
	ETA      time.Duration
	// FirstAck is the delay until the first acknowledged byte.
	FirstAck time.Duration
	GotFirst bool
}

// Summary is the outcome of one run.
type Summary struct {
	Bytes    int64
	Elapsed  time.Duration
	AvgMBps  float64
	PeakMBps float64
	FirstAck time.Duration

	Chunks  int
	Frames  int
	Dropped int
	Intact  bool
}

// Resent is the number of chunk frames sent beyond the first pass.
func (s Summary) Resent() int {
	if s.Frames <= s.Chunks {
		return 0
	}
	return s.Frames - s.Chunks
}

func (s Summary) String() string {
	return fmt.Sprintf("%d bytes in %s avg=%.2fMiB/s peak=%.2fMiB/s first_ack=%s chunks=%d dropped=%d resent=%d intact=%t",
		s.Bytes, s.Elapsed.Round(time.Millisecond), s.AvgMBps, s.PeakMBps, s.FirstAck.Round(time.Millisecond),
		s.Chunks, s.Dropped, s.Resent(), s.Intact)
}

// NewRecorder starts a recorder at now.
func NewRecorder(now time.Time) *Recorder {
	return &Recorder{start: now, last: now}
}

func (r *Recorder) Tick(now time.Time, bytesNow, totalBytes int64) Snapshot {
	elapsed := now.Sub(r.start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	delta := bytesNow - r.lastBytes
	if delta < 0 {
		delta = 0
	}
	dt := now.Sub(r.last)
	if dt <= 0 {
		dt = time.Millisecond
	}
	inst := float64(delta) / dt.Seconds() / mib
	if r.ewma == 0 {
		r.ewma = inst
	} else {
		r.ewma = 0.2*inst + 0.8*r.ewma
	}
	if inst > r.peak {
		r.peak = inst
	}
	if !r.gotFirst && bytesNow > 0 {
		r.gotFirst = true
		r.firstAck = now.Sub(r.start)
	}
	eta := time.Duration(0)
	if totalBytes > 0 && r.ewma > 0 {
		remaining := totalBytes - bytesNow
		if remaining < 0 {
			remaining = 0
		}
		eta = time.Duration(float64(remaining) / (r.ewma * mib) * float64(time.Second))
	}

	r.last = now
	r.lastBytes = bytesNow

	return Snapshot{
		Bytes:    bytesNow,
		Total:    totalBytes,
		Elapsed:  elapsed,
		InstMBps: inst,
		EwmaMBps: r.ewma,
		AvgMBps:  float64(bytesNow) / elapsed.Seconds() / mib,
		PeakMBps: r.peak,
		ETA:      eta,
		FirstAck: r.firstAck,
		GotFirst: r.gotFirst,
	}
}

// Final closes the run at now with the delivered byte count.
func (r *Recorder) Final(now time.Time, bytes int64) Summary {
	snap := r.Tick(now, bytes, bytes)
	return Summary{
		Bytes:    snap.Bytes,
		Elapsed:  snap.Elapsed,
		AvgMBps:  snap.AvgMBps,
		PeakMBps: snap.PeakMBps,
		FirstAck: snap.FirstAck,
	}
}
