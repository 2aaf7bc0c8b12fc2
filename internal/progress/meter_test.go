package progress

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeterRateAndRemaining(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })

	now = now.Add(1 * time.Second)
	snap := m.Update("t1", "a.bin", 2000, 1000)

	assert.Equal(t, "t1", snap.ID)
	assert.Equal(t, int64(1000), snap.BytesTransferred)
	assert.InDelta(t, 50.0, snap.Percentage, 0.001)
	assert.InDelta(t, 1000.0, snap.Speed, 0.001)
	assert.InDelta(t, 1.0, snap.TimeRemaining, 0.001)
	assert.Equal(t, time.Second, snap.ETA())
}

func TestMeterSpeedIsDeltaSinceLastUpdate(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })

	now = now.Add(1 * time.Second)
	m.Update("t1", "a.bin", 10000, 1000)

	now = now.Add(500 * time.Millisecond)
	snap := m.Update("t1", "a.bin", 10000, 3000)

	assert.InDelta(t, 4000.0, snap.Speed, 0.001)
	assert.InDelta(t, 7000.0/4000.0, snap.TimeRemaining, 0.001)
}

func TestMeterZeroElapsedUsesOneSecond(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })

	snap := m.Update("t1", "a.bin", 1000, 250)
	assert.InDelta(t, 250.0, snap.Speed, 0.001)
}

func TestMeterNoProgressIsInfiniteRemaining(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })

	now = now.Add(time.Second)
	snap := m.Update("t1", "a.bin", 1000, 0)

	assert.Zero(t, snap.Speed)
	assert.True(t, math.IsInf(snap.TimeRemaining, 1))
	assert.Zero(t, snap.ETA())
}

func TestMeterEmptyFileIsComplete(t *testing.T) {
	m := NewMeter()
	snap := m.Update("t1", "empty", 0, 0)
	assert.Equal(t, 100.0, snap.Percentage)
	assert.True(t, snap.Done())
}

func TestMeterStartResetsBaseline(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })

	now = now.Add(time.Second)
	m.Update("t1", "a.bin", 1000, 900)

	now = now.Add(time.Second)
	m.Start()
	require.Equal(t, now, m.StartedAt())

	now = now.Add(time.Second)
	snap := m.Update("t2", "b.bin", 1000, 100)
	assert.InDelta(t, 100.0, snap.Speed, 0.001)
}

func TestPrinterPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, "recv", time.Hour)

	p.Update(Snapshot{ID: "t1", FileName: "a.bin", FileSize: 100, BytesTransferred: 10, Percentage: 10, Speed: 2048, TimeRemaining: math.Inf(1)})
	p.Update(Snapshot{ID: "t1", FileName: "a.bin", FileSize: 100, BytesTransferred: 50, Percentage: 50})
	p.Update(Snapshot{ID: "t1", FileName: "a.bin", FileSize: 100, BytesTransferred: 100, Percentage: 100})
	p.Finish()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "rate=2 KB/s")
	assert.Contains(t, lines[0], "eta=--:--:--")
	assert.Contains(t, lines[1], "percent=100.00")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "00:01:05", formatETA(65*time.Second))
	assert.Equal(t, "--:--:--", formatETA(0))
	assert.Equal(t, "1.5 MB/s", formatRate(1.5*1024*1024))
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "[█████░░░░░]", renderBar(50, 10))
}
