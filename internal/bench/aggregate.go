package bench

import (
	"fmt"
	"time"
)

// Totals folds several runs into one line.
type Totals struct {
	Runs        int
	Failed      int
	Bytes       int64
	Elapsed     time.Duration
	MeanAvgMBps float64
	BestMBps    float64
	WorstMBps   float64
	Dropped     int
	Resent      int
}

// Aggregate combines runs; throughput figures only count intact runs.
func Aggregate(runs []Summary) Totals {
	t := Totals{Runs: len(runs)}
	var sum float64
	intact := 0
	for _, s := range runs {
		t.Bytes += s.Bytes
		t.Elapsed += s.Elapsed
		t.Dropped += s.Dropped
		t.Resent += s.Resent()
		if !s.Intact {
			t.Failed++
			continue
		}
		intact++
		sum += s.AvgMBps
		if s.AvgMBps > t.BestMBps {
			t.BestMBps = s.AvgMBps
		}
		if intact == 1 || s.AvgMBps < t.WorstMBps {
			t.WorstMBps = s.AvgMBps
		}
	}
	if intact > 0 {
		t.MeanAvgMBps = sum / float64(intact)
	}
	return t
}

func (t Totals) String() string {
	return fmt.Sprintf("runs=%d failed=%d bytes=%d mean=%.2fMiB/s best=%.2fMiB/s worst=%.2fMiB/s dropped=%d resent=%d",
		t.Runs, t.Failed, t.Bytes, t.MeanAvgMBps, t.BestMBps, t.WorstMBps, t.Dropped, t.Resent)
}
