package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/piworks/agentsched/internal/model"
)

// FileSummary aggregates the task_completion records persisted under a
// metrics directory. Used by the CLI to report on past runs without a
// live collector.
type FileSummary struct {
	Files               int
	Records             int
	TotalTasksCompleted int
	SuccessRate         float64
	AvgWait             time.Duration
	P50Wait             time.Duration
	P99Wait             time.Duration
	AvgExec             time.Duration
	P50Exec             time.Duration
	P99Exec             time.Duration
	Preemptions         int
	WorkSteals          int
	RateLimitHits       int
	ByProvider          map[string]GroupStats
	ByPriority          map[model.Priority]GroupStats
	First               time.Time
	Last                time.Time
}

// SummarizeDir reads every scheduler-metrics-*.jsonl file in dir, skipping
// unparseable lines the way the checkpoint scanner skips malformed files.
// A non-zero period restricts the summary to records newer than now-period.
func SummarizeDir(dir string, period time.Duration) (FileSummary, error) {
	var cutoff time.Time
	if period > 0 {
		cutoff = time.Now().Add(-period)
	}
	sum := FileSummary{
		ByProvider: make(map[string]GroupStats),
		ByPriority: make(map[model.Priority]GroupStats),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return sum, fmt.Errorf("read metrics dir: %w", err)
	}

	var waits, execs []time.Duration
	succeeded, eligible := 0, 0
	provCounts := make(map[string]*groupAccum)
	prioCounts := make(map[model.Priority]*groupAccum)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.Contains(name, fileExtension) {
			continue
		}
		sum.Files++

		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var r record
			if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
				continue
			}
			if !cutoff.IsZero() && r.Timestamp.Before(cutoff) {
				continue
			}
			sum.Records++
			if sum.First.IsZero() || r.Timestamp.Before(sum.First) {
				sum.First = r.Timestamp
			}
			if r.Timestamp.After(sum.Last) {
				sum.Last = r.Timestamp
			}

			switch r.Type {
			case TypeTaskCompletion:
				sum.TotalTasksCompleted++
				waits = append(waits, time.Duration(r.WaitMs)*time.Millisecond)
				execs = append(execs, time.Duration(r.ExecMs)*time.Millisecond)
				ok := r.Success != nil && *r.Success
				if !r.Aborted {
					eligible++
					if ok {
						succeeded++
					}
				}

				pa := provCounts[r.Provider]
				if pa == nil {
					pa = &groupAccum{}
					provCounts[r.Provider] = pa
				}
				pa.add(ok, r.Aborted, time.Duration(r.ExecMs)*time.Millisecond)

				if prio, err := model.ParsePriority(r.Priority); err == nil {
					ra := prioCounts[prio]
					if ra == nil {
						ra = &groupAccum{}
						prioCounts[prio] = ra
					}
					ra.add(ok, r.Aborted, time.Duration(r.ExecMs)*time.Millisecond)
				}
			case TypePreemption:
				sum.Preemptions++
			case TypeWorkSteal:
				sum.WorkSteals++
			case TypeRateLimitHit:
				sum.RateLimitHits++
			}
		}
		f.Close()
	}

	if eligible > 0 {
		sum.SuccessRate = float64(succeeded) / float64(eligible)
	}
	sum.AvgWait = average(waits)
	sum.P50Wait = percentile(waits, 50)
	sum.P99Wait = percentile(waits, 99)
	sum.AvgExec = average(execs)
	sum.P50Exec = percentile(execs, 50)
	sum.P99Exec = percentile(execs, 99)

	for prov, acc := range provCounts {
		sum.ByProvider[prov] = acc.stats()
	}
	for prio, acc := range prioCounts {
		sum.ByPriority[prio] = acc.stats()
	}
	return sum, nil
}

type groupAccum struct {
	count     int
	succeeded int
	eligible  int
	totalExec time.Duration
}

func (g *groupAccum) add(ok, aborted bool, exec time.Duration) {
	g.count++
	g.totalExec += exec
	if !aborted {
		g.eligible++
		if ok {
			g.succeeded++
		}
	}
}

func (g *groupAccum) stats() GroupStats {
	gs := GroupStats{Count: g.count}
	if g.eligible > 0 {
		gs.SuccessRate = float64(g.succeeded) / float64(g.eligible)
	}
	if g.count > 0 {
		gs.AvgExec = g.totalExec / time.Duration(g.count)
	}
	return gs
}
