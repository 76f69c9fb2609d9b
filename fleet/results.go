package fleet

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/rudelctl/ble"
	"github.com/user/rudelctl/transfer"
)

// Result is the terminal outcome of one job.
type Result struct {
	JobID    string
	Device   ble.DeviceInfo
	Kind     transfer.FailureKind // FailureNone on success
	Err      error
	Attempts int // sessions spent, including orchestrator-level resubmissions
	Duration time.Duration
}

// Ok reports whether the device reached Complete.
func (r Result) Ok() bool {
	return r.Kind == transfer.FailureNone
}

// Aggregator accumulates terminal job outcomes as they occur. It is
// pure accumulation: nothing here retries or reorders anything.
type Aggregator struct {
	mu      sync.Mutex
	results []Result
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Record stores one terminal outcome. Safe for concurrent use.
func (a *Aggregator) Record(r Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, r)
}

// Summary returns the immutable final tally. Call only after every job
// is terminal.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{
		Results: make([]Result, len(a.results)),
		ByKind:  make(map[transfer.FailureKind]int),
	}
	copy(s.Results, a.results)
	sort.Slice(s.Results, func(i, j int) bool {
		return s.Results[i].Device.Address < s.Results[j].Device.Address
	})
	for _, r := range s.Results {
		if r.Ok() {
			s.Succeeded++
		} else {
			s.Failed++
			s.ByKind[r.Kind]++
		}
	}
	return s
}

// Summary is the final fleet outcome.
type Summary struct {
	Results   []Result
	Succeeded int
	Failed    int
	ByKind    map[transfer.FailureKind]int
}

// Ok reports whether every device reached Complete. Drives the process
// exit status.
func (s Summary) Ok() bool {
	return s.Failed == 0
}

// Format renders one line per device plus a count line.
func (s Summary) Format() string {
	var b strings.Builder
	for _, r := range s.Results {
		name := r.Device.Name
		if name == "" {
			name = "(unnamed)"
		}
		if r.Ok() {
			fmt.Fprintf(&b, "%-20s %-24s ok (%.1fs, %d attempt(s))\n",
				r.Device.Address, name, r.Duration.Seconds(), r.Attempts)
		} else {
			fmt.Fprintf(&b, "%-20s %-24s FAILED: %s: %v\n",
				r.Device.Address, name, r.Kind, r.Err)
		}
	}
	fmt.Fprintf(&b, "%d succeeded, %d failed, %d total\n",
		s.Succeeded, s.Failed, len(s.Results))
	return b.String()
}
