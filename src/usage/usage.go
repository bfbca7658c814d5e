// Package usage polls the storage daemon for disk usage and quota and
// exposes the last-observed values to callers (e.g. a progress display).
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/thought-machine/plz-cas-cache/src/casd"
	"github.com/thought-machine/plz-cas-cache/src/cli/logging"
	"github.com/thought-machine/plz-cas-cache/src/internal/localcasproto"
)

var log = logging.Log

// TRefresh is how often the background poll runs.
const TRefresh = 5 * time.Second

// pollInterval is how often the stop flag is checked while sleeping.
const pollInterval = 100 * time.Millisecond

// Usage is a point-in-time snapshot of disk usage.
type Usage struct {
	UsedBytes   int64
	QuotaBytes  int64 // 0 means unbounded
	UsedPercent int
}

// String renders the usage the way a progress line would.
func (u Usage) String() string {
	if u.QuotaBytes == 0 {
		return humanize.Bytes(uint64(u.UsedBytes))
	}
	return humanize.Bytes(uint64(u.UsedBytes)) + " / " + humanize.Bytes(uint64(u.QuotaBytes))
}

// Monitor runs a background poll of the daemon's disk usage.
type Monitor struct {
	channel *casd.Channel

	mutex   sync.RWMutex
	current *Usage

	stopped int32
	done    chan struct{}
}

// NewMonitor returns a Monitor that has not yet started polling.
func NewMonitor(channel *casd.Channel) *Monitor {
	return &Monitor{channel: channel, done: make(chan struct{})}
}

// Start begins the background poll loop. It returns once the first poll has
// completed (successfully or not).
func (m *Monitor) Start() {
	first := make(chan struct{})
	go m.run(first)
	<-first
}

func (m *Monitor) run(first chan struct{}) {
	defer close(m.done)
	closedFirst := false
	for {
		u, err := m.poll()
		if err != nil {
			log.Debug("Disk usage poll failed, stopping: %s", err)
			if !closedFirst {
				close(first)
			}
			return
		}
		m.mutex.Lock()
		m.current = &u
		m.mutex.Unlock()
		if !closedFirst {
			close(first)
			closedFirst = true
		}
		if m.sleep(TRefresh) {
			return
		}
	}
}

// sleep waits for d, waking every pollInterval to check for a stop request;
// it returns true if a stop was observed.
func (m *Monitor) sleep(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&m.stopped) != 0 {
			return true
		}
		time.Sleep(pollInterval)
	}
	return atomic.LoadInt32(&m.stopped) != 0
}

func (m *Monitor) poll() (Usage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), TRefresh)
	defer cancel()
	data, err := m.channel.GetLocalDiskUsage(ctx)
	if err != nil {
		return Usage{}, err
	}
	resp, err := localcasproto.UnmarshalDiskUsageResponse(data)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{UsedBytes: resp.UsedBytes, QuotaBytes: resp.QuotaBytes}
	if resp.QuotaBytes > 0 {
		u.UsedPercent = int(100 * resp.UsedBytes / resp.QuotaBytes)
	}
	return u, nil
}

// Current returns the last observed usage, or nil if no poll has succeeded
// yet.
func (m *Monitor) Current() *Usage {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// Stop requests the background loop to exit; it does not block.
func (m *Monitor) Stop() {
	atomic.StoreInt32(&m.stopped, 1)
}

// Done returns a channel closed once the poll loop has exited.
func (m *Monitor) Done() <-chan struct{} { return m.done }
