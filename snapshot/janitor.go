package snapshot

import (
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
)

// A Janitor applies a retention policy to a Backend in the background. It
// runs a cleanup as soon as it starts and then once every interval until
// Stop is called.
type Janitor struct {
	b             Backend
	retentionDays int
	interval      time.Duration
	clk           clock.Clock

	done chan struct{} // closed by Stop
	wg   sync.WaitGroup

	m    sync.Mutex // protects below
	runs int
	last *CleanupReport
}

// StartJanitor starts a Janitor for b. If interval is zero or less only the
// initial cleanup is performed. A nil clk means the wall clock.
func StartJanitor(b Backend, retentionDays int, interval time.Duration, clk clock.Clock) *Janitor {
	if clk == nil {
		clk = clock.New()
	}
	j := &Janitor{
		b:             b,
		retentionDays: retentionDays,
		interval:      interval,
		clk:           clk,
		done:          make(chan struct{}),
	}
	j.wg.Add(1)
	go j.background()
	return j
}

// Stop ends the background goroutine and waits for it to exit. A cleanup
// already in progress runs to completion first.
func (j *Janitor) Stop() {
	close(j.done)
	j.wg.Wait()
}

// Runs returns how many cleanups have finished and the report of the most
// recent successful one.
func (j *Janitor) Runs() (int, *CleanupReport) {
	j.m.Lock()
	defer j.m.Unlock()
	return j.runs, j.last
}

func (j *Janitor) background() {
	defer j.wg.Done()
	if j.interval <= 0 {
		j.runOnce()
		<-j.done
		return
	}
	// create the ticker before the first run so no tick is lost
	t := j.clk.Ticker(j.interval)
	defer t.Stop()
	j.runOnce()
	for {
		select {
		case <-j.done:
			return
		case <-t.C:
			j.runOnce()
		}
	}
}

func (j *Janitor) runOnce() {
	report, err := j.b.Cleanup(j.retentionDays)
	if err != nil {
		log.Println("janitor:", err)
		raven.CaptureError(err, map[string]string{
			"RetentionDays": strconv.Itoa(j.retentionDays),
		})
	} else if len(report.Removed) > 0 || len(report.Skipped) > 0 {
		log.Printf("janitor: removed %d snapshots, skipped %d",
			len(report.Removed), len(report.Skipped))
	}
	j.m.Lock()
	j.runs++
	if err == nil {
		j.last = report
	}
	j.m.Unlock()
}
