package buffer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dripper calls Tick on a fixed cadence. It parks while the overflow is empty and wakes
// on the next signal from Buffer.Ready.
type Dripper struct {
	buf      *Buffer
	interval time.Duration
	logger   *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewDripper(buf *Buffer, interval time.Duration, logger *zap.Logger) *Dripper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dripper{
		buf:      buf,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *Dripper) Start() {
	d.startOnce.Do(func() { go d.run() })
}

// Stop halts the drip and returns once no further Tick can happen.
func (d *Dripper) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.startOnce.Do(func() { close(d.done) }) // never started
	<-d.done
}

func (d *Dripper) run() {
	defer close(d.done)

	timer := time.NewTimer(d.interval)
	defer timer.Stop()

	for {
		if d.buf.OverflowLen() == 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			d.logger.Debug("drip paused")
			select {
			case <-d.buf.Ready():
				d.logger.Debug("drip resumed")
				timer.Reset(d.interval)
			case <-d.stop:
				return
			}
			continue
		}

		select {
		case <-timer.C:
			d.buf.Tick()
			timer.Reset(d.interval)
		case <-d.stop:
			return
		}
	}
}
