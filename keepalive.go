package ftpclient

import (
	"sync"
	"time"
)

// keepalive sends NOOP after the control connection has been idle for
// timeout. A single goroutine sleeps until the deadline derived from the
// last activity, so any command or reply pushes the next NOOP back.
type keepalive struct {
	mu      sync.Mutex
	timeout time.Duration
	last    time.Time
	running bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// touch records control channel activity.
func (k *keepalive) touch() {
	k.mu.Lock()
	k.last = time.Now()
	k.mu.Unlock()
}

// setTimeout changes the idle timeout. A running loop recomputes its
// deadline from the last activity.
func (k *keepalive) setTimeout(d time.Duration) {
	k.mu.Lock()
	k.timeout = d
	wake := k.wake
	running := k.running
	k.mu.Unlock()
	if running {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

func (k *keepalive) isRunning() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}

// start launches the loop; ping is called whenever the deadline passes.
// It is a no-op when the loop is running or the timeout is zero.
func (k *keepalive) start(ping func()) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running || k.timeout <= 0 {
		return
	}
	k.running = true
	k.last = time.Now()
	k.wake = make(chan struct{}, 1)
	k.stop = make(chan struct{})
	k.done = make(chan struct{})
	go k.loop(ping, k.wake, k.stop, k.done)
}

// halt stops the loop and waits for it to exit. It must not be called from
// ping.
func (k *keepalive) halt() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	close(k.stop)
	done := k.done
	k.mu.Unlock()
	<-done
}

// cancel stops the loop without waiting, so it is safe from any goroutine.
func (k *keepalive) cancel() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		k.running = false
		close(k.stop)
	}
}

func (k *keepalive) next() (time.Duration, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timeout <= 0 {
		return 0, false
	}
	return time.Until(k.last.Add(k.timeout)), true
}

func (k *keepalive) loop(ping func(), wake, stop, done chan struct{}) {
	defer close(done)
	for {
		wait, ok := k.next()
		if !ok {
			// Disabled: park until the timeout changes.
			select {
			case <-stop:
				return
			case <-wake:
				continue
			}
		}
		if wait <= 0 {
			select {
			case <-stop:
				return
			default:
			}
			ping()
			k.touch()
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
