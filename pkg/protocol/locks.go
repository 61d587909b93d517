package protocol

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DeviceLocks serializes operations per endpoint. The gateway only uses it
// when exclusive device access is configured; without it two requests for
// the same socket endpoint may interleave on the wire.
type DeviceLocks struct {
	mutex sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	sem     chan struct{}
	waiting int
}

// NewDeviceLocks creates an empty lock table
func NewDeviceLocks() *DeviceLocks {
	return &DeviceLocks{
		locks: make(map[string]*deviceLock),
	}
}

// Acquire blocks until the endpoint is free and returns the release func
func (dl *DeviceLocks) Acquire(key string) func() {
	dl.mutex.Lock()
	l, exists := dl.locks[key]
	if !exists {
		l = &deviceLock{sem: make(chan struct{}, 1)}
		dl.locks[key] = l
	}
	l.waiting++
	dl.mutex.Unlock()

	start := time.Now()
	l.sem <- struct{}{}
	if waited := time.Since(start); waited > 10*time.Millisecond {
		log.Debugf("Waited %v for exclusive access to %s", waited, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem

			dl.mutex.Lock()
			l.waiting--
			if l.waiting == 0 {
				delete(dl.locks, key)
			}
			dl.mutex.Unlock()
		})
	}
}

// GetStats returns statistics about the lock table
func (dl *DeviceLocks) GetStats() map[string]interface{} {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	busy := make(map[string]int, len(dl.locks))
	for key, l := range dl.locks {
		busy[key] = l.waiting
	}
	return map[string]interface{}{
		"devices": busy,
	}
}
