package kv

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// alarmKey joins namespace and alarm id with a separator that cannot appear
// in namespace names.
func alarmKey(namespace, id string) string { return namespace + "\x00" + id }

func splitAlarmKey(key string) (namespace, id string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// alarmScheduler keeps the in-memory view of pending alarms and fires the
// registered handler when one comes due. Persistence of the alarm set is the
// owning driver's job; the scheduler only handles timing.
type alarmScheduler struct {
	mu     sync.Mutex
	alarms map[string]time.Time
	timer  *time.Timer
	fn     AlarmFunc
	closed bool
	logger *logrus.Entry
}

func newAlarmScheduler(logger *logrus.Entry) *alarmScheduler {
	return &alarmScheduler{
		alarms: make(map[string]time.Time),
		logger: logger,
	}
}

func (s *alarmScheduler) onAlarm(fn AlarmFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func (s *alarmScheduler) set(namespace, id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.alarms[alarmKey(namespace, id)] = at
	s.rescheduleLocked()
}

func (s *alarmScheduler) clear(namespace, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alarms, alarmKey(namespace, id))
	s.rescheduleLocked()
}

func (s *alarmScheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// rescheduleLocked arms the timer for the earliest pending alarm.
func (s *alarmScheduler) rescheduleLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.closed || len(s.alarms) == 0 {
		return
	}
	var earliest time.Time
	for _, at := range s.alarms {
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	d := time.Until(earliest)
	if d < 0 {
		d = 0
	}
	s.timer = time.AfterFunc(d, s.fire)
}

// fire dispatches every due alarm and re-arms the timer.
func (s *alarmScheduler) fire() {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	type due struct {
		ns, id string
		at     time.Time
	}
	var fired []due
	for key, at := range s.alarms {
		if !at.After(now) {
			ns, id := splitAlarmKey(key)
			fired = append(fired, due{ns: ns, id: id, at: at})
			delete(s.alarms, key)
		}
	}
	fn := s.fn
	s.rescheduleLocked()
	s.mu.Unlock()

	if fn == nil {
		if len(fired) > 0 && s.logger != nil {
			s.logger.Warn("alarms fired with no handler registered")
		}
		return
	}
	for _, d := range fired {
		fn(d.ns, d.id, d.at)
	}
}
