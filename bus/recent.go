package bus

import (
	"sync"
	"time"
)

// recentSet records msgIds handled locally so duplicate inbound deliveries
// can be dropped without re-executing side effects. Entries expire
// individually after a fixed lifetime. The set is capacity-bounded: when
// full, the oldest entry is evicted early.
type recentSet struct {
	mutex    sync.Mutex
	expiry   time.Duration
	capacity int
	ids      map[string]time.Time
	// insertion order; with a fixed lifetime this is also expiry order
	order []string

	// replaceable for tests
	now func() time.Time
}

func newRecentSet(expiry time.Duration, capacity int) *recentSet {
	return &recentSet{
		expiry:   expiry,
		capacity: capacity,
		ids:      map[string]time.Time{},
		now:      time.Now,
	}
}

// checkAndAdd reports whether msgId was already seen within the lifetime,
// recording it if not.
func (self *recentSet) checkAndAdd(msgId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	now := self.now()
	self.expire(now)

	if deadline, ok := self.ids[msgId]; ok && now.Before(deadline) {
		return true
	}

	if _, ok := self.ids[msgId]; !ok {
		if self.capacity <= len(self.ids) {
			self.evictOldest()
		}
		self.order = append(self.order, msgId)
	}
	self.ids[msgId] = now.Add(self.expiry)
	return false
}

func (self *recentSet) expire(now time.Time) {
	for 0 < len(self.order) {
		msgId := self.order[0]
		deadline, ok := self.ids[msgId]
		if ok && now.Before(deadline) {
			return
		}
		self.order = self.order[1:]
		delete(self.ids, msgId)
	}
}

func (self *recentSet) evictOldest() {
	if len(self.order) == 0 {
		return
	}
	msgId := self.order[0]
	self.order = self.order[1:]
	delete(self.ids, msgId)
}

func (self *recentSet) size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.ids)
}
