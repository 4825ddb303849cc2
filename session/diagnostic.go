package session

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/syncscreen/companion/bus"
)

type AlarmFunction func(finding string)

type DiagnosticSettings struct {
	// ProbeTimeout bounds each individual probe request.
	ProbeTimeout time.Duration
	// PassInterval is the dedupe window; a completed pass suppresses
	// further passes for this long unless escalated.
	PassInterval time.Duration
	// EnableWriteProbe issues a state-mutating probe in addition to the
	// read probes. Off by default since it creates server-side garbage.
	EnableWriteProbe bool
}

func DefaultDiagnosticSettings() *DiagnosticSettings {
	return &DiagnosticSettings{
		ProbeTimeout:     5 * time.Second,
		PassInterval:     2 * time.Minute,
		EnableWriteProbe: false,
	}
}

// Diagnostic probes the session service when calls start failing without an
// HTTP status, to separate "service down" from "service up but stuck". A
// confirmed stuck service raises a sticky operator alarm that never
// self-clears.
type Diagnostic struct {
	api      *Api
	settings *DiagnosticSettings

	mutex        sync.Mutex
	running      bool
	lastPassTime time.Time
	alarmRaised  bool
	alarmFinding string

	alarmCallbacks *bus.CallbackList[AlarmFunction]
}

func NewDiagnostic(api *Api, settings *DiagnosticSettings) *Diagnostic {
	return &Diagnostic{
		api:            api,
		settings:       settings,
		alarmCallbacks: bus.NewCallbackList[AlarmFunction](),
	}
}

// run executes one diagnostic pass. At most one pass runs at a time, and
// completed passes suppress new ones for PassInterval unless escalated.
func (self *Diagnostic) run(contextId string, escalated bool) {
	self.mutex.Lock()
	if self.running {
		self.mutex.Unlock()
		return
	}
	if !escalated && time.Now().Sub(self.lastPassTime) < self.settings.PassInterval {
		self.mutex.Unlock()
		return
	}
	self.running = true
	self.mutex.Unlock()

	finding := self.pass(contextId)

	self.mutex.Lock()
	self.running = false
	self.lastPassTime = time.Now()
	self.mutex.Unlock()

	if finding != "" {
		self.raiseAlarm(finding)
	}
}

// pass runs the probe ladder and returns the finding, or "" when the
// service looks healthy or merely unreachable.
func (self *Diagnostic) pass(contextId string) string {
	// a service that does not accept connections is down, which a retry
	// handles; the alarm is reserved for confirmed stuck
	if err := self.api.reach(self.settings.ProbeTimeout); err != nil {
		glog.Warningf("[diag]service unreachable = %s\n", err)
		return ""
	}

	// read probe against the collection endpoint
	err := self.api.probe("GET", "context", self.settings.ProbeTimeout)
	if err == nil {
		glog.Infof("[diag]read probe ok\n")
	} else if isStuckError(err) {
		// no HTTP status within the full timeout: the service accepted
		// the connection but produced nothing, which is the stuck
		// signature
		glog.Warningf("[diag]read probe timed out with no status = %s\n", err)
		return "session service accepts connections but does not respond"
	} else if isNoStatusError(err) {
		// connection fault mid-pass, treat as down
		glog.Warningf("[diag]read probe connection fault = %s\n", err)
		return ""
	} else {
		// an error status is still a live service
		glog.Infof("[diag]read probe status error = %s\n", err)
	}

	if contextId != "" {
		err := self.api.probe("GET", "context/"+contextId, self.settings.ProbeTimeout)
		if err == nil {
			glog.Infof("[diag]context probe ok\n")
		} else if isStuckError(err) {
			glog.Warningf("[diag]context probe timed out with no status = %s\n", err)
			return "session service does not respond for joined context"
		} else if isNoStatusError(err) {
			glog.Warningf("[diag]context probe connection fault = %s\n", err)
			return ""
		} else {
			glog.Infof("[diag]context probe status error = %s\n", err)
		}
	}

	if self.settings.EnableWriteProbe {
		err := self.api.probe("POST", "context", self.settings.ProbeTimeout)
		if err == nil {
			glog.Infof("[diag]write probe ok\n")
		} else if isStuckError(err) {
			glog.Warningf("[diag]write probe timed out with no status = %s\n", err)
			return "session service does not respond to writes"
		} else if isNoStatusError(err) {
			glog.Warningf("[diag]write probe connection fault = %s\n", err)
			return ""
		} else {
			glog.Infof("[diag]write probe status error = %s\n", err)
		}
	}

	return ""
}

// isStuckError reports whether a probe failure carries the stuck signature:
// no HTTP status and the request ran to its full timeout.
func isStuckError(err error) bool {
	return isNoStatusError(err) && isTimeoutError(err)
}

// raiseAlarm latches the alarm. It stays raised for the life of the
// process; recovering requires operator attention, not a retry.
func (self *Diagnostic) raiseAlarm(finding string) {
	self.mutex.Lock()
	alreadyRaised := self.alarmRaised
	self.alarmRaised = true
	self.alarmFinding = finding
	self.mutex.Unlock()

	if alreadyRaised {
		return
	}

	glog.Errorf("[diag]stuck service alarm: %s\n", finding)
	for _, callback := range self.alarmCallbacks.Get() {
		callback(finding)
	}
}

func (self *Diagnostic) AlarmRaised() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.alarmRaised
}

func (self *Diagnostic) AlarmFinding() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.alarmFinding
}

func (self *Diagnostic) AddAlarmCallback(callback AlarmFunction) func() {
	return self.alarmCallbacks.Add(callback)
}
