package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/syncscreen/companion/bus"
)

// Component status values with connector-visible meaning. A component that
// has reported "initializing" but not yet "started" is pending initial
// setup, which widens the status coalescing window.
const (
	StatusInitializing = "initializing"
	StatusStarted      = "started"
)

type ConnectorSettings struct {
	// FallbackInterval is the polling period while the push transport is
	// not confirmed joined to its room.
	FallbackInterval time.Duration
	// ShortFallbackInterval is used right after a push disconnect or a
	// silent transport.
	ShortFallbackInterval time.Duration
	// ImmediateFallbackInterval is the probe scheduled after a status
	// flush, since a status change is likely to provoke a layout change.
	ImmediateFallbackInterval time.Duration
	// LivenessCheckDelay is how long after a room join to verify the
	// transport actually delivers events.
	LivenessCheckDelay time.Duration

	// StatusWindow is the status coalescing window, extended to
	// StatusWindowStartup while any component is pending initial setup.
	StatusWindow        time.Duration
	StatusWindowStartup time.Duration

	SetupRetryCount   int
	SetupRetryBackoff time.Duration
}

func DefaultConnectorSettings() *ConnectorSettings {
	return &ConnectorSettings{
		FallbackInterval:          10 * time.Second,
		ShortFallbackInterval:     2 * time.Second,
		ImmediateFallbackInterval: 100 * time.Millisecond,
		LivenessCheckDelay:        10 * time.Second,
		StatusWindow:              50 * time.Millisecond,
		StatusWindowStartup:       200 * time.Millisecond,
		SetupRetryCount:           5,
		SetupRetryBackoff:         time.Second,
	}
}

type ContextChangeFunction func(contextId string)
type DMAppChangeFunction func(dmAppId string)
type DMAppStateFunction func(doc *DMAppDoc)

type SetupOptions struct {
	// Reattach joins an existing remote context/application when one is
	// present instead of creating a new context.
	Reattach bool
	// Spec, when set, is the application to load after the context is
	// established.
	Spec *DMAppSpec
}

// Connector owns context and application membership, the push transport and
// its polling fallback, and the stuck-service diagnostics. Session state is
// exclusively owned here; the bus only observes it through the attached
// transports.
type Connector struct {
	ctx      context.Context
	api      *Api
	bus      *bus.Bus
	deviceId string
	settings *ConnectorSettings

	diagnostic *Diagnostic
	valve      *Valve

	mutex     sync.Mutex
	closed    bool
	contextId string
	dmAppId   string
	// per-entity last accepted server timestamp
	lastTimestamps map[string]float64

	push       *PushTransport
	eventsSeen bool

	fallbackTimer     *time.Timer
	fallbackDeadline  time.Time
	fallbackImmediate bool

	statusBatch    map[string]ComponentStatus
	statusOrder    []string
	statusTimer    *time.Timer
	statusDeadline time.Time
	startupPending map[string]bool

	contextChangeCallbacks *bus.CallbackList[ContextChangeFunction]
	dmAppChangeCallbacks   *bus.CallbackList[DMAppChangeFunction]
	dmAppStateCallbacks    *bus.CallbackList[DMAppStateFunction]
}

func NewConnectorWithDefaults(ctx context.Context, api *Api, b *bus.Bus, deviceId string) *Connector {
	return NewConnector(ctx, api, b, deviceId, DefaultConnectorSettings(), DefaultDiagnosticSettings())
}

func NewConnector(
	ctx context.Context,
	api *Api,
	b *bus.Bus,
	deviceId string,
	settings *ConnectorSettings,
	diagnosticSettings *DiagnosticSettings,
) *Connector {
	connector := &Connector{
		ctx:                    ctx,
		api:                    api,
		bus:                    b,
		deviceId:               deviceId,
		settings:               settings,
		valve:                  NewValve(),
		lastTimestamps:         map[string]float64{},
		statusBatch:            map[string]ComponentStatus{},
		startupPending:         map[string]bool{},
		contextChangeCallbacks: bus.NewCallbackList[ContextChangeFunction](),
		dmAppChangeCallbacks:   bus.NewCallbackList[DMAppChangeFunction](),
		dmAppStateCallbacks:    bus.NewCallbackList[DMAppStateFunction](),
	}
	connector.diagnostic = NewDiagnostic(api, diagnosticSettings)
	return connector
}

func (self *Connector) ContextId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.contextId
}

func (self *Connector) DMAppId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.dmAppId
}

// Valve exposes the deferral gate so collaborators can order work behind an
// in-flight context switch.
func (self *Connector) Valve() *Valve {
	return self.valve
}

func (self *Connector) Diagnostic() *Diagnostic {
	return self.diagnostic
}

// SetPushTransport wires the push transport into the connector and the bus.
// The transport becomes the bus's upstream binding while connected.
func (self *Connector) SetPushTransport(push *PushTransport) {
	self.mutex.Lock()
	self.push = push
	self.mutex.Unlock()

	push.AddConnectCallback(func() {
		if self.bus != nil {
			self.bus.AttachTransport(bus.UpstreamBinding, push)
		}
	})
	push.AddDisconnectCallback(func(reason string) {
		if self.bus != nil {
			self.bus.DetachTransport(bus.UpstreamBinding, push)
		}
		self.armFallback(self.settings.ShortFallbackInterval, false)
	})
	push.AddRoomJoinedCallback(func(room string) {
		self.onRoomJoined()
	})
	push.AddMessageCallback(func(text []byte) {
		if self.bus != nil {
			self.bus.HandleMessage(text)
		}
	})
	push.AddStateCallback(self.HandleStateEvent)
}

// CreateContext creates a new remote context and joins it.
func (self *Connector) CreateContext() (*ContextDoc, error) {
	return self.switchContext(func() (*ContextDoc, error) {
		return self.api.CreateContext()
	})
}

// JoinContext attaches to an existing remote context.
func (self *Connector) JoinContext(contextId string) (*ContextDoc, error) {
	return self.switchContext(func() (*ContextDoc, error) {
		return self.api.JoinContext(contextId)
	})
}

// switchContext serializes a structural change: queued operations are held
// by the valve while the remote join call is in flight.
func (self *Connector) switchContext(join func() (*ContextDoc, error)) (*ContextDoc, error) {
	self.valve.Close()
	defer self.valve.Open()

	// application membership can only exist inside a context
	self.mutex.Lock()
	self.dmAppId = ""
	self.mutex.Unlock()

	doc, err := join()
	if err != nil {
		self.maybeDiagnose(err, false)
		return nil, err
	}

	self.mutex.Lock()
	self.contextId = doc.ContextId
	self.lastTimestamps = map[string]float64{
		"context": doc.Timestamp,
	}
	push := self.push
	self.mutex.Unlock()

	if push != nil {
		push.JoinRoom(roomName(doc.ContextId, self.deviceId))
		// poll until the room join is acknowledged
		self.armFallback(self.settings.FallbackInterval, false)
	}

	for _, callback := range self.contextChangeCallbacks.Get() {
		callback(doc.ContextId)
	}
	return doc, nil
}

// LeaveContext leaves the joined context, implicitly leaving the
// application first. Local state is cleared even when the remote call
// fails.
func (self *Connector) LeaveContext() error {
	self.mutex.Lock()
	contextId := self.contextId
	dmAppId := self.dmAppId
	self.mutex.Unlock()

	if contextId == "" {
		return nil
	}

	var leaveErr error
	if dmAppId != "" {
		leaveErr = self.LeaveDMApp()
	}

	if err := self.api.LeaveContext(contextId); err != nil {
		self.maybeDiagnose(err, false)
		leaveErr = err
	}

	self.mutex.Lock()
	self.contextId = ""
	push := self.push
	self.mutex.Unlock()

	if push != nil {
		push.LeaveRoom()
	}
	self.cancelFallback()

	for _, callback := range self.contextChangeCallbacks.Get() {
		callback("")
	}
	return leaveErr
}

// JoinDMApp loads an application into the current context.
func (self *Connector) JoinDMApp(spec *DMAppSpec) (*DMAppDoc, error) {
	self.mutex.Lock()
	contextId := self.contextId
	self.mutex.Unlock()

	if contextId == "" {
		return nil, fmt.Errorf("no context joined")
	}

	doc, err := self.api.CreateDMApp(contextId, spec)
	if err != nil {
		self.maybeDiagnose(err, false)
		return nil, err
	}

	self.mutex.Lock()
	self.dmAppId = doc.DMAppId
	self.lastTimestamps["dmapp"] = doc.Timestamp
	self.mutex.Unlock()

	for _, callback := range self.dmAppChangeCallbacks.Get() {
		callback(doc.DMAppId)
	}
	return doc, nil
}

func (self *Connector) LeaveDMApp() error {
	self.mutex.Lock()
	contextId := self.contextId
	dmAppId := self.dmAppId
	self.mutex.Unlock()

	if dmAppId == "" {
		return nil
	}

	err := self.api.LeaveDMApp(contextId, dmAppId)
	if err != nil {
		self.maybeDiagnose(err, false)
	}

	self.mutex.Lock()
	self.dmAppId = ""
	self.mutex.Unlock()

	for _, callback := range self.dmAppChangeCallbacks.Get() {
		callback("")
	}
	return err
}

// Setup composes the join flow: reattach to an existing remote
// context/application when requested and present, else create a new context
// and load into it, under bounded retry with exponential backoff.
func (self *Connector) Setup(options *SetupOptions) error {
	backoff := self.settings.SetupRetryBackoff
	var lastErr error
	for i := 0; i < self.settings.SetupRetryCount; i += 1 {
		if 0 < i {
			select {
			case <-self.ctx.Done():
				return self.ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := self.setupOnce(options)
		if err == nil {
			return nil
		}
		lastErr = err
		glog.Warningf("[sc]setup attempt %d error = %s\n", i+1, err)
	}

	self.maybeDiagnose(lastErr, true)
	return lastErr
}

func (self *Connector) setupOnce(options *SetupOptions) error {
	if options.Reattach {
		contexts, err := self.api.ListContexts()
		if err != nil {
			return err
		}
		if 0 < len(contexts) {
			doc, err := self.JoinContext(contexts[0].ContextId)
			if err != nil {
				return err
			}
			if doc.DMAppId != "" {
				// an application is already loaded; adopt it
				self.mutex.Lock()
				self.dmAppId = doc.DMAppId
				self.mutex.Unlock()
				for _, callback := range self.dmAppChangeCallbacks.Get() {
					callback(doc.DMAppId)
				}
				return nil
			}
			if options.Spec != nil {
				_, err = self.JoinDMApp(options.Spec)
			}
			return err
		}
	}

	if _, err := self.CreateContext(); err != nil {
		return err
	}
	if options.Spec != nil {
		if _, err := self.JoinDMApp(options.Spec); err != nil {
			return err
		}
	}
	return nil
}

// RefreshState issues a full application state refresh and applies it under
// the staleness rule.
func (self *Connector) RefreshState() {
	self.mutex.Lock()
	contextId := self.contextId
	dmAppId := self.dmAppId
	self.mutex.Unlock()

	if contextId == "" || dmAppId == "" {
		return
	}

	self.api.GetDMAppAsync(contextId, dmAppId, NewApiCallback(func(doc *DMAppDoc, err error) {
		if err != nil {
			glog.Infof("[sc]refresh error = %s\n", err)
			self.maybeDiagnose(err, false)
			return
		}
		self.applyDMApp(doc)
	}))
}

func (self *Connector) applyDMApp(doc *DMAppDoc) {
	if !self.acceptTimestamp("dmapp", doc.Timestamp) {
		glog.V(1).Infof("[sc]drop stale dmapp state %f\n", doc.Timestamp)
		return
	}
	for _, callback := range self.dmAppStateCallbacks.Get() {
		callback(doc)
	}
}

// acceptTimestamp enforces monotonic-per-entity ordering, ties broken in
// favor of acceptance.
func (self *Connector) acceptTimestamp(entity string, timestamp float64) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	last, ok := self.lastTimestamps[entity]
	if ok && timestamp < last {
		return false
	}
	self.lastTimestamps[entity] = timestamp
	return true
}

// HandleStateEvent accepts a pushed layout/session change notification.
func (self *Connector) HandleStateEvent(entity string, timestamp float64, data map[string]any) {
	self.mutex.Lock()
	self.eventsSeen = true
	immediate := self.fallbackImmediate
	self.mutex.Unlock()

	// a state message supersedes any pending immediate probe
	if immediate {
		self.cancelFallback()
		self.reevaluateFallback()
	}

	if entity == "" {
		return
	}
	if !self.acceptTimestamp(entity, timestamp) {
		glog.V(1).Infof("[sc]drop stale %s state %f\n", entity, timestamp)
		return
	}

	if entity == "dmapp" {
		// partial update; pull the full document through the same path
		self.RefreshState()
	}
}

func (self *Connector) onRoomJoined() {
	self.mutex.Lock()
	self.eventsSeen = false
	push := self.push
	self.mutex.Unlock()

	self.cancelFallback()

	// detect a transport that connects but never delivers
	time.AfterFunc(self.settings.LivenessCheckDelay, func() {
		self.mutex.Lock()
		closed := self.closed
		eventsSeen := self.eventsSeen
		self.mutex.Unlock()

		if closed || push == nil || !push.Joined() {
			return
		}
		if !eventsSeen {
			glog.Infof("[sc]push transport silent after join, falling back to polling\n")
			self.armFallback(self.settings.ShortFallbackInterval, false)
		}
	})
}

// armFallback arms the polling fallback. Re-arming only shortens an already
// pending deadline, never lengthens it.
func (self *Connector) armFallback(after time.Duration, immediate bool) {
	deadline := time.Now().Add(after)

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}
	if self.fallbackTimer != nil {
		if self.fallbackDeadline.Before(deadline) {
			return
		}
		self.fallbackTimer.Stop()
	}
	self.fallbackDeadline = deadline
	self.fallbackImmediate = immediate
	self.fallbackTimer = time.AfterFunc(after, self.fallbackFired)
}

func (self *Connector) cancelFallback() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.fallbackTimer != nil {
		self.fallbackTimer.Stop()
		self.fallbackTimer = nil
	}
	self.fallbackImmediate = false
}

func (self *Connector) fallbackFired() {
	self.mutex.Lock()
	self.fallbackTimer = nil
	self.fallbackImmediate = false
	contextId := self.contextId
	dmAppId := self.dmAppId
	self.mutex.Unlock()

	if contextId != "" && dmAppId != "" {
		self.RefreshState()
	}
	self.reevaluateFallback()
}

// reevaluateFallback re-arms the fallback when the push transport is still
// not confirmed joined.
func (self *Connector) reevaluateFallback() {
	self.mutex.Lock()
	push := self.push
	contextId := self.contextId
	self.mutex.Unlock()

	if contextId == "" {
		return
	}
	if push == nil || !push.Joined() {
		self.armFallback(self.settings.FallbackInterval, false)
	}
}

// UpdateStatus coalesces a status update for a locally hosted component.
// Updates within the window are merged by component identity and flushed as
// one batched call.
func (self *Connector) UpdateStatus(status ComponentStatus) {
	self.valve.Do(func() {
		self.queueStatus(status)
	})
}

func (self *Connector) queueStatus(status ComponentStatus) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}

	if _, ok := self.statusBatch[status.ComponentId]; !ok {
		self.statusOrder = append(self.statusOrder, status.ComponentId)
	}
	self.statusBatch[status.ComponentId] = status

	switch status.Status {
	case StatusInitializing:
		self.startupPending[status.ComponentId] = true
	case StatusStarted:
		delete(self.startupPending, status.ComponentId)
	}

	window := self.settings.StatusWindow
	if 0 < len(self.startupPending) {
		window = self.settings.StatusWindowStartup
	}
	deadline := time.Now().Add(window)
	if self.statusTimer == nil {
		self.statusDeadline = deadline
		self.statusTimer = time.AfterFunc(window, self.flushStatus)
	} else if 0 < len(self.startupPending) && self.statusDeadline.Before(deadline) {
		// a unit entering setup widens an already pending window
		self.statusTimer.Stop()
		self.statusDeadline = deadline
		self.statusTimer = time.AfterFunc(window, self.flushStatus)
	}
}

func (self *Connector) flushStatus() {
	self.mutex.Lock()
	self.statusTimer = nil
	statuses := make([]ComponentStatus, 0, len(self.statusOrder))
	for _, componentId := range self.statusOrder {
		statuses = append(statuses, self.statusBatch[componentId])
	}
	self.statusBatch = map[string]ComponentStatus{}
	self.statusOrder = nil
	contextId := self.contextId
	dmAppId := self.dmAppId
	self.mutex.Unlock()

	if contextId == "" || dmAppId == "" || len(statuses) == 0 {
		return
	}

	if err := self.api.PostStatusBatch(contextId, dmAppId, statuses); err != nil {
		glog.Infof("[sc]status batch error = %s, resubmitting individually\n", err)
		for _, status := range statuses {
			if err := self.api.PostStatusBatch(contextId, dmAppId, []ComponentStatus{status}); err != nil {
				glog.Infof("[sc]status %s error = %s\n", status.ComponentId, err)
			}
		}
		self.maybeDiagnose(err, false)
	}

	// a status change is likely to provoke a layout change server-side
	self.armFallback(self.settings.ImmediateFallbackInterval, true)
}

func (self *Connector) maybeDiagnose(err error, escalated bool) {
	if !isNoStatusError(err) {
		return
	}
	self.mutex.Lock()
	contextId := self.contextId
	self.mutex.Unlock()

	go self.diagnostic.run(contextId, escalated)
}

func (self *Connector) AddContextChangeCallback(callback ContextChangeFunction) func() {
	return self.contextChangeCallbacks.Add(callback)
}

func (self *Connector) AddDMAppChangeCallback(callback DMAppChangeFunction) func() {
	return self.dmAppChangeCallbacks.Add(callback)
}

func (self *Connector) AddDMAppStateCallback(callback DMAppStateFunction) func() {
	return self.dmAppStateCallbacks.Add(callback)
}

func (self *Connector) Close() {
	self.mutex.Lock()
	self.closed = true
	if self.fallbackTimer != nil {
		self.fallbackTimer.Stop()
		self.fallbackTimer = nil
	}
	if self.statusTimer != nil {
		self.statusTimer.Stop()
		self.statusTimer = nil
	}
	self.mutex.Unlock()
}

func roomName(contextId string, deviceId string) string {
	return contextId + "." + deviceId
}
