package clocksync

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/syncscreen/companion/bus"
)

type HandshakeSettings struct {
	ReconnectTimeout   time.Duration
	WsHandshakeTimeout time.Duration
}

func DefaultHandshakeSettings() *HandshakeSettings {
	return &HandshakeSettings{
		ReconnectTimeout:   5 * time.Second,
		WsHandshakeTimeout: 10 * time.Second,
	}
}

// CiiReport is one content-identification stream message. Empty fields mean
// unchanged; the client merges reports into its current view.
type CiiReport struct {
	ContentId          string           `json:"contentId,omitempty"`
	ContentIdStatus    string           `json:"contentIdStatus,omitempty"`
	PresentationStatus string           `json:"presentationStatus,omitempty"`
	TimelineSyncUrl    string           `json:"timelineSyncUrl,omitempty"`
	Timelines          []TimelineOption `json:"timelines,omitempty"`
}

type TimelineOption struct {
	TimelineSelector string  `json:"timelineSelector"`
	UnitsPerSecond   float64 `json:"unitsPerSecond"`
	UnitsPerTick     float64 `json:"unitsPerTick"`
}

// tsSetup is sent once after the timeline stream opens.
type tsSetup struct {
	ContentIdStem    string `json:"contentIdStem"`
	TimelineSelector string `json:"timelineSelector"`
}

// tsReport is one timeline stream message.
type tsReport struct {
	Subtype string  `json:"subtype"`
	Speed   float64 `json:"speed"`
	Time    float64 `json:"time"`
}

// timelineBinding is the derived timeline subscription. Compared by value:
// the stream is only reopened when the binding actually changes.
type timelineBinding struct {
	contentId        string
	timelineSelector string
	url              string
	tickRate         float64
}

type ErrorFlagFunction func(raised bool)
type CiiReportFunction func(report CiiReport)

// HandshakeClient runs the two chained discovery sub-protocols: the
// content-identification stream, and once content and a timeline are
// advertised, the timeline-synchronization stream that feeds the correction
// filter. Each stream reconnects independently and owns its own error flag.
type HandshakeClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	ciiUrl   string
	filter   *CorrectionFilter
	settings *HandshakeSettings

	mutex    sync.Mutex
	cii      CiiReport
	binding  *timelineBinding
	tsCancel context.CancelFunc
	ciiError bool
	tsError  bool

	ciiErrorCallbacks *bus.CallbackList[ErrorFlagFunction]
	tsErrorCallbacks  *bus.CallbackList[ErrorFlagFunction]
	ciiCallbacks      *bus.CallbackList[CiiReportFunction]
}

func NewHandshakeClientWithDefaults(ctx context.Context, ciiUrl string, filter *CorrectionFilter) *HandshakeClient {
	return NewHandshakeClient(ctx, ciiUrl, filter, DefaultHandshakeSettings())
}

func NewHandshakeClient(ctx context.Context, ciiUrl string, filter *CorrectionFilter, settings *HandshakeSettings) *HandshakeClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &HandshakeClient{
		ctx:               cancelCtx,
		cancel:            cancel,
		ciiUrl:            ciiUrl,
		filter:            filter,
		settings:          settings,
		ciiErrorCallbacks: bus.NewCallbackList[ErrorFlagFunction](),
		tsErrorCallbacks:  bus.NewCallbackList[ErrorFlagFunction](),
		ciiCallbacks:      bus.NewCallbackList[CiiReportFunction](),
	}
	go client.runCii()
	return client
}

func (self *HandshakeClient) Filter() *CorrectionFilter {
	return self.filter
}

func (self *HandshakeClient) runCii() {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		connect := func() (*websocket.Conn, error) {
			ws, _, err := dialer.DialContext(self.ctx, self.ciiUrl, nil)
			if err != nil {
				return nil, err
			}
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[cii]connect error = %s\n", err)
			self.setCiiError(true)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.setCiiError(false)

		c := func() {
			defer ws.Close()

			go func() {
				<-self.ctx.Done()
				ws.Close()
			}()

			for {
				_, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[cii]read error = %s\n", err)
					return
				}
				var report CiiReport
				if err := json.Unmarshal(message, &report); err != nil {
					glog.Infof("[cii]decode error = %s\n", err)
					continue
				}
				self.handleCii(report)
			}
		}
		c()
		self.setCiiError(true)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// handleCii merges a report into the current view and re-derives the
// timeline binding.
func (self *HandshakeClient) handleCii(report CiiReport) {
	self.mutex.Lock()
	if report.ContentId != "" {
		self.cii.ContentId = report.ContentId
	}
	if report.ContentIdStatus != "" {
		self.cii.ContentIdStatus = report.ContentIdStatus
	}
	if report.PresentationStatus != "" {
		self.cii.PresentationStatus = report.PresentationStatus
	}
	if report.TimelineSyncUrl != "" {
		self.cii.TimelineSyncUrl = report.TimelineSyncUrl
	}
	if report.Timelines != nil {
		self.cii.Timelines = report.Timelines
	}
	merged := self.cii
	self.mutex.Unlock()

	for _, callback := range self.ciiCallbacks.Get() {
		callback(merged)
	}

	binding := deriveBinding(merged, self.ciiUrl)

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if binding == nil {
		if self.binding != nil {
			glog.Infof("[cii]timeline binding withdrawn\n")
			self.binding = nil
			if self.tsCancel != nil {
				self.tsCancel()
				self.tsCancel = nil
			}
			self.filter.Update(Sample{
				Subtype: SampleUnavailable,
			})
		}
		return
	}
	if self.binding != nil && *self.binding == *binding {
		// unchanged binding, keep the open stream
		return
	}

	glog.Infof("[cii]timeline binding %s %s %s\n", binding.contentId, binding.timelineSelector, binding.url)
	self.binding = binding
	if self.tsCancel != nil {
		self.tsCancel()
	}
	tsCtx, tsCancel := context.WithCancel(self.ctx)
	self.tsCancel = tsCancel
	go self.runTs(tsCtx, *binding)
}

// deriveBinding computes the timeline subscription from the merged content
// view, or nil when content or timelines are missing. The advertised sync
// URL's host is pinned back to the content-identification host when they
// differ: a redirected sync endpoint host is never trusted.
func deriveBinding(cii CiiReport, ciiUrl string) *timelineBinding {
	if cii.ContentId == "" || cii.TimelineSyncUrl == "" || len(cii.Timelines) == 0 {
		return nil
	}
	option := cii.Timelines[0]
	if option.UnitsPerTick == 0 {
		return nil
	}

	pinned, err := pinHost(cii.TimelineSyncUrl, ciiUrl)
	if err != nil {
		glog.Infof("[cii]bad timeline sync url = %s\n", err)
		return nil
	}

	return &timelineBinding{
		contentId:        cii.ContentId,
		timelineSelector: option.TimelineSelector,
		url:              pinned,
		tickRate:         option.UnitsPerSecond / option.UnitsPerTick,
	}
}

// pinHost rewrites the timeline sync URL's host to the
// content-identification host when they differ.
func pinHost(tsUrl string, ciiUrl string) (string, error) {
	tu, err := url.Parse(tsUrl)
	if err != nil {
		return "", err
	}
	cu, err := url.Parse(ciiUrl)
	if err != nil {
		return "", err
	}
	if tu.Host != cu.Host {
		glog.Warningf("[cii]pin timeline sync host %s to %s\n", tu.Host, cu.Host)
		tu.Host = cu.Host
	}
	return tu.String(), nil
}

func (self *HandshakeClient) runTs(ctx context.Context, binding timelineBinding) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		connect := func() (*websocket.Conn, error) {
			ws, _, err := dialer.DialContext(ctx, binding.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			setupBytes, err := json.Marshal(&tsSetup{
				ContentIdStem:    binding.contentId,
				TimelineSelector: binding.timelineSelector,
			})
			if err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WsHandshakeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, setupBytes); err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Time{})

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[ts]connect error = %s\n", err)
			self.setTsError(true)
			select {
			case <-ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.setTsError(false)

		c := func() {
			defer ws.Close()

			go func() {
				<-ctx.Done()
				ws.Close()
			}()

			for {
				_, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[ts]read error = %s\n", err)
					return
				}
				var report tsReport
				if err := json.Unmarshal(message, &report); err != nil {
					glog.Infof("[ts]decode error = %s\n", err)
					continue
				}
				// report time is in timeline units; convert to clock ticks
				self.filter.Update(Sample{
					Subtype: report.Subtype,
					Time:    report.Time / binding.tickRate * self.filter.Clock().TickRate(),
					Speed:   report.Speed,
				})
			}
		}
		c()
		self.setTsError(true)

		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *HandshakeClient) setCiiError(raised bool) {
	self.mutex.Lock()
	changed := self.ciiError != raised
	self.ciiError = raised
	self.mutex.Unlock()

	if changed {
		for _, callback := range self.ciiErrorCallbacks.Get() {
			callback(raised)
		}
	}
}

func (self *HandshakeClient) setTsError(raised bool) {
	self.mutex.Lock()
	changed := self.tsError != raised
	self.tsError = raised
	self.mutex.Unlock()

	if changed {
		for _, callback := range self.tsErrorCallbacks.Get() {
			callback(raised)
		}
	}
}

func (self *HandshakeClient) CiiError() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.ciiError
}

func (self *HandshakeClient) TsError() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.tsError
}

func (self *HandshakeClient) AddCiiErrorCallback(callback ErrorFlagFunction) func() {
	return self.ciiErrorCallbacks.Add(callback)
}

func (self *HandshakeClient) AddTsErrorCallback(callback ErrorFlagFunction) func() {
	return self.tsErrorCallbacks.Add(callback)
}

func (self *HandshakeClient) AddCiiReportCallback(callback CiiReportFunction) func() {
	return self.ciiCallbacks.Add(callback)
}

func (self *HandshakeClient) Close() {
	self.cancel()
}
