package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type BusSettings struct {
	// SendTimeout bounds how long a sent message waits for its ack/nack.
	SendTimeout time.Duration
	// LingerTimeout is the grace period a binding survives without a live
	// transport before its in-flight records are failed.
	LingerTimeout time.Duration
	// RecentExpiry is the per-id lifetime of the duplicate-receipt set.
	RecentExpiry time.Duration
	// RecentCapacity bounds the number of concurrently tracked msgIds.
	RecentCapacity int
	// Master marks this instance as the master device, so "@master"
	// resolves locally.
	Master bool
}

func DefaultBusSettings() *BusSettings {
	return &BusSettings{
		SendTimeout:    10 * time.Second,
		LingerTimeout:  30 * time.Second,
		RecentExpiry:   90 * time.Second,
		RecentCapacity: 4096,
	}
}

type SendOptions struct {
	// Timeout overrides BusSettings.SendTimeout when positive.
	Timeout time.Duration
	// NoUpstreamFallback suppresses the default upstream binding for
	// destinations without their own binding.
	NoUpstreamFallback bool
	// ExpectReply waits for the remote ack/nack. When false the caller is
	// resolved immediately on submission.
	ExpectReply bool
}

type inflightResult struct {
	body any
	err  error
}

// inflight is the bookkeeping for a sent message awaiting acknowledgement.
// Owned exclusively by the bus.
type inflight struct {
	message     *Message
	text        []byte
	expectReply bool
	binding     *binding
	timer       *time.Timer
	result      chan inflightResult
}

// binding maps a logical destination to zero-or-one live transport plus a
// FIFO of in-flight records. Records are retransmitted verbatim, in
// insertion order, whenever a transport attaches; the remote end dedupes by
// msgId.
type binding struct {
	name        string
	transport   Transport
	queue       []*inflight
	lingerTimer *time.Timer
}

// Bus routes application messages between devices with reliable
// request/reply semantics. All mutable state is owned by the bus and only
// touched under its lock; transports are never called with the lock held.
type Bus struct {
	ctx        context.Context
	deviceId   string
	settings   *BusSettings
	directory  Directory
	components ComponentRegistry

	mutex     sync.Mutex
	enabled   bool
	closed    bool
	inflights map[string]*inflight
	bindings  map[string]*binding
	specials  map[string]*HandlerNode

	recent    *recentSet
	callbacks *callbackRegistry

	deviceSubscriptions    map[string]*subscription
	componentSubscriptions map[string]*subscription

	deviceSetChangeCallbacks    *CallbackList[DeviceSetChangeFunction]
	componentSetChangeCallbacks *CallbackList[ComponentSetChangeFunction]
}

func NewBusWithDefaults(
	ctx context.Context,
	deviceId string,
	directory Directory,
	components ComponentRegistry,
) *Bus {
	return NewBus(ctx, deviceId, directory, components, DefaultBusSettings())
}

func NewBus(
	ctx context.Context,
	deviceId string,
	directory Directory,
	components ComponentRegistry,
	settings *BusSettings,
) *Bus {
	bus := &Bus{
		ctx:                         ctx,
		deviceId:                    deviceId,
		settings:                    settings,
		directory:                   directory,
		components:                  components,
		enabled:                     true,
		inflights:                   map[string]*inflight{},
		bindings:                    map[string]*binding{},
		specials:                    map[string]*HandlerNode{},
		recent:                      newRecentSet(settings.RecentExpiry, settings.RecentCapacity),
		callbacks:                   newCallbackRegistry(),
		deviceSubscriptions:         map[string]*subscription{},
		componentSubscriptions:      map[string]*subscription{},
		deviceSetChangeCallbacks:    NewCallbackList[DeviceSetChangeFunction](),
		componentSetChangeCallbacks: NewCallbackList[ComponentSetChangeFunction](),
	}
	bus.registerSpecials()
	return bus
}

func (self *Bus) DeviceId() string {
	return self.deviceId
}

// SetEnabled administratively enables or disables non-local sends.
func (self *Bus) SetEnabled(enabled bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.enabled = enabled
}

// Send routes body to a component and waits for the remote reply. An empty
// toDeviceId resolves the owning device locally or via the directory.
func (self *Bus) Send(
	ctx context.Context,
	body any,
	toDeviceId string,
	toComponentId string,
	fromComponentId string,
) (any, error) {
	return self.SendWithOptions(ctx, body, toDeviceId, toComponentId, fromComponentId, &SendOptions{
		ExpectReply: true,
	})
}

// SendNoReply submits body without waiting for an acknowledgement. The send
// is resolved immediately; a later timeout only discards the in-flight
// record.
func (self *Bus) SendNoReply(
	body any,
	toDeviceId string,
	toComponentId string,
	fromComponentId string,
) error {
	_, err := self.SendWithOptions(self.ctx, body, toDeviceId, toComponentId, fromComponentId, &SendOptions{})
	return err
}

func (self *Bus) SendWithOptions(
	ctx context.Context,
	body any,
	toDeviceId string,
	toComponentId string,
	fromComponentId string,
	options *SendOptions,
) (any, error) {
	deviceId, local, err := self.resolveDeviceId(ctx, toDeviceId, toComponentId)
	if err != nil {
		return nil, err
	}

	message := &Message{
		Type:            WireType,
		Subtype:         SubtypeMsg,
		MsgId:           NewMsgId(),
		ToDeviceId:      deviceId,
		ToComponentId:   toComponentId,
		FromDeviceId:    self.deviceId,
		FromComponentId: fromComponentId,
		Body:            body,
	}

	if local {
		return self.dispatchLocal(ctx, message)
	}
	return self.sendRemote(ctx, message, options)
}

// resolveDeviceId applies the addressing rules. "@self" and "@master" (on a
// master instance) are always local. An empty toDeviceId checks local
// hosting first, then the directory.
func (self *Bus) resolveDeviceId(
	ctx context.Context,
	toDeviceId string,
	toComponentId string,
) (string, bool, error) {
	switch toDeviceId {
	case "@self":
		return self.deviceId, true, nil
	case "@master":
		if self.settings.Master {
			return self.deviceId, true, nil
		}
		return toDeviceId, false, nil
	case self.deviceId:
		return self.deviceId, true, nil
	case "":
		name, _ := splitComponentId(toComponentId)
		if self.lookupLocal(name) != nil {
			return self.deviceId, true, nil
		}
		if self.directory == nil {
			return "", false, newError(
				ErrorComponentNotFound,
				self.deviceId,
				"no device found for component %s",
				toComponentId,
			)
		}
		deviceId, err := self.directory.Lookup(ctx, name)
		if err != nil {
			if IsCode(err, ErrorComponentNotFound) || errors.Is(err, ErrNotFound) {
				return "", false, newError(
					ErrorComponentNotFound,
					self.deviceId,
					"no device found for component %s",
					toComponentId,
				)
			}
			return "", false, newError(
				ErrorException,
				self.deviceId,
				"directory lookup for %s: %s",
				toComponentId,
				err,
			)
		}
		if deviceId == self.deviceId {
			return deviceId, true, nil
		}
		return deviceId, false, nil
	default:
		return toDeviceId, false, nil
	}
}

func (self *Bus) sendRemote(ctx context.Context, message *Message, options *SendOptions) (any, error) {
	text, err := EncodeMessage(message)
	if err != nil {
		return nil, newError(ErrorException, self.deviceId, "encode message: %s", err)
	}

	record := &inflight{
		message:     message,
		text:        text,
		expectReply: options.ExpectReply,
	}
	if options.ExpectReply {
		record.result = make(chan inflightResult, 1)
	}

	timeout := options.Timeout
	if timeout <= 0 {
		timeout = self.settings.SendTimeout
	}

	self.mutex.Lock()
	if !self.enabled {
		self.mutex.Unlock()
		return nil, newError(ErrorConfig, self.deviceId, "message bus is disabled")
	}
	if _, ok := self.inflights[message.MsgId]; ok {
		self.mutex.Unlock()
		return nil, newError(ErrorException, self.deviceId, "duplicate in-flight msgId %s", message.MsgId)
	}
	b := self.bindings[message.ToDeviceId]
	if b == nil && !options.NoUpstreamFallback {
		b = self.bindings[UpstreamBinding]
	}
	if b == nil {
		self.mutex.Unlock()
		return nil, newError(ErrorNoRouteToDevice, self.deviceId, "no route to device %s", message.ToDeviceId)
	}
	record.binding = b
	b.queue = append(b.queue, record)
	self.inflights[message.MsgId] = record
	record.timer = time.AfterFunc(timeout, func() {
		self.expireInflight(record)
	})
	transport := b.transport
	self.mutex.Unlock()

	if transport != nil {
		if err := transport.Send(text); err != nil {
			glog.Infof("[bus]%s-> send error = %s\n", message.ToDeviceId, err)
		}
	} else {
		glog.V(1).Infof("[bus]%s-> queued (no transport)\n", message.ToDeviceId)
	}

	if !options.ExpectReply {
		return nil, nil
	}

	select {
	case result := <-record.result:
		return result.body, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// expireInflight fires when a record's timeout elapses. A record expecting a
// reply is rejected with send_timeout; otherwise it is silently discarded.
func (self *Bus) expireInflight(record *inflight) {
	msgId := record.message.MsgId

	self.mutex.Lock()
	current, ok := self.inflights[msgId]
	if !ok || current != record {
		self.mutex.Unlock()
		return
	}
	delete(self.inflights, msgId)
	removeFromQueue(record.binding, record)
	self.mutex.Unlock()

	if record.expectReply {
		record.result <- inflightResult{
			err: newError(
				ErrorSendTimeout,
				self.deviceId,
				"no reply from %s within timeout",
				record.message.ToDeviceId,
			),
		}
	}
}

// settle resolves an in-flight record from an ack or nack. Returns false for
// a late or unsolicited reply.
func (self *Bus) settle(msgId string, body any, err error) bool {
	self.mutex.Lock()
	record, ok := self.inflights[msgId]
	if !ok {
		self.mutex.Unlock()
		return false
	}
	delete(self.inflights, msgId)
	removeFromQueue(record.binding, record)
	record.timer.Stop()
	self.mutex.Unlock()

	if record.expectReply {
		record.result <- inflightResult{
			body: body,
			err:  err,
		}
	}
	return true
}

func removeFromQueue(b *binding, record *inflight) {
	if b == nil {
		return
	}
	i := slices.Index(b.queue, record)
	if 0 <= i {
		b.queue = slices.Delete(b.queue, i, i+1)
	}
}

// AttachTransport binds a live transport to a destination and retransmits
// all waiting records in their original insertion order.
func (self *Bus) AttachTransport(destination string, transport Transport) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	b := self.bindings[destination]
	if b == nil {
		b = &binding{
			name: destination,
		}
		self.bindings[destination] = b
	}
	if b.lingerTimer != nil {
		b.lingerTimer.Stop()
		b.lingerTimer = nil
	}
	b.transport = transport
	pending := slices.Clone(b.queue)
	self.mutex.Unlock()

	for _, record := range pending {
		if err := transport.Send(record.text); err != nil {
			glog.Infof("[bus]%s-> retransmit error = %s\n", destination, err)
		}
	}

	if destination != UpstreamBinding {
		self.deviceSetChanged()
	}
}

// DetachTransport clears the binding's live transport and starts the linger
// timer. Passing a transport only detaches if it is still the bound one.
func (self *Bus) DetachTransport(destination string, transport Transport) {
	self.mutex.Lock()
	b := self.bindings[destination]
	if b == nil || b.transport == nil {
		self.mutex.Unlock()
		return
	}
	if transport != nil && b.transport.TransportId() != transport.TransportId() {
		self.mutex.Unlock()
		return
	}
	b.transport = nil
	if b.lingerTimer == nil {
		b.lingerTimer = time.AfterFunc(self.settings.LingerTimeout, func() {
			self.expireBinding(b)
		})
	}
	self.mutex.Unlock()

	if destination != UpstreamBinding {
		self.deviceSetChanged()
	}
}

// expireBinding fires when the linger period elapses without a transport
// re-attaching. All in-flight records are failed and the binding destroyed.
func (self *Bus) expireBinding(b *binding) {
	self.mutex.Lock()
	current := self.bindings[b.name]
	if current != b || b.transport != nil {
		self.mutex.Unlock()
		return
	}
	delete(self.bindings, b.name)
	records := b.queue
	b.queue = nil
	for _, record := range records {
		delete(self.inflights, record.message.MsgId)
		record.timer.Stop()
	}
	self.mutex.Unlock()

	if 0 < len(records) {
		glog.Infof("[bus]binding %s expired with %d in flight\n", b.name, len(records))
	}
	for _, record := range records {
		if record.expectReply {
			record.result <- inflightResult{
				err: newError(
					ErrorConnectionTimeout,
					self.deviceId,
					"transport to %s lost with message in flight",
					record.message.ToDeviceId,
				),
			}
		}
	}
}

// HandleMessage accepts one inbound wire message from any transport.
// Malformed messages are logged and dropped, never propagated.
func (self *Bus) HandleMessage(text []byte) {
	message, err := DecodeMessage(text)
	if err != nil {
		glog.Infof("[bus]drop malformed message = %s\n", err)
		return
	}

	switch message.Subtype {
	case SubtypeAck:
		if !self.settle(message.MsgId, message.Body, nil) {
			glog.Infof("[bus]drop late ack %s\n", message.MsgId)
		}
	case SubtypeNack:
		nackErr := errorFromWire(message.FromDeviceId, message.ErrorBody)
		if !self.settle(message.MsgId, nil, nackErr) {
			glog.Infof("[bus]drop late nack %s\n", message.MsgId)
		}
	case SubtypeMsg:
		if self.targetsLocal(message.ToDeviceId) {
			if self.recent.checkAndAdd(message.MsgId) {
				// duplicate delivery, at most once locally
				glog.V(1).Infof("[bus]dedupe %s\n", message.MsgId)
				return
			}
			go self.deliverLocal(message)
		} else {
			go self.relay(message)
		}
	}
}

func (self *Bus) targetsLocal(toDeviceId string) bool {
	switch toDeviceId {
	case self.deviceId, "@self":
		return true
	case "@master":
		return self.settings.Master
	}
	return false
}

func (self *Bus) deliverLocal(message *Message) {
	body, err := self.dispatchLocal(self.ctx, message)
	self.reply(message, body, err)
}

// relay forwards a message addressed to another device through the normal
// send path, then replies ack/nack to the origin from the outcome.
func (self *Bus) relay(message *Message) {
	self.mutex.Lock()
	_, ok := self.inflights[message.MsgId]
	self.mutex.Unlock()
	if ok {
		glog.Infof("[bus]drop relay with duplicate msgId %s\n", message.MsgId)
		return
	}

	body, err := self.sendRemote(self.ctx, message, &SendOptions{
		ExpectReply: true,
	})
	self.reply(message, body, err)
}

// reply acks or nacks an inbound message toward its origin. Replies are not
// tracked in flight; with no live transport they are dropped with a warning.
func (self *Bus) reply(original *Message, body any, err error) {
	if original.FromDeviceId == "" {
		glog.V(1).Infof("[bus]no origin for reply %s\n", original.MsgId)
		return
	}

	reply := &Message{
		Type:            WireType,
		MsgId:           original.MsgId,
		ToDeviceId:      original.FromDeviceId,
		ToComponentId:   original.FromComponentId,
		FromDeviceId:    self.deviceId,
		FromComponentId: original.ToComponentId,
	}
	if err == nil {
		reply.Subtype = SubtypeAck
		reply.Body = body
	} else {
		reply.Subtype = SubtypeNack
		reply.ErrorBody = normalizeError(self.deviceId, err)
	}

	text, encodeErr := EncodeMessage(reply)
	if encodeErr != nil {
		glog.Infof("[bus]encode reply %s error = %s\n", reply.MsgId, encodeErr)
		return
	}

	self.mutex.Lock()
	b := self.bindings[reply.ToDeviceId]
	if b == nil {
		b = self.bindings[UpstreamBinding]
	}
	var transport Transport
	if b != nil {
		transport = b.transport
	}
	self.mutex.Unlock()

	if transport == nil {
		glog.Infof("[bus]drop reply %s, no transport to %s\n", reply.MsgId, reply.ToDeviceId)
		return
	}
	if err := transport.Send(text); err != nil {
		glog.Infof("[bus]%s-> reply error = %s\n", reply.ToDeviceId, err)
	}
}

func normalizeError(deviceId string, err error) *Error {
	if busErr, ok := err.(*Error); ok {
		return busErr
	}
	return &Error{
		Code:     ErrorComponentNack,
		DeviceId: deviceId,
		Message:  err.Error(),
		Body:     err.Error(),
	}
}

// dispatchLocal resolves the leading path segment against the special
// namespace, the local component registry, then the callback registry, and
// descends the handler tree. Panics are converted to exception rejections
// and never escape.
func (self *Bus) dispatchLocal(ctx context.Context, message *Message) (body any, err error) {
	defer func() {
		if r := recover(); r != nil {
			body = nil
			err = newError(ErrorException, self.deviceId, "dispatch %s: %v", message.ToComponentId, r)
		}
	}()

	name, segments := splitComponentId(message.ToComponentId)
	node := self.lookupLocal(name)
	if node == nil {
		diagnostic := name
		if 0 < len(segments) {
			diagnostic = name + " (sub-path " + strings.Join(segments, "/") + ")"
		}
		return nil, newError(ErrorComponentNotFound, self.deviceId, "no component %s", diagnostic)
	}
	return node.dispatch(ctx, self.deviceId, name, segments, message)
}

func (self *Bus) lookupLocal(name string) *HandlerNode {
	self.mutex.Lock()
	special := self.specials[name]
	self.mutex.Unlock()
	if special != nil {
		return special
	}
	if self.components != nil {
		if node := self.components.Handler(name); node != nil {
			return node
		}
	}
	return self.callbacks.get(name)
}

// RegisterCallback registers an anonymous callback and returns its opaque id
// and a removal function.
func (self *Bus) RegisterCallback(node *HandlerNode) (string, func()) {
	callbackId := self.callbacks.addAnonymous(node)
	return callbackId, func() {
		self.callbacks.remove(callbackId)
	}
}

// RegisterNamedCallback registers a named callback. An existing name only
// yields if both the previous and the new registration allow overwriting.
func (self *Bus) RegisterNamedCallback(name string, node *HandlerNode, overwrite bool) (string, error) {
	return self.callbacks.addNamed(name, node, overwrite)
}

func (self *Bus) RemoveCallback(callbackId string) {
	self.callbacks.remove(callbackId)
}

// ConnectedDeviceIds returns the destinations with a live transport,
// excluding the upstream binding.
func (self *Bus) ConnectedDeviceIds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	deviceIds := []string{}
	for name, b := range self.bindings {
		if name != UpstreamBinding && b.transport != nil {
			deviceIds = append(deviceIds, name)
		}
	}
	slices.Sort(deviceIds)
	return deviceIds
}

func (self *Bus) AddDeviceSetChangeCallback(callback DeviceSetChangeFunction) func() {
	return self.deviceSetChangeCallbacks.Add(callback)
}

func (self *Bus) AddComponentSetChangeCallback(callback ComponentSetChangeFunction) func() {
	return self.componentSetChangeCallbacks.Add(callback)
}

func (self *Bus) deviceSetChanged() {
	deviceIds := self.ConnectedDeviceIds()
	for _, callback := range self.deviceSetChangeCallbacks.Get() {
		callback(deviceIds)
	}
	self.notifySubscriptions(self.deviceSubscriptions, deviceIds)
}

// NotifyComponentChange is called by the environment whenever a local
// component is created or destroyed.
func (self *Bus) NotifyComponentChange() {
	componentIds := []string{}
	if self.components != nil {
		componentIds = self.components.ComponentIds()
	}
	for _, callback := range self.componentSetChangeCallbacks.Get() {
		callback(componentIds)
	}
	self.notifySubscriptions(self.componentSubscriptions, componentIds)
}

// Close fails all in-flight records and tears down all bindings.
func (self *Bus) Close() {
	self.mutex.Lock()
	self.closed = true
	records := []*inflight{}
	for _, record := range self.inflights {
		record.timer.Stop()
		records = append(records, record)
	}
	self.inflights = map[string]*inflight{}
	for _, b := range self.bindings {
		if b.lingerTimer != nil {
			b.lingerTimer.Stop()
		}
		b.queue = nil
	}
	self.bindings = map[string]*binding{}
	self.mutex.Unlock()

	for _, record := range records {
		if record.expectReply {
			record.result <- inflightResult{
				err: newError(ErrorConnectionTimeout, self.deviceId, "bus closed"),
			}
		}
	}
}
