package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/syncscreen/companion/bus"
)

// Socket.IO event names shared with the session service.
const (
	eventDeviceMsg = "devicemsg"
	eventState     = "state"
	eventJoin      = "join"
)

type PushTransportSettings struct {
	// Path is the Socket.IO mount point on the session service.
	Path string
	// JoinTimeout bounds the room-join acknowledgement.
	JoinTimeout time.Duration
}

func DefaultPushTransportSettings() *PushTransportSettings {
	return &PushTransportSettings{
		Path:        "/updates",
		JoinTimeout: 5 * time.Second,
	}
}

type ConnectFunction func()
type DisconnectFunction func(reason string)
type RoomJoinedFunction func(room string)

// StateEventFunction delivers a layout/session change notification pushed by
// the service.
type StateEventFunction func(entity string, timestamp float64, data map[string]any)

// MessageFunction delivers one inbound wire envelope.
type MessageFunction func(text []byte)

// PushTransport is the primary notification channel: a Socket.IO client
// subscribed to a per-context, per-device room. It doubles as the bus's
// upstream transport.
type PushTransport struct {
	url      string
	byJwt    string
	deviceId string
	settings *PushTransportSettings

	transportId string

	mutex     sync.Mutex
	sock      *socket.Socket
	connected bool
	room      string
	joined    bool

	connectCallbacks    *bus.CallbackList[ConnectFunction]
	disconnectCallbacks *bus.CallbackList[DisconnectFunction]
	roomJoinedCallbacks *bus.CallbackList[RoomJoinedFunction]
	stateCallbacks      *bus.CallbackList[StateEventFunction]
	messageCallbacks    *bus.CallbackList[MessageFunction]
}

func NewPushTransportWithDefaults(url string, byJwt string, deviceId string) *PushTransport {
	return NewPushTransport(url, byJwt, deviceId, DefaultPushTransportSettings())
}

func NewPushTransport(url string, byJwt string, deviceId string, settings *PushTransportSettings) *PushTransport {
	return &PushTransport{
		url:                 url,
		byJwt:               byJwt,
		deviceId:            deviceId,
		settings:            settings,
		transportId:         strings.ToLower(ulid.Make().String()),
		connectCallbacks:    bus.NewCallbackList[ConnectFunction](),
		disconnectCallbacks: bus.NewCallbackList[DisconnectFunction](),
		roomJoinedCallbacks: bus.NewCallbackList[RoomJoinedFunction](),
		stateCallbacks:      bus.NewCallbackList[StateEventFunction](),
		messageCallbacks:    bus.NewCallbackList[MessageFunction](),
	}
}

// bus.Transport

func (self *PushTransport) TransportId() string {
	return self.transportId
}

func (self *PushTransport) Send(text []byte) error {
	self.mutex.Lock()
	sock := self.sock
	connected := self.connected
	self.mutex.Unlock()

	if sock == nil || !connected {
		return fmt.Errorf("push transport not connected")
	}
	sock.Emit(eventDeviceMsg, string(text))
	return nil
}

func (self *PushTransport) Connect() error {
	opts := socket.DefaultOptions()
	opts.SetPath(self.settings.Path)
	opts.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	opts.SetAuth(map[string]interface{}{
		"token":    self.byJwt,
		"deviceId": self.deviceId,
	})

	sock, err := socket.Connect(self.url, opts)
	if err != nil {
		return fmt.Errorf("push transport connect: %w", err)
	}

	self.mutex.Lock()
	self.sock = sock
	self.mutex.Unlock()

	sock.On(types.EventName("connect"), func(args ...any) {
		self.mutex.Lock()
		self.connected = true
		room := self.room
		self.mutex.Unlock()

		for _, callback := range self.connectCallbacks.Get() {
			callback()
		}
		// the room must be rejoined on every (re)connect
		if room != "" {
			go self.joinRoom(room)
		}
	})

	sock.On(types.EventName("disconnect"), func(args ...any) {
		self.mutex.Lock()
		self.connected = false
		self.joined = false
		self.mutex.Unlock()

		reason := ""
		if 0 < len(args) {
			if r, ok := args[0].(string); ok {
				reason = r
			}
		}
		glog.Infof("[push]disconnect = %s\n", reason)
		for _, callback := range self.disconnectCallbacks.Get() {
			callback(reason)
		}
	})

	sock.On(types.EventName("connect_error"), func(args ...any) {
		if 0 < len(args) {
			glog.Infof("[push]connect error = %v\n", args[0])
		}
	})

	sock.On(types.EventName(eventDeviceMsg), func(args ...any) {
		if len(args) == 0 {
			return
		}
		text, ok := args[0].(string)
		if !ok {
			glog.V(1).Infof("[push]drop non-string devicemsg\n")
			return
		}
		for _, callback := range self.messageCallbacks.Get() {
			callback([]byte(text))
		}
	})

	sock.On(types.EventName(eventState), func(args ...any) {
		if len(args) == 0 {
			return
		}
		data, ok := args[0].(map[string]any)
		if !ok {
			// some server builds deliver json text
			if text, textOk := args[0].(string); textOk {
				if err := json.Unmarshal([]byte(text), &data); err != nil {
					return
				}
			} else {
				return
			}
		}
		entity, _ := data["entity"].(string)
		timestamp, _ := data["timestamp"].(float64)
		for _, callback := range self.stateCallbacks.Get() {
			callback(entity, timestamp, data)
		}
	})

	return nil
}

// JoinRoom subscribes to the per-context, per-device room. The fallback
// timer stays armed until the service acknowledges the join.
func (self *PushTransport) JoinRoom(room string) {
	self.mutex.Lock()
	self.room = room
	self.joined = false
	connected := self.connected
	self.mutex.Unlock()

	if connected {
		go self.joinRoom(room)
	}
}

func (self *PushTransport) joinRoom(room string) {
	self.mutex.Lock()
	sock := self.sock
	self.mutex.Unlock()
	if sock == nil {
		return
	}

	acked := make(chan bool, 1)
	sock.Emit(eventJoin, map[string]interface{}{
		"room": room,
	}, func(args []any, err error) {
		acked <- err == nil
	})

	select {
	case ok := <-acked:
		if !ok {
			glog.Infof("[push]join %s rejected\n", room)
			return
		}
	case <-time.After(self.settings.JoinTimeout):
		glog.Infof("[push]join %s ack timeout\n", room)
		return
	}

	self.mutex.Lock()
	// the room may have changed while the ack was pending
	if self.room != room {
		self.mutex.Unlock()
		return
	}
	self.joined = true
	self.mutex.Unlock()

	for _, callback := range self.roomJoinedCallbacks.Get() {
		callback(room)
	}
}

// LeaveRoom clears the room without disconnecting.
func (self *PushTransport) LeaveRoom() {
	self.mutex.Lock()
	self.room = ""
	self.joined = false
	self.mutex.Unlock()
}

// Joined reports whether the room join has been acknowledged.
func (self *PushTransport) Joined() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.joined
}

func (self *PushTransport) Connected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.connected
}

func (self *PushTransport) Close() {
	self.mutex.Lock()
	sock := self.sock
	self.sock = nil
	self.connected = false
	self.joined = false
	self.mutex.Unlock()

	if sock != nil {
		sock.Disconnect()
	}
}

func (self *PushTransport) AddConnectCallback(callback ConnectFunction) func() {
	return self.connectCallbacks.Add(callback)
}

func (self *PushTransport) AddDisconnectCallback(callback DisconnectFunction) func() {
	return self.disconnectCallbacks.Add(callback)
}

func (self *PushTransport) AddRoomJoinedCallback(callback RoomJoinedFunction) func() {
	return self.roomJoinedCallbacks.Add(callback)
}

func (self *PushTransport) AddStateCallback(callback StateEventFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *PushTransport) AddMessageCallback(callback MessageFunction) func() {
	return self.messageCallbacks.Add(callback)
}
