package clocksync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func TestPinHost(t *testing.T) {
	pinned, err := pinHost("ws://untrusted.invalid:9000/ts", "ws://host.example:8000/cii")
	assert.Equal(t, err, nil)
	assert.Equal(t, pinned, "ws://host.example:8000/ts")

	// same host passes through untouched
	pinned, err = pinHost("ws://host.example:8000/ts", "ws://host.example:8000/cii")
	assert.Equal(t, err, nil)
	assert.Equal(t, pinned, "ws://host.example:8000/ts")
}

func TestDeriveBinding(t *testing.T) {
	ciiUrl := "ws://host.example:8000/cii"

	// incomplete views produce no binding
	binding := deriveBinding(CiiReport{}, ciiUrl)
	assert.Equal(t, binding, nil)

	binding = deriveBinding(CiiReport{
		ContentId:       "content1",
		TimelineSyncUrl: "ws://host.example:8000/ts",
	}, ciiUrl)
	assert.Equal(t, binding, nil)

	cii := CiiReport{
		ContentId:       "content1",
		TimelineSyncUrl: "ws://untrusted.invalid/ts",
		Timelines: []TimelineOption{
			{
				TimelineSelector: "tag:timeline",
				UnitsPerSecond:   50,
				UnitsPerTick:     2,
			},
		},
	}
	binding = deriveBinding(cii, ciiUrl)
	assert.Equal(t, binding.contentId, "content1")
	assert.Equal(t, binding.timelineSelector, "tag:timeline")
	assert.Equal(t, binding.url, "ws://host.example:8000/ts")
	assertNear(t, binding.tickRate, 25)

	// equal views derive equal bindings, so the stream is not reopened
	other := deriveBinding(cii, ciiUrl)
	assert.Equal(t, *binding == *other, true)
}

func TestHandshakeEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	setups := make(chan tsSetup, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/cii", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		// advertise a sync endpoint on an untrusted host; the client
		// must pin it back to this one
		reportBytes, _ := json.Marshal(&CiiReport{
			ContentId:       "content1",
			TimelineSyncUrl: "ws://untrusted.invalid/ts",
			Timelines: []TimelineOption{
				{
					TimelineSelector: "tag:timeline",
					UnitsPerSecond:   1000,
					UnitsPerTick:     1,
				},
			},
		})
		ws.WriteMessage(websocket.TextMessage, reportBytes)
		<-done
	})
	mux.HandleFunc("/ts", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, setupBytes, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var setup tsSetup
		json.Unmarshal(setupBytes, &setup)
		setups <- setup

		reportBytes, _ := json.Marshal(&tsReport{
			Subtype: SampleChange,
			Time:    5000,
			Speed:   1,
		})
		ws.WriteMessage(websocket.TextMessage, reportBytes)
		<-done
	})

	server := httptest.NewServer(mux)
	defer server.Close()
	defer close(done)

	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")

	parent := &testTicker{
		ticks:    0,
		tickRate: 1000,
	}
	clock := NewClock(parent, 1000, Correlation{}, 1)
	filter := NewCorrectionFilterWithDefaults(clock)

	anchored := make(chan struct{}, 1)
	clock.AddChangeCallback(func() {
		select {
		case anchored <- struct{}{}:
		default:
		}
	})

	client := NewHandshakeClientWithDefaults(ctx, wsUrl+"/cii", filter)
	defer client.Close()

	select {
	case setup := <-setups:
		assert.Equal(t, setup.ContentIdStem, "content1")
		assert.Equal(t, setup.TimelineSelector, "tag:timeline")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for timeline setup")
	}

	select {
	case <-anchored:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for clock correction")
	}
	assertNear(t, clock.Ticks(), 5000)
}
