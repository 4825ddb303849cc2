package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConnectorSettings() *ConnectorSettings {
	settings := DefaultConnectorSettings()
	settings.SetupRetryBackoff = 5 * time.Millisecond
	settings.StatusWindow = 20 * time.Millisecond
	settings.StatusWindowStartup = 50 * time.Millisecond
	return settings
}

func TestSetupRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" && r.URL.Path == "/context" {
			if atomic.AddInt32(&attempts, 1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(&ContextDoc{
				ContextId: "ctx1",
				Timestamp: 1,
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	api := NewApi(ctx, server.URL, "deviceA")
	connector := NewConnector(ctx, api, nil, "deviceA", testConnectorSettings(), DefaultDiagnosticSettings())
	defer connector.Close()

	err := connector.Setup(&SetupOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	require.Equal(t, "ctx1", connector.ContextId())
}

func TestSetupGivesUpAfterRetryCount(t *testing.T) {
	ctx := context.Background()

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	api := NewApi(ctx, server.URL, "deviceA")
	settings := testConnectorSettings()
	settings.SetupRetryCount = 2
	connector := NewConnector(ctx, api, nil, "deviceA", settings, DefaultDiagnosticSettings())
	defer connector.Close()

	err := connector.Setup(&SetupOptions{})
	require.Error(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	require.Equal(t, "", connector.ContextId())
}

func TestSetupReattachesToExistingContext(t *testing.T) {
	ctx := context.Background()

	var created int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/context":
			json.NewEncoder(w).Encode([]*ContextDoc{
				{
					ContextId: "ctx9",
					DMAppId:   "app1",
					Timestamp: 5,
				},
			})
		case r.Method == "POST" && r.URL.Path == "/context/ctx9/devices":
			json.NewEncoder(w).Encode(&ContextDoc{
				ContextId: "ctx9",
				DeviceIds: []string{"deviceA"},
				DMAppId:   "app1",
				Timestamp: 5,
			})
		case r.Method == "POST" && r.URL.Path == "/context":
			atomic.AddInt32(&created, 1)
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	api := NewApi(ctx, server.URL, "deviceA")
	connector := NewConnector(ctx, api, nil, "deviceA", testConnectorSettings(), DefaultDiagnosticSettings())
	defer connector.Close()

	err := connector.Setup(&SetupOptions{
		Reattach: true,
	})
	require.NoError(t, err)
	require.Equal(t, "ctx9", connector.ContextId())
	require.Equal(t, "app1", connector.DMAppId())
	require.Equal(t, int32(0), atomic.LoadInt32(&created))
}

func TestTimestampOrderingPerEntity(t *testing.T) {
	ctx := context.Background()

	api := NewApi(ctx, "http://localhost:0", "deviceA")
	connector := NewConnector(ctx, api, nil, "deviceA", testConnectorSettings(), DefaultDiagnosticSettings())
	defer connector.Close()

	require.True(t, connector.acceptTimestamp("dmapp", 5))
	// older update arriving late is dropped
	require.False(t, connector.acceptTimestamp("dmapp", 4))
	// equal timestamps are accepted
	require.True(t, connector.acceptTimestamp("dmapp", 5))
	require.True(t, connector.acceptTimestamp("dmapp", 6))
	// entities order independently
	require.True(t, connector.acceptTimestamp("context", 1))
}

func TestLeaveContextImplicitlyLeavesDMApp(t *testing.T) {
	ctx := context.Background()

	var mutex sync.Mutex
	var deletes []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/context":
			json.NewEncoder(w).Encode(&ContextDoc{
				ContextId: "ctx1",
				Timestamp: 1,
			})
		case r.Method == "POST" && r.URL.Path == "/context/ctx1/dmapp":
			json.NewEncoder(w).Encode(&DMAppDoc{
				DMAppId:   "app1",
				ContextId: "ctx1",
				Timestamp: 2,
			})
		case r.Method == "DELETE":
			mutex.Lock()
			deletes = append(deletes, r.URL.Path)
			mutex.Unlock()
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	api := NewApi(ctx, server.URL, "deviceA")
	connector := NewConnector(ctx, api, nil, "deviceA", testConnectorSettings(), DefaultDiagnosticSettings())
	defer connector.Close()

	_, err := connector.CreateContext()
	require.NoError(t, err)
	_, err = connector.JoinDMApp(&DMAppSpec{})
	require.NoError(t, err)

	err = connector.LeaveContext()
	require.NoError(t, err)
	require.Equal(t, "", connector.ContextId())
	require.Equal(t, "", connector.DMAppId())

	mutex.Lock()
	defer mutex.Unlock()
	require.Equal(t, []string{
		"/context/ctx1/dmapp/app1",
		"/context/ctx1/devices/deviceA",
	}, deletes)
}

func TestStatusCoalescing(t *testing.T) {
	ctx := context.Background()

	batches := make(chan []ComponentStatus, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/context":
			json.NewEncoder(w).Encode(&ContextDoc{
				ContextId: "ctx1",
				Timestamp: 1,
			})
		case r.Method == "POST" && r.URL.Path == "/context/ctx1/dmapp":
			json.NewEncoder(w).Encode(&DMAppDoc{
				DMAppId:   "app1",
				ContextId: "ctx1",
				Timestamp: 2,
			})
		case r.Method == "POST" && r.URL.Path == "/context/ctx1/dmapp/app1/actions/status":
			var statuses []ComponentStatus
			json.NewDecoder(r.Body).Decode(&statuses)
			batches <- statuses
		case r.Method == "GET" && r.URL.Path == "/context/ctx1/dmapp/app1":
			json.NewEncoder(w).Encode(&DMAppDoc{
				DMAppId:   "app1",
				ContextId: "ctx1",
				Timestamp: 2,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	api := NewApi(ctx, server.URL, "deviceA")
	connector := NewConnector(ctx, api, nil, "deviceA", testConnectorSettings(), DefaultDiagnosticSettings())
	defer connector.Close()

	_, err := connector.CreateContext()
	require.NoError(t, err)
	_, err = connector.JoinDMApp(&DMAppSpec{})
	require.NoError(t, err)

	// two updates to the same component inside the window merge, last
	// value wins, and first-report order is preserved
	connector.UpdateStatus(ComponentStatus{
		ComponentId: "a",
		Status:      "idle",
		Revision:    1,
	})
	connector.UpdateStatus(ComponentStatus{
		ComponentId: "b",
		Status:      "idle",
		Revision:    1,
	})
	connector.UpdateStatus(ComponentStatus{
		ComponentId: "a",
		Status:      "playing",
		Revision:    2,
	})

	select {
	case batch := <-batches:
		require.Len(t, batch, 2)
		require.Equal(t, "a", batch[0].ComponentId)
		require.Equal(t, "playing", batch[0].Status)
		require.Equal(t, 2, batch[0].Revision)
		require.Equal(t, "b", batch[1].ComponentId)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status batch")
	}
}

func TestRefreshStateAppliesDocument(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/context":
			json.NewEncoder(w).Encode(&ContextDoc{
				ContextId: "ctx1",
				Timestamp: 1,
			})
		case r.Method == "POST" && r.URL.Path == "/context/ctx1/dmapp":
			json.NewEncoder(w).Encode(&DMAppDoc{
				DMAppId:   "app1",
				ContextId: "ctx1",
				Timestamp: 2,
			})
		case r.Method == "GET" && r.URL.Path == "/context/ctx1/dmapp/app1":
			json.NewEncoder(w).Encode(&DMAppDoc{
				DMAppId:   "app1",
				ContextId: "ctx1",
				Timestamp: 3,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	api := NewApi(ctx, server.URL, "deviceA")
	connector := NewConnector(ctx, api, nil, "deviceA", testConnectorSettings(), DefaultDiagnosticSettings())
	defer connector.Close()

	_, err := connector.CreateContext()
	require.NoError(t, err)
	_, err = connector.JoinDMApp(&DMAppSpec{})
	require.NoError(t, err)

	docs := make(chan *DMAppDoc, 8)
	connector.AddDMAppStateCallback(func(doc *DMAppDoc) {
		docs <- doc
	})

	// the refresh completes in the background
	connector.RefreshState()
	select {
	case doc := <-docs:
		require.Equal(t, "app1", doc.DMAppId)
		require.Equal(t, float64(3), doc.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for refreshed state")
	}

	// a repeat fetch of the same timestamp is still accepted (ties pass),
	// an older one is not
	connector.RefreshState()
	select {
	case <-docs:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for refreshed state")
	}
	require.False(t, connector.acceptTimestamp("dmapp", 2))
}

func TestStatusWindowExtendsForStartup(t *testing.T) {
	ctx := context.Background()

	batches := make(chan []ComponentStatus, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/context":
			json.NewEncoder(w).Encode(&ContextDoc{
				ContextId: "ctx1",
				Timestamp: 1,
			})
		case r.Method == "POST" && r.URL.Path == "/context/ctx1/dmapp":
			json.NewEncoder(w).Encode(&DMAppDoc{
				DMAppId:   "app1",
				ContextId: "ctx1",
				Timestamp: 2,
			})
		case r.Method == "POST" && r.URL.Path == "/context/ctx1/dmapp/app1/actions/status":
			var statuses []ComponentStatus
			json.NewDecoder(r.Body).Decode(&statuses)
			batches <- statuses
		case r.Method == "GET" && r.URL.Path == "/context/ctx1/dmapp/app1":
			json.NewEncoder(w).Encode(&DMAppDoc{
				DMAppId:   "app1",
				ContextId: "ctx1",
				Timestamp: 2,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	api := NewApi(ctx, server.URL, "deviceA")
	settings := testConnectorSettings()
	settings.StatusWindow = 30 * time.Millisecond
	settings.StatusWindowStartup = 250 * time.Millisecond
	connector := NewConnector(ctx, api, nil, "deviceA", settings, DefaultDiagnosticSettings())
	defer connector.Close()

	_, err := connector.CreateContext()
	require.NoError(t, err)
	_, err = connector.JoinDMApp(&DMAppSpec{})
	require.NoError(t, err)

	// the first update arms the short window; a unit entering setup while
	// the timer is pending widens it
	connector.UpdateStatus(ComponentStatus{
		ComponentId: "a",
		Status:      StatusStarted,
	})
	connector.UpdateStatus(ComponentStatus{
		ComponentId: "b",
		Status:      StatusInitializing,
	})

	select {
	case <-batches:
		t.Fatal("flush fired before the widened window")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case batch := <-batches:
		require.Len(t, batch, 2)
		require.Equal(t, "a", batch[0].ComponentId)
		require.Equal(t, "b", batch[1].ComponentId)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status batch")
	}
}

func TestStatusBatchFailureResubmitsIndividually(t *testing.T) {
	ctx := context.Background()

	singles := make(chan ComponentStatus, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/context":
			json.NewEncoder(w).Encode(&ContextDoc{
				ContextId: "ctx1",
				Timestamp: 1,
			})
		case r.Method == "POST" && r.URL.Path == "/context/ctx1/dmapp":
			json.NewEncoder(w).Encode(&DMAppDoc{
				DMAppId:   "app1",
				ContextId: "ctx1",
				Timestamp: 2,
			})
		case r.Method == "POST" && r.URL.Path == "/context/ctx1/dmapp/app1/actions/status":
			var statuses []ComponentStatus
			json.NewDecoder(r.Body).Decode(&statuses)
			if 1 < len(statuses) {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			singles <- statuses[0]
		case r.Method == "GET" && r.URL.Path == "/context/ctx1/dmapp/app1":
			json.NewEncoder(w).Encode(&DMAppDoc{
				DMAppId:   "app1",
				ContextId: "ctx1",
				Timestamp: 2,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	api := NewApi(ctx, server.URL, "deviceA")
	connector := NewConnector(ctx, api, nil, "deviceA", testConnectorSettings(), DefaultDiagnosticSettings())
	defer connector.Close()

	_, err := connector.CreateContext()
	require.NoError(t, err)
	_, err = connector.JoinDMApp(&DMAppSpec{})
	require.NoError(t, err)

	connector.UpdateStatus(ComponentStatus{
		ComponentId: "a",
		Status:      "idle",
	})
	connector.UpdateStatus(ComponentStatus{
		ComponentId: "b",
		Status:      "idle",
	})

	componentIds := map[string]bool{}
	for i := 0; i < 2; i += 1 {
		select {
		case status := <-singles:
			componentIds[status.ComponentId] = true
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for individual resubmission")
		}
	}
	require.True(t, componentIds["a"])
	require.True(t, componentIds["b"])
}
