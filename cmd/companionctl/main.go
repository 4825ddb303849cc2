package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/syncscreen/companion/bus"
	"github.com/syncscreen/companion/clocksync"
	"github.com/syncscreen/companion/session"
)

const CompanionCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Companion control.

Usage:
    companionctl connect --api_url=<api_url> --ws_url=<ws_url>
        --device_id=<device_id>
        [--jwt=<jwt>]
        [--sync_url=<sync_url>]
        [--master]
        [--reattach]
    companionctl send --ws_url=<ws_url>
        --device_id=<device_id>
        --destination=<destination>
        --component=<component>
        [--jwt=<jwt>]
        [<message>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --api_url=<api_url>          Session service url.
    --ws_url=<ws_url>            Push transport url.
    --sync_url=<sync_url>        Content identification stream url.
    --device_id=<device_id>      This device id.
    --jwt=<jwt>                  Bearer JWT.
    --destination=<destination>  Destination device id.
    --component=<component>      Destination component path.
    --master                     Act as the master device.
    --reattach                   Rejoin an existing context if one exists.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CompanionCtlVersion)
	if err != nil {
		panic(err)
	}

	if connect_, _ := opts.Bool("connect"); connect_ {
		connect(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	}
}

func connect(opts docopt.Opts) {
	apiUrl, _ := opts.String("--api_url")
	wsUrl, _ := opts.String("--ws_url")
	syncUrl, _ := opts.String("--sync_url")
	deviceId, _ := opts.String("--device_id")
	jwt, _ := opts.String("--jwt")
	master, _ := opts.Bool("--master")
	reattach, _ := opts.Bool("--reattach")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busSettings := bus.DefaultBusSettings()
	busSettings.Master = master
	messageBus := bus.NewBus(cancelCtx, deviceId, nil, nil, busSettings)
	defer messageBus.Close()

	messageBus.AddDeviceSetChangeCallback(func(deviceIds []string) {
		Out.Printf("devices: %v", deviceIds)
	})

	api := session.NewApi(cancelCtx, apiUrl, deviceId)
	if jwt != "" {
		api.SetByJwt(jwt)
	}

	connector := session.NewConnectorWithDefaults(cancelCtx, api, messageBus, deviceId)
	defer connector.Close()

	connector.AddContextChangeCallback(func(contextId string) {
		Out.Printf("context: %s", contextId)
	})
	connector.AddDMAppChangeCallback(func(dmAppId string) {
		Out.Printf("dmapp: %s", dmAppId)
	})
	connector.Diagnostic().AddAlarmCallback(func(finding string) {
		Err.Printf("ALARM: %s", finding)
	})

	push := session.NewPushTransportWithDefaults(wsUrl, jwt, deviceId)
	defer push.Close()
	connector.SetPushTransport(push)
	if err := push.Connect(); err != nil {
		Err.Printf("push connect error = %s", err)
	}

	if err := connector.Setup(&session.SetupOptions{
		Reattach: reattach,
	}); err != nil {
		Err.Printf("setup error = %s", err)
		return
	}

	if syncUrl != "" {
		parent := clocksync.NewSystemClock(1000000)
		clock := clocksync.NewClock(parent, 1000, clocksync.Correlation{}, 1)
		filter := clocksync.NewCorrectionFilterWithDefaults(clock)
		handshake := clocksync.NewHandshakeClientWithDefaults(cancelCtx, syncUrl, filter)
		defer handshake.Close()

		handshake.AddCiiReportCallback(func(report clocksync.CiiReport) {
			Out.Printf("content: %s (%s)", report.ContentId, report.PresentationStatus)
		})

		go func() {
			for {
				select {
				case <-cancelCtx.Done():
					return
				case <-time.After(time.Second):
					if clock.Available() {
						Out.Printf("timeline: %.3fs speed=%.2f", clock.Now(), clock.Speed())
					}
				}
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	connector.LeaveContext()
}

func send(opts docopt.Opts) {
	wsUrl, _ := opts.String("--ws_url")
	deviceId, _ := opts.String("--device_id")
	destination, _ := opts.String("--destination")
	component, _ := opts.String("--component")
	jwt, _ := opts.String("--jwt")
	message, _ := opts.String("<message>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messageBus := bus.NewBusWithDefaults(cancelCtx, deviceId, nil, nil)
	defer messageBus.Close()

	push := session.NewPushTransportWithDefaults(wsUrl, jwt, deviceId)
	defer push.Close()

	attached := make(chan struct{}, 1)
	push.AddConnectCallback(func() {
		messageBus.AttachTransport(bus.UpstreamBinding, push)
		select {
		case attached <- struct{}{}:
		default:
		}
	})
	push.AddMessageCallback(func(text []byte) {
		messageBus.HandleMessage(text)
	})
	if err := push.Connect(); err != nil {
		Err.Printf("push connect error = %s", err)
		return
	}

	select {
	case <-attached:
	case <-time.After(30 * time.Second):
		Err.Printf("timeout waiting for transport")
		return
	}

	body, err := messageBus.Send(cancelCtx, message, destination, component, "companionctl")
	if err != nil {
		Err.Printf("send error = %s", err)
		return
	}
	Out.Printf("%s", fmt.Sprint(body))
}
