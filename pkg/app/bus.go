package app

import (
	"encoding/json"
	"time"

	"github.com/womat/debug"

	"knxtp/pkg/knx"
	"knxtp/pkg/mqtt"
)

// readBus polls the transceiver for received telegrams, stores the decoded
// frame in the app main structure and sends it to the mqtt broker. The
// receive latch must be consumed quickly, the transceiver overwrites it
// with the next telegram otherwise.
func (app *App) readBus() {
	for {
		tel := app.bus.ReceivedTelegram()
		if tel == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		app.bus.DiscardReceivedTelegram()

		f, err := knx.Decode(tel)
		if err != nil {
			debug.ErrorLog.Printf("can't decode telegram % x: %v", tel, err)
			continue
		}

		debug.DebugLog.Printf("telegram %s -> %s: %s", f.Source, f.Destination, f.Payload)

		app.frame.Lock()
		app.frame.data = f
		app.frame.valid = true
		app.frame.Unlock()

		app.sendMQTT(app.config.MQTT.Topic, f)
	}
}

// sendMQTT sends the message struct to the mqtt broker.
func (app *App) sendMQTT(topic string, message interface{}) {
	go func(t string, r interface{}) {
		debug.TraceLog.Printf("prepare mqtt message %v %v", t, r)

		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			debug.ErrorLog.Printf("sendMQTT marshal: %v", err)
			return
		}

		app.mqtt.C <- mqtt.Message{
			Qos:      0,
			Retained: true,
			Topic:    t,
			Payload:  b,
		}
	}(topic, message)
}
