package app

import (
	"net/url"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"

	"knxtp/pkg/app/config"
	"knxtp/pkg/bus"
	"knxtp/pkg/knx"
	"knxtp/pkg/mqtt"
	"knxtp/pkg/raspberry"
	"knxtp/pkg/store"
	"knxtp/pkg/timer"
	"knxtp/pkg/timer/simtimer"
)

// App is the main application struct.
// App is where the application is wired up.
type App struct {
	// web is the fiber web framework instance
	web *fiber.App

	// config is the application configuration
	config *config.Config

	// urlParsed contains the parsed Config.Webserver.URL parameter
	urlParsed *url.URL

	// mqtt is the handler to the mqtt broker
	mqtt *mqtt.Handler

	// store is the bus coupler configuration consulted by the transceiver
	store *store.Store

	// bus is the KNX bus transceiver
	bus *bus.Bus

	// raspi is the gpio backed bus timer, nil in emulation mode
	raspi *raspberry.Timer

	// sim is the emulated bus timer, nil on hardware
	sim *simtimer.Timer

	// frame is the last received telegram, decoded
	frame struct {
		sync.RWMutex
		data  knx.Frame
		valid bool
	}

	// restart signals application restart
	restart chan struct{}
	// shutdown signals application shutdown
	shutdown chan struct{}
}

// New checks the web server URL and initializes the main app structure.
func New(cfg *config.Config) (*App, error) {
	u, err := url.Parse(cfg.Webserver.URL)
	if err != nil {
		debug.ErrorLog.Printf("Error parsing url %q: %s", cfg.Webserver.URL, err.Error())
		return &App{}, err
	}

	return &App{
		config:    cfg,
		urlParsed: u,

		web:  fiber.New(),
		mqtt: mqtt.New(),

		restart:  make(chan struct{}),
		shutdown: make(chan struct{}),
	}, err
}

// Run starts the application.
func (app *App) Run() error {
	if err := app.init(); err != nil {
		return err
	}

	go app.mqtt.Service()
	go app.runWebServer()
	go app.readBus()

	return nil
}

// init opens the bus interface and wires the transceiver up.
func (app *App) init() (err error) {
	if app.store, err = store.New(app.config.Knx); err != nil {
		debug.ErrorLog.Printf("can't load knx store: %v", err)
		return err
	}

	var t timer.Timer
	if app.config.Device.Emulate {
		app.sim = simtimer.New()
		app.sim.SetLoopback(true)
		t = app.sim
		go app.emulateClock()
		debug.InfoLog.Print("bus timer emulation enabled")
	} else {
		if app.raspi, err = raspberry.New(app.config.Device.Chip,
			app.config.Device.RxLine, app.config.Device.TxPin); err != nil {
			debug.ErrorLog.Printf("can't open bus interface: %v", err)
			return err
		}
		t = app.raspi
	}

	app.bus = bus.New(t, timer.Cap0, timer.Mat0, app.store)
	app.bus.Begin()

	if err = app.mqtt.Connect(app.config.MQTT.Connection); err != nil {
		debug.ErrorLog.Printf("can't open mqtt broker %v", err)
		return err
	}

	// initDefaultRoutes should always be called last because it may
	// access things which must be initialized before.
	app.initDefaultRoutes()

	return nil
}

// emulateClock drives the simulated timer along the wall clock.
func (app *App) emulateClock() {
	const tick = time.Millisecond

	for range time.Tick(tick) {
		app.sim.Advance(uint32(tick.Microseconds()))
	}
}

// Restart returns the read only restart channel.
// Restart is used to be able to react on application restart. (see cmd/knxtp.go)
func (app *App) Restart() <-chan struct{} {
	return app.restart
}

// Shutdown returns the read only shutdown channel.
// Shutdown is used to be able to react on application shutdown. (see cmd/knxtp.go)
func (app *App) Shutdown() <-chan struct{} {
	return app.shutdown
}

func (app *App) Close() error {
	if app.mqtt != nil {
		_ = app.mqtt.Disconnect()
	}

	if app.raspi != nil {
		_ = app.raspi.Close()
	}
	return nil
}
