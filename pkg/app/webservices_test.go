package app

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"github.com/womat/debug"

	"knxtp/pkg/app/config"
	"knxtp/pkg/bus"
	"knxtp/pkg/store"
	"knxtp/pkg/timer"
	"knxtp/pkg/timer/simtimer"
)

func TestMain(m *testing.M) {
	debug.SetDebug(os.Stderr, 0)
	os.Exit(m.Run())
}

func newTestApp(t *testing.T) *App {
	t.Helper()

	sim := simtimer.New()
	sim.SetLoopback(true)

	st, err := store.New(store.Config{PhysicalAddress: "1.1.5"})
	require.NoError(t, err)

	b := bus.New(sim, timer.Cap0, timer.Mat0, st)
	b.Begin()

	app := &App{
		web:    fiber.New(),
		config: config.NewConfig(),
		bus:    b,
		sim:    sim,
	}
	app.initDefaultRoutes()
	return app
}

func TestHandleSendRejects(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{"not hex", "zz"},
		{"too short", "bc1101"},
		{"too long", strings.Repeat("bc", 23)},
		// Eight octets, but the length nibble claims a 15 byte payload;
		// queueing it would make the transmitter read past the buffer.
		{"length nibble mismatch", "bc11010001ef0081"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t)

			req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(tc.body))
			resp, err := app.web.Test(req)
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.False(t, app.bus.Sending())
		})
	}
}

func TestHandleSendQueues(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader("bc11010001e10081"))
	resp, err := app.web.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Queueing happens on a separate go routine.
	require.Eventually(t, app.bus.Sending, time.Second, time.Millisecond)
}
