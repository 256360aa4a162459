package app

import (
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"

	"knxtp/pkg/knx"
)

// runWebServer starts the applications web server and listens for web requests.
//  It's designed to run in a separate go function to not block the main go function.
//  e.g.: go runWebServer()
//  See app.Run()
func (app *App) runWebServer() {
	err := app.web.Listen(app.urlParsed.Host)
	debug.ErrorLog.Print(err)
}

// HandleTelegram is the get last received telegram web handler.
func (app *App) HandleTelegram() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request telegram")

		app.frame.RLock()
		defer app.frame.RUnlock()

		if !app.frame.valid {
			ctx.Status(http.StatusNoContent)
			return nil
		}
		return ctx.JSON(app.frame.data)
	}
}

// HandleSend accepts a raw telegram as a hex string in the request body and
// queues it for transmission. The sender address is stamped and the
// checksum appended by the transceiver.
func (app *App) HandleSend() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request send")

		tel, err := hex.DecodeString(string(ctx.Body()))
		if err != nil {
			ctx.Status(http.StatusBadRequest)
			return ctx.JSON(fiber.Map{"error": err.Error()})
		}
		if len(tel) < 7 || len(tel) >= knx.MaxTelegramSize {
			ctx.Status(http.StatusBadRequest)
			return ctx.JSON(fiber.Map{"error": "invalid telegram length"})
		}

		// The transmitter sizes the attempt from the length nibble of
		// octet 5, so it must agree with the body.
		if knx.TelegramSize(tel) != len(tel) {
			ctx.Status(http.StatusBadRequest)
			return ctx.JSON(fiber.Map{"error": "length nibble does not match telegram length"})
		}

		// The transceiver borrows the buffer until it writes zero into
		// byte 0, so the telegram is queued from its own go routine.
		buf := make([]byte, knx.MaxTelegramSize)
		length := copy(buf, tel)

		go func() {
			app.bus.SendTelegram(buf, length)

			for buf[0] != 0 {
				time.Sleep(time.Millisecond)
			}
			debug.DebugLog.Printf("telegram sent: % x", tel)
		}()

		ctx.Status(http.StatusAccepted)
		return ctx.JSON(fiber.Map{"queued": hex.EncodeToString(tel)})
	}
}
