package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/btaudio/btaudiod/internal/controlapi"
)

// NewRouter builds the chi router binding ControlApi's command table to
// HTTP, grounded on ampli-pi4/internal/api/router.go's group-and-
// middleware shape.
func NewRouter(api *controlapi.Api) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(middleware.CleanPath)

	h := &handlers{api: api}

	r.Get("/api/devices", h.listDevices)
	r.Get("/api/adapters", h.listAdapters)
	r.Post("/api/adapters/select", h.setAdapter)

	r.Post("/api/scan/start", h.startScan)
	r.Get("/api/scan/status", h.scanStatus)

	r.Post("/api/devices/{addr}/pair", h.pair)
	r.Post("/api/devices/{addr}/connect", h.connect)
	r.Post("/api/devices/{addr}/disconnect", h.disconnect)
	r.Delete("/api/devices/{addr}", h.forget)
	r.Post("/api/devices/{addr}/force-reconnect", h.forceReconnect)
	r.Patch("/api/devices/{addr}", h.updateDeviceSettings)

	r.Get("/api/settings", h.getSettings)
	r.Put("/api/settings", h.putSettings)

	r.Post("/api/restart", h.restart)

	r.Get("/events", h.events)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
