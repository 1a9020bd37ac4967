package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/btaudio/btaudiod/internal/controlapi"
	"github.com/btaudio/btaudiod/internal/kinderr"
	"github.com/btaudio/btaudiod/internal/model"
)

// handlers holds the dependencies every endpoint needs, grounded on
// ampli-pi4/internal/api/helpers.go's Handlers struct.
type handlers struct {
	api *controlapi.Api
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, cerr *controlapi.Error) {
	writeJSON(w, statusFor(cerr.Kind), cerr)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, &controlapi.Error{Kind: "BadRequest", Message: message})
}

// statusFor maps a kinderr.Kind to the HTTP status a client should act
// on — the one piece of transport-specific knowledge internal/controlapi
// itself deliberately has no opinion about.
func statusFor(k kinderr.Kind) int {
	switch k {
	case kinderr.DeviceUnreachable, kinderr.AdapterNotFound:
		return http.StatusNotFound
	case kinderr.AlreadyPaired, kinderr.Busy:
		return http.StatusConflict
	case kinderr.AuthRejected:
		return http.StatusForbidden
	case kinderr.AdapterNotPowered, kinderr.PulseUnavailable, kinderr.DbusUnavailable, kinderr.StoreCorrupt:
		return http.StatusServiceUnavailable
	case "BadRequest":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func addrParam(r *http.Request) (model.Address, error) {
	return model.ParseAddress(chi.URLParam(r, "addr"))
}

func (h *handlers) listDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.api.ListDevices())
}

func (h *handlers) listAdapters(w http.ResponseWriter, r *http.Request) {
	adapters, cerr := h.api.ListAdapters(r.Context())
	if cerr != nil {
		writeError(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, adapters)
}

type setAdapterRequest struct {
	Selector string `json:"selector"`
	Clean    bool   `json:"clean"`
}

func (h *handlers) setAdapter(w http.ResponseWriter, r *http.Request) {
	var req setAdapterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	restartRequired, cerr := h.api.SetAdapter(r.Context(), req.Selector, req.Clean)
	if cerr != nil {
		writeError(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restart_required": restartRequired})
}

func (h *handlers) startScan(w http.ResponseWriter, r *http.Request) {
	duration, cerr := h.api.StartScan(r.Context())
	if cerr != nil {
		writeError(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"duration_seconds": duration})
}

func (h *handlers) scanStatus(w http.ResponseWriter, r *http.Request) {
	scanning, remaining := h.api.ScanStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"scanning":          scanning,
		"seconds_remaining": remaining,
	})
}

type pairRequest struct {
	Name string `json:"name"`
}

func (h *handlers) pair(w http.ResponseWriter, r *http.Request) {
	addr, err := addrParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req pairRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	pd, cerr := h.api.Pair(r.Context(), addr, req.Name)
	if cerr != nil {
		writeError(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, pd)
}

func (h *handlers) connect(w http.ResponseWriter, r *http.Request) {
	addr, err := addrParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if cerr := h.api.Connect(r.Context(), addr); cerr != nil {
		writeError(w, cerr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) disconnect(w http.ResponseWriter, r *http.Request) {
	addr, err := addrParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if cerr := h.api.Disconnect(r.Context(), addr); cerr != nil {
		writeError(w, cerr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) forget(w http.ResponseWriter, r *http.Request) {
	addr, err := addrParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if cerr := h.api.Forget(r.Context(), addr); cerr != nil {
		writeError(w, cerr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) forceReconnect(w http.ResponseWriter, r *http.Request) {
	addr, err := addrParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if cerr := h.api.ForceReconnect(r.Context(), addr); cerr != nil {
		writeError(w, cerr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) updateDeviceSettings(w http.ResponseWriter, r *http.Request) {
	addr, err := addrParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var patch model.DevicePatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	pd, cerr := h.api.UpdateDeviceSettings(r.Context(), addr, patch)
	if cerr != nil {
		writeError(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, pd)
}

func (h *handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.api.GetSettings())
}

func (h *handlers) putSettings(w http.ResponseWriter, r *http.Request) {
	var patch model.SettingsPatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	s, cerr := h.api.PutSettings(r.Context(), patch)
	if cerr != nil {
		writeError(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) restart(w http.ResponseWriter, r *http.Request) {
	if cerr := h.api.Restart(r.Context()); cerr != nil {
		writeError(w, cerr)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
