// Package apihttp exposes the operator-facing read/admin endpoints.
package apihttp

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	masterdata "attendance-cloud/internal/masterdata/domain"
)

const timeLayout = time.RFC3339

// DevicesHandler serves the device registry over HTTP.
type DevicesHandler struct {
	devices masterdata.DeviceRepository
	logger  *log.Logger
}

// NewDevicesHandler constructs a DevicesHandler.
func NewDevicesHandler(devices masterdata.DeviceRepository, logger *log.Logger) *DevicesHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &DevicesHandler{devices: devices, logger: logger}
}

type deviceView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Family       string `json:"family"`
	Active       bool   `json:"active"`
	PollInterval string `json:"pollInterval"`
	Health       string `json:"health"`
	LastSyncAt   string `json:"lastSyncAt,omitempty"`
}

type devicePayload struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Host                string `json:"host"`
	Port                int    `json:"port"`
	Family              string `json:"family"`
	Active              *bool  `json:"active,omitempty"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds,omitempty"`
}

// ServeHTTP handles GET and POST /api/v1/devices.
func (h *DevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.devices == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.upsert(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *DevicesHandler) list(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.ListActive(r.Context())
	if err != nil {
		h.logger.Printf("api: list devices: %v", err)
		http.Error(w, "list devices error", http.StatusInternalServerError)
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, device := range devices {
		view := deviceView{
			ID:           device.ID,
			Name:         device.Name,
			Host:         device.Host,
			Port:         device.Port,
			Family:       string(device.Family),
			Active:       device.Active,
			PollInterval: device.PollInterval.String(),
			Health:       string(device.Health),
		}
		if device.LastSyncAt != nil {
			view.LastSyncAt = device.LastSyncAt.UTC().Format(timeLayout)
		}
		views = append(views, view)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"devices": views})
}

func (h *DevicesHandler) upsert(w http.ResponseWriter, r *http.Request) {
	var payload devicePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	family := masterdata.ParseFamily(payload.Family)
	if family == masterdata.FamilyUnknown {
		http.Error(w, "unknown protocol family", http.StatusBadRequest)
		return
	}

	existing, err := h.devices.Get(r.Context(), payload.ID)
	if err != nil {
		h.logger.Printf("api: get device %s: %v", payload.ID, err)
		http.Error(w, "get device error", http.StatusInternalServerError)
		return
	}

	device := masterdata.Device{
		ID:     payload.ID,
		Name:   payload.Name,
		Host:   payload.Host,
		Port:   payload.Port,
		Family: family,
		Active: true,
		Health: masterdata.HealthOffline,
	}
	if existing != nil {
		device.Health = existing.Health
		device.LastSyncAt = existing.LastSyncAt
		device.CreatedAt = existing.CreatedAt
		device.Active = existing.Active
	}
	if payload.Active != nil {
		device.Active = *payload.Active
	}
	if payload.PollIntervalSeconds > 0 {
		device.PollInterval = time.Duration(payload.PollIntervalSeconds) * time.Second
	} else if existing != nil {
		device.PollInterval = existing.PollInterval
	} else {
		device.PollInterval = 5 * time.Minute
	}

	if err := device.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.devices.Save(r.Context(), &device); err != nil {
		h.logger.Printf("api: save device %s: %v", device.ID, err)
		http.Error(w, "save device error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if existing == nil {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": device.ID})
}
