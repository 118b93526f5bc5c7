package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/verdantcompute/verdant-node/internal/domain"
	"github.com/verdantcompute/verdant-node/internal/inventory"
	"github.com/verdantcompute/verdant-node/internal/ledger"
	"github.com/verdantcompute/verdant-node/internal/provision"
	"github.com/verdantcompute/verdant-node/internal/reporting"
	"github.com/verdantcompute/verdant-node/internal/scheduler"
	"github.com/verdantcompute/verdant-node/internal/storage"
)

// ReserveRequest is the JSON body for POST /reservations
type ReserveRequest struct {
	GPUID     string    `json:"gpuId"`
	Requester string    `json:"requester"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// ReserveResponse is returned on successful reservation
type ReserveResponse struct {
	Reservation domain.Reservation    `json:"reservation"`
	Access      *provision.AccessInfo `json:"access,omitempty"`
}

// FinishResponse is returned after a release or cancellation
type FinishResponse struct {
	Reservation domain.Reservation `json:"reservation"`
	Message     string             `json:"message"`
}

// ErrorResponse for error cases
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ManagerInterface defines the operations the handler needs from the node
// manager
type ManagerInterface interface {
	Reserve(ctx context.Context, gpuID, requester string, window domain.Window) (domain.Reservation, *provision.AccessInfo, error)
	Release(ctx context.Context, reservationID string) (domain.Reservation, error)
	Cancel(ctx context.Context, reservationID string) (domain.Reservation, error)
	GetReservation(id string) (domain.Reservation, error)
	ListReservations(gpuID string) []domain.Reservation
	ListAvailable(filter domain.Capability) []domain.GPU
	ListGPUs() []domain.GPU
	SetGPUStatus(ctx context.Context, gpuID string, status domain.GPUStatus) error
	Snapshot() inventory.CapacitySnapshot
	ReservationReport(id string) (reporting.ReservationReport, error)
	FleetReport(window domain.Window) reporting.FleetReport
}

// Handler handles HTTP requests for reservation and reporting operations
type Handler struct {
	mgr ManagerInterface
}

// NewHandler creates a handler over the node manager
func NewHandler(mgr ManagerInterface) *Handler {
	return &Handler{mgr: mgr}
}

// Register installs the handler's routes on a mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/reservations", h.HandleReservations)
	mux.HandleFunc("/reservations/release", h.HandleRelease)
	mux.HandleFunc("/reservations/cancel", h.HandleCancel)
	mux.HandleFunc("/reservations/report", h.HandleReservationReport)
	mux.HandleFunc("/gpus", h.HandleGPUs)
	mux.HandleFunc("/gpus/status", h.HandleSetGPUStatus)
	mux.HandleFunc("/capacity", h.HandleCapacity)
	mux.HandleFunc("/reports/fleet", h.HandleFleetReport)
}

// HandleReservations handles POST /reservations (create) and
// GET /reservations?id=xxx or ?gpuId=xxx (query)
func (h *Handler) HandleReservations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleReserve(w, r)
	case http.MethodGet:
		h.handleGetReservations(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	}
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.GPUID == "" {
		h.writeError(w, http.StatusBadRequest, "gpuId is required", "MISSING_GPU_ID")
		return
	}
	if req.Requester == "" {
		h.writeError(w, http.StatusBadRequest, "requester is required", "MISSING_REQUESTER")
		return
	}

	window := domain.Window{Start: req.Start, End: req.End}
	res, access, err := h.mgr.Reserve(r.Context(), req.GPUID, req.Requester, window)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, ReserveResponse{Reservation: res, Access: access})
}

func (h *Handler) handleGetReservations(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		res, err := h.mgr.GetReservation(id)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, res)
		return
	}
	h.writeJSON(w, http.StatusOK, h.mgr.ListReservations(r.URL.Query().Get("gpuId")))
}

// HandleRelease handles POST /reservations/release
func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	h.handleFinish(w, r, h.mgr.Release, "reservation completed")
}

// HandleCancel handles POST /reservations/cancel
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleFinish(w, r, h.mgr.Cancel, "reservation cancelled")
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (domain.Reservation, error), message string) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	var req struct {
		ReservationID string `json:"reservationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.ReservationID == "" {
		h.writeError(w, http.StatusBadRequest, "reservationId is required", "MISSING_RESERVATION_ID")
		return
	}

	res, err := op(r.Context(), req.ReservationID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, FinishResponse{Reservation: res, Message: message})
}

// HandleGPUs handles GET /gpus with optional capability filters
// (?minMemoryMb=, ?computeClass=, ?available=true)
func (h *Handler) HandleGPUs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	q := r.URL.Query()
	if q.Get("available") == "true" {
		var filter domain.Capability
		if v := q.Get("minMemoryMb"); v != "" {
			mem, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid minMemoryMb", "INVALID_FILTER")
				return
			}
			filter.MemoryMB = mem
		}
		filter.ComputeClass = q.Get("computeClass")
		h.writeJSON(w, http.StatusOK, h.mgr.ListAvailable(filter))
		return
	}

	h.writeJSON(w, http.StatusOK, h.mgr.ListGPUs())
}

// HandleSetGPUStatus handles POST /gpus/status
func (h *Handler) HandleSetGPUStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	var req struct {
		GPUID  string `json:"gpuId"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.GPUID == "" {
		h.writeError(w, http.StatusBadRequest, "gpuId is required", "MISSING_GPU_ID")
		return
	}

	if err := h.mgr.SetGPUStatus(r.Context(), req.GPUID, domain.GPUStatus(req.Status)); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"gpuId": req.GPUID, "status": req.Status})
}

// HandleCapacity handles GET /capacity
func (h *Handler) HandleCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	h.writeJSON(w, http.StatusOK, h.mgr.Snapshot())
}

// HandleReservationReport handles GET /reservations/report?id=xxx
func (h *Handler) HandleReservationReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "id query param required", "MISSING_RESERVATION_ID")
		return
	}

	report, err := h.mgr.ReservationReport(id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// HandleFleetReport handles GET /reports/fleet?start=RFC3339&end=RFC3339
func (h *Handler) HandleFleetReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid start time", "INVALID_TIME_RANGE")
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid end time", "INVALID_TIME_RANGE")
		return
	}
	if !start.Before(end) {
		h.writeError(w, http.StatusBadRequest, "start must be before end", "INVALID_TIME_RANGE")
		return
	}

	h.writeJSON(w, http.StatusOK, h.mgr.FleetReport(domain.Window{Start: start, End: end}))
}

// writeDomainError maps domain errors to HTTP status codes
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var invalidDuration ledger.ErrInvalidDuration
	var invalidTransition ledger.ErrInvalidTransition

	switch {
	case errors.As(err, &invalidDuration):
		h.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_DURATION")
	case errors.Is(err, inventory.ErrInvalidStatus):
		h.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_STATUS")
	case errors.Is(err, inventory.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error(), "GPU_NOT_FOUND")
	case errors.Is(err, ledger.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error(), "RESERVATION_NOT_FOUND")
	case errors.Is(err, scheduler.ErrConflict):
		h.writeError(w, http.StatusConflict, err.Error(), "RESERVATION_CONFLICT")
	case errors.Is(err, inventory.ErrResourceBusy):
		h.writeError(w, http.StatusConflict, err.Error(), "GPU_BUSY")
	case errors.Is(err, inventory.ErrAlreadyRegistered):
		h.writeError(w, http.StatusConflict, err.Error(), "GPU_EXISTS")
	case errors.As(err, &invalidTransition):
		h.writeError(w, http.StatusConflict, err.Error(), "INVALID_TRANSITION")
	case errors.Is(err, storage.ErrUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, err.Error(), "STORAGE_UNAVAILABLE")
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
