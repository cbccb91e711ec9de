package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pulse/hub"
	"pulse/model"
	"pulse/scheduler"
	"pulse/status"
	"pulse/store"
)

// Store is the slice of the persistence collaborator the API needs.
type Store interface {
	ListServices(ctx context.Context) ([]*model.Service, error)
	GetService(ctx context.Context, id string) (*model.Service, error)
	CreateService(ctx context.Context, svc *model.Service) error
	DeleteService(ctx context.Context, id string) error
	SetServiceActive(ctx context.Context, id string, active bool) error
	CheckHistory(ctx context.Context, serviceID string, limit int) ([]*model.CheckResult, error)
	DashboardStats(ctx context.Context) (*store.Stats, error)
	Healthy(ctx context.Context) error
}

type Handler struct {
	db    Store
	ws    *hub.Hub
	agg   *status.Aggregator
	sched *scheduler.Scheduler
}

func New(db Store, ws *hub.Hub, agg *status.Aggregator, sched *scheduler.Scheduler) *Handler {
	return &Handler{db: db, ws: ws, agg: agg, sched: sched}
}

// ValidateServiceID rejects requests whose service id is not a UUID before
// they reach the store.
func ValidateServiceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id != "" {
			if _, err := uuid.Parse(id); err != nil {
				writeError(w, http.StatusBadRequest, "invalid service id")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// serviceView joins the stored definition with its derived state.
type serviceView struct {
	*model.Service
	State model.ServiceState `json:"state"`
}

func (h *Handler) view(svc *model.Service) serviceView {
	return serviceView{Service: svc, State: h.agg.State(svc.ID)}
}

// Health reports liveness of the API and its store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{"store": "ok"}
	healthy := true
	if err := h.db.Healthy(r.Context()); err != nil {
		services["store"] = err.Error()
		healthy = false
	}
	statusWord := "ok"
	if !healthy {
		statusWord = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":   statusWord,
		"services": services,
		"clients":  h.ws.ClientCount(),
	})
}

func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.db.ListServices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]serviceView, 0, len(services))
	for _, svc := range services {
		views = append(views, h.view(svc))
	}
	writeJSON(w, views)
}

type createServiceRequest struct {
	Name     string            `json:"name"`
	Type     model.CheckType   `json:"type"`
	Target   string            `json:"target"`
	Config   model.CheckConfig `json:"config"`
	Interval string            `json:"interval"`
	Timeout  string            `json:"timeout"`
	Tags     []string          `json:"tags"`
}

func (h *Handler) CreateService(w http.ResponseWriter, r *http.Request) {
	var req createServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	svc := &model.Service{
		ID:     uuid.NewString(),
		Name:   req.Name,
		Type:   req.Type,
		Target: req.Target,
		Config: req.Config,
		Active: true,
		Tags:   req.Tags,
	}
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid interval: "+err.Error())
			return
		}
		svc.Interval = d
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timeout: "+err.Error())
			return
		}
		svc.Timeout = d
	}
	if err := svc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.db.CreateService(r.Context(), svc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("handler: service created name=%s type=%s", svc.Name, svc.Type)
	h.ws.Broadcast(hub.ChannelServices, hub.NewEvent(hub.EventServiceCreated, h.view(svc)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(h.view(svc))
}

func (h *Handler) GetService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	svc, err := h.db.GetService(r.Context(), id)
	if err != nil {
		writeError(w, statusFromStore(err), err.Error())
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	history, err := h.db.CheckHistory(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if history == nil {
		history = []*model.CheckResult{}
	}

	writeJSON(w, map[string]any{
		"service": h.view(svc),
		"history": history,
	})
}

func (h *Handler) DeleteService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.db.DeleteService(r.Context(), id); err != nil {
		writeError(w, statusFromStore(err), err.Error())
		return
	}

	h.agg.Forget(id)
	h.sched.Drop(id)
	log.Printf("handler: service deleted id=%s", id)
	h.ws.Broadcast(hub.ChannelServices, hub.NewEvent(hub.EventServiceDeleted, map[string]string{"id": id}))

	w.WriteHeader(http.StatusNoContent)
}

// TriggerCheck runs an immediate check outside the schedule. A failed
// probe is still a 200: the result carries the failure reason.
func (h *Handler) TriggerCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.sched.TriggerNow(r.Context(), id)
	if err != nil {
		writeError(w, statusFromStore(err), err.Error())
		return
	}
	writeJSON(w, result)
}

func (h *Handler) PauseService(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

func (h *Handler) ResumeService(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *Handler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id := chi.URLParam(r, "id")
	if err := h.db.SetServiceActive(r.Context(), id, !paused); err != nil {
		writeError(w, statusFromStore(err), err.Error())
		return
	}
	h.agg.SetPaused(r.Context(), id, paused)

	svc, err := h.db.GetService(r.Context(), id)
	if err != nil {
		writeError(w, statusFromStore(err), err.Error())
		return
	}
	h.ws.Broadcast(hub.ChannelServices, hub.NewEvent(hub.EventServiceUpdated, h.view(svc)))
	writeJSON(w, h.view(svc))
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.DashboardStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, stats)
}

func statusFromStore(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
