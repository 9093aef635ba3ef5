package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/store"
)

// routeRequest is the POST /v1/route body.
type routeRequest struct {
	ProviderID string            `json:"provider_id"`
	Model      string            `json:"model,omitempty"`
	Messages   []domain.Message  `json:"messages,omitempty"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	Objective *objectiveBody `json:"objective,omitempty"`
}

type objectiveBody struct {
	Primary   string             `json:"primary"`
	Secondary []string           `json:"secondary,omitempty"`
	Weights   map[string]float64 `json:"weights,omitempty"`
}

func (o *objectiveBody) toDomain() *domain.RoutingObjective {
	if o == nil {
		return nil
	}
	obj := &domain.RoutingObjective{Primary: domain.ObjectiveType(o.Primary)}
	for _, s := range o.Secondary {
		obj.Secondary = append(obj.Secondary, domain.ObjectiveType(s))
	}
	if len(o.Weights) > 0 {
		obj.Weights = make(map[domain.ObjectiveType]float64, len(o.Weights))
		for k, v := range o.Weights {
			obj.Weights[domain.ObjectiveType(k)] = v
		}
	}
	return obj
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	intent := domain.Intent{
		ProviderID: req.ProviderID,
		Model:      req.Model,
		Messages:   req.Messages,
		Parameters: req.Parameters,
		Metadata:   req.Metadata,
	}

	resp, err := s.router.Route(r.Context(), intent, req.Objective.toDomain())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// keyView is the public projection of an APIKey: never the ciphertext.
type keyView struct {
	ID             string            `json:"id"`
	ProviderID     string            `json:"provider_id"`
	State          string            `json:"state"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StateUpdatedAt time.Time         `json:"state_updated_at"`
	LastUsedAt     *time.Time        `json:"last_used_at,omitempty"`
	CooldownUntil  *time.Time        `json:"cooldown_until,omitempty"`
	UsageCount     int64             `json:"usage_count"`
	FailureCount   int64             `json:"failure_count"`
}

func toKeyView(k domain.APIKey) keyView {
	return keyView{
		ID:             k.ID,
		ProviderID:     k.ProviderID,
		State:          string(k.State),
		Metadata:       k.Metadata,
		CreatedAt:      k.CreatedAt,
		StateUpdatedAt: k.StateUpdatedAt,
		LastUsedAt:     k.LastUsedAt,
		CooldownUntil:  k.CooldownUntil,
		UsageCount:     k.UsageCount,
		FailureCount:   k.FailureCount,
	}
}

type registerKeyRequest struct {
	Material   string            `json:"material"`
	ProviderID string            `json:"provider_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	var req registerKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	key, err := s.router.RegisterKey(r.Context(), req.Material, req.ProviderID, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toKeyView(*key))
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.router.Keys().ListKeys(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]keyView, len(keys))
	for i, k := range keys {
		views[i] = toKeyView(k)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views})
}

type rotateKeyRequest struct {
	Material string `json:"material"`
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	key, err := s.router.Keys().RotateKey(r.Context(), chi.URLParam(r, "id"), req.Material)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toKeyView(*key))
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.router.Keys().RevokeKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExplainDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	decisions, err := s.router.Store().ListRoutingDecisions(r.Context(), store.StateQuery{Limit: 1000})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for i := range decisions {
		if decisions[i].ID == id {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = fmt.Fprint(w, s.router.ExplainDecision(&decisions[i]))
			return
		}
	}
	writeError(w, http.StatusNotFound, "decision not found")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": s.router.Registry().IDs(),
	})
}

// handleEvents streams bus events over SSE until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.bus.Subscribe(256)
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-sub.C:
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps core error types onto HTTP statuses. Messages come
// from the typed errors, which never carry key material or provider bodies.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		notFound   *domain.KeyNotFound
		transition *domain.InvalidStateTransition
		regErr     *domain.KeyRegistrationError
		budget     *domain.BudgetExceededError
		noKeys     *domain.NoEligibleKeysError
		provider   *domain.DomainError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, transition.Error())
	case errors.As(err, &regErr):
		writeError(w, http.StatusBadRequest, regErr.Error())
	case errors.As(err, &budget):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":            budget.Message,
			"remaining_budget": budget.RemainingBudget.String(),
			"violated_budgets": budget.ViolatedBudgets,
			"cost_estimate":    budget.CostEstimate.String(),
		})
	case errors.As(err, &noKeys):
		writeError(w, http.StatusServiceUnavailable, noKeys.Error())
	case errors.As(err, &provider):
		status := http.StatusBadGateway
		if provider.Category == domain.ErrCategoryRateLimit {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, provider.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
