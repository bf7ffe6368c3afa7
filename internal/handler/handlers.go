package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/agentgraph"
	"github.com/wagerline/platform/internal/auth"
	"github.com/wagerline/platform/internal/commission"
	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/matchqueue"
	"github.com/wagerline/platform/internal/sse"
	"github.com/wagerline/platform/internal/store"
	"github.com/wagerline/platform/internal/wager"
)

// Handlers binds the core components to the HTTP surface.
type Handlers struct {
	Graph       *agentgraph.Graph
	Wagers      *wager.Engine
	Commissions *commission.Engine
	Queue       *matchqueue.Queue
	Stream      *sse.Gateway
	Store       store.Store
}

// Routes mounts every endpoint on the router.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Post("/", h.createAgent)
		r.Patch("/{id}", h.updateAgent)
		r.Post("/{id}/customers", h.attachCustomer)
		r.Get("/{id}/hierarchy", h.hierarchy)
		r.Post("/{id}/suspend", h.suspendAgent)
		r.Post("/{id}/reactivate", h.reactivateAgent)
	})

	r.Post("/customers", h.createCustomer)

	r.Route("/wagers", func(r chi.Router) {
		r.Post("/", h.createBet)
		r.Patch("/{id}", h.updateBet)
		r.Post("/{id}/settle", h.settleBet)
		r.Post("/{id}/cancel", h.cancelBet)
	})

	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.createEvent)
		r.Post("/{id}/settle", h.bulkSettle)
		r.Post("/{id}/odds", h.updateOdds)
	})

	r.Get("/settlements", h.settlements)

	r.Route("/queue", func(r chi.Router) {
		r.Post("/items", h.enqueue)
		r.Post("/items/{id}/cancel", h.cancelQueueItem)
		r.Post("/attempts/{id}/confirm", h.confirmMatch)
		r.Get("/stats", h.queueStats)
	})

	r.Route("/commissions", func(r chi.Router) {
		r.Post("/structures", h.createStructure)
		r.Post("/calculate", h.calculate)
		r.Post("/payouts", h.createPayout)
		r.Post("/payouts/{id}/process", h.processPayout)
		r.Post("/payouts/{id}/complete", h.completePayout)
		r.Post("/payouts/{id}/fail", h.failPayout)
		r.Post("/payouts/{id}/cancel", h.cancelPayout)
	})

	r.Get("/stream", h.Stream.Handler())
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, domain.ErrValidation("malformed id in path")
	}
	return id, nil
}

// --- agents ---

func (h *Handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	var input agentgraph.CreateAgentInput
	if err := DecodeJSON(r, &input); err != nil {
		RespondError(w, r, err)
		return
	}
	agent, err := h.Graph.CreateAgent(r.Context(), input)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusCreated, agent)
}

func (h *Handlers) updateAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	var patch agentgraph.UpdateAgentPatch
	if err := DecodeJSON(r, &patch); err != nil {
		RespondError(w, r, err)
		return
	}
	agent, err := h.Graph.UpdateAgent(r.Context(), id, patch)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, agent)
}

type attachCustomerRequest struct {
	CustomerID uuid.UUID             `json:"customer_id"`
	Kind       domain.AttachmentKind `json:"kind"`
	SplitPct   int                   `json:"split_pct"`
}

func (h *Handlers) attachCustomer(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	var req attachCustomerRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, r, err)
		return
	}
	att, err := h.Graph.AttachCustomer(r.Context(), req.CustomerID, agentID, req.Kind, req.SplitPct)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusCreated, att)
}

func (h *Handlers) hierarchy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	node, err := h.Graph.HierarchyOf(r.Context(), id)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, node)
}

type suspendRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handlers) suspendAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	var req suspendRequest
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &req); err != nil {
			RespondError(w, r, err)
			return
		}
	}
	agent, err := h.Graph.Suspend(r.Context(), id, req.Reason)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, agent)
}

func (h *Handlers) reactivateAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	agent, err := h.Graph.Reactivate(r.Context(), id)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, agent)
}

// --- customers ---

type createCustomerRequest struct {
	AgentID  uuid.UUID `json:"agent_id"`
	Login    string    `json:"login"`
	Currency string    `json:"currency"`
}

func (h *Handlers) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, r, err)
		return
	}
	if err := domain.ValidateLogin(req.Login); err != nil {
		RespondError(w, r, err)
		return
	}
	if err := domain.ValidateCurrency(req.Currency); err != nil {
		RespondError(w, r, err)
		return
	}

	customer := &domain.Customer{
		ID:        uuid.New(),
		AgentID:   req.AgentID,
		Login:     req.Login,
		Tier:      domain.TierBronze,
		Status:    domain.CustomerActive,
		Currency:  req.Currency,
		RiskLevel: domain.RiskLow,
		KYC:       domain.KYCPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	err := h.Store.InTx(r.Context(), func(tx store.Tx) error {
		agent, err := h.Store.Agents().Get(tx, req.AgentID)
		if err != nil {
			return err
		}
		if agent == nil {
			return domain.ErrNotFound("agent", req.AgentID.String())
		}
		return h.Store.Customers().Put(tx, customer)
	})
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusCreated, customer)
}

// --- wagers ---

func (h *Handlers) createBet(w http.ResponseWriter, r *http.Request) {
	var input wager.CreateBetInput
	if err := DecodeJSON(r, &input); err != nil {
		RespondError(w, r, err)
		return
	}
	result, err := h.Wagers.CreateBet(r.Context(), input)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusCreated, result)
}

func (h *Handlers) updateBet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	var patch wager.UpdateBetPatch
	if err := DecodeJSON(r, &patch); err != nil {
		RespondError(w, r, err)
		return
	}
	updated, err := h.Wagers.UpdateBet(r.Context(), id, patch)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, updated)
}

type settleRequest struct {
	Outcome domain.SettlementOutcome `json:"outcome"`
}

func (h *Handlers) settleBet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	var req settleRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, r, err)
		return
	}
	settled, err := h.Wagers.SettleBet(r.Context(), wager.Settlement{
		WagerID:   id,
		Outcome:   req.Outcome,
		SettledBy: actorID(r),
	})
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, settled)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handlers) cancelBet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &req); err != nil {
			RespondError(w, r, err)
			return
		}
	}
	cancelled, err := h.Wagers.CancelBet(r.Context(), id, req.Reason)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, cancelled)
}

// --- sports events ---

type createEventRequest struct {
	Sport     string              `json:"sport"`
	League    string              `json:"league,omitempty"`
	HomeTeam  string              `json:"home_team"`
	AwayTeam  string              `json:"away_team"`
	StartTime time.Time           `json:"start_time"`
	VIPAccess []domain.Tier       `json:"vip_access,omitempty"`
	Odds      domain.OddsSnapshot `json:"odds"`
}

func (h *Handlers) createEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, r, err)
		return
	}
	if req.Sport == "" || req.HomeTeam == "" || req.AwayTeam == "" {
		RespondError(w, r, domain.ErrValidation("sport, home_team and away_team are required"))
		return
	}

	now := time.Now().UTC()
	req.Odds.LastUpdated = now
	event := &domain.SportsEvent{
		ID:        uuid.New(),
		Sport:     req.Sport,
		League:    req.League,
		HomeTeam:  req.HomeTeam,
		AwayTeam:  req.AwayTeam,
		StartTime: req.StartTime,
		Status:    domain.EventScheduled,
		VIPAccess: req.VIPAccess,
		Odds:      req.Odds,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := h.Store.InTx(r.Context(), func(tx store.Tx) error {
		return h.Store.SportsEvents().Put(tx, event)
	})
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusCreated, event)
}

type bulkSettleRequest struct {
	Settlements []wager.Settlement `json:"settlements"`
}

func (h *Handlers) bulkSettle(w http.ResponseWriter, r *http.Request) {
	eventID, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	var req bulkSettleRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, r, err)
		return
	}
	for i := range req.Settlements {
		if req.Settlements[i].SettledBy == "" {
			req.Settlements[i].SettledBy = actorID(r)
		}
	}
	results, err := h.Wagers.BulkSettleBets(r.Context(), eventID, req.Settlements)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, results)
}

func (h *Handlers) updateOdds(w http.ResponseWriter, r *http.Request) {
	eventID, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	var update wager.OddsUpdate
	if err := DecodeJSON(r, &update); err != nil {
		RespondError(w, r, err)
		return
	}
	event, err := h.Wagers.UpdateOdds(r.Context(), eventID, update)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, event)
}

// --- settlements ---

func (h *Handlers) settlements(w http.ResponseWriter, r *http.Request) {
	q := store.SettlementQuery{Limit: 50}
	query := r.URL.Query()
	if raw := query.Get("customer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			RespondError(w, r, domain.ErrValidation("malformed customer_id"))
			return
		}
		q.CustomerID = &id
	}
	if raw := query.Get("agent_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			RespondError(w, r, domain.ErrValidation("malformed agent_id"))
			return
		}
		q.AgentID = &id
	}
	if raw := query.Get("event_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			RespondError(w, r, domain.ErrValidation("malformed event_id"))
			return
		}
		q.EventID = &id
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			RespondError(w, r, domain.ErrValidation("since must be RFC 3339"))
			return
		}
		q.Since = &since
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			RespondError(w, r, domain.ErrValidation("limit must be within 1..500"))
			return
		}
		q.Limit = limit
	}

	// Fetch one extra row to learn whether more results remain.
	lookahead := q
	lookahead.Limit = q.Limit + 1
	settled, err := h.Wagers.Settlements(r.Context(), lookahead)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	more := len(settled) > q.Limit
	if more {
		settled = settled[:q.Limit]
	}
	RespondPage(w, r, http.StatusOK, settled, &Pagination{Limit: q.Limit, Count: len(settled), More: more})
}

// --- queue ---

func (h *Handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	var input matchqueue.EnqueueInput
	if err := DecodeJSON(r, &input); err != nil {
		RespondError(w, r, err)
		return
	}
	item, err := h.Queue.Enqueue(r.Context(), input)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusCreated, item)
}

func (h *Handlers) cancelQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	item, err := h.Queue.Cancel(r.Context(), id)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, item)
}

func (h *Handlers) confirmMatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	attempt, err := h.Queue.ConfirmMatch(r.Context(), id)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, attempt)
}

func (h *Handlers) queueStats(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, r, http.StatusOK, h.Queue.Stats())
}

// --- commissions ---

func (h *Handlers) createStructure(w http.ResponseWriter, r *http.Request) {
	var s domain.CommissionStructure
	if err := DecodeJSON(r, &s); err != nil {
		RespondError(w, r, err)
		return
	}
	created, err := h.Commissions.CreateStructure(r.Context(), &s)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusCreated, created)
}

func (h *Handlers) calculate(w http.ResponseWriter, r *http.Request) {
	var input commission.CalculateInput
	if err := DecodeJSON(r, &input); err != nil {
		RespondError(w, r, err)
		return
	}
	calc, err := h.Commissions.Calculate(r.Context(), input)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusCreated, calc)
}

type createPayoutRequest struct {
	AgentID        uuid.UUID   `json:"agent_id"`
	CalculationIDs []uuid.UUID `json:"calculation_ids"`
}

func (h *Handlers) createPayout(w http.ResponseWriter, r *http.Request) {
	var req createPayoutRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, r, err)
		return
	}
	payout, err := h.Commissions.CreatePayout(r.Context(), req.AgentID, req.CalculationIDs)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusCreated, payout)
}

func (h *Handlers) processPayout(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	payout, err := h.Commissions.ProcessPayout(r.Context(), id, actorID(r))
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, payout)
}

type completePayoutRequest struct {
	Reference string `json:"reference,omitempty"`
}

func (h *Handlers) completePayout(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	var req completePayoutRequest
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &req); err != nil {
			RespondError(w, r, err)
			return
		}
	}
	payout, err := h.Commissions.CompletePayout(r.Context(), id, req.Reference)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, payout)
}

func (h *Handlers) failPayout(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &req); err != nil {
			RespondError(w, r, err)
			return
		}
	}
	payout, err := h.Commissions.FailPayout(r.Context(), id, req.Reason)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, payout)
}

func (h *Handlers) cancelPayout(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &req); err != nil {
			RespondError(w, r, err)
			return
		}
	}
	payout, err := h.Commissions.CancelPayout(r.Context(), id, req.Reason)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	RespondJSON(w, r, http.StatusOK, payout)
}

func actorID(r *http.Request) string {
	if actor, ok := auth.FromContext(r.Context()); ok {
		return actor.ID
	}
	return ""
}
