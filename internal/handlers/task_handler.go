package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/models"
	"github.com/workmarket/backend/internal/services"
)

// TaskService is the escrow surface used by the handler.
type TaskService interface {
	CreateTask(ctx context.Context, customerID uuid.UUID, title string, price decimal.Decimal) (*models.Task, error)
	AssignExecutor(ctx context.Context, taskID, executorID uuid.UUID) (*models.Task, error)
	CompleteTask(ctx context.Context, taskID, actorID uuid.UUID) (*services.Settlement, error)
	CancelTask(ctx context.Context, taskID, actorID uuid.UUID) (*models.Task, error)
}

// DisputeService is the dispute surface used by the handler.
type DisputeService interface {
	Open(ctx context.Context, taskID, initiatorID uuid.UUID, reason string) (*models.Dispute, error)
	StartReview(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	Resolve(ctx context.Context, id uuid.UUID, decision, comment string) (*services.Resolution, error)
}

// TaskLister returns the tasks a user is party to.
type TaskLister interface {
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Task, error)
}

// DisputeLister returns unresolved disputes, oldest first.
type DisputeLister interface {
	ListActive(ctx context.Context, limit int) ([]*models.Dispute, error)
}

// TaskHandler serves /api/v1/tasks and /api/v1/disputes.
type TaskHandler struct {
	Tasks          TaskService
	Lister         TaskLister
	Disputes       DisputeService
	ActiveDisputes DisputeLister
	Logger         *slog.Logger
}

type createTaskRequest struct {
	Title string          `json:"title"`
	Price decimal.Decimal `json:"price"`
}

// --- POST /api/v1/tasks ---

func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := h.Tasks.CreateTask(r.Context(), p.UserID, req.Title, req.Price)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// --- GET /api/v1/tasks ---

func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	list, err := h.Lister.ListByUser(r.Context(), p.UserID)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	if list == nil {
		list = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": list})
}

// --- POST /api/v1/tasks/{id}/assign ---

// AssignTask makes the caller the executor of an open task.
func (h *TaskHandler) AssignTask(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	task, err := h.Tasks.AssignExecutor(r.Context(), taskID, p.UserID)
	writeResult(w, logOrDefault(h.Logger), http.StatusOK, task, err)
}

// --- POST /api/v1/tasks/{id}/complete ---

func (h *TaskHandler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	s, err := h.Tasks.CompleteTask(r.Context(), taskID, p.UserID)
	writeResult(w, logOrDefault(h.Logger), http.StatusOK, s, err)
}

// --- POST /api/v1/tasks/{id}/cancel ---

func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	task, err := h.Tasks.CancelTask(r.Context(), taskID, p.UserID)
	writeResult(w, logOrDefault(h.Logger), http.StatusOK, task, err)
}

// --- POST /api/v1/tasks/{id}/disputes ---

func (h *TaskHandler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := h.Disputes.Open(r.Context(), taskID, p.UserID, req.Reason)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// --- GET /api/v1/disputes (admin) ---

func (h *TaskHandler) ListDisputes(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	list, err := h.ActiveDisputes.ListActive(r.Context(), limit)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	if list == nil {
		list = []*models.Dispute{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"disputes": list})
}

// --- POST /api/v1/disputes/{id}/review (admin) ---

func (h *TaskHandler) ReviewDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.Disputes.StartReview(r.Context(), id)
	writeResult(w, logOrDefault(h.Logger), http.StatusOK, d, err)
}

// --- POST /api/v1/disputes/{id}/resolve (admin) ---

func (h *TaskHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Decision string `json:"decision"`
		Comment  string `json:"comment"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Disputes.Resolve(r.Context(), id, req.Decision, req.Comment)
	writeResult(w, logOrDefault(h.Logger), http.StatusOK, res, err)
}
