package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/GridForge/internal/domain/partition"
	"github.com/Strob0t/GridForge/internal/domain/result"
	"github.com/Strob0t/GridForge/internal/domain/task"
	"github.com/Strob0t/GridForge/internal/port/database"
	"github.com/Strob0t/GridForge/internal/port/messagequeue"
	"github.com/Strob0t/GridForge/internal/service"
)

const defaultBodyLimit = 1 << 20 // 1 MB

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Lifecycle  *service.LifecycleService
	Wait       *service.WaitService
	Dispatch   *service.DispatchService
	Partitions database.PartitionTable
	Queue      messagequeue.Queue
	// BodyLimit bounds task submission and result upload bodies.
	BodyLimit int64
}

func (h *Handlers) bodyLimit() int64 {
	if h.BodyLimit > 0 {
		return h.BodyLimit
	}
	return defaultBodyLimit
}

// Health reports whether the queue connection is up.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	type healthStatus struct {
		Status string `json:"status"`
		Queue  bool   `json:"queue"`
	}
	if h.Queue != nil && !h.Queue.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, healthStatus{Status: "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, healthStatus{Status: "ok", Queue: true})
}

// GetConfig returns the submission configuration clients must respect.
func (h *Handlers) GetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Lifecycle.GetServiceConfiguration())
}

// --- Partitions ---

func (h *Handlers) ListPartitions(w http.ResponseWriter, r *http.Request) {
	parts, err := h.Partitions.ListPartitions(r.Context())
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeList(w, parts)
}

// CreatePartitions registers or updates partitions.
func (h *Handlers) CreatePartitions(w http.ResponseWriter, r *http.Request) {
	parts, ok := readJSON[[]partition.Partition](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, "at least one partition is required")
		return
	}
	for _, p := range parts {
		if !requireField(w, p.ID, "id") {
			return
		}
	}
	if err := h.Partitions.CreatePartitions(r.Context(), parts); err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, parts)
}

// --- Sessions ---

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	create(defaultBodyLimit, h.Lifecycle.CreateSession)(w, r)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	byID(h.Lifecycle.GetSession, "session not found")(w, r)
}

// CancelSession cancels the session and every unfinished task in it.
func (h *Handlers) CancelSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Lifecycle.CancelSession(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tasks ---

type submitTasksRequest struct {
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	Options      *task.Options  `json:"options,omitempty"`
	Tasks        []task.Request `json:"tasks"`
}

// SubmitTasks creates tasks in a session and enqueues them.
func (h *Handlers) SubmitTasks(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[submitTasksRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "at least one task is required")
		return
	}
	created, err := h.Lifecycle.CreateTasks(r.Context(), urlParam(r, "id"), req.ParentTaskID, req.Options, req.Tasks)
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListTasks lists a session's tasks, optionally filtered by ?status=a,b.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	statuses, err := queryStatuses(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := h.Lifecycle.ListTasks(r.Context(), task.Filter{SessionID: urlParam(r, "id"), Statuses: statuses})
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeList(w, tasks)
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	byID(h.Lifecycle.GetTask, "task not found")(w, r)
}

func (h *Handlers) ListDispatches(w http.ResponseWriter, r *http.Request) {
	listByID(h.Dispatch.ListDispatches, "task not found")(w, r)
}

type waitRequest struct {
	TaskIDs                 []string `json:"task_ids,omitempty"`
	StopOnFirstError        bool     `json:"stop_on_first_error"`
	StopOnFirstCancellation bool     `json:"stop_on_first_cancellation"`
}

type waitResponse struct {
	Counts []task.StatusCount `json:"counts"`
}

// WaitForCompletion blocks until the selected tasks of the session are done
// or a stop condition holds. The request context bounds the wait.
func (h *Handlers) WaitForCompletion(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[waitRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	filter := task.Filter{SessionID: urlParam(r, "id"), TaskIDs: req.TaskIDs}
	counts, err := h.Wait.WaitForCompletion(r.Context(), filter, req.StopOnFirstError, req.StopOnFirstCancellation)
	if err != nil {
		if r.Context().Err() != nil {
			writeError(w, http.StatusRequestTimeout, "wait interrupted")
			return
		}
		writeDomainError(w, r, err, "session not found")
		return
	}
	if counts == nil {
		counts = []task.StatusCount{}
	}
	writeJSON(w, http.StatusOK, waitResponse{Counts: counts})
}

// --- Results ---

// ListResults lists a session's results filtered by name, owner, status,
// and creation window (RFC 3339).
func (h *Handlers) ListResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := result.Filter{
		SessionID:   urlParam(r, "id"),
		Name:        q.Get("name"),
		OwnerTaskID: q.Get("owner"),
	}
	if s := q.Get("status"); s != "" {
		st, err := result.ParseStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}
	for param, dst := range map[string]*time.Time{"created_after": &filter.CreatedAfter, "created_before": &filter.CreatedBefore} {
		if s := q.Get(param); s != "" {
			ts, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be RFC 3339", param))
				return
			}
			*dst = ts
		}
	}

	results, err := h.Lifecycle.ListResults(r.Context(), filter)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeList(w, results)
}

// DownloadResult streams a completed result's bytes. A result that is not
// available yet answers 202 with the owning task; one that never will
// answers 424 with the owner's error.
func (h *Handlers) DownloadResult(w http.ResponseWriter, r *http.Request) {
	reply, err := h.Lifecycle.TryGetResult(r.Context(), urlParam(r, "id"), urlParam(r, "resultID"))
	if err != nil {
		writeDomainError(w, r, err, "result not found")
		return
	}
	switch {
	case reply.Error != nil:
		writeJSON(w, http.StatusFailedDependency, reply)
	case reply.NotCompletedTask != "":
		writeJSON(w, http.StatusAccepted, reply)
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		for _, c := range reply.Chunks {
			if _, err := w.Write(c); err != nil {
				return
			}
		}
	}
}

// UploadResult stores the request body as a result owned by ?owner=<task>.
func (h *Handlers) UploadResult(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if !requireField(w, owner, "owner") {
		return
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, http.MaxBytesReader(w, r.Body, h.bodyLimit())); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	err := h.Lifecycle.SetResult(r.Context(), urlParam(r, "id"), owner, urlParam(r, "resultID"), [][]byte{buf.Bytes()})
	if err != nil {
		writeDomainError(w, r, err, "result not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WaitForAvailability blocks until the result is completed or aborted.
func (h *Handlers) WaitForAvailability(w http.ResponseWriter, r *http.Request) {
	reply, err := h.Wait.WaitForAvailability(r.Context(), result.Request{
		SessionID: urlParam(r, "id"),
		ResultID:  urlParam(r, "resultID"),
	})
	if err != nil {
		if r.Context().Err() != nil {
			writeError(w, http.StatusRequestTimeout, "wait interrupted")
			return
		}
		writeDomainError(w, r, err, "result not found")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}
