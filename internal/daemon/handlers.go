package daemon

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/msageha/troupe/internal/board"
	"github.com/msageha/troupe/internal/checkpoint"
	"github.com/msageha/troupe/internal/dispatch"
	"github.com/msageha/troupe/internal/lifecycle"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/pattern"
	"github.com/msageha/troupe/internal/retry"
	"github.com/msageha/troupe/internal/router"
	"github.com/msageha/troupe/internal/status"
	"github.com/msageha/troupe/internal/uds"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", d.handlePing)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("shutdown", d.handleShutdown)

	d.server.Handle("task_create", d.handleTaskCreate)
	d.server.Handle("task_update", d.handleTaskUpdate)
	d.server.Handle("task_fail", d.handleTaskFail)
	d.server.Handle("task_get", d.handleTaskGet)
	d.server.Handle("task_list", d.handleTaskList)

	d.server.Handle("send", d.handleSend)
	d.server.Handle("inbox", d.handleInbox)
	d.server.Handle("ack", d.handleAck)
	d.server.Handle("heartbeat", d.handleHeartbeat)
	d.server.Handle("barrier_submit", d.handleBarrierSubmit)

	d.server.Handle("session_start", d.handleSessionStart)
	d.server.Handle("session_join", d.handleSessionJoin)
	d.server.Handle("session_get", d.handleSessionGet)

	d.server.Handle("spawn", d.handleSpawn)
	d.server.Handle("dispatch", d.handleDispatch)
	d.server.Handle("dissolve", d.handleDissolve)
	d.server.Handle("checkpoint", d.handleCheckpoint)
}

// errorResponse maps component errors onto wire error codes.
func errorResponse(err error) *uds.Response {
	code := uds.ErrCodeInternal
	switch {
	case errors.Is(err, model.ErrTaskNotFound),
		errors.Is(err, model.ErrWorkerNotFound),
		errors.Is(err, model.ErrSessionNotFound),
		errors.Is(err, checkpoint.ErrNotFound):
		code = uds.ErrCodeNotFound
	case errors.Is(err, model.ErrCycle),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrBlocked),
		errors.Is(err, model.ErrEscalated),
		errors.Is(err, pattern.ErrTerminated),
		errors.Is(err, pattern.ErrUnexpectedMessage),
		errors.Is(err, pattern.ErrMediated),
		errors.Is(err, pattern.ErrNotMember),
		errors.Is(err, router.ErrNoBarrier),
		errors.Is(err, router.ErrBarrierReleased),
		errors.Is(err, router.ErrDuplicateSubmission):
		code = uds.ErrCodeConflict
	case errors.Is(err, model.ErrDepthExceeded),
		errors.Is(err, model.ErrFanoutExceeded),
		errors.Is(err, dispatch.ErrNotPermitted):
		code = uds.ErrCodeLimit
	case errors.Is(err, lifecycle.ErrDissolving):
		code = uds.ErrCodeDissolving
	case errors.Is(err, model.ErrInvalidMessage),
		errors.Is(err, model.ErrUnknownRole),
		errors.Is(err, dispatch.ErrEmptyBatch):
		code = uds.ErrCodeValidation
	}
	return uds.ErrorResponse(code, err.Error())
}

func badParams(err error) *uds.Response {
	return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
}

func required(field string) *uds.Response {
	return uds.ErrorResponse(uds.ErrCodeValidation, field+" is required")
}

func (d *Daemon) handlePing(_ *uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]any{"version": Version, "pid": os.Getpid()})
}

func (d *Daemon) handleStatus(_ *uds.Request) *uds.Response {
	r := status.Collect(status.Sources{
		Board:          d.board,
		Router:         d.router,
		Sessions:       d.sessions,
		Recent:         d.recent,
		StaleThreshold: d.config.Board.StaleThresholdChecks,
	})
	r.Daemon = status.DaemonStatus{Running: true, Pid: os.Getpid()}
	return uds.SuccessResponse(r)
}

func (d *Daemon) handleShutdown(_ *uds.Request) *uds.Response {
	d.logger.Infof("shutdown requested over socket")
	d.cancel()
	return uds.SuccessResponse(map[string]any{"stopping": true})
}

// --- tasks ---

type taskCreateParams struct {
	Subject     string   `json:"subject"`
	Description string   `json:"description"`
	BlockedBy   []string `json:"blocked_by,omitempty"`
	Owner       string   `json:"owner,omitempty"`
}

func (d *Daemon) handleTaskCreate(req *uds.Request) *uds.Response {
	var p taskCreateParams
	if err := uds.DecodeParams(req, &p); err != nil {
		return badParams(err)
	}
	if p.Subject == "" {
		return required("subject")
	}
	id, err := d.board.CreateTask(p.Subject, p.Description)
	if err != nil {
		return errorResponse(err)
	}
	if len(p.BlockedBy) > 0 || p.Owner != "" {
		u := board.TaskUpdate{AddBlockedBy: p.BlockedBy}
		if p.Owner != "" {
			u.Owner = &p.Owner
		}
		if err := d.board.UpdateTask(id, u); err != nil {
			return errorResponse(fmt.Errorf("task %s created, update failed: %w", id, err))
		}
	}
	return d.taskResponse(id)
}

type taskUpdateParams struct {
	ID           string        `json:"id"`
	Owner        *string       `json:"owner,omitempty"`
	Status       *model.Status `json:"status,omitempty"`
	AddBlockedBy []string      `json:"add_blocked_by,omitempty"`
}

func (d *Daemon) handleTaskUpdate(req *uds.Request) *uds.Response {
	var p taskUpdateParams
	if err := uds.DecodeParams(req, &p); err != nil {
		return badParams(err)
	}
	if p.ID == "" {
		return required("id")
	}
	if p.Status != nil && (*p.Status == model.StatusFailed || *p.Status == model.StatusRetrying) {
		return uds.ErrorResponse(uds.ErrCodeConflict,
			fmt.Sprintf("status %s is set by the retry engine; report the failure with task_fail", *p.Status))
	}
	err := d.board.UpdateTask(p.ID, board.TaskUpdate{
		Owner:        p.Owner,
		Status:       p.Status,
		AddBlockedBy: p.AddBlockedBy,
	})
	if err != nil {
		return errorResponse(err)
	}
	return d.taskResponse(p.ID)
}

type taskFailParams struct {
	ID     string `json:"id"`
	Class  string `json:"class,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type taskFailResult struct {
	Decision retry.Decision  `json:"decision"`
	Task     model.TaskEntry `json:"task"`
}

// handleTaskFail reports a failed attempt. The retry engine decides whether
// the task is retried, gets a root-cause pass or is escalated. The class
// defaults to transient.
func (d *Daemon) handleTaskFail(req *uds.Request) *uds.Response {
	var p taskFailParams
	if err := uds.DecodeParams(req, &p); err != nil {
		return badParams(err)
	}
	if p.ID == "" {
		return required("id")
	}
	class := retry.FaultTransient
	if p.Class != "" {
		c, err := retry.ParseFaultClass(p.Class)
		if err != nil {
			return badParams(err)
		}
		class = c
	}
	dec, err := d.lifecycle.Fail(d.ctx, p.ID, class, p.Reason)
	if err != nil {
		return errorResponse(err)
	}
	t, err := d.board.Get(p.ID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(taskFailResult{Decision: dec, Task: t})
}

func (d *Daemon) handleTaskGet(req *uds.Request) *uds.Response {
	var p struct {
		ID string `json:"id"`
	}
	if err := uds.DecodeParams(req, &p); err != nil {
		return badParams(err)
	}
	if p.ID == "" {
		return required("id")
	}
	return d.taskResponse(p.ID)
}

func (d *Daemon) taskResponse(id string) *uds.Response {
	t, err := d.board.Get(id)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(t)
}

func (d *Daemon) handleTaskList(req *uds.Request) *uds.Response {
	var f board.Filter
	if err := uds.DecodeParams(req, &f); err != nil {
		return badParams(err)
	}
	tasks := slices.Collect(d.board.ListTasks(f))
	if tasks == nil {
		tasks = []model.TaskEntry{}
	}
	return uds.SuccessResponse(tasks)
}

// --- messages ---

type sendParams struct {
	Sender    string            `json:"sender"`
	Recipient string            `json:"recipient"`
	Type      model.MessageType `json:"type"`
	Content   string            `json:"content"`
	Summary   string            `json:"summary,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

func (p sendParams) message() model.Message {
	return model.Message{
		Sender:    p.Sender,
		Recipient: p.Recipient,
		Type:      p.Type,
		Content:   p.Content,
		Summary:   p.Summary,
		SessionID: p.SessionID,
	}
}

// handleSend routes a message. A message tagged with a session is checked
// against the session first and one the session would reject is not
// delivered. The session applies the message as sequenced by the router, so
// a message that crossed behind a newer one on its channel is reported stale
// and leaves the session on the newer state.
func (d *Daemon) handleSend(req *uds.Request) *uds.Response {
	var p sendParams
	if err := uds.DecodeParams(req, &p); err != nil {
		return badParams(err)
	}
	if p.Sender == "" {
		return required("sender")
	}
	if p.Recipient == "" {
		return required("recipient")
	}
	msg := p.message()
	if msg.SessionID != "" {
		if err := d.sessions.Check(msg); err != nil {
			return errorResponse(err)
		}
	}

	var receipts []router.Receipt
	if msg.Recipient == model.Broadcast {
		rs, err := d.router.Broadcast(msg.Sender, msg)
		if err != nil {
			return errorResponse(err)
		}
		receipts = rs
	} else {
		rec, err := d.router.Deliver(msg.Sender, msg.Recipient, msg)
		if err != nil {
			return errorResponse(err)
		}
		receipts = []router.Receipt{rec}
		msg = rec.Message
	}

	out := map[string]any{"receipts": receipts}
	if msg.SessionID != "" {
		snap, err := d.sessions.Handle(d.ctx, msg)
		switch {
		case errors.Is(err, pattern.ErrStale):
			out["stale"] = true
		case err != nil:
			return errorResponse(fmt.Errorf("delivered, but the session did not apply it: %w", err))
		}
		out["session"] = snap
	}
	return uds.SuccessResponse(out)
}

type workerParams struct {
	Worker string   `json:"worker"`
	IDs    []string `json:"ids,omitempty"`
}

func (d *Daemon) decodeWorker(req *uds.Request) (workerParams, *uds.Response) {
	var p workerParams
	if err := uds.DecodeParams(req, &p); err != nil {
		return p, badParams(err)
	}
	if p.Worker == "" {
		return p, required("worker")
	}
	return p, nil
}

func (d *Daemon) handleInbox(req *uds.Request) *uds.Response {
	p, bad := d.decodeWorker(req)
	if bad != nil {
		return bad
	}
	in := d.seen.Receive(d.router.Fetch(p.Worker))
	var stale []string
	for _, m := range in {
		if m.Stale {
			stale = append(stale, m.ID)
			d.logger.Warnf("inbox_stale worker=%s id=%s seq=%d superseded_by=%s", p.Worker, m.ID, m.Seq, m.SupersededBy)
		}
	}
	// Stale mail is shown once, then acknowledged on the worker's behalf.
	if len(stale) > 0 {
		d.router.Ack(p.Worker, stale...)
		d.seen.Forget(stale...)
	}
	return uds.SuccessResponse(in)
}

func (d *Daemon) handleAck(req *uds.Request) *uds.Response {
	p, bad := d.decodeWorker(req)
	if bad != nil {
		return bad
	}
	n := d.router.Ack(p.Worker, p.IDs...)
	d.seen.Forget(p.IDs...)
	return uds.SuccessResponse(map[string]int{"acked": n})
}

func (d *Daemon) handleHeartbeat(req *uds.Request) *uds.Response {
	p, bad := d.decodeWorker(req)
	if bad != nil {
		return bad
	}
	d.router.MarkActive(p.Worker)
	return uds.SuccessResponse(nil)
}

func (d *Daemon) handleBarrierSubmit(req *uds.Request) *uds.Response {
	var p sendParams
	if err := uds.DecodeParams(req, &p); err != nil {
		return badParams(err)
	}
	if p.Sender == "" {
		return required("sender")
	}
	if p.SessionID == "" {
		return required("session_id")
	}
	if err := d.sessions.Submit(d.ctx, p.message()); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(nil)
}

// --- sessions ---

func (d *Daemon) handleSessionStart(req *uds.Request) *uds.Response {
	var p lifecycle.SessionSpec
	if err := uds.DecodeParams(req, &p); err != nil {
		return badParams(err)
	}
	protocol := p.ResolvedProtocol()
	if protocol == "" {
		return required("protocol or signals")
	}
	snap, err := d.sessions.Start(d.ctx, protocol, p.Roles, p.MaxRounds)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(snap)
}

func (d *Daemon) handleSessionJoin(req *uds.Request) *uds.Response {
	var p struct {
		SessionID string     `json:"session_id"`
		Role      model.Role `json:"role"`
		Worker    string     `json:"worker"`
	}
	if err := uds.DecodeParams(req, &p); err != nil {
		return badParams(err)
	}
	if p.SessionID == "" || p.Worker == "" {
		return required("session_id and worker")
	}
	snap, err := d.sessions.Join(d.ctx, p.SessionID, p.Role, p.Worker)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(snap)
}

func (d *Daemon) handleSessionGet(req *uds.Request) *uds.Response {
	var p struct {
		ID string `json:"id"`
	}
	if err := uds.DecodeParams(req, &p); err != nil {
		return badParams(err)
	}
	if p.ID == "" {
		return uds.SuccessResponse(d.sessions.Snapshots())
	}
	snap, err := d.sessions.Session(p.ID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(snap)
}

// --- lifecycle ---

func (d *Daemon) handleSpawn(req *uds.Request) *uds.Response {
	var plan lifecycle.Plan
	if err := uds.DecodeParams(req, &plan); err != nil {
		return badParams(err)
	}
	team, err := d.lifecycle.Spawn(d.ctx, plan)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(team)
}

type dispatchParams struct {
	ParentID string          `json:"parent_id"`
	Depth    *int            `json:"depth,omitempty"`
	Calls    []dispatch.Call `json:"calls"`
}

// handleDispatch runs a nested batch. A worker that does not state its depth
// is taken to sit one level below the coordinator.
func (d *Daemon) handleDispatch(req *uds.Request) *uds.Response {
	var p dispatchParams
	if err := uds.DecodeParams(req, &p); err != nil {
		return badParams(err)
	}
	if p.ParentID == "" {
		return required("parent_id")
	}
	depth := 1
	if p.ParentID == model.CoordinatorID {
		depth = 0
	}
	if p.Depth != nil {
		depth = *p.Depth
	}
	b, err := d.lifecycle.Dispatch(dispatch.WithDepth(d.ctx, depth), p.ParentID, p.Calls)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(b)
}

// handleDissolve starts dissolution in the background; the shutdown
// handshake outlives a socket round trip. Once finished, the same command
// returns the outcome.
func (d *Daemon) handleDissolve(req *uds.Request) *uds.Response {
	var p struct {
		Reason string `json:"reason"`
	}
	if err := uds.DecodeParams(req, &p); err != nil {
		return badParams(err)
	}
	if res, ok := d.lifecycle.Dissolved(); ok {
		return uds.SuccessResponse(map[string]any{"state": "dissolved", "result": res})
	}
	if p.Reason == "" {
		p.Reason = "requested"
	}
	d.wg.Go(func() {
		if _, err := d.lifecycle.Dissolve(d.ctx, p.Reason); err != nil && !errors.Is(err, lifecycle.ErrDissolving) {
			d.logger.Errorf("dissolve: %v", err)
		}
	})
	return uds.SuccessResponse(map[string]any{"state": "dissolving"})
}

func (d *Daemon) handleCheckpoint(req *uds.Request) *uds.Response {
	var p struct {
		Phase string `json:"phase"`
	}
	if err := uds.DecodeParams(req, &p); err != nil {
		return badParams(err)
	}
	if p.Phase == "" {
		p.Phase = "manual"
	}
	if err := d.checkpoints.Boundary(d.ctx, p.Phase); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string]string{"key": d.checkpoints.SessionID() + "/" + p.Phase})
}
