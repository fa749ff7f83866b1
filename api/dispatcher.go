package api

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	transportWebsocket = "websocket"
	transportREST      = "rest"

	genericStorageMessage = "the board could not be updated, please retry"
)

// Dispatcher turns command envelopes into TaskService calls and broadcasts
// the outcome. Successful changes go to every session through the hub;
// rejections only go back to the issuer.
type Dispatcher struct {
	svc     *domain.TaskService
	hub     *Hub
	deduper Deduper
	logger  *log.Logger
}

// NewDispatcher wires the command path. deduper may be nil.
func NewDispatcher(svc *domain.TaskService, hub *Hub, deduper Deduper, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Dispatcher{svc: svc, hub: hub, deduper: deduper, logger: logger}
}

// Outcome is the result of one executed command.
type Outcome struct {
	Task      *domain.Task
	DeletedID string
	Events    []domain.Event
	Rejection *domain.Rejection
}

// HandleFrame processes one websocket frame from s.
func (d *Dispatcher) HandleFrame(ctx context.Context, s *Session, raw []byte) {
	env, err := domain.DecodeEnvelope(raw)
	if err != nil {
		s.SendEvent(domain.RejectedEvent(rejectionFor(env, nil, err)))
		return
	}
	out := d.execute(ctx, transportWebsocket, s.UserID(), s, env)
	if out.Rejection != nil {
		s.SendEvent(domain.RejectedEvent(*out.Rejection))
	}
}

// Execute runs a command outside a websocket session.
func (d *Dispatcher) Execute(ctx context.Context, userID string, env domain.Envelope) Outcome {
	return d.execute(ctx, transportREST, userID, nil, env)
}

func (d *Dispatcher) execute(ctx context.Context, transport, userID string, origin *Session, env domain.Envelope) (out Outcome) {
	metrics, ctx := newCommandMetrics(ctx, d.logger, transport)
	metrics.SetCommand(env.Type, "")
	var runErr error
	defer func() {
		outcome := outcomeCommitted
		if out.Rejection != nil {
			outcome = out.Rejection.Reason
		}
		metrics.Finish(outcome, runErr)
	}()

	cmd, err := env.Command()
	if err != nil {
		runErr = err
		r := rejectionFor(env, nil, err)
		out.Rejection = &r
		return out
	}
	metrics.SetCommand(cmd.Type(), domain.TaskID(cmd))

	if join, ok := cmd.(domain.JoinBoard); ok {
		if origin == nil {
			runErr = &domain.ValidationError{Field: "type", Reason: "joinBoard requires a websocket session"}
			r := rejectionFor(env, cmd, runErr)
			out.Rejection = &r
			return out
		}
		d.hub.join(origin, join.Name)
		return out
	}

	recorded := false
	if env.CommandID != "" && d.deduper != nil {
		added, err := d.deduper.Add(ctx, userID, env.CommandID)
		switch {
		case err != nil:
			// dedupe is best effort; CAS still protects the stored state
			d.logger.WithError(err).WithField("command", env.CommandID).Warn("command dedupe unavailable")
		case !added:
			r := rejectionFor(env, cmd, nil)
			r.Reason = domain.ReasonDuplicate
			r.Message = "command already processed"
			out.Rejection = &r
			return out
		default:
			recorded = true
		}
	}

	storeStart := time.Now()
	out, runErr = d.run(ctx, cmd)
	metrics.ObserveStore(time.Since(storeStart))
	if runErr != nil {
		if recorded && errors.Is(runErr, domain.ErrStorageFailure) {
			if err := d.deduper.Remove(context.WithoutCancel(ctx), userID, env.CommandID); err != nil {
				d.logger.WithError(err).WithField("command", env.CommandID).Error("unable to release command id")
			}
		}
		r := rejectionFor(env, cmd, runErr)
		out.Rejection = &r
		return out
	}

	for _, ev := range out.Events {
		d.hub.Publish(ctx, ev)
	}
	return out
}

func (d *Dispatcher) run(ctx context.Context, cmd domain.Command) (Outcome, error) {
	switch c := cmd.(type) {
	case domain.CreateTask:
		t, err := d.svc.Create(ctx, c)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Task: &t, Events: []domain.Event{domain.TaskCreatedEvent(t, c.ClientID)}}, nil
	case domain.EditTask:
		t, err := d.svc.Edit(ctx, c)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Task: &t, Events: []domain.Event{domain.TaskChangedEvent(domain.EventTaskEdited, t)}}, nil
	case domain.MoveTask:
		res, err := d.svc.Move(ctx, c)
		if err != nil {
			return Outcome{}, err
		}
		return positionalOutcome(domain.EventTaskMoved, res), nil
	case domain.ReorderTask:
		res, err := d.svc.Reorder(ctx, c)
		if err != nil {
			return Outcome{}, err
		}
		return positionalOutcome(domain.EventTaskReordered, res), nil
	case domain.DeleteTask:
		if err := d.svc.Delete(ctx, c); err != nil {
			return Outcome{}, err
		}
		return Outcome{DeletedID: c.ID, Events: []domain.Event{domain.TaskDeletedEvent(c.ID)}}, nil
	}
	return Outcome{}, &domain.ValidationError{Field: "type", Reason: "unsupported command"}
}

// positionalOutcome announces the command's task first, then every sibling
// that was re-spaced, so clients end up with the renormalized column.
func positionalOutcome(name domain.EventName, res domain.Result) Outcome {
	t := res.Task
	events := make([]domain.Event, 0, 1+len(res.Renormalized))
	events = append(events, domain.TaskChangedEvent(name, t))
	for _, sib := range res.Renormalized {
		events = append(events, domain.TaskChangedEvent(domain.EventTaskReordered, sib))
	}
	return Outcome{Task: &t, Events: events}
}

func rejectionFor(env domain.Envelope, cmd domain.Command, err error) domain.Rejection {
	r := domain.Rejection{Type: env.Type, CommandID: env.CommandID}
	if cmd != nil {
		r.ID = domain.TaskID(cmd)
		if c, ok := cmd.(domain.CreateTask); ok {
			r.ClientID = c.ClientID
		}
	}
	if err == nil {
		return r
	}
	r.Reason = domain.RejectionReason(err)
	if r.Reason == domain.ReasonStorage {
		r.Message = genericStorageMessage
	} else {
		r.Message = err.Error()
	}
	return r
}
