package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	resyncBase     = 400 * time.Millisecond
	resyncPerEntry = 150 * time.Millisecond
	resyncMax      = 2500 * time.Millisecond

	defaultNoticeBuffer = 32
)

// ErrUnknownTask is returned by local actions aimed at a task the mirror
// does not hold.
var ErrUnknownTask = errors.New("unknown task")

// Sender transmits one command envelope to the server.
type Sender interface {
	Send(ctx context.Context, env domain.Envelope) error
}

// Fetcher loads the authoritative board.
type Fetcher interface {
	FetchTasks(ctx context.Context) ([]domain.Task, error)
}

// Notice is a user-visible message about something the server did with one of
// our commands.
type Notice struct {
	Message   string
	Rejection *domain.Rejection
}

// ResyncDelay is how long to wait after draining n queued commands before
// refetching the board.
func ResyncDelay(n int) time.Duration {
	if n <= 0 {
		return resyncBase
	}
	d := resyncBase + time.Duration(n)*resyncPerEntry
	if d > resyncMax {
		return resyncMax
	}
	return d
}

// afterFunc schedules f and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithLogger(l *log.Logger) Option { return func(r *Reconciler) { r.logger = l } }

func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func WithIDGenerator(gen func() string) Option { return func(r *Reconciler) { r.newID = gen } }

func WithQueue(q *Queue) Option { return func(r *Reconciler) { r.queue = q } }

// WithAfterFunc replaces time.AfterFunc for the scheduled resync.
func WithAfterFunc(f func(d time.Duration, fn func()) func() bool) Option {
	return func(r *Reconciler) { r.after = f }
}

// WithOnChange registers a callback run after every change to the mirror.
// It is called with the reconciler lock held and must not call back into it.
func WithOnChange(f func()) Option { return func(r *Reconciler) { r.onChange = f } }

// Reconciler keeps the client's mirror of the board. Local actions apply
// immediately and emit a command; broadcasts from the server are folded in
// without ever regressing a task to an older version.
type Reconciler struct {
	sender   Sender
	fetcher  Fetcher
	queue    *Queue
	logger   *log.Logger
	now      func() time.Time
	newID    func() string
	after    afterFunc
	onChange func()
	notices  chan Notice

	mu       sync.Mutex
	tasks    map[string]domain.Task
	online   bool
	presence []domain.Presence
	// clientId → temp id of creates the server has not confirmed yet
	pendingCreates map[string]string
	// actions aimed at a temp id, re-run against the server id once known
	deferred   map[string][]func(ctx context.Context, id string)
	stopResync func() bool
}

// NewReconciler builds an offline reconciler with an empty mirror.
func NewReconciler(sender Sender, fetcher Fetcher, opts ...Option) *Reconciler {
	r := &Reconciler{
		sender:         sender,
		fetcher:        fetcher,
		logger:         log.StandardLogger(),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
		after:          timeAfterFunc,
		notices:        make(chan Notice, defaultNoticeBuffer),
		tasks:          make(map[string]domain.Task),
		pendingCreates: make(map[string]string),
		deferred:       make(map[string][]func(context.Context, string)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.queue == nil {
		r.queue = newMemoryQueue(r.logger)
	}
	return r
}

// Notices delivers rejection messages. Notices are dropped when nobody reads.
func (r *Reconciler) Notices() <-chan Notice { return r.notices }

// Tasks returns the mirror in display order.
func (r *Reconciler) Tasks() []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked("")
}

// Column returns one lane of the mirror in display order.
func (r *Reconciler) Column(c domain.Column) []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked(c)
}

// Task looks up a task in the mirror.
func (r *Reconciler) Task(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Presence returns the users last announced by the server.
func (r *Reconciler) Presence() []domain.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Presence, len(r.presence))
	copy(out, r.presence)
	return out
}

func (r *Reconciler) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// Queued reports how many commands wait for the connection.
func (r *Reconciler) Queued() int { return r.queue.Len() }

func (r *Reconciler) sortedLocked(c domain.Column) []domain.Task {
	out := make([]domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if c == "" || t.Column == c {
			out = append(out, t)
		}
	}
	domain.SortTasks(out)
	return out
}

// Create adds an optimistic task to the end of col and sends createTask.
func (r *Reconciler) Create(ctx context.Context, title string, description *string, col domain.Column) (domain.Task, error) {
	cmd := domain.CreateTask{Title: title, Description: description, Column: col}
	if err := cmd.Validate(); err != nil {
		return domain.Task{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pos := domain.FirstPosition()
	if lane := r.sortedLocked(col); len(lane) > 0 {
		pos = domain.After(lane[len(lane)-1].Position)
	}
	now := r.now()
	t := domain.Task{
		ID:          domain.TempIDPrefix + r.newID(),
		Title:       title,
		Description: description,
		Column:      col,
		Position:    pos,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.tasks[t.ID] = t
	cmd.ClientID = r.newID()
	r.pendingCreates[cmd.ClientID] = t.ID
	r.changedLocked()
	r.dispatchLocked(ctx, cmd)
	return t, nil
}

// Edit changes title and/or description.
func (r *Reconciler) Edit(ctx context.Context, id string, title, description *string) error {
	if title != nil && (strings.TrimSpace(*title) == "" || len(*title) > domain.MaxTitleLength) {
		return &domain.ValidationError{Field: "title", Reason: "required and at most 500 characters"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.editLocked(ctx, id, title, description)
}

func (r *Reconciler) editLocked(ctx context.Context, id string, title, description *string) error {
	t, ok := r.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	cmd := domain.EditTask{ID: id, Title: title, Description: description, Version: t.Version}
	if title != nil {
		t.Title = *title
	}
	if description != nil {
		t.Description = domain.StringPtr(*description)
	}
	r.bumpLocked(t)
	if r.deferLocked(id, func(ctx context.Context, sid string) { _ = r.editLocked(ctx, sid, title, description) }) {
		return nil
	}
	r.dispatchLocked(ctx, cmd)
	return nil
}

// Move places a task in column to at index (negative or past the end
// appends).
func (r *Reconciler) Move(ctx context.Context, id string, to domain.Column, index int) error {
	if !to.Valid() {
		return &domain.ValidationError{Field: "toColumn", Reason: "unknown column"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.moveLocked(ctx, id, to, index)
}

func (r *Reconciler) moveLocked(ctx context.Context, id string, to domain.Column, index int) error {
	t, ok := r.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	if t.Column == to {
		return r.reorderLocked(ctx, id, index)
	}
	prev, next := r.neighborsLocked(id, to, index)
	cmd := domain.MoveTask{
		ID:        id,
		ToColumn:  to,
		Version:   t.Version,
		Timestamp: r.now(),
	}
	if prev != nil {
		cmd.PrevPosition = domain.FloatPtr(prev.Position)
	}
	if next != nil {
		cmd.NextPosition = domain.FloatPtr(next.Position)
	}
	t.Column = to
	t.Position = domain.Between(cmd.PrevPosition, cmd.NextPosition)
	r.bumpLocked(t)
	if r.deferLocked(id, func(ctx context.Context, sid string) { _ = r.moveLocked(ctx, sid, to, index) }) {
		return nil
	}
	r.dispatchLocked(ctx, cmd)
	return nil
}

// Reorder moves a task to index within its own column.
func (r *Reconciler) Reorder(ctx context.Context, id string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reorderLocked(ctx, id, index)
}

func (r *Reconciler) reorderLocked(ctx context.Context, id string, index int) error {
	t, ok := r.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	prev, next := r.neighborsLocked(id, t.Column, index)
	var prevPos, nextPos *float64
	if prev != nil {
		prevPos = domain.FloatPtr(prev.Position)
	}
	if next != nil {
		nextPos = domain.FloatPtr(next.Position)
	}
	t.Position = domain.Between(prevPos, nextPos)
	r.bumpLocked(t)
	if r.deferLocked(id, func(ctx context.Context, sid string) { _ = r.reorderLocked(ctx, sid, index) }) {
		return nil
	}
	cmd := domain.ReorderTask{ID: id}
	lane := r.sortedLocked(t.Column)
	at := indexOf(lane, id)
	// the server cannot resolve temp ids, so anchor on the nearest confirmed neighbor
	for i := at - 1; i >= 0; i-- {
		if !lane[i].IsTemporary() {
			cmd.PrevTaskID = domain.StringPtr(lane[i].ID)
			break
		}
	}
	for i := at + 1; i < len(lane); i++ {
		if !lane[i].IsTemporary() {
			cmd.NextTaskID = domain.StringPtr(lane[i].ID)
			break
		}
	}
	r.dispatchLocked(ctx, cmd)
	return nil
}

// Delete removes a task.
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(ctx, id)
}

func (r *Reconciler) deleteLocked(ctx context.Context, id string) error {
	if _, ok := r.tasks[id]; !ok {
		return ErrUnknownTask
	}
	delete(r.tasks, id)
	r.changedLocked()
	if r.deferLocked(id, func(ctx context.Context, sid string) { _ = r.deleteLocked(ctx, sid) }) {
		return nil
	}
	r.dispatchLocked(ctx, domain.DeleteTask{ID: id})
	return nil
}

// neighborsLocked returns the tasks that would surround id after placing it
// at index of col.
func (r *Reconciler) neighborsLocked(id string, col domain.Column, index int) (prev, next *domain.Task) {
	lane := r.sortedLocked(col)
	if at := indexOf(lane, id); at >= 0 {
		lane = append(lane[:at], lane[at+1:]...)
	}
	if index < 0 || index > len(lane) {
		index = len(lane)
	}
	if index > 0 {
		prev = &lane[index-1]
	}
	if index < len(lane) {
		next = &lane[index]
	}
	return prev, next
}

func indexOf(tasks []domain.Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// bumpLocked stores an optimistic change the way the server will commit it.
func (r *Reconciler) bumpLocked(t domain.Task) {
	t.Version++
	t.UpdatedAt = r.now()
	r.tasks[t.ID] = t
	r.changedLocked()
}

// deferLocked holds an action on a temp id until its create is confirmed.
func (r *Reconciler) deferLocked(id string, f func(ctx context.Context, serverID string)) bool {
	if !domain.IsTempID(id) {
		return false
	}
	r.deferred[id] = append(r.deferred[id], f)
	return true
}

// dispatchLocked sends cmd, or queues it while offline. Queue failures are
// logged only; the optimistic change stays visible either way.
func (r *Reconciler) dispatchLocked(ctx context.Context, cmd domain.Command) {
	env, err := domain.NewEnvelope(cmd, r.newID())
	if err != nil {
		r.logger.WithError(err).WithField("type", cmd.Type()).Error("unable to encode command")
		return
	}
	if r.online {
		err := r.sender.Send(ctx, env)
		if err == nil {
			return
		}
		r.logger.WithError(err).WithField("type", cmd.Type()).Warn("send failed, going offline")
		r.online = false
	}
	if err := r.queue.Enqueue(env, r.now()); err != nil {
		r.logger.WithError(err).WithField("type", cmd.Type()).Error("unable to queue offline command")
		return
	}
	r.logger.WithFields(log.Fields{"type": cmd.Type(), "queued": r.queue.Len()}).Debug("command queued while offline")
}

// SetOffline routes further commands to the queue.
func (r *Reconciler) SetOffline() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.online {
		r.logger.Info("connection lost, queueing commands")
	}
	r.online = false
}

// SetOnline replays the queue in order and schedules one full resync. Replay
// stops at the first send failure; what remains stays queued.
func (r *Reconciler) SetOnline(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = true

	pending := r.queue.Pending()
	sent := 0
	for _, qc := range pending {
		if err := r.sender.Send(ctx, qc.Envelope); err != nil {
			r.logger.WithError(err).WithFields(log.Fields{"type": qc.Envelope.Type, "remaining": len(pending) - sent}).Warn("offline replay interrupted")
			r.online = false
			break
		}
		if err := r.queue.Commit(qc.Offset); err != nil {
			r.logger.WithError(err).Error("unable to commit offline queue")
		}
		sent++
	}
	if sent > 0 {
		r.logger.WithField("replayed", sent).Info("offline commands replayed")
	}
	if !r.online {
		return
	}
	r.scheduleResyncLocked(ResyncDelay(len(pending)))
}

func (r *Reconciler) scheduleResyncLocked(d time.Duration) {
	if r.stopResync != nil {
		r.stopResync()
	}
	r.stopResync = r.after(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.Resync(ctx); err != nil {
			r.logger.WithError(err).Warn("board resync failed")
		}
	})
}

// Resync replaces the mirror with the server's board. Unconfirmed temp
// records and actions deferred on them are dropped.
func (r *Reconciler) Resync(ctx context.Context) error {
	tasks, err := r.fetcher.FetchTasks(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	r.pendingCreates = make(map[string]string)
	r.deferred = make(map[string][]func(context.Context, string))
	r.changedLocked()
	r.logger.WithField("tasks", len(tasks)).Debug("board resynced")
	return nil
}

// HandleEvent folds one server broadcast into the mirror.
func (r *Reconciler) HandleEvent(ctx context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Name {
	case domain.EventTaskCreated:
		if ev.Task != nil {
			r.createdLocked(ctx, *ev.Task, ev.ClientID)
		}
	case domain.EventTaskEdited, domain.EventTaskMoved, domain.EventTaskReordered:
		if ev.Task == nil {
			return
		}
		local, ok := r.tasks[ev.Task.ID]
		if !ok || ev.Task.Version < local.Version {
			return
		}
		r.tasks[ev.Task.ID] = *ev.Task
		r.changedLocked()
	case domain.EventTaskDeleted:
		if _, ok := r.tasks[ev.TaskID]; ok {
			delete(r.tasks, ev.TaskID)
			r.changedLocked()
		}
	case domain.EventActionRejected:
		if ev.Rejection != nil {
			r.rejectedLocked(*ev.Rejection)
		}
	case domain.EventPresenceUpdate:
		r.presence = ev.Users
	}
}

func (r *Reconciler) createdLocked(ctx context.Context, t domain.Task, clientID string) {
	tempID, mine := r.pendingCreates[clientID]
	if clientID == "" {
		mine = false
	}
	if !mine {
		if local, ok := r.tasks[t.ID]; ok && local.Version > t.Version {
			return
		}
		r.tasks[t.ID] = t
		r.changedLocked()
		return
	}

	delete(r.pendingCreates, clientID)
	delete(r.tasks, tempID)
	if local, ok := r.tasks[t.ID]; !ok || local.Version <= t.Version {
		r.tasks[t.ID] = t
	}
	r.changedLocked()
	actions := r.deferred[tempID]
	delete(r.deferred, tempID)
	for _, f := range actions {
		f(ctx, t.ID)
	}
}

func (r *Reconciler) rejectedLocked(rej domain.Rejection) {
	if rej.ClientID != "" {
		if tempID, ok := r.pendingCreates[rej.ClientID]; ok {
			delete(r.pendingCreates, rej.ClientID)
			delete(r.deferred, tempID)
		}
	}
	msg := rej.Message
	if msg == "" {
		msg = string(rej.Type) + " rejected: " + rej.Reason
	}
	r.logger.WithFields(log.Fields{"type": rej.Type, "task": rej.ID, "reason": rej.Reason}).Info("command rejected")
	select {
	case r.notices <- Notice{Message: msg, Rejection: &rej}:
	default:
		r.logger.Warn("notice buffer full, dropping notice")
	}
}

func (r *Reconciler) changedLocked() {
	if r.onChange != nil {
		r.onChange()
	}
}
