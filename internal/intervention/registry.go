package intervention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/config"
	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/common/logger"
)

// Callback is notified whenever a Point is created or resolved.
type Callback func(*Point)

// Registry tracks intervention points, indexes them by session and task,
// and runs a monitor loop that expires overdue points and auto-approves
// ones whose policy permits it.
type Registry struct {
	mu            sync.RWMutex
	points        map[string]*Point
	bySession     map[string]map[string]bool
	waiters       map[string]chan *Point
	policies      map[string]Policy
	callbacks     []Callback

	interval time.Duration
	log      *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Registry with the three built-in policies installed. Call
// Start to begin its monitor loop.
func New(cfg config.InterventionConfig, log *logger.Logger) *Registry {
	r := &Registry{
		points:    make(map[string]*Point),
		bySession: make(map[string]map[string]bool),
		waiters:   make(map[string]chan *Point),
		policies:  make(map[string]Policy),
		interval:  cfg.MonitorIntervalDuration(),
		log:       log.WithFields(zap.String("component", "intervention_registry")),
	}
	if r.interval <= 0 {
		r.interval = 5 * time.Second
	}
	r.installDefaultPolicies()
	return r
}

func (r *Registry) installDefaultPolicies() {
	r.policies["destructive_ops"] = Policy{
		Name: "destructive_ops",
		TriggerConditions: []Condition{
			{Field: "operation_type", Operator: OpEquals, Value: "delete"},
			{Field: "operation_type", Operator: OpEquals, Value: "drop"},
		},
		RequireApprovalFor: []string{"delete", "drop", "remove"},
		NotifyChannels:     []string{"web", "log"},
	}
	r.policies["expensive_ops"] = Policy{
		Name: "expensive_ops",
		TriggerConditions: []Condition{
			{Field: "estimated_cost", Operator: OpGreaterThan, Value: 100.0},
		},
		AutoApproveAfter: 300 * time.Second,
		NotifyChannels:   []string{"web"},
	}
	r.policies["error_escalation"] = Policy{
		Name: "error_escalation",
		TriggerConditions: []Condition{
			{Field: "error_count", Operator: OpGreaterThan, Value: 3.0},
		},
		EscalationTimeout: 600 * time.Second,
		NotifyChannels:    []string{"web", "log", "email"},
	}
}

// Start launches the monitor loop. It stops when ctx is cancelled or Stop
// is called.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.monitorLoop(ctx)
}

// Stop cancels the monitor loop and fulfills every outstanding waiter with
// whatever status its point holds.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.waiters {
		point := r.points[id]
		select {
		case ch <- point:
		default:
		}
		close(ch)
		delete(r.waiters, id)
	}
}

// AddCallback registers a callback invoked whenever a Point is created or
// resolved.
func (r *Registry) AddCallback(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// AddPolicy installs or replaces a named policy.
func (r *Registry) AddPolicy(name string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Name = name
	r.policies[name] = p
}

// CheckPolicy reports whether the named policy's conditions match ctx.
func (r *Registry) CheckPolicy(name string, ctx map[string]interface{}) bool {
	r.mu.RLock()
	p, ok := r.policies[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return p.ShouldIntervene(ctx)
}

func newPointID() string {
	return uuid.New().String()[:8]
}

func (r *Registry) register(p *Point) *Point {
	p.Status = StatusWaitingForHuman

	r.mu.Lock()
	r.points[p.ID] = p
	if r.bySession[p.SessionID] == nil {
		r.bySession[p.SessionID] = make(map[string]bool)
	}
	r.bySession[p.SessionID][p.ID] = true
	r.mu.Unlock()

	r.notify(p)
	return p
}

// RequestApproval creates an APPROVAL point, optionally deadlined.
func (r *Registry) RequestApproval(sessionID, taskID, title, description string, ctx map[string]interface{}, timeout time.Duration) *Point {
	p := &Point{
		ID:          newPointID(),
		Type:        TypeApproval,
		SessionID:   sessionID,
		TaskID:      taskID,
		Title:       title,
		Description: description,
		Context:     ctx,
		CreatedAt:   time.Now().UTC(),
	}
	if timeout > 0 {
		deadline := p.CreatedAt.Add(timeout)
		p.Deadline = &deadline
	}
	return r.register(p)
}

// RequestReview creates a REVIEW point with the standard
// approve/reject/modify options.
func (r *Registry) RequestReview(sessionID, taskID, title, content string, ctx map[string]interface{}) *Point {
	p := &Point{
		ID:          newPointID(),
		Type:        TypeReview,
		SessionID:   sessionID,
		TaskID:      taskID,
		Title:       title,
		Description: content,
		Context:     ctx,
		Options: []Option{
			{ID: "approve", Label: "Approve", Action: "approve"},
			{ID: "reject", Label: "Reject", Action: "reject"},
			{ID: "modify", Label: "Request Changes", Action: "modify"},
		},
		CreatedAt: time.Now().UTC(),
	}
	return r.register(p)
}

// RequestDecision creates a DECISION point offering a caller-supplied set
// of options.
func (r *Registry) RequestDecision(sessionID, taskID, title, question string, options []Option, ctx map[string]interface{}) *Point {
	p := &Point{
		ID:          newPointID(),
		Type:        TypeDecision,
		SessionID:   sessionID,
		TaskID:      taskID,
		Title:       title,
		Description: question,
		Context:     ctx,
		Options:     options,
		CreatedAt:   time.Now().UTC(),
	}
	return r.register(p)
}

// CreateCheckpoint creates a CHECKPOINT point recording fractional progress.
func (r *Registry) CreateCheckpoint(sessionID, taskID, title string, progress float64, ctx map[string]interface{}) *Point {
	merged := map[string]interface{}{"progress": progress}
	for k, v := range ctx {
		merged[k] = v
	}
	p := &Point{
		ID:          newPointID(),
		Type:        TypeCheckpoint,
		SessionID:   sessionID,
		TaskID:      taskID,
		Title:       title,
		Description: fmt.Sprintf("Progress: %.1f%%", progress*100),
		Context:     merged,
		CreatedAt:   time.Now().UTC(),
	}
	return r.register(p)
}

// ReportError creates an ERROR point requiring attention.
func (r *Registry) ReportError(sessionID, taskID, errMsg, severity string, ctx map[string]interface{}) *Point {
	merged := map[string]interface{}{"severity": severity}
	for k, v := range ctx {
		merged[k] = v
	}
	title := errMsg
	if len(title) > 50 {
		title = title[:50]
	}
	p := &Point{
		ID:          newPointID(),
		Type:        TypeError,
		SessionID:   sessionID,
		TaskID:      taskID,
		Title:       "Error: " + title,
		Description: errMsg,
		Context:     merged,
		CreatedAt:   time.Now().UTC(),
	}
	return r.register(p)
}

// Resolve transitions a point's status by action and fulfills its waiter.
// Resolving an already-terminal point is a no-op that returns the point
// unchanged.
func (r *Registry) Resolve(id string, action Action, message string, resolvedBy string) (*Point, error) {
	r.mu.Lock()
	point, ok := r.points[id]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NewNotFound("intervention", id)
	}
	if point.Status.IsTerminal() {
		r.mu.Unlock()
		return point, nil
	}

	point.Status = statusForAction(action)
	now := time.Now().UTC()
	point.ResolvedAt = &now
	point.ResolvedBy = resolvedBy
	point.Resolution = &Resolution{Action: action, Message: message}

	waiter, hasWaiter := r.waiters[id]
	if hasWaiter {
		delete(r.waiters, id)
	}
	r.mu.Unlock()

	if hasWaiter {
		waiter <- point
		close(waiter)
	}
	r.notify(point)
	return point, nil
}

// WaitForResolution blocks until id's point leaves waiting_for_human, or
// ctx is cancelled. An already-resolved point returns immediately.
func (r *Registry) WaitForResolution(ctx context.Context, id string) (*Point, error) {
	r.mu.Lock()
	point, ok := r.points[id]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NewNotFound("intervention", id)
	}
	if point.Status.IsTerminal() {
		r.mu.Unlock()
		return point, nil
	}

	ch, exists := r.waiters[id]
	if !exists {
		ch = make(chan *Point, 1)
		r.waiters[id] = ch
	}
	r.mu.Unlock()

	select {
	case resolved := <-ch:
		return resolved, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns an intervention point by id.
func (r *Registry) Get(id string) (*Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.points[id]
	return p, ok
}

// BySession returns a session's intervention points, optionally filtered
// by status, newest first.
func (r *Registry) BySession(sessionID string, status Status) []*Point {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.bySession[sessionID]
	points := make([]*Point, 0, len(ids))
	for id := range ids {
		p := r.points[id]
		if p == nil {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		points = append(points, p)
	}
	sortByCreatedDesc(points)
	return points
}

// Pending returns every point still awaiting human input.
func (r *Registry) Pending() []*Point {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pending := make([]*Point, 0)
	for _, p := range r.points {
		if p.Status == StatusWaitingForHuman {
			pending = append(pending, p)
		}
	}
	sortByCreatedDesc(pending)
	return pending
}

func sortByCreatedDesc(points []*Point) {
	for i := 1; i < len(points); i++ {
		for j := i; j > 0 && points[j].CreatedAt.After(points[j-1].CreatedAt); j-- {
			points[j], points[j-1] = points[j-1], points[j]
		}
	}
}

func (r *Registry) notify(p *Point) {
	r.mu.RLock()
	callbacks := make([]Callback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("intervention callback panicked", zap.Any("recover", rec))
				}
			}()
			cb(p)
		}()
	}
}

// monitorLoop wakes every r.interval and expires or auto-approves points
// past their deadline or policy window.
func (r *Registry) monitorLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now().UTC()

	r.mu.RLock()
	waiting := make([]*Point, 0)
	for _, p := range r.points {
		if p.Status == StatusWaitingForHuman {
			waiting = append(waiting, p)
		}
	}
	autoApproveAfter := r.policies["expensive_ops"].AutoApproveAfter
	r.mu.RUnlock()

	for _, p := range waiting {
		if p.IsExpired(now) {
			r.expire(p)
			continue
		}
		if autoApproveAfter > 0 && now.Sub(p.CreatedAt) > autoApproveAfter {
			if _, err := r.Resolve(p.ID, ActionApprove, "timeout", "system"); err != nil {
				r.log.Warn("failed to auto-approve expired point", zap.String("id", p.ID), zap.Error(err))
			}
		}
	}
}

func (r *Registry) expire(p *Point) {
	r.mu.Lock()
	if p.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	p.Status = StatusExpired
	now := time.Now().UTC()
	p.ResolvedAt = &now

	waiter, hasWaiter := r.waiters[p.ID]
	if hasWaiter {
		delete(r.waiters, p.ID)
	}
	r.mu.Unlock()

	if hasWaiter {
		waiter <- p
		close(waiter)
	}
	r.notify(p)
}
