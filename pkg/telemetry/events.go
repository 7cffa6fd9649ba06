package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Environment is the environment identifier of the run.
	Environment string `json:"environment,omitempty"`

	// Entity is the associated entity name, if applicable.
	Entity string `json:"entity,omitempty"`

	// Stage is the associated stage name, if applicable.
	Stage string `json:"stage,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunFailed       = "run.failed"
	EventTypeStageCompleted  = "stage.completed"
	EventTypeStageFailed     = "stage.failed"
	EventTypeStageRecovered  = "stage.recovered"
	EventTypePolicyViolation = "policy.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// Subscribers are called in publish order from a single goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	done        chan struct{}
	closeOnce   sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		done:        make(chan struct{}),
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.done:
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, env, kind string) error {
	return ep.Publish(Event{
		Type:        EventTypeRunStarted,
		Source:      "engine",
		RunID:       runID,
		Environment: env,
		Message:     fmt.Sprintf("%s run %s started on %s", kind, runID, env),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"kind": kind,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, env string, executed, skipped int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeRunCompleted,
		Source:      "engine",
		RunID:       runID,
		Environment: env,
		Message:     fmt.Sprintf("Run %s completed: %d executed, %d skipped", runID, executed, skipped),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"executed": executed,
			"skipped":  skipped,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, env, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeRunFailed,
		Source:      "engine",
		RunID:       runID,
		Environment: env,
		Message:     fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishStageCompleted publishes a stage completion with its outcome.
func (ep *EventPublisher) PublishStageCompleted(runID, env, entity, stage, outcome string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeStageCompleted,
		Source:      "stage_runner",
		RunID:       runID,
		Environment: env,
		Entity:      entity,
		Stage:       stage,
		Message:     fmt.Sprintf("%s/%s %s", entity, stage, outcome),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"outcome":  outcome,
			"duration": duration.Seconds(),
		},
	})
}

// PublishStageRecovered publishes an already-done failure turned into success.
func (ep *EventPublisher) PublishStageRecovered(runID, env, entity, stage, kind string) error {
	return ep.Publish(Event{
		Type:        EventTypeStageRecovered,
		Source:      "stage_runner",
		RunID:       runID,
		Environment: env,
		Entity:      entity,
		Stage:       stage,
		Message:     fmt.Sprintf("%s/%s already satisfied (%s)", entity, stage, kind),
		Level:       EventLevelWarning,
		Data: map[string]interface{}{
			"kind": kind,
		},
	})
}

// PublishStageFailed publishes a stage failure.
func (ep *EventPublisher) PublishStageFailed(runID, env, entity, stage, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeStageFailed,
		Source:      "stage_runner",
		RunID:       runID,
		Environment: env,
		Entity:      entity,
		Stage:       stage,
		Message:     fmt.Sprintf("%s/%s failed: %s", entity, stage, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(env, entity, policyName, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypePolicyViolation,
		Source:      "policy_engine",
		Environment: env,
		Entity:      entity,
		Message:     fmt.Sprintf("Policy violation on %s: %s - %s", entity, policyName, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if !ep.enabled() {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if !ep.enabled() {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.done:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}

	ep.closeOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByEntity creates a filter that only allows events for a specific entity.
func FilterByEntity(entity string) EventFilter {
	return func(event Event) bool {
		return event.Entity == entity
	}
}
