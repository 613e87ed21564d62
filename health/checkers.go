package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/messaging"
)

// Pinger is implemented by transports that can verify their connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsReporter is optionally implemented by a Pinger to add details
type StatsReporter interface {
	Stats() map[string]any
}

// TransportChecker checks that a transport handle can reach its namespace
type TransportChecker struct {
	name      string
	transport Pinger
}

// NewTransportChecker creates a transport health checker
func NewTransportChecker(name string, transport Pinger) *TransportChecker {
	return &TransportChecker{name: name, transport: transport}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if stats, ok := c.transport.(StatsReporter); ok {
		for k, v := range stats.Stats() {
			result.Details[k] = v
		}
	}

	if err := c.transport.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Transport is unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Transport is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ReceiverState is the view of a messaging.Receiver the checker needs
type ReceiverState interface {
	State() messaging.State
	Entity() contracts.EntityReference
}

// ReceiverChecker reports the state of a receive pump. A pump that has not
// been started is degraded, a stopped pump is unhealthy.
type ReceiverChecker struct {
	receiver ReceiverState
}

// NewReceiverChecker creates a receiver health checker
func NewReceiverChecker(receiver ReceiverState) *ReceiverChecker {
	return &ReceiverChecker{receiver: receiver}
}

func (c *ReceiverChecker) Name() string {
	return "receiver:" + c.receiver.Entity().String()
}

func (c *ReceiverChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.receiver.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"state": state.String()},
	}

	switch state {
	case messaging.StateProcessing:
		result.Status = StatusHealthy
		result.Message = "Receiver is processing"
	case messaging.StateIdle:
		result.Status = StatusDegraded
		result.Message = "Receiver has not been started"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Receiver is stopped"
	}

	result.Duration = time.Since(start)
	return result
}

// EntityChecker verifies that entities exist in the namespace
type EntityChecker struct {
	admin    messaging.Administrator
	entities []contracts.EntityReference
}

// NewEntityChecker creates an entity existence checker
func NewEntityChecker(admin messaging.Administrator, entities ...contracts.EntityReference) *EntityChecker {
	return &EntityChecker{admin: admin, entities: entities}
}

func (c *EntityChecker) Name() string {
	return "entities"
}

func (c *EntityChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("All %d entities exist", len(c.entities)),
	}

	var missing []string
	for _, ref := range c.entities {
		exists, err := c.exists(ctx, ref)
		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = "Failed to check " + ref.String()
			result.Error = err.Error()
			result.Duration = time.Since(start)
			return result
		}
		result.Details[ref.String()] = exists
		if !exists {
			missing = append(missing, ref.String())
		}
	}

	if len(missing) > 0 {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Missing entities: %v", missing)
	}

	result.Duration = time.Since(start)
	return result
}

func (c *EntityChecker) exists(ctx context.Context, ref contracts.EntityReference) (bool, error) {
	switch {
	case ref.Subscription != "":
		return c.admin.SubscriptionExists(ctx, ref.Name, ref.Subscription)
	case ref.Kind == contracts.EntityTopic:
		return c.admin.TopicExists(ctx, ref.Name)
	default:
		return c.admin.QueueExists(ctx, ref.Name)
	}
}

// GoroutineChecker flags runaway goroutine counts, such as leaked pump workers
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a goroutine count checker
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"goroutines":    goroutines,
			"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":       m.NumGC,
		},
	}

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// CheckFunc performs a custom check
type CheckFunc func(ctx context.Context) (Status, string, error)

// ComponentChecker adapts a CheckFunc to a Checker
type ComponentChecker struct {
	name  string
	check CheckFunc
}

// NewComponentChecker creates a checker for a custom component
func NewComponentChecker(name string, check CheckFunc) *ComponentChecker {
	return &ComponentChecker{name: name, check: check}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.check(ctx)

	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
		if status == "" || status == StatusHealthy {
			result.Status = StatusUnhealthy
		}
	}
	result.Duration = time.Since(start)
	return result
}
