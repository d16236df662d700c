package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/keys"
	"github.com/rivet-dev/rivetkit-go/kv"
	"github.com/rivet-dev/rivetkit-go/tracing"
	"github.com/rivet-dev/rivetkit-go/wire"
)

// Namespace naming inside the KV factory. Each actor gets its own namespace;
// workflow-hosting actors get a second, exclusive one.
const (
	registryNamespace    = "registry"
	wfNamespaceSuffix    = "#wf"
	traceNamespaceSuffix = "#trace"
)

// TraceNamespace returns the kv namespace holding an actor's span chunks.
func TraceNamespace(actorID string) string { return actorID + traceNamespaceSuffix }

// Host owns the registered definitions, the key→actor-id registry, and the
// set of live instances. It wakes actors on alarms and hibernates them when
// idle.
type Host struct {
	factory kv.Factory
	opts    Options
	logger  *logrus.Entry

	registry kv.Driver

	mu        sync.Mutex
	defs      map[string]*Definition
	instances map[string]*Instance

	// frozen flips on first actor load; definitions cannot change after.
	frozen atomic.Bool

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewHost builds a host over a KV factory and wires alarm dispatch. Call
// Close to hibernate everything and release the factory.
func NewHost(factory kv.Factory, opts Options, logger *logrus.Entry) (*Host, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	registry, err := factory.Namespace(registryNamespace)
	if err != nil {
		return nil, fmt.Errorf("host: open registry: %w", err)
	}
	h := &Host{
		factory:   factory,
		opts:      opts,
		logger:    logger.WithField("component", "host"),
		registry:  registry,
		defs:      make(map[string]*Definition),
		instances: make(map[string]*Instance),
		stopped:   make(chan struct{}),
	}
	factory.OnAlarm(h.handleAlarm)
	go h.idleSweeper()
	return h, nil
}

// Register adds a definition. Registration is rejected once the first actor
// has loaded.
func (h *Host) Register(def *Definition) error {
	if h.frozen.Load() {
		return fmt.Errorf("host: cannot register %q after first actor load", def.Name)
	}
	if def.Run != nil && def.Workflow != nil {
		return fmt.Errorf("host: definition %q sets both Run and Workflow", def.Name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.defs[def.Name]; ok {
		return fmt.Errorf("host: definition %q already registered", def.Name)
	}
	h.defs[def.Name] = def
	return nil
}

// Resolve maps a (definition, key) pair onto a stable actor id, minting one
// on first use. Same-key clients share one instance.
func (h *Host) Resolve(ctx context.Context, definition string, key []string) (string, error) {
	h.mu.Lock()
	_, ok := h.defs[definition]
	h.mu.Unlock()
	if !ok {
		return "", errs.ActorNotFound(definition)
	}

	fwd := keys.RegistryForward(definition, key)
	raw, err := h.registry.Get(ctx, fwd)
	if err != nil {
		return "", err
	}
	if raw != nil {
		payload, err := wire.Open(raw)
		if err != nil {
			return "", err
		}
		var id string
		if err := json.Unmarshal(payload, &id); err != nil {
			return "", err
		}
		return id, nil
	}

	id := uuid.NewString()
	idRec, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	defRec, err := json.Marshal(definition)
	if err != nil {
		return "", err
	}
	err = h.registry.Batch(ctx, []kv.Entry{
		{Key: fwd, Value: wire.Seal(idRec)},
		{Key: keys.RegistryReverse(id), Value: wire.Seal(defRec)},
	}, nil)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetOrLoad returns the live instance for an actor id, loading (waking) it if
// necessary.
func (h *Host) GetOrLoad(ctx context.Context, actorID string) (*Instance, error) {
	h.mu.Lock()
	if inst, ok := h.instances[actorID]; ok && !inst.Stopped() {
		h.mu.Unlock()
		return inst, nil
	}
	h.mu.Unlock()

	raw, err := h.registry.Get(ctx, keys.RegistryReverse(actorID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errs.ActorNotFound(actorID)
	}
	payload, err := wire.Open(raw)
	if err != nil {
		return nil, err
	}
	var defName string
	if err := json.Unmarshal(payload, &defName); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if inst, ok := h.instances[actorID]; ok && !inst.Stopped() {
		return inst, nil
	}
	def, ok := h.defs[defName]
	if !ok {
		return nil, errs.ActorNotFound(actorID)
	}
	h.frozen.Store(true)

	store, err := h.factory.Namespace(actorID)
	if err != nil {
		return nil, err
	}
	var wfStore kv.Driver
	if def.Workflow != nil {
		wfStore, err = h.factory.Namespace(actorID + wfNamespaceSuffix)
		if err != nil {
			return nil, err
		}
	}
	inst := NewInstance(actorID, def, store, wfStore, &localClient{host: h}, h.opts, h.logger.Logger.WithField("component", "actor"))
	if h.opts.TraceEnabled {
		traceStore, err := h.factory.Namespace(actorID + traceNamespaceSuffix)
		if err != nil {
			return nil, err
		}
		inst.SetTracer(tracing.NewSink(traceStore, tracing.DefaultConfig(), h.logger))
	}
	if err := inst.Start(ctx, nil); err != nil {
		return nil, err
	}
	h.instances[actorID] = inst
	return inst, nil
}

// handleAlarm is the factory's alarm callback. The namespace names the actor
// (or its workflow namespace); the alarm id routes to the workflow engine or
// a scheduled handler.
func (h *Host) handleAlarm(namespace, id string, at time.Time) {
	if namespace == registryNamespace {
		return
	}
	actorID := strings.TrimSuffix(namespace, wfNamespaceSuffix)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	inst, err := h.GetOrLoad(ctx, actorID)
	if err != nil {
		h.logger.WithError(err).WithField("actor", actorID).Warn("alarm for unloadable actor")
		return
	}

	switch {
	case strings.HasPrefix(id, "wf:"):
		if inst.engine != nil {
			inst.engine.Wake()
		}
	case strings.HasPrefix(id, "sched:"):
		name := strings.TrimPrefix(id, "sched:")
		if err := inst.FireScheduled(ctx, name); err != nil {
			h.logger.WithError(err).WithField("schedule", name).Warn("scheduled handler failed")
		}
	default:
		h.logger.WithField("alarm", id).Debug("unrouted alarm")
	}
}

// idleSweeper hibernates instances that satisfy the idle policy.
func (h *Host) idleSweeper() {
	poll := h.registry.WorkerPollInterval()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopped:
			return
		case <-ticker.C:
		}
		h.mu.Lock()
		var idle []*Instance
		for id, inst := range h.instances {
			if inst.Idle(poll) {
				idle = append(idle, inst)
				delete(h.instances, id)
			}
		}
		h.mu.Unlock()
		for _, inst := range idle {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := inst.Stop(ctx); err != nil {
				h.logger.WithError(err).WithField("actor", inst.ID).Warn("hibernate failed")
			}
			cancel()
		}
	}
}

// Close hibernates every live instance and releases the factory.
func (h *Host) Close() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.stopped)
		h.mu.Lock()
		instances := make([]*Instance, 0, len(h.instances))
		for _, inst := range h.instances {
			instances = append(instances, inst)
		}
		h.instances = make(map[string]*Instance)
		h.mu.Unlock()
		for _, inst := range instances {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if sErr := inst.Stop(ctx); sErr != nil && err == nil {
				err = sErr
			}
			cancel()
		}
		if cErr := h.factory.Close(); cErr != nil && err == nil {
			err = cErr
		}
	})
	return err
}

// localClient routes cross-actor calls through the host in-process.
type localClient struct {
	host *Host
}

func (c *localClient) Resolve(ctx context.Context, definition string, key []string) (string, error) {
	return c.host.Resolve(ctx, definition, key)
}

func (c *localClient) Action(ctx context.Context, actorID, action string, args json.RawMessage) (json.RawMessage, error) {
	inst, err := c.host.GetOrLoad(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return inst.InvokeAction(ctx, nil, action, args)
}
