// Package agent exposes service capabilities as named tools behind a
// dispatcher that enforces roles, confirmation, parameter schemas and
// idempotent replay. The dispatcher itself is stateless; replay state
// lives in the client-data store.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/apperrors"
)

// Roles, in ascending privilege.
const (
	RoleGuest = "guest"
	RoleCrew  = "crew"
	RoleAdmin = "admin"
)

const (
	minIdempotencyKeyLen = 16
	replayTTL            = 24 * time.Hour
)

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Type        string   `json:"type"` // string, integer, number, boolean, array
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Schema maps parameter names to their specs. Unknown parameters are
// rejected.
type Schema map[string]ParamSpec

// Handler executes a tool. dryRun handlers must not mutate durable state.
type Handler func(ctx context.Context, params map[string]interface{}, dryRun bool) (interface{}, error)

// Tool is one registered capability.
type Tool struct {
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	Schema             Schema   `json:"schema"`
	Mutating           bool     `json:"mutating"`
	AllowedRoles       []string `json:"allowed_roles"`
	RequireIdempotency bool     `json:"require_idempotency"`
	Handler            Handler  `json:"-"`
}

// Options control one dispatch. DryRun defaults to true when unset.
type Options struct {
	DryRun         *bool  `json:"dry_run,omitempty"`
	Confirm        bool   `json:"confirm,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (o *Options) dryRun() bool {
	if o == nil || o.DryRun == nil {
		return true
	}
	return *o.DryRun
}

// CallResult is the outcome of a dispatch.
type CallResult struct {
	Tool     string      `json:"tool"`
	Result   interface{} `json:"result"`
	DryRun   bool        `json:"dry_run"`
	Replayed bool        `json:"replayed"`
}

// ReplayStore persists idempotent results per (capability, key, actor).
type ReplayStore interface {
	StoreIdempotentResult(capability, key, actor string, result interface{}, ttl time.Duration) error
	GetIdempotentResult(capability, key, actor string) (json.RawMessage, error)
}

// Dispatcher routes tool calls.
type Dispatcher struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	replay ReplayStore
	log    zerolog.Logger
}

// NewDispatcher creates an empty registry. replay may be nil, which
// disables idempotent replay (tools requiring it then always execute).
func NewDispatcher(replay ReplayStore, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		tools:  make(map[string]*Tool),
		replay: replay,
		log:    log.With().Str("component", "agent_dispatcher").Logger(),
	}
}

// Register adds a tool. Re-registering a name is a conflict.
func (d *Dispatcher) Register(tool *Tool) error {
	if tool.Name == "" {
		return apperrors.Validation("tool name is required")
	}
	if tool.Handler == nil {
		return apperrors.Validation("tool %s has no handler", tool.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.tools[tool.Name]; exists {
		return apperrors.Conflict("tool already registered: %s", tool.Name)
	}
	d.tools[tool.Name] = tool
	return nil
}

// List returns all tools sorted by name, without handlers.
func (d *Dispatcher) List() []Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Tool, 0, len(d.tools))
	for _, t := range d.tools {
		clone := *t
		clone.Handler = nil
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call dispatches one tool invocation on behalf of userRole.
func (d *Dispatcher) Call(ctx context.Context, name string, params map[string]interface{}, userRole string, opts *Options) (*CallResult, error) {
	d.mu.RLock()
	tool, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrToolNotFound.WithDetail("tool", name)
	}

	if !roleAllowed(tool.AllowedRoles, userRole) {
		return nil, apperrors.Forbidden("role %s may not call %s", userRole, name)
	}

	dryRun := opts.dryRun()
	if tool.Mutating && !dryRun && !opts.Confirm {
		return nil, apperrors.ErrConfirmRequired
	}

	if err := validateParams(tool.Schema, params); err != nil {
		return nil, err
	}

	var replayKey string
	if tool.RequireIdempotency && !dryRun {
		if opts == nil || len(opts.IdempotencyKey) < minIdempotencyKeyLen {
			return nil, apperrors.ErrIdempotencyKey
		}
		replayKey = opts.IdempotencyKey

		if d.replay != nil {
			stored, err := d.replay.GetIdempotentResult(name, replayKey, userRole)
			if err != nil {
				return nil, fmt.Errorf("failed to check idempotency store: %w", err)
			}
			if stored != nil {
				var result interface{}
				if err := json.Unmarshal(stored, &result); err != nil {
					return nil, fmt.Errorf("failed to decode replayed result: %w", err)
				}
				d.log.Info().Str("tool", name).Msg("Replayed idempotent tool call")
				return &CallResult{Tool: name, Result: result, DryRun: false, Replayed: true}, nil
			}
		}
	}

	result, err := tool.Handler(ctx, params, dryRun)
	if err != nil {
		return nil, err
	}

	if replayKey != "" && d.replay != nil {
		if err := d.replay.StoreIdempotentResult(name, replayKey, userRole, result, replayTTL); err != nil {
			d.log.Warn().Err(err).Str("tool", name).Msg("Failed to store idempotent result")
		}
	}

	d.log.Info().Str("tool", name).Str("role", userRole).Bool("dry_run", dryRun).Msg("Dispatched tool call")
	return &CallResult{Tool: name, Result: result, DryRun: dryRun}, nil
}

func roleAllowed(allowed []string, role string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func validateParams(schema Schema, params map[string]interface{}) error {
	for key := range params {
		if _, ok := schema[key]; !ok {
			return apperrors.Validation("unknown parameter: %s", key)
		}
	}

	for key, spec := range schema {
		value, present := params[key]
		if !present || value == nil {
			if spec.Required {
				return apperrors.Validation("missing required parameter: %s", key)
			}
			continue
		}
		if err := checkType(key, spec, value); err != nil {
			return err
		}
	}
	return nil
}

// checkType validates JSON-decoded values, where all numbers arrive as
// float64.
func checkType(key string, spec ParamSpec, value interface{}) error {
	switch spec.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return apperrors.Validation("parameter %s must be a string", key)
		}
		if len(spec.Enum) > 0 {
			for _, allowed := range spec.Enum {
				if s == allowed {
					return nil
				}
			}
			return apperrors.Validation("parameter %s must be one of %v", key, spec.Enum)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok {
			if _, isInt := value.(int); isInt {
				return nil
			}
			return apperrors.Validation("parameter %s must be an integer", key)
		}
		if f != math.Trunc(f) {
			return apperrors.Validation("parameter %s must be an integer, got %v", key, f)
		}
	case "number":
		switch value.(type) {
		case float64, int:
		default:
			return apperrors.Validation("parameter %s must be a number", key)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return apperrors.Validation("parameter %s must be a boolean", key)
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return apperrors.Validation("parameter %s must be an array", key)
		}
	default:
		return apperrors.Validation("parameter %s has unsupported schema type %s", key, spec.Type)
	}
	return nil
}

// intParam extracts an integer parameter after schema validation.
func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// strParam extracts a string parameter after schema validation.
func strParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}
