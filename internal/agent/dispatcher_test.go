package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cellar/internal/apperrors"
	"github.com/aristath/cellar/internal/modules/inventory"
	"github.com/aristath/cellar/internal/modules/pairing"
	"github.com/aristath/cellar/internal/modules/vintage"
)

type replayStub struct {
	entries map[string]json.RawMessage
	stores  int
}

func newReplayStub() *replayStub {
	return &replayStub{entries: make(map[string]json.RawMessage)}
}

func (r *replayStub) key(capability, key, actor string) string {
	return capability + "|" + key + "|" + actor
}

func (r *replayStub) StoreIdempotentResult(capability, key, actor string, result interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	r.entries[r.key(capability, key, actor)] = raw
	r.stores++
	return nil
}

func (r *replayStub) GetIdempotentResult(capability, key, actor string) (json.RawMessage, error) {
	raw, ok := r.entries[r.key(capability, key, actor)]
	if !ok {
		return nil, nil
	}
	return raw, nil
}

func echoTool(name string, mutating bool) (*Tool, *int) {
	calls := new(int)
	return &Tool{
		Name:               name,
		Description:        "echoes its input",
		Schema:             Schema{"value": {Type: "string", Required: true}},
		Mutating:           mutating,
		AllowedRoles:       []string{RoleCrew, RoleAdmin},
		RequireIdempotency: mutating,
		Handler: func(ctx context.Context, params map[string]interface{}, dryRun bool) (interface{}, error) {
			*calls++
			return map[string]interface{}{"value": params["value"], "dry_run": dryRun}, nil
		},
	}, calls
}

func boolPtr(b bool) *bool { return &b }

const validKey = "abcdefgh-12345678-key"

func TestRegisterRejectsDuplicatesAndInvalidTools(t *testing.T) {
	d := NewDispatcher(nil, zerolog.Nop())

	tool, _ := echoTool("echo", false)
	require.NoError(t, d.Register(tool))

	err := d.Register(tool)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))

	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(d.Register(&Tool{Handler: tool.Handler})))
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(d.Register(&Tool{Name: "no-handler"})))
}

func TestCallUnknownTool(t *testing.T) {
	d := NewDispatcher(nil, zerolog.Nop())

	_, err := d.Call(context.Background(), "missing", nil, RoleAdmin, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrToolNotFound))
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestCallEnforcesRoles(t *testing.T) {
	d := NewDispatcher(nil, zerolog.Nop())
	tool, calls := echoTool("echo", false)
	require.NoError(t, d.Register(tool))

	_, err := d.Call(context.Background(), "echo", map[string]interface{}{"value": "x"}, RoleGuest, nil)
	assert.Equal(t, apperrors.CodeAuthorization, apperrors.CodeOf(err))
	assert.Zero(t, *calls)

	res, err := d.Call(context.Background(), "echo", map[string]interface{}{"value": "x"}, RoleCrew, nil)
	require.NoError(t, err)
	assert.True(t, res.DryRun, "dry run is the default")
	assert.Equal(t, 1, *calls)
}

func TestMutatingCallRequiresConfirmation(t *testing.T) {
	d := NewDispatcher(newReplayStub(), zerolog.Nop())
	tool, calls := echoTool("mutate", true)
	require.NoError(t, d.Register(tool))

	params := map[string]interface{}{"value": "x"}

	// Live call without confirm is refused before the handler runs.
	_, err := d.Call(context.Background(), "mutate", params, RoleAdmin, &Options{DryRun: boolPtr(false), IdempotencyKey: validKey})
	assert.True(t, errors.Is(err, apperrors.ErrConfirmRequired))
	assert.Equal(t, apperrors.CodeAuthorization, apperrors.CodeOf(err), "missing confirmation is an authorization failure")
	assert.Zero(t, *calls)

	// Dry runs never need confirmation.
	res, err := d.Call(context.Background(), "mutate", params, RoleAdmin, nil)
	require.NoError(t, err)
	assert.True(t, res.DryRun)

	res, err = d.Call(context.Background(), "mutate", params, RoleAdmin, &Options{DryRun: boolPtr(false), Confirm: true, IdempotencyKey: validKey})
	require.NoError(t, err)
	assert.False(t, res.DryRun)
	assert.Equal(t, 2, *calls)
}

func TestCallValidatesParams(t *testing.T) {
	d := NewDispatcher(nil, zerolog.Nop())
	require.NoError(t, d.Register(&Tool{
		Name:        "typed",
		Description: "exercises every schema type",
		Schema: Schema{
			"name":   {Type: "string", Required: true},
			"count":  {Type: "integer"},
			"ratio":  {Type: "number"},
			"flag":   {Type: "boolean"},
			"items":  {Type: "array"},
			"flavor": {Type: "string", Enum: []string{"red", "white"}},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, dryRun bool) (interface{}, error) {
			return "ok", nil
		},
	}))

	call := func(params map[string]interface{}) error {
		_, err := d.Call(context.Background(), "typed", params, RoleAdmin, nil)
		return err
	}

	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(call(map[string]interface{}{})), "missing required")
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(call(map[string]interface{}{"name": "x", "bogus": 1})), "unknown param")
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(call(map[string]interface{}{"name": 42})), "wrong string type")
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(call(map[string]interface{}{"name": "x", "count": 1.5})), "fractional integer")
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(call(map[string]interface{}{"name": "x", "flag": "yes"})), "wrong boolean type")
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(call(map[string]interface{}{"name": "x", "flavor": "rose"})), "enum violation")

	assert.NoError(t, call(map[string]interface{}{
		"name":   "x",
		"count":  float64(3),
		"ratio":  0.5,
		"flag":   true,
		"items":  []interface{}{"a"},
		"flavor": "red",
	}))
}

func TestMutatingCallRequiresIdempotencyKey(t *testing.T) {
	d := NewDispatcher(newReplayStub(), zerolog.Nop())
	tool, _ := echoTool("mutate", true)
	require.NoError(t, d.Register(tool))

	opts := &Options{DryRun: boolPtr(false), Confirm: true}
	_, err := d.Call(context.Background(), "mutate", map[string]interface{}{"value": "x"}, RoleAdmin, opts)
	assert.True(t, errors.Is(err, apperrors.ErrIdempotencyKey))
	assert.Equal(t, apperrors.CodeAuthorization, apperrors.CodeOf(err), "missing idempotency key is an authorization failure")

	opts.IdempotencyKey = "too-short"
	_, err = d.Call(context.Background(), "mutate", map[string]interface{}{"value": "x"}, RoleAdmin, opts)
	assert.True(t, errors.Is(err, apperrors.ErrIdempotencyKey))
}

func TestIdempotentReplayReturnsStoredResult(t *testing.T) {
	replay := newReplayStub()
	d := NewDispatcher(replay, zerolog.Nop())
	tool, calls := echoTool("mutate", true)
	require.NoError(t, d.Register(tool))

	opts := &Options{DryRun: boolPtr(false), Confirm: true, IdempotencyKey: validKey}
	params := map[string]interface{}{"value": "first"}

	first, err := d.Call(context.Background(), "mutate", params, RoleAdmin, opts)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, replay.stores)

	// Same key replays the stored result even with different params.
	second, err := d.Call(context.Background(), "mutate", map[string]interface{}{"value": "second"}, RoleAdmin, opts)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, *calls, "handler did not run again")

	firstJSON, _ := json.Marshal(first.Result)
	secondJSON, _ := json.Marshal(second.Result)
	assert.JSONEq(t, string(firstJSON), string(secondJSON))

	// A different actor role gets a fresh execution under the same key.
	_, err = d.Call(context.Background(), "mutate", params, RoleCrew, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)
}

func TestDryRunSkipsReplayMachinery(t *testing.T) {
	replay := newReplayStub()
	d := NewDispatcher(replay, zerolog.Nop())
	tool, calls := echoTool("mutate", true)
	require.NoError(t, d.Register(tool))

	for i := 0; i < 2; i++ {
		res, err := d.Call(context.Background(), "mutate", map[string]interface{}{"value": "x"}, RoleAdmin, nil)
		require.NoError(t, err)
		assert.True(t, res.DryRun)
		assert.False(t, res.Replayed)
	}
	assert.Equal(t, 2, *calls)
	assert.Zero(t, replay.stores)
}

func TestListHidesHandlersAndSortsByName(t *testing.T) {
	d := NewDispatcher(nil, zerolog.Nop())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		tool, _ := echoTool(name, false)
		require.NoError(t, d.Register(tool))
	}

	listed := d.List()
	require.Len(t, listed, 3)
	assert.Equal(t, []string{listed[0].Name, listed[1].Name, listed[2].Name}, []string{"alpha", "mid", "zeta"})
	for _, tool := range listed {
		assert.Nil(t, tool.Handler)
	}
}

type inventoryToolStub struct {
	consumed []string
	stock    map[string]*inventory.StockLevel
}

func (s *inventoryToolStub) Receive(ctx context.Context, vintageID, location string, qty int, unitCost *float64, referenceID, notes, actor string) (*inventory.ReceiveResult, error) {
	return &inventory.ReceiveResult{Stock: inventory.StockLevel{VintageID: vintageID, Location: location, Quantity: qty, Available: qty}}, nil
}

func (s *inventoryToolStub) Consume(ctx context.Context, vintageID, location string, qty int, notes, actor string) (*inventory.StockLevel, error) {
	row := s.stock[vintageID+"/"+location]
	if row == nil || row.Quantity-row.Reserved < qty {
		return nil, apperrors.ErrInsufficientStock
	}
	s.consumed = append(s.consumed, fmt.Sprintf("%s/%s/%d", vintageID, location, qty))
	row.Quantity -= qty
	row.Available = row.Quantity - row.Reserved
	return row, nil
}

func (s *inventoryToolStub) Reserve(ctx context.Context, vintageID, location string, qty int, notes, actor string) (*inventory.StockLevel, error) {
	row := s.stock[vintageID+"/"+location]
	if row == nil {
		return nil, apperrors.ErrInsufficientStock
	}
	row.Reserved += qty
	row.Available = row.Quantity - row.Reserved
	return row, nil
}

func (s *inventoryToolStub) Move(ctx context.Context, vintageID, from, to string, qty int, notes, actor string) (*inventory.StockLevel, error) {
	return &inventory.StockLevel{VintageID: vintageID, Location: to, Quantity: qty}, nil
}

func (s *inventoryToolStub) GetStock(vintageID, location string) (*inventory.StockLevel, error) {
	return s.stock[vintageID+"/"+location], nil
}

func (s *inventoryToolStub) StockForVintage(vintageID string) ([]inventory.StockLevel, error) {
	var out []inventory.StockLevel
	for _, row := range s.stock {
		if row.VintageID == vintageID {
			out = append(out, *row)
		}
	}
	return out, nil
}

type pairerStub struct{ calls int }

func (p *pairerStub) QuickPairing(ctx context.Context, dish *pairing.DishInput, reqCtx *pairing.Context, prefs *pairing.Preferences, userID string) (*pairing.Result, error) {
	p.calls++
	return &pairing.Result{}, nil
}

type enricherStub struct{ lastRegion string }

func (e *enricherStub) EnrichWineData(ctx context.Context, input *vintage.WineInput) (*vintage.Enrichment, error) {
	e.lastRegion = input.Region
	return &vintage.Enrichment{}, nil
}

func builtinFixture(t *testing.T) (*Dispatcher, *inventoryToolStub, *pairerStub, *enricherStub) {
	t.Helper()
	inv := &inventoryToolStub{stock: map[string]*inventory.StockLevel{
		"v-1/cellar-a": {VintageID: "v-1", Location: "cellar-a", Quantity: 12, Reserved: 2, Available: 10},
	}}
	pairer := &pairerStub{}
	enricher := &enricherStub{}

	d := NewDispatcher(newReplayStub(), zerolog.Nop())
	require.NoError(t, RegisterBuiltinTools(d, inv, inv, pairer, enricher))
	return d, inv, pairer, enricher
}

func TestBuiltinToolsRegisterFullSet(t *testing.T) {
	d, _, _, _ := builtinFixture(t)

	names := make([]string, 0)
	for _, tool := range d.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"consume_stock", "get_stock", "move_stock", "quick_pairing",
		"receive_stock", "reserve_stock", "vintage_intelligence",
	}, names)
}

func TestConsumeStockDryRunSimulates(t *testing.T) {
	d, inv, _, _ := builtinFixture(t)

	res, err := d.Call(context.Background(), "consume_stock", map[string]interface{}{
		"vintage_id": "v-1",
		"location":   "cellar-a",
		"quantity":   float64(4),
	}, RoleCrew, nil)
	require.NoError(t, err)
	require.True(t, res.DryRun)

	projected := res.Result.(map[string]interface{})
	assert.Equal(t, true, projected["simulated"])
	assert.Equal(t, 8, projected["projected_quantity"])
	assert.Equal(t, 6, projected["projected_available"])
	assert.Empty(t, inv.consumed, "dry run must not touch stock")
}

func TestConsumeStockLiveCallMutates(t *testing.T) {
	d, inv, _, _ := builtinFixture(t)

	res, err := d.Call(context.Background(), "consume_stock", map[string]interface{}{
		"vintage_id": "v-1",
		"location":   "cellar-a",
		"quantity":   float64(4),
	}, RoleCrew, &Options{DryRun: boolPtr(false), Confirm: true, IdempotencyKey: validKey})
	require.NoError(t, err)
	assert.False(t, res.DryRun)
	assert.Equal(t, []string{"v-1/cellar-a/4"}, inv.consumed)

	row := res.Result.(*inventory.StockLevel)
	assert.Equal(t, 8, row.Quantity)
}

func TestGetStockIsGuestAccessible(t *testing.T) {
	d, _, _, _ := builtinFixture(t)

	res, err := d.Call(context.Background(), "get_stock", map[string]interface{}{"vintage_id": "v-1"}, RoleGuest, nil)
	require.NoError(t, err)
	rows := res.Result.([]inventory.StockLevel)
	require.Len(t, rows, 1)
	assert.Equal(t, "cellar-a", rows[0].Location)
}

func TestQuickPairingToolDelegates(t *testing.T) {
	d, _, pairer, _ := builtinFixture(t)

	_, err := d.Call(context.Background(), "quick_pairing", map[string]interface{}{"dish": "duck confit"}, RoleGuest, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pairer.calls)
}

func TestVintageIntelligenceRequiresCrew(t *testing.T) {
	d, _, _, enricher := builtinFixture(t)

	params := map[string]interface{}{"region": "burgundy", "year": float64(2019)}
	_, err := d.Call(context.Background(), "vintage_intelligence", params, RoleGuest, nil)
	assert.Equal(t, apperrors.CodeAuthorization, apperrors.CodeOf(err))

	_, err = d.Call(context.Background(), "vintage_intelligence", params, RoleCrew, nil)
	require.NoError(t, err)
	assert.Equal(t, "burgundy", enricher.lastRegion)
}
