package agent

import (
	"context"

	"github.com/aristath/cellar/internal/modules/inventory"
	"github.com/aristath/cellar/internal/modules/pairing"
	"github.com/aristath/cellar/internal/modules/vintage"
)

// InventoryMutator is the slice of the inventory service the tools need.
type InventoryMutator interface {
	Receive(ctx context.Context, vintageID, location string, qty int, unitCost *float64, referenceID, notes, actor string) (*inventory.ReceiveResult, error)
	Consume(ctx context.Context, vintageID, location string, qty int, notes, actor string) (*inventory.StockLevel, error)
	Reserve(ctx context.Context, vintageID, location string, qty int, notes, actor string) (*inventory.StockLevel, error)
	Move(ctx context.Context, vintageID, from, to string, qty int, notes, actor string) (*inventory.StockLevel, error)
}

// StockReader answers read-only stock queries.
type StockReader interface {
	StockForVintage(vintageID string) ([]inventory.StockLevel, error)
	GetStock(vintageID, location string) (*inventory.StockLevel, error)
}

// Pairer runs the deterministic quick pairing.
type Pairer interface {
	QuickPairing(ctx context.Context, dish *pairing.DishInput, reqCtx *pairing.Context, prefs *pairing.Preferences, userID string) (*pairing.Result, error)
}

// Enricher answers vintage intelligence queries.
type Enricher interface {
	EnrichWineData(ctx context.Context, input *vintage.WineInput) (*vintage.Enrichment, error)
}

const toolActor = "agent"

// RegisterBuiltinTools wires the standard capability set into a dispatcher.
func RegisterBuiltinTools(d *Dispatcher, inv InventoryMutator, stock StockReader, pairer Pairer, enricher Enricher) error {
	tools := []*Tool{
		consumeStockTool(inv, stock),
		receiveStockTool(inv, stock),
		reserveStockTool(inv, stock),
		moveStockTool(inv, stock),
		getStockTool(stock),
		quickPairingTool(pairer),
		vintageIntelTool(enricher),
	}
	for _, tool := range tools {
		if err := d.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func stockMutationSchema() Schema {
	return Schema{
		"vintage_id": {Type: "string", Required: true, Description: "Vintage to operate on"},
		"location":   {Type: "string", Required: true, Description: "Cellar location"},
		"quantity":   {Type: "integer", Required: true, Description: "Bottle count"},
		"notes":      {Type: "string", Description: "Free-form note for the ledger"},
	}
}

// simulate returns the projected stock row for a dry run without touching
// the ledger.
func simulate(stock StockReader, vintageID, location string, deltaQty, deltaReserved int) (map[string]interface{}, error) {
	row, err := stock.GetStock(vintageID, location)
	if err != nil {
		return nil, err
	}
	current, reserved := 0, 0
	if row != nil {
		current, reserved = row.Quantity, row.Reserved
	}
	projectedQty := current + deltaQty
	projectedReserved := reserved + deltaReserved
	return map[string]interface{}{
		"simulated":          true,
		"vintage_id":         vintageID,
		"location":           location,
		"projected_quantity": projectedQty,
		"projected_reserved": projectedReserved,
		"projected_available": func() int {
			a := projectedQty - projectedReserved
			if a < 0 {
				return 0
			}
			return a
		}(),
	}, nil
}

func consumeStockTool(inv InventoryMutator, stock StockReader) *Tool {
	return &Tool{
		Name:               "consume_stock",
		Description:        "Consume bottles from a cellar location and append an OUT ledger entry.",
		Schema:             stockMutationSchema(),
		Mutating:           true,
		AllowedRoles:       []string{RoleCrew, RoleAdmin},
		RequireIdempotency: true,
		Handler: func(ctx context.Context, params map[string]interface{}, dryRun bool) (interface{}, error) {
			vintageID := strParam(params, "vintage_id")
			location := strParam(params, "location")
			qty := intParam(params, "quantity")
			if dryRun {
				return simulate(stock, vintageID, location, -qty, 0)
			}
			return inv.Consume(ctx, vintageID, location, qty, strParam(params, "notes"), toolActor)
		},
	}
}

func receiveStockTool(inv InventoryMutator, stock StockReader) *Tool {
	schema := stockMutationSchema()
	schema["unit_cost"] = ParamSpec{Type: "number", Description: "Cost per bottle"}
	return &Tool{
		Name:               "receive_stock",
		Description:        "Receive bottles into a cellar location and append an IN ledger entry.",
		Schema:             schema,
		Mutating:           true,
		AllowedRoles:       []string{RoleCrew, RoleAdmin},
		RequireIdempotency: true,
		Handler: func(ctx context.Context, params map[string]interface{}, dryRun bool) (interface{}, error) {
			vintageID := strParam(params, "vintage_id")
			location := strParam(params, "location")
			qty := intParam(params, "quantity")
			if dryRun {
				return simulate(stock, vintageID, location, qty, 0)
			}
			var unitCost *float64
			if v, ok := params["unit_cost"].(float64); ok {
				unitCost = &v
			}
			return inv.Receive(ctx, vintageID, location, qty, unitCost, "", strParam(params, "notes"), toolActor)
		},
	}
}

func reserveStockTool(inv InventoryMutator, stock StockReader) *Tool {
	return &Tool{
		Name:               "reserve_stock",
		Description:        "Reserve bottles for an upcoming service.",
		Schema:             stockMutationSchema(),
		Mutating:           true,
		AllowedRoles:       []string{RoleCrew, RoleAdmin},
		RequireIdempotency: true,
		Handler: func(ctx context.Context, params map[string]interface{}, dryRun bool) (interface{}, error) {
			vintageID := strParam(params, "vintage_id")
			location := strParam(params, "location")
			qty := intParam(params, "quantity")
			if dryRun {
				return simulate(stock, vintageID, location, 0, qty)
			}
			return inv.Reserve(ctx, vintageID, location, qty, strParam(params, "notes"), toolActor)
		},
	}
}

func moveStockTool(inv InventoryMutator, stock StockReader) *Tool {
	return &Tool{
		Name:        "move_stock",
		Description: "Move bottles between cellar locations with correlated ledger legs.",
		Schema: Schema{
			"vintage_id": {Type: "string", Required: true},
			"from":       {Type: "string", Required: true, Description: "Source location"},
			"to":         {Type: "string", Required: true, Description: "Destination location"},
			"quantity":   {Type: "integer", Required: true},
			"notes":      {Type: "string"},
		},
		Mutating:           true,
		AllowedRoles:       []string{RoleCrew, RoleAdmin},
		RequireIdempotency: true,
		Handler: func(ctx context.Context, params map[string]interface{}, dryRun bool) (interface{}, error) {
			vintageID := strParam(params, "vintage_id")
			qty := intParam(params, "quantity")
			if dryRun {
				return simulate(stock, vintageID, strParam(params, "from"), -qty, 0)
			}
			return inv.Move(ctx, vintageID, strParam(params, "from"), strParam(params, "to"), qty, strParam(params, "notes"), toolActor)
		},
	}
}

func getStockTool(stock StockReader) *Tool {
	return &Tool{
		Name:        "get_stock",
		Description: "List stock rows for a vintage across locations.",
		Schema: Schema{
			"vintage_id": {Type: "string", Required: true},
		},
		AllowedRoles: []string{RoleGuest, RoleCrew, RoleAdmin},
		Handler: func(ctx context.Context, params map[string]interface{}, dryRun bool) (interface{}, error) {
			return stock.StockForVintage(strParam(params, "vintage_id"))
		},
	}
}

func quickPairingTool(pairer Pairer) *Tool {
	return &Tool{
		Name:        "quick_pairing",
		Description: "Suggest wines for a dish using deterministic scoring only.",
		Schema: Schema{
			"dish": {Type: "string", Required: true, Description: "Dish description"},
		},
		AllowedRoles: []string{RoleGuest, RoleCrew, RoleAdmin},
		Handler: func(ctx context.Context, params map[string]interface{}, dryRun bool) (interface{}, error) {
			return pairer.QuickPairing(ctx, &pairing.DishInput{Text: strParam(params, "dish")}, nil, nil, toolActor)
		},
	}
}

func vintageIntelTool(enricher Enricher) *Tool {
	return &Tool{
		Name:        "vintage_intelligence",
		Description: "Report growing-season analysis, quality adjustment and procurement advice for a region and year.",
		Schema: Schema{
			"region": {Type: "string", Required: true},
			"year":   {Type: "integer", Required: true},
		},
		AllowedRoles: []string{RoleCrew, RoleAdmin},
		Handler: func(ctx context.Context, params map[string]interface{}, dryRun bool) (interface{}, error) {
			return enricher.EnrichWineData(ctx, &vintage.WineInput{
				Region: strParam(params, "region"),
				Year:   intParam(params, "year"),
			})
		},
	}
}
