// Package actionspace provides the immutable, indexed catalog of actions
// an agent can attempt, and an executor that dispatches a chosen action
// against the external bot interface and reports success/failure back to
// the Reward Shaper.
package actionspace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/npcbrain/internal/agenthandle"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

// ActionCount is the canonical action-space size for this run. The
// source material disagreed across files (70, 76, 216, 296, 297); this
// is the one chosen value, enforced via the parameter schema header.
const ActionCount = 96

// DefaultBudget is the bounded wall-clock budget an executor is given.
// An executor that does not return within this window is treated as a
// failure of kind "timeout"; it never blocks the agent tick indefinitely.
const DefaultBudget = 3 * time.Second

// Category names, matching the closed set in the component design.
const (
	CategoryMovement      = "movement"
	CategoryCombat        = "combat"
	CategoryResource       = "resource"
	CategoryBuild         = "build"
	CategoryCraft         = "craft"
	CategoryInventory     = "inventory"
	CategoryAdvancedCraft = "advanced-craft"
	CategoryContainer     = "container"
	CategoryEnchant       = "enchant"
	CategoryTrade         = "trade"
	CategoryAgriculture   = "agriculture"
	CategoryRedstone      = "redstone"
	CategoryBed           = "bed"
	CategoryAdvCombat     = "adv-combat"
	CategoryNavigation    = "navigation"
	CategoryOptimization  = "optimization"
	CategoryCommunication = "communication"
)

// Action is one entry in the static catalog: a stable index, a human
// name, and the category the Reward Shaper prices it under.
type Action struct {
	Index    int
	Name     string
	Category string
}

// Catalog is the immutable, indexed action table. Index i corresponds to
// Catalog[i]; this correspondence never changes within a run.
var Catalog = buildCatalog()

func buildCatalog() [ActionCount]Action {
	spec := []struct {
		category string
		names    []string
	}{
		{CategoryMovement, []string{"walk_forward", "walk_backward", "strafe_left", "strafe_right", "jump", "sneak"}},
		{CategoryCombat, []string{"attack_melee", "attack_ranged", "block", "flee", "taunt", "finish_off"}},
		{CategoryResource, []string{"mine_block", "chop_tree", "gather_item", "harvest_ore", "fish", "collect_water", "shear", "milk"}},
		{CategoryBuild, []string{"place_block", "place_torch", "place_ladder", "build_wall", "build_roof", "build_stairs", "clear_area", "demolish"}},
		{CategoryCraft, []string{"craft_tool", "craft_weapon", "craft_armor", "craft_food", "smelt", "craft_block", "repair_item", "craft_ammo"}},
		{CategoryInventory, []string{"equip_item", "unequip_item", "drop_item", "sort_inventory", "stack_items", "discard_junk"}},
		{CategoryAdvancedCraft, []string{"brew_potion", "craft_enchanted_book", "craft_banner", "craft_firework", "craft_map", "craft_beacon"}},
		{CategoryContainer, []string{"open_chest", "close_chest", "deposit_item", "withdraw_item", "open_furnace", "open_shulker"}},
		{CategoryEnchant, []string{"enchant_item", "apply_enchant_table", "combine_anvil", "disenchant"}},
		{CategoryTrade, []string{"trade_villager", "offer_trade", "accept_trade", "reject_trade"}},
		{CategoryAgriculture, []string{"till_soil", "plant_seed", "harvest_crop", "breed_animal", "feed_animal", "fertilize"}},
		{CategoryRedstone, []string{"place_redstone", "toggle_lever", "place_repeater", "place_comparator", "wire_circuit", "activate_piston"}},
		{CategoryBed, []string{"sleep", "set_spawn"}},
		{CategoryAdvCombat, []string{"shield_bash", "combo_attack", "dodge_roll", "critical_strike", "disarm", "execute_low_health"}},
		{CategoryNavigation, []string{"pathfind_to", "follow_entity", "return_home", "explore_frontier", "avoid_hazard", "climb"}},
		{CategoryOptimization, []string{"reorganize_base", "optimize_route", "conserve_food", "conserve_tools"}},
		{CategoryCommunication, []string{"greet", "request_help", "share_location", "emote"}},
	}

	var cat [ActionCount]Action
	i := 0
	for _, s := range spec {
		for _, name := range s.names {
			cat[i] = Action{Index: i, Name: name, Category: s.category}
			i++
		}
	}
	if i != ActionCount {
		panic(fmt.Sprintf("actionspace: catalog has %d entries, want %d", i, ActionCount))
	}
	return cat
}

// ByIndex returns the action at i, or the zero Action if out of range.
func ByIndex(i int) (Action, bool) {
	if i < 0 || i >= ActionCount {
		return Action{}, false
	}
	return Catalog[i], true
}

// Executor dispatches a chosen action index against the external bot
// interface. It never panics across the boundary: any dispatcher error
// or deadline exceeded is reported as a failed Outcome, not a Go error,
// so the caller always has enough information to price the reward.
type Executor struct {
	Dispatcher agenthandle.Dispatcher
	Budget     time.Duration
}

// NewExecutor builds an Executor with the default wall-clock budget.
func NewExecutor(d agenthandle.Dispatcher) *Executor {
	return &Executor{Dispatcher: d, Budget: DefaultBudget}
}

// Execute attempts the given action index against h. Invalid actions
// (precondition not met, out-of-range index) are not pruned ahead of
// time — they are reported here as a failed Outcome, never as a panic.
func (e *Executor) Execute(ctx context.Context, h *agenthandle.Handle, index int, params map[string]interface{}) agenthandle.Outcome {
	action, ok := ByIndex(index)
	if !ok {
		return agenthandle.Outcome{FailureKind: "invalid_index"}
	}

	budget := e.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	execCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	payload := protocol.ActionPayload{
		Target:     h.Identity,
		Action:     action.Name,
		Parameters: params,
	}

	outcome, err := e.Dispatcher.Dispatch(execCtx, h, payload)
	if err != nil {
		kind := "dispatch_error"
		if execCtx.Err() == context.DeadlineExceeded {
			kind = "timeout"
		}
		slog.Warn("actionspace.execute_failed", "agent", h.Identity, "action", action.Name, "kind", kind, "error", err)
		return agenthandle.Outcome{ActionName: action.Name, FailureKind: kind}
	}
	outcome.ActionName = action.Name
	return outcome
}
