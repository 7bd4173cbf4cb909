package conflict

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/quillstone/charsync/internal/sync/domain"
)

// Strategy names recorded on conflict audit rows.
const (
	StrategyLastWriteWins = "last_write_wins"
	StrategyMerge         = "merge"
	StrategyIncremental   = "incremental"
	StrategyNumericMin    = "numeric_min"
	StrategyNumericMax    = "numeric_max"
	StrategySetUnion      = "set_union"
	StrategyRemoteWins    = "remote_wins"
	StrategyUnionByID     = "union_by_id"
)

func resolveLastWriteWins(input Input) (Outcome, error) {
	if !input.LocalTime.IsZero() && !input.RemoteTime.IsZero() {
		if input.LocalTime.After(input.RemoteTime) {
			return Outcome{
				Value:    input.Local,
				Strategy: StrategyLastWriteWins,
				Reason:   "local edit is newer",
			}, nil
		}
		return Outcome{
			Value:    input.Remote,
			Strategy: StrategyLastWriteWins,
			Reason:   "remote edit is newer or concurrent",
		}, nil
	}
	// Without both timestamps the remote party is treated as authoritative.
	return Outcome{
		Value:    input.Remote,
		Strategy: StrategyLastWriteWins,
		Reason:   "timestamps unavailable, remote is authoritative",
	}, nil
}

func resolveMerge(input Input) (Outcome, error) {
	return Outcome{
		Value:    mergeValues(input.Local, input.Remote),
		Strategy: StrategyMerge,
		Reason:   "structural merge, remote overrides on collision",
	}, nil
}

// mergeValues merges two decoded JSON values: maps union recursively with
// remote overriding, lists union as sets, scalars fall to remote.
func mergeValues(local, remote any) any {
	localMap, localIsMap := local.(map[string]any)
	remoteMap, remoteIsMap := remote.(map[string]any)
	if localIsMap && remoteIsMap {
		merged := make(map[string]any, len(localMap)+len(remoteMap))
		for key, value := range localMap {
			merged[key] = value
		}
		for key, value := range remoteMap {
			if existing, ok := merged[key]; ok {
				merged[key] = mergeValues(existing, value)
				continue
			}
			merged[key] = value
		}
		return merged
	}

	localList, localIsList := local.([]any)
	remoteList, remoteIsList := remote.([]any)
	if localIsList && remoteIsList {
		return unionLists(localList, remoteList)
	}

	return remote
}

func unionLists(local, remote []any) []any {
	union := make([]any, 0, len(local)+len(remote))
	for _, value := range local {
		if !containsValue(union, value) {
			union = append(union, value)
		}
	}
	for _, value := range remote {
		if !containsValue(union, value) {
			union = append(union, value)
		}
	}
	return union
}

func containsValue(values []any, candidate any) bool {
	for _, value := range values {
		if reflect.DeepEqual(value, candidate) {
			return true
		}
	}
	return false
}

// resolveIncremental composes independent numeric deltas additively:
// base + (local - base) + (remote - base). Counters such as experience
// points accumulate edits from both sides this way.
func resolveIncremental(input Input) (Outcome, error) {
	base, err := toFloat(input.Base)
	if err != nil {
		return Outcome{}, err
	}
	local, err := toFloat(input.Local)
	if err != nil {
		return Outcome{}, err
	}
	remote, err := toFloat(input.Remote)
	if err != nil {
		return Outcome{}, err
	}
	value := base + (local - base) + (remote - base)
	return Outcome{
		Value:    normalizeNumber(value),
		Strategy: StrategyIncremental,
		Reason:   "independent deltas composed additively",
		Details: map[string]string{
			"local_delta":  fmt.Sprintf("%v", normalizeNumber(local-base)),
			"remote_delta": fmt.Sprintf("%v", normalizeNumber(remote-base)),
		},
	}, nil
}

func resolveNumericMin(input Input) (Outcome, error) {
	value, err := combineNumeric(input.Local, input.Remote, func(a, b float64) float64 {
		if a < b {
			return a
		}
		return b
	})
	if err != nil {
		return resolveLastWriteWins(input)
	}
	return Outcome{
		Value:    value,
		Strategy: StrategyNumericMin,
		Reason:   "conservative minimum of both sides",
	}, nil
}

func resolveNumericMax(input Input) (Outcome, error) {
	value, err := combineNumeric(input.Local, input.Remote, func(a, b float64) float64 {
		if a > b {
			return a
		}
		return b
	})
	if err != nil {
		return resolveLastWriteWins(input)
	}
	return Outcome{
		Value:    value,
		Strategy: StrategyNumericMax,
		Reason:   "maximum of both sides",
	}, nil
}

// combineNumeric applies combine to scalars, or per-key across the union of
// two maps of numbers (missing keys take the present side's value).
func combineNumeric(local, remote any, combine func(a, b float64) float64) (any, error) {
	localMap, localIsMap := local.(map[string]any)
	remoteMap, remoteIsMap := remote.(map[string]any)
	if localIsMap && remoteIsMap {
		keys := map[string]bool{}
		for key := range localMap {
			keys[key] = true
		}
		for key := range remoteMap {
			keys[key] = true
		}
		combined := make(map[string]any, len(keys))
		for key := range keys {
			localValue, localOK := localMap[key]
			remoteValue, remoteOK := remoteMap[key]
			switch {
			case localOK && remoteOK:
				a, err := toFloat(localValue)
				if err != nil {
					return nil, err
				}
				b, err := toFloat(remoteValue)
				if err != nil {
					return nil, err
				}
				combined[key] = normalizeNumber(combine(a, b))
			case localOK:
				combined[key] = localValue
			default:
				combined[key] = remoteValue
			}
		}
		return combined, nil
	}

	a, err := toFloat(local)
	if err != nil {
		return nil, err
	}
	b, err := toFloat(remote)
	if err != nil {
		return nil, err
	}
	return normalizeNumber(combine(a, b)), nil
}

func resolveSetUnion(input Input) (Outcome, error) {
	localList, localIsList := input.Local.([]any)
	remoteList, remoteIsList := input.Remote.([]any)
	if !localIsList || !remoteIsList {
		return resolveMerge(input)
	}
	return Outcome{
		Value:    unionLists(localList, remoteList),
		Strategy: StrategySetUnion,
		Reason:   "set union of both sides",
	}, nil
}

func resolveRemoteWins(input Input) (Outcome, error) {
	return Outcome{
		Value:    input.Remote,
		Strategy: StrategyRemoteWins,
		Reason:   "remote is authoritative for this field",
	}, nil
}

// resolveInventoryMerge unions item lists by id; colliding items keep the
// higher quantity and take remaining fields from remote.
func resolveInventoryMerge(input Input) (Outcome, error) {
	localList, localIsList := input.Local.([]any)
	remoteList, remoteIsList := input.Remote.([]any)
	if !localIsList || !remoteIsList {
		return resolveMerge(input)
	}

	byID := map[string]map[string]any{}
	var order []string
	for _, raw := range append(append([]any{}, localList...), remoteList...) {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		itemID, _ := item["id"].(string)
		if itemID == "" {
			continue
		}
		existing, seen := byID[itemID]
		if !seen {
			byID[itemID] = copyMap(item)
			order = append(order, itemID)
			continue
		}
		merged := copyMap(item)
		existingQty, existingErr := toFloat(existing["quantity"])
		incomingQty, incomingErr := toFloat(item["quantity"])
		if existingErr == nil && incomingErr == nil && existingQty > incomingQty {
			merged["quantity"] = normalizeNumber(existingQty)
		}
		byID[itemID] = merged
	}

	merged := make([]any, 0, len(order))
	for _, itemID := range order {
		merged = append(merged, byID[itemID])
	}
	return Outcome{
		Value:    merged,
		Strategy: StrategyUnionByID,
		Reason:   "inventory merged by item id, quantity max",
	}, nil
}

// resolveUnionByID unions lists of id-carrying records, remote entries
// overriding local entries with the same id.
func resolveUnionByID(input Input) (Outcome, error) {
	localList, localIsList := input.Local.([]any)
	remoteList, remoteIsList := input.Remote.([]any)
	if !localIsList || !remoteIsList {
		return resolveMerge(input)
	}

	at := map[string]int{}
	var union []any
	for _, raw := range append(append([]any{}, localList...), remoteList...) {
		item, ok := raw.(map[string]any)
		if !ok {
			if !containsValue(union, raw) {
				union = append(union, raw)
			}
			continue
		}
		itemID, _ := item["id"].(string)
		if itemID == "" {
			if !containsValue(union, raw) {
				union = append(union, raw)
			}
			continue
		}
		if index, collided := at[itemID]; collided {
			union[index] = item
			continue
		}
		at[itemID] = len(union)
		union = append(union, item)
	}
	return Outcome{
		Value:    union,
		Strategy: StrategyUnionByID,
		Reason:   "union by id",
	}, nil
}

// resolveGeneric is the catch-all: containers merge structurally, scalars
// fall to last-write-wins.
func resolveGeneric(input Input) (Outcome, error) {
	switch input.Remote.(type) {
	case map[string]any, []any:
		return resolveMerge(input)
	}
	switch input.Local.(type) {
	case map[string]any, []any:
		return resolveMerge(input)
	}
	return resolveLastWriteWins(input)
}

func copyMap(value map[string]any) map[string]any {
	copied := make(map[string]any, len(value))
	for key, inner := range value {
		copied[key] = inner
	}
	return copied
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, domain.ErrNonNumericOperand
		}
		return f, nil
	default:
		return 0, domain.ErrNonNumericOperand
	}
}

// normalizeNumber renders whole floats as int64 so resolved values round-trip
// through JSON the way they arrived.
func normalizeNumber(value float64) any {
	if value == float64(int64(value)) {
		return int64(value)
	}
	return value
}
