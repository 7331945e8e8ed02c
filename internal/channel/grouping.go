package channel

import (
	"sort"

	"channelmanager/internal/models"
)

// InventoryGroup is every update for one external room type.
type InventoryGroup struct {
	Mapping models.ChannelRoomMapping
	Updates []models.InventoryUpdate
}

// RateGroup is every rate for one external room type. Each update carries the
// rate plan it applies to.
type RateGroup struct {
	Mapping models.ChannelRoomMapping
	Updates []models.RateUpdate
}

// GroupInventory buckets updates by external room type in a stable order.
// Updates for unmapped rooms are dropped and their room ids returned.
func GroupInventory(mappings models.MappingSet, updates []models.InventoryUpdate) ([]InventoryGroup, []string) {
	index := make(map[string]int)
	var (
		groups   []InventoryGroup
		unmapped []string
	)
	for _, u := range updates {
		m, ok := mappings.ByLocal(u.RoomID)
		if !ok {
			unmapped = append(unmapped, u.RoomID)
			continue
		}
		i, seen := index[m.ExternalRoomTypeID]
		if !seen {
			i = len(groups)
			index[m.ExternalRoomTypeID] = i
			groups = append(groups, InventoryGroup{Mapping: m})
		}
		u.Date = models.Day(u.Date)
		groups[i].Updates = append(groups[i].Updates, u)
	}
	sort.Slice(groups, func(a, b int) bool {
		return groups[a].Mapping.ExternalRoomTypeID < groups[b].Mapping.ExternalRoomTypeID
	})
	return groups, unmapped
}

// GroupRates buckets rate updates by external room type. An empty rate plan
// falls back to the mapping's plan.
func GroupRates(mappings models.MappingSet, updates []models.RateUpdate) ([]RateGroup, []string) {
	index := make(map[string]int)
	var (
		groups   []RateGroup
		unmapped []string
	)
	for _, u := range updates {
		m, ok := mappings.ByLocal(u.RoomID)
		if !ok {
			unmapped = append(unmapped, u.RoomID)
			continue
		}
		i, seen := index[m.ExternalRoomTypeID]
		if !seen {
			i = len(groups)
			index[m.ExternalRoomTypeID] = i
			groups = append(groups, RateGroup{Mapping: m})
		}
		if u.ExternalRatePlanID == "" {
			u.ExternalRatePlanID = m.ExternalRatePlanID
		}
		u.Date = models.Day(u.Date)
		groups[i].Updates = append(groups[i].Updates, u)
	}
	sort.Slice(groups, func(a, b int) bool {
		return groups[a].Mapping.ExternalRoomTypeID < groups[b].Mapping.ExternalRoomTypeID
	})
	return groups, unmapped
}
