// Package batch derives read-only checkout groupings from orders.
package batch

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Additional-Code/settle/internal/entity"
)

// Group is the sibling orders of one checkout, or a single order checked out alone.
type Group struct {
	Key       string
	Orders    []*entity.Order
	CreatedAt time.Time
}

// Total sums the expected amounts of every member.
func (g Group) Total() decimal.Decimal {
	total := decimal.Zero
	for _, o := range g.Orders {
		total = total.Add(o.ExpectedAmount)
	}
	return total
}

// Status is the least advanced status among members that are not cancelled. A group is
// cancelled only when every member is.
func (g Group) Status() entity.Status {
	var lowest entity.Status
	for _, o := range g.Orders {
		if o.Status == entity.StatusCancelled {
			continue
		}
		if lowest == "" || o.Status.Rank() < lowest.Rank() {
			lowest = o.Status
		}
	}
	if lowest == "" && len(g.Orders) > 0 {
		return entity.StatusCancelled
	}
	return lowest
}

// Partition groups orders by batch id. Members are sorted oldest first and groups newest
// first by their earliest member.
func Partition(orders []*entity.Order) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, o := range orders {
		if o == nil {
			continue
		}
		key := o.GroupKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key})
		}
		groups[i].Orders = append(groups[i].Orders, o)
	}

	for i := range groups {
		members := groups[i].Orders
		sort.SliceStable(members, func(a, b int) bool {
			if members[a].CreatedAt.Equal(members[b].CreatedAt) {
				return members[a].ID < members[b].ID
			}
			return members[a].CreatedAt.Before(members[b].CreatedAt)
		})
		groups[i].CreatedAt = members[0].CreatedAt
	}

	sort.SliceStable(groups, func(a, b int) bool {
		if groups[a].CreatedAt.Equal(groups[b].CreatedAt) {
			return groups[a].Key < groups[b].Key
		}
		return groups[a].CreatedAt.After(groups[b].CreatedAt)
	})
	return groups
}
