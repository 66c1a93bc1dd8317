package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"mercator-hq/tally/pkg/costs"
)

// Query returns the entries matching a filter, ordered by usage timestamp,
// stream and sequence. It never modifies the ledger.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	rows, err := l.storage.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := l.decode(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ByExecution returns every entry for an execution.
func (l *Ledger) ByExecution(ctx context.Context, executionID string) ([]*Entry, error) {
	return l.Query(ctx, Filter{ExecutionID: executionID})
}

// ByComponent returns the entries for a component, optionally bounded by a
// time window.
func (l *Ledger) ByComponent(ctx context.Context, component string, filter Filter) ([]*Entry, error) {
	filter.Component = component
	return l.Query(ctx, filter)
}

// GroupBy names the dimension Aggregate groups totals by.
type GroupBy string

const (
	GroupByNone      GroupBy = ""
	GroupByComponent GroupBy = "component"
	GroupByAction    GroupBy = "action"
	GroupByExecution GroupBy = "execution"
)

// ParseGroupBy validates a grouping name.
func ParseGroupBy(s string) (GroupBy, error) {
	switch g := GroupBy(s); g {
	case GroupByNone, GroupByComponent, GroupByAction, GroupByExecution:
		return g, nil
	case "none":
		return GroupByNone, nil
	}
	return "", fmt.Errorf("unknown grouping %q", s)
}

// Group is the total of one group in one currency.
type Group struct {
	Key      string          `json:"key"`
	Currency string          `json:"currency"`
	Total    decimal.Decimal `json:"total"`
	Events   int             `json:"events"`
}

// Aggregate is a cost rollup over the entries a filter selects.
type Aggregate struct {
	Filter  Filter  `json:"filter"`
	GroupBy GroupBy `json:"group_by,omitempty"`
	Groups  []Group `json:"groups"`

	// Totals is keyed by currency; amounts in different currencies are
	// never summed together.
	Totals map[string]decimal.Decimal `json:"totals"`

	CostEvents           int `json:"cost_events"`
	UnattributableEvents int `json:"unattributable_events"`

	// Superseded counts cost events excluded from totals because a
	// correction for them is in the selected set.
	Superseded int `json:"superseded"`

	// Entries are the itemized entries the totals were computed from.
	Entries []*Entry `json:"-"`
}

// Aggregate totals the cost events a filter selects. A cost event whose
// correction is also selected is replaced by the correction. The
// aggregation reads the ledger only and leaves it unchanged.
func (l *Ledger) Aggregate(ctx context.Context, filter Filter, groupBy GroupBy) (*Aggregate, error) {
	entries, err := l.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	return Summarize(entries, filter, groupBy), nil
}

// Summarize computes an Aggregate from already loaded entries.
func Summarize(entries []*Entry, filter Filter, groupBy GroupBy) *Aggregate {
	agg := &Aggregate{
		Filter:  filter,
		GroupBy: groupBy,
		Totals:  make(map[string]decimal.Decimal),
		Entries: entries,
	}

	corrected := make(map[string]bool)
	for _, e := range entries {
		if c := e.Event.Cost; c != nil && c.Corrects != "" {
			corrected[c.Corrects] = true
		}
	}

	type groupKey struct{ key, currency string }
	groups := make(map[groupKey]*Group)

	for _, e := range entries {
		if e.Event.Kind == costs.KindUnattributable {
			agg.UnattributableEvents++
			continue
		}
		c := e.Event.Cost
		agg.CostEvents++
		if corrected[c.EventID] {
			agg.Superseded++
			continue
		}

		agg.Totals[c.Currency] = agg.Totals[c.Currency].Add(c.TotalCost)

		k := groupKey{key: groupKeyOf(c, groupBy), currency: c.Currency}
		g, ok := groups[k]
		if !ok {
			g = &Group{Key: k.key, Currency: k.currency, Total: decimal.Zero}
			groups[k] = g
		}
		g.Total = g.Total.Add(c.TotalCost)
		g.Events++
	}

	agg.Groups = make([]Group, 0, len(groups))
	for _, g := range groups {
		agg.Groups = append(agg.Groups, *g)
	}
	sort.Slice(agg.Groups, func(i, j int) bool {
		if agg.Groups[i].Key != agg.Groups[j].Key {
			return agg.Groups[i].Key < agg.Groups[j].Key
		}
		return agg.Groups[i].Currency < agg.Groups[j].Currency
	})
	return agg
}

func groupKeyOf(c *costs.CostEvent, groupBy GroupBy) string {
	switch groupBy {
	case GroupByComponent:
		return c.Component
	case GroupByAction:
		return c.Component + "/" + c.Action
	case GroupByExecution:
		return c.ExecutionID
	}
	return ""
}
