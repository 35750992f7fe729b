package reconcile

import "sort"

// OpKind classifies one reconciliation operation.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is one entity-level change the applier must perform.
type Operation struct {
	Kind   OpKind `json:"kind"`
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

// Plan holds the operations per category, already ordered for application:
// within each category deletes come first, then adds, then updates, each
// group sorted by id.
type Plan struct {
	Templates     []Operation
	Transactions  []Operation
	Segments      []Operation
	Campaigns     []Operation
	EmailProvider []Operation
}

// Count returns the total number of operations across all categories.
func (p *Plan) Count() int {
	return len(p.Templates) + len(p.Transactions) + len(p.Segments) + len(p.Campaigns) + len(p.EmailProvider)
}

// Empty reports whether the plan carries no operations at all.
func (p *Plan) Empty() bool {
	return p.Count() == 0
}

// Diff computes the operations that turn the old configuration into the new
// one. Entities are matched by id; payload equality decides between no-op and
// update. An absent emailProvider in the new document never produces a delete.
func Diff(old, next *Document) *Plan {
	p := &Plan{}
	p.Templates = diffKeyed("template", templateKeys(old.Templates), templateKeys(next.Templates),
		func(id string) bool { return old.Templates[id] == next.Templates[id] })
	p.Transactions = diffKeyed("transaction", transactionKeys(old.Transactions), transactionKeys(next.Transactions),
		func(id string) bool { return old.Transactions[id] == next.Transactions[id] })
	p.Segments = diffKeyed("segment", segmentKeys(old.Segments), segmentKeys(next.Segments),
		func(id string) bool { return old.Segments[id] == next.Segments[id] })
	p.Campaigns = diffKeyed("campaign", campaignKeys(old.Campaigns), campaignKeys(next.Campaigns),
		func(id string) bool { return old.Campaigns[id].equal(next.Campaigns[id]) })
	p.EmailProvider = diffProvider(old.EmailProvider, next.EmailProvider)
	return p
}

func diffProvider(old, next *ProviderSpec) []Operation {
	if next == nil {
		return nil
	}
	if old == nil {
		return []Operation{{Kind: OpAdd, Entity: "emailProvider", ID: next.Config.Name}}
	}
	if *old == *next {
		return nil
	}
	return []Operation{{Kind: OpUpdate, Entity: "emailProvider", ID: next.Config.Name}}
}

// diffKeyed produces delete/add/update operations between two id sets.
// unchanged is only consulted for ids present on both sides.
func diffKeyed(entity string, oldIDs, newIDs []string, unchanged func(id string) bool) []Operation {
	oldSet := make(map[string]bool, len(oldIDs))
	for _, id := range oldIDs {
		oldSet[id] = true
	}
	newSet := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		newSet[id] = true
	}

	var deletes, adds, updates []Operation
	for _, id := range oldIDs {
		if !newSet[id] {
			deletes = append(deletes, Operation{Kind: OpDelete, Entity: entity, ID: id})
		}
	}
	for _, id := range newIDs {
		if !oldSet[id] {
			adds = append(adds, Operation{Kind: OpAdd, Entity: entity, ID: id})
		} else if !unchanged(id) {
			updates = append(updates, Operation{Kind: OpUpdate, Entity: entity, ID: id})
		}
	}

	sortByID(deletes)
	sortByID(adds)
	sortByID(updates)
	ops := make([]Operation, 0, len(deletes)+len(adds)+len(updates))
	ops = append(ops, deletes...)
	ops = append(ops, adds...)
	ops = append(ops, updates...)
	if len(ops) == 0 {
		return nil
	}
	return ops
}

func sortByID(ops []Operation) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
}

func templateKeys(m map[string]TemplateSpec) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

func transactionKeys(m map[string]TransactionSpec) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

func segmentKeys(m map[string]SegmentSpec) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

func campaignKeys(m map[string]CampaignSpec) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}
