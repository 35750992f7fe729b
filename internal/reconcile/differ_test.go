package reconcile

import (
	"reflect"
	"testing"
)

func docWithEverything() *Document {
	return &Document{
		Templates: map[string]TemplateSpec{
			"welcome": {Subject: `function(user) return "Welcome" end`, HTML: "<p>hi</p>"},
		},
		Segments: map[string]SegmentSpec{
			"active": {Evaluator: "SELECT id FROM users"},
		},
		Campaigns: map[string]CampaignSpec{
			"onboarding": {
				Flow:     "function(ctx, rt) end",
				Behavior: "static",
				Segments: []string{"active"},
			},
		},
		Transactions: map[string]TransactionSpec{
			"receipt": {Event: "purchase", Subject: `function(user, event) return "Receipt" end`, HTML: "<p>paid</p>"},
		},
		EmailProvider: &ProviderSpec{
			Config:      postmarkConfig(),
			FromAddress: "noreply@example.com",
		},
	}
}

// =============================================================================
// CATEGORIZATION
// =============================================================================

func TestDiffFromEmptyIsAllAdds(t *testing.T) {
	plan := Diff(&Document{}, docWithEverything())

	want := &Plan{
		Templates:     []Operation{{OpAdd, "template", "welcome"}},
		Transactions:  []Operation{{OpAdd, "transaction", "receipt"}},
		Segments:      []Operation{{OpAdd, "segment", "active"}},
		Campaigns:     []Operation{{OpAdd, "campaign", "onboarding"}},
		EmailProvider: []Operation{{OpAdd, "emailProvider", "postmark"}},
	}
	if !reflect.DeepEqual(plan, want) {
		t.Errorf("plan = %+v, want %+v", plan, want)
	}
	if plan.Count() != 5 {
		t.Errorf("Count() = %d, want 5", plan.Count())
	}
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	plan := Diff(docWithEverything(), docWithEverything())
	if !plan.Empty() {
		t.Errorf("plan not empty: %+v", plan)
	}
}

func TestDiffToEmptyIsAllDeletes(t *testing.T) {
	old := docWithEverything()
	plan := Diff(old, &Document{})

	if got := plan.Count(); got != 4 {
		t.Fatalf("Count() = %d, want 4 (provider is never deleted)", got)
	}
	for _, ops := range [][]Operation{plan.Templates, plan.Transactions, plan.Segments, plan.Campaigns} {
		for _, op := range ops {
			if op.Kind != OpDelete {
				t.Errorf("op %+v, want delete", op)
			}
		}
	}
	if len(plan.EmailProvider) != 0 {
		t.Errorf("provider ops = %v, want none", plan.EmailProvider)
	}
}

func TestDiffPayloadChangeIsUpdate(t *testing.T) {
	old := docWithEverything()
	next := docWithEverything()
	next.Templates["welcome"] = TemplateSpec{Subject: `function(user) return "Hello" end`, HTML: "<p>hi</p>"}
	next.Segments["active"] = SegmentSpec{Evaluator: "SELECT id FROM users WHERE 1"}

	plan := Diff(old, next)
	if !reflect.DeepEqual(plan.Templates, []Operation{{OpUpdate, "template", "welcome"}}) {
		t.Errorf("template ops = %v", plan.Templates)
	}
	if !reflect.DeepEqual(plan.Segments, []Operation{{OpUpdate, "segment", "active"}}) {
		t.Errorf("segment ops = %v", plan.Segments)
	}
	if len(plan.Campaigns) != 0 || len(plan.Transactions) != 0 {
		t.Errorf("unexpected ops: campaigns %v transactions %v", plan.Campaigns, plan.Transactions)
	}
}

// =============================================================================
// CAMPAIGN SET SEMANTICS
// =============================================================================

func TestDiffCampaignSegmentOrderIsIgnored(t *testing.T) {
	old := &Document{Campaigns: map[string]CampaignSpec{
		"c": {Flow: "f", Behavior: "static", Segments: []string{"a", "b"}, ExcludeSegments: []string{"x", "y"}},
	}}
	next := &Document{Campaigns: map[string]CampaignSpec{
		"c": {Flow: "f", Behavior: "static", Segments: []string{"b", "a"}, ExcludeSegments: []string{"y", "x"}},
	}}
	if plan := Diff(old, next); !plan.Empty() {
		t.Errorf("plan = %+v, want empty", plan)
	}
}

func TestDiffCampaignSegmentSetChangeIsUpdate(t *testing.T) {
	old := &Document{Campaigns: map[string]CampaignSpec{
		"c": {Flow: "f", Behavior: "static", Segments: []string{"a"}},
	}}
	next := &Document{Campaigns: map[string]CampaignSpec{
		"c": {Flow: "f", Behavior: "static", Segments: []string{"a", "b"}},
	}}
	plan := Diff(old, next)
	if !reflect.DeepEqual(plan.Campaigns, []Operation{{OpUpdate, "campaign", "c"}}) {
		t.Errorf("campaign ops = %v, want one update", plan.Campaigns)
	}
}

// =============================================================================
// ORDERING
// =============================================================================

func TestDiffOrdersDeletesAddsUpdates(t *testing.T) {
	old := &Document{Segments: map[string]SegmentSpec{
		"gone-b": {Evaluator: "q1"},
		"gone-a": {Evaluator: "q2"},
		"kept":   {Evaluator: "q3"},
	}}
	next := &Document{Segments: map[string]SegmentSpec{
		"kept":  {Evaluator: "q3-changed"},
		"new-b": {Evaluator: "q4"},
		"new-a": {Evaluator: "q5"},
	}}

	plan := Diff(old, next)
	want := []Operation{
		{OpDelete, "segment", "gone-a"},
		{OpDelete, "segment", "gone-b"},
		{OpAdd, "segment", "new-a"},
		{OpAdd, "segment", "new-b"},
		{OpUpdate, "segment", "kept"},
	}
	if !reflect.DeepEqual(plan.Segments, want) {
		t.Errorf("segment ops = %v, want %v", plan.Segments, want)
	}
}

// =============================================================================
// PROVIDER TRANSITIONS
// =============================================================================

func TestDiffProvider(t *testing.T) {
	set := &ProviderSpec{Config: postmarkConfig(), FromAddress: "noreply@example.com"}
	changed := &ProviderSpec{Config: postmarkConfig(), FromAddress: "hello@example.com"}

	tests := []struct {
		name string
		old  *ProviderSpec
		next *ProviderSpec
		want []Operation
	}{
		{"absent on both sides", nil, nil, nil},
		{"first configuration", nil, set, []Operation{{OpAdd, "emailProvider", "postmark"}}},
		{"unchanged", set, set, nil},
		{"changed", set, changed, []Operation{{OpUpdate, "emailProvider", "postmark"}}},
		{"omitted keeps current", set, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := diffProvider(tt.old, tt.next)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("diffProvider() = %v, want %v", got, tt.want)
			}
		})
	}
}
