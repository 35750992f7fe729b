// Package reconcile applies whole-configuration pushes. A push is diffed
// against the last accepted configuration from the ledger, turned into
// per-entity add/update/delete operations, and applied inside one database
// transaction in a fixed topological order. Identical pushes produce no
// operations and leave the ledger untouched.
package reconcile

import (
	"sort"

	"github.com/segflow/segflow/internal/campaign"
	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/mailer"
	"github.com/segflow/segflow/internal/sandbox"
)

// Document is one whole configuration as pushed by an operator. Every map is
// keyed by entity id; emailProvider is optional and, when absent, leaves the
// current provider untouched.
type Document struct {
	Templates     map[string]TemplateSpec    `json:"templates,omitempty"`
	Segments      map[string]SegmentSpec     `json:"segments,omitempty"`
	Campaigns     map[string]CampaignSpec    `json:"campaigns,omitempty"`
	Transactions  map[string]TransactionSpec `json:"transactions,omitempty"`
	EmailProvider *ProviderSpec              `json:"emailProvider,omitempty"`
}

// TemplateSpec is the template payload inside a configuration.
type TemplateSpec struct {
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
	Preamble string `json:"preamble,omitempty"`
}

// SegmentSpec is the segment payload inside a configuration.
type SegmentSpec struct {
	Evaluator string `json:"evaluator"`
}

// CampaignSpec is the campaign payload inside a configuration. Segments and
// ExcludeSegments are sets: ordering differences do not count as changes.
type CampaignSpec struct {
	Flow            string   `json:"flow"`
	Behavior        string   `json:"behavior"`
	Segments        []string `json:"segments"`
	ExcludeSegments []string `json:"excludeSegments,omitempty"`
}

func (c CampaignSpec) equal(o CampaignSpec) bool {
	return c.Flow == o.Flow &&
		c.Behavior == o.Behavior &&
		sameSet(c.Segments, o.Segments) &&
		sameSet(c.ExcludeSegments, o.ExcludeSegments)
}

// TransactionSpec is the transactional-email payload inside a configuration.
type TransactionSpec struct {
	Event    string `json:"event"`
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
	Preamble string `json:"preamble,omitempty"`
}

// ProviderSpec is the email-provider payload inside a configuration.
type ProviderSpec struct {
	Config      mailer.ProviderConfig `json:"config"`
	FromAddress string                `json:"fromAddress"`
}

// Normalize sorts every campaign's segment sets so equal configurations
// serialize identically regardless of authoring order.
func (d *Document) Normalize() {
	for id, c := range d.Campaigns {
		sort.Strings(c.Segments)
		sort.Strings(c.ExcludeSegments)
		d.Campaigns[id] = c
	}
}

// Validate checks the document before any diffing or writes. References are
// resolved against the document itself, not the database: a campaign may only
// use segments this configuration carries.
func (d *Document) Validate() error {
	txnIDs := make([]string, 0, len(d.Transactions))
	for id := range d.Transactions {
		txnIDs = append(txnIDs, id)
	}
	sort.Strings(txnIDs)
	for _, id := range txnIDs {
		if d.Transactions[id].Event == "" {
			return faults.Validationf("transaction %s requires an event name", id)
		}
	}
	campaignIDs := make([]string, 0, len(d.Campaigns))
	for id := range d.Campaigns {
		campaignIDs = append(campaignIDs, id)
	}
	sort.Strings(campaignIDs)
	for _, id := range campaignIDs {
		c := d.Campaigns[id]
		if len(c.Segments) == 0 {
			return faults.Validationf("campaign %s requires at least one include segment", id)
		}
		if !campaign.Behavior(c.Behavior).Valid() {
			return faults.Validationf("campaign %s behavior must be static or dynamic", id)
		}
		for _, segID := range append(append([]string{}, c.Segments...), c.ExcludeSegments...) {
			if _, ok := d.Segments[segID]; !ok {
				return faults.Validationf("campaign %s references segment %s not present in the configuration", id, segID)
			}
		}
		if err := sandbox.CheckFlow(c.Flow); err != nil {
			return faults.Validationf("campaign %s flow does not compile: %v", id, err)
		}
	}
	if d.EmailProvider != nil {
		if err := d.EmailProvider.Config.Validate(); err != nil {
			return err
		}
		if d.EmailProvider.FromAddress == "" {
			return faults.Validationf("emailProvider requires fromAddress")
		}
	}
	return nil
}

// sameSet reports whether two string slices hold the same elements,
// ignoring order.
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string{}, a...)
	bs := append([]string{}, b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
