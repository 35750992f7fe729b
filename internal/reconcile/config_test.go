package reconcile

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/mailer"
)

func postmarkConfig() mailer.ProviderConfig {
	return mailer.ProviderConfig{Name: mailer.ProviderPostmark, APIKey: "server-token"}
}

func validDoc() *Document {
	return &Document{
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
	}
}

func assertValidation(t *testing.T, err error, substr string) {
	t.Helper()
	var ve *faults.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if !strings.Contains(ve.Msg, substr) {
		t.Errorf("message %q does not mention %q", ve.Msg, substr)
	}
}

func TestValidateAcceptsWellFormedDocument(t *testing.T) {
	doc := validDoc()
	doc.Templates = map[string]TemplateSpec{"welcome": {Subject: `function(user) return "hi" end`, HTML: "<p></p>"}}
	doc.Transactions = map[string]TransactionSpec{"receipt": {Event: "purchase"}}
	doc.EmailProvider = &ProviderSpec{Config: postmarkConfig(), FromAddress: "noreply@example.com"}
	if err := doc.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidateCampaignRequiresIncludeSegment(t *testing.T) {
	doc := validDoc()
	doc.Campaigns["onboarding"] = CampaignSpec{Flow: "function(ctx, rt) end", Behavior: "static"}
	assertValidation(t, doc.Validate(), "at least one include segment")
}

func TestValidateCampaignBehavior(t *testing.T) {
	doc := validDoc()
	c := doc.Campaigns["onboarding"]
	c.Behavior = "weekly"
	doc.Campaigns["onboarding"] = c
	assertValidation(t, doc.Validate(), "behavior")
}

func TestValidateCampaignSegmentRefsResolveInDocument(t *testing.T) {
	doc := validDoc()
	c := doc.Campaigns["onboarding"]
	c.ExcludeSegments = []string{"churned"}
	doc.Campaigns["onboarding"] = c
	assertValidation(t, doc.Validate(), "churned")
}

func TestValidateCampaignFlowMustCompile(t *testing.T) {
	doc := validDoc()
	c := doc.Campaigns["onboarding"]
	c.Flow = "function(ctx, rt"
	doc.Campaigns["onboarding"] = c
	assertValidation(t, doc.Validate(), "does not compile")
}

func TestValidateTransactionRequiresEvent(t *testing.T) {
	doc := validDoc()
	doc.Transactions = map[string]TransactionSpec{"receipt": {Subject: `function(user, event) return "x" end`}}
	assertValidation(t, doc.Validate(), "event")
}

func TestValidateProvider(t *testing.T) {
	doc := validDoc()
	doc.EmailProvider = &ProviderSpec{Config: mailer.ProviderConfig{Name: "sendgrid"}, FromAddress: "a@b.com"}
	if err := doc.Validate(); err == nil {
		t.Fatal("Validate() accepted unknown provider")
	}

	doc.EmailProvider = &ProviderSpec{Config: postmarkConfig()}
	assertValidation(t, doc.Validate(), "fromAddress")
}

func TestNormalizeSortsCampaignSegmentSets(t *testing.T) {
	doc := &Document{Campaigns: map[string]CampaignSpec{
		"c": {Flow: "f", Behavior: "static", Segments: []string{"b", "a"}, ExcludeSegments: []string{"z", "y"}},
	}}
	doc.Normalize()
	c := doc.Campaigns["c"]
	if !reflect.DeepEqual(c.Segments, []string{"a", "b"}) {
		t.Errorf("Segments = %v, want sorted", c.Segments)
	}
	if !reflect.DeepEqual(c.ExcludeSegments, []string{"y", "z"}) {
		t.Errorf("ExcludeSegments = %v, want sorted", c.ExcludeSegments)
	}
}
