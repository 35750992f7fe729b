package mailer

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/segflow/segflow/internal/faults"
)

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil
}

func TestSESSend(t *testing.T) {
	fake := &fakeSES{}
	tr := &sesTransport{api: fake}

	err := tr.Send(context.Background(), "hello@acme.io", "ana@example.com", "Welcome", "<p>Hi</p>")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	in := fake.input
	if in == nil {
		t.Fatal("SendEmail not called")
	}
	if *in.FromEmailAddress != "hello@acme.io" {
		t.Errorf("from = %q", *in.FromEmailAddress)
	}
	if len(in.Destination.ToAddresses) != 1 || in.Destination.ToAddresses[0] != "ana@example.com" {
		t.Errorf("to = %v", in.Destination.ToAddresses)
	}
	if *in.Content.Simple.Subject.Data != "Welcome" {
		t.Errorf("subject = %q", *in.Content.Simple.Subject.Data)
	}
	if *in.Content.Simple.Body.Html.Data != "<p>Hi</p>" {
		t.Errorf("html = %q", *in.Content.Simple.Body.Html.Data)
	}
}

func TestSESSendError(t *testing.T) {
	fake := &fakeSES{err: errors.New("throttled")}
	tr := &sesTransport{api: fake}

	err := tr.Send(context.Background(), "a@b.co", "c@d.co", "x", "x")
	var terr *faults.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want *faults.TransportError", err)
	}
}
