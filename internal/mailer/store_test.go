package mailer

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/segflow/segflow/internal/faults"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewStore(db), mock, func() { db.Close() }
}

func TestProviderConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantErr bool
	}{
		{"postmark ok", ProviderConfig{Name: "postmark", APIKey: "k"}, false},
		{"postmark missing key", ProviderConfig{Name: "postmark"}, true},
		{"ses ok", ProviderConfig{Name: "ses", AccessKeyID: "a", SecretAccessKey: "s", Region: "us-east-1"}, false},
		{"ses missing region", ProviderConfig{Name: "ses", AccessKeyID: "a", SecretAccessKey: "s"}, true},
		{"unknown provider", ProviderConfig{Name: "sendgrid", APIKey: "k"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var verr *faults.ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("error type = %T, want *faults.ValidationError", err)
				}
			}
		})
	}
}

func TestProviderConfigRedacted(t *testing.T) {
	cfg := ProviderConfig{
		Name:            "ses",
		AccessKeyID:     "AKIA123",
		SecretAccessKey: "topsecret",
		Region:          "eu-west-1",
	}
	red := cfg.Redacted()
	if red.SecretAccessKey != "***" {
		t.Errorf("SecretAccessKey = %q, want masked", red.SecretAccessKey)
	}
	if red.AccessKeyID != "AKIA123" || red.Region != "eu-west-1" {
		t.Errorf("non-secret fields changed: %+v", red)
	}
	if cfg.SecretAccessKey != "topsecret" {
		t.Errorf("Redacted mutated the original")
	}
}

func TestSetProvider(t *testing.T) {
	s, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM email_provider").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO email_provider").
		WithArgs([]byte(`{"name":"postmark","apiKey":"pm-key"}`), "hello@acme.io").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Set(context.Background(), &Provider{
		Config:      ProviderConfig{Name: "postmark", APIKey: "pm-key"},
		FromAddress: "hello@acme.io",
	})
	if err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetProvider(t *testing.T) {
	s, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT config, from_address FROM email_provider").
		WillReturnRows(sqlmock.NewRows([]string{"config", "from_address"}).
			AddRow([]byte(`{"name":"ses","accessKeyId":"a","secretAccessKey":"s","region":"us-east-1"}`), "hello@acme.io"))

	p, err := s.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if p.Config.Name != "ses" || p.Config.Region != "us-east-1" {
		t.Errorf("config = %+v", p.Config)
	}
	if p.FromAddress != "hello@acme.io" {
		t.Errorf("fromAddress = %q", p.FromAddress)
	}
}

func TestGetProviderUnset(t *testing.T) {
	s, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT config, from_address FROM email_provider").
		WillReturnRows(sqlmock.NewRows([]string{"config", "from_address"}))

	p, err := s.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if p != nil {
		t.Errorf("provider = %+v, want nil", p)
	}
}

func TestLogSendRecordsFailure(t *testing.T) {
	s, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO email_send_log").
		WithArgs(sqlmock.AnyArg(), "a@b.co", "Hi", "postmark", "failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s.LogSend(context.Background(), "a@b.co", "Hi", "postmark", errors.New("boom"))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
