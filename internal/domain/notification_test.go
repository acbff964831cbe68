package domain

import (
	"errors"
	"testing"
)

func TestNotification_Validate(t *testing.T) {
	data := map[string]any{"name": "Ada"}

	tests := []struct {
		name     string
		n        Notification
		wantErr  bool
		problems int
	}{
		{
			name: "valid email",
			n:    Notification{Type: ChannelEmail, Recipient: "ada@example.com", Template: "welcome", Data: data},
		},
		{
			name: "valid sms with punctuation",
			n:    Notification{Type: ChannelSMS, Recipient: "(555) 123-4567", Template: "welcome", Data: data},
		},
		{
			name:     "email recipient on sms",
			n:        Notification{Type: ChannelSMS, Recipient: "ada@example.com", Template: "welcome", Data: data},
			wantErr:  true,
			problems: 1,
		},
		{
			name:     "unsupported type",
			n:        Notification{Type: "push", Recipient: "device-1", Template: "welcome", Data: data},
			wantErr:  true,
			problems: 1,
		},
		{
			name:     "everything missing",
			n:        Notification{},
			wantErr:  true,
			problems: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.n.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if len(ve.Problems) != tt.problems {
				t.Errorf("expected %d problems, got %d: %v", tt.problems, len(ve.Problems), ve.Problems)
			}
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"(555) 123-4567":   "+15551234567",
		"15551234567":      "+15551234567",
		"+44 20 7946 0958": "+442079460958",
		"+15551234567":     "+15551234567",
	}
	for in, want := range tests {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPreference_Allows(t *testing.T) {
	p := &Preference{EmailEnabled: true}
	if !p.Allows("newsletter") {
		t.Error("empty allow-list should allow every template")
	}

	p.AllowedTemplates = []string{"emergency_alert"}
	if p.Allows("newsletter") {
		t.Error("newsletter should not be allowed")
	}
	if !p.Allows("emergency_alert") {
		t.Error("emergency_alert should be allowed")
	}
}
