package render

import (
	"strings"
	"testing"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

func TestRender_Defaults(t *testing.T) {
	r, err := New("Sam", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	lead := &models.Lead{Email: " jane@acme.io ", Name: "Jane Doe", Company: "Acme"}

	tests := []struct {
		action      models.Action
		wantSubject string
		wantInBody  string
	}{
		{models.ActionSendInitial, "Potential collaboration with Acme", "Hi Jane,"},
		{models.ActionSendFollowUp5, "Re: Potential collaboration with Acme", "following up"},
		{models.ActionSendFollowUp10, "Re: Potential collaboration with Acme", "one last time"},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			msg, err := r.Render(lead, tt.action)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if msg.To != "jane@acme.io" {
				t.Errorf("To = %q", msg.To)
			}
			if msg.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", msg.Subject, tt.wantSubject)
			}
			if !strings.Contains(msg.Body, tt.wantInBody) || !strings.HasSuffix(msg.Body, "Sam") {
				t.Errorf("unexpected body: %q", msg.Body)
			}
		})
	}
}

func TestRender_Fallbacks(t *testing.T) {
	r, _ := New("Sam", nil)
	msg, err := r.Render(&models.Lead{Email: "x@y.com"}, models.ActionSendInitial)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.HasPrefix(msg.Body, "Hi there,") || msg.Subject != "Potential collaboration with your company" {
		t.Errorf("unexpected fallback rendering: %+v", msg)
	}
}

func TestRender_Overrides(t *testing.T) {
	r, err := New("Sam", map[models.Action]Template{
		models.ActionSendInitial: {Subject: "Hello {{.Name}}", Body: "Body for {{.Email}}"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	msg, err := r.Render(&models.Lead{Email: "a@b.com", Name: "Ann"}, models.ActionSendInitial)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if msg.Subject != "Hello Ann" || msg.Body != "Body for a@b.com" {
		t.Errorf("override not applied: %+v", msg)
	}

	if _, err := New("Sam", map[models.Action]Template{models.ActionNone: {}}); err == nil {
		t.Error("expected error for a template on a non-send action")
	}
	if _, err := New("Sam", map[models.Action]Template{models.ActionSendInitial: {Subject: "{{.Missing"}}); err == nil {
		t.Error("expected parse error")
	}
	if _, err := r.Render(&models.Lead{Email: "a@b.com"}, models.ActionNone); err == nil {
		t.Error("expected error rendering a non-send action")
	}
}
