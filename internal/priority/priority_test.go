package priority

import (
	"testing"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want models.Priority
	}{
		{"empty", "", models.PriorityNone},
		{"whitespace", "  \n\t ", models.PriorityNone},
		{"sentinel", "No Reply", models.PriorityNone},
		{"auto reply", "Automatic reply: I am out of office until Monday", models.PriorityNone},
		{"interested", "Interested, let's talk", models.PriorityHigh},
		{"curly apostrophe", "Sure, let’s talk next week", models.PriorityHigh},
		{"collaboration", "hi mehul, i am interested in collaborating. talk soon!", models.PriorityHigh},
		{"refusal beats interest", "We are not interested at this time", models.PriorityLow},
		{"unsubscribe", "Please unsubscribe me from this list", models.PriorityLow},
		{"question", "What does your product cost to integrate with SAP?", models.PriorityMedium},
		{"neutral", "Thanks for reaching out.", models.PriorityMedium},
		{"unavailable", "I'm unavailable until April.", models.PriorityMedium},
		{"not available", "Sorry, not available this quarter.", models.PriorityMedium},
		{"uninterested", "Honestly uninterested.", models.PriorityMedium},
		{"available", "I'm available Thursday afternoon.", models.PriorityHigh},
		{"negation then signal", "Not now, but pricing would help later.", models.PriorityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	text := "Can we schedule a call about pricing?"
	first := Classify(text)
	for i := 0; i < 100; i++ {
		if got := Classify(text); got != first {
			t.Fatalf("iteration %d: got %s, want %s", i, got, first)
		}
	}
}
