// Package render turns a lead and an action into the plain-text message the
// transport delivers.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Template is the subject and body source for one action.
type Template struct {
	Subject string
	Body    string
}

// DefaultTemplates are used for actions without an override.
var DefaultTemplates = map[models.Action]Template{
	models.ActionSendInitial: {
		Subject: "Potential collaboration with {{.Company}}",
		Body: `Hi {{.Greeting}},

I came across {{.Company}} and was impressed by your work. I'd love to explore
whether there is a fit for a collaboration between our teams.

Would you be open to a short call next week?

Best regards,
{{.Sender}}`,
	},
	models.ActionSendFollowUp5: {
		Subject: "Re: Potential collaboration with {{.Company}}",
		Body: `Hi {{.Greeting}},

Just following up on my note from a few days ago. Happy to share a few ideas
on how we could work with {{.Company}} if that's useful.

Best regards,
{{.Sender}}`,
	},
	models.ActionSendFollowUp10: {
		Subject: "Re: Potential collaboration with {{.Company}}",
		Body: `Hi {{.Greeting}},

I wanted to check in one last time. If the timing isn't right, no worries at
all, and feel free to reach out whenever it makes sense.

Best regards,
{{.Sender}}`,
	},
}

// Data is what templates can reference.
type Data struct {
	Greeting string
	Name     string
	Company  string
	Email    string
	Country  string
	Sender   string
}

// Renderer holds parsed templates per action.
type Renderer struct {
	sender   string
	subjects map[models.Action]*template.Template
	bodies   map[models.Action]*template.Template
}

// New parses DefaultTemplates merged with overrides. sender is the sign-off name.
func New(sender string, overrides map[models.Action]Template) (*Renderer, error) {
	r := &Renderer{
		sender:   sender,
		subjects: make(map[models.Action]*template.Template),
		bodies:   make(map[models.Action]*template.Template),
	}
	merged := make(map[models.Action]Template, len(DefaultTemplates))
	for a, t := range DefaultTemplates {
		merged[a] = t
	}
	for a, t := range overrides {
		if !a.IsSend() {
			return nil, fmt.Errorf("template for non-send action %s", a)
		}
		merged[a] = t
	}
	for a, t := range merged {
		subj, err := template.New(string(a) + "_subject").Option("missingkey=error").Parse(t.Subject)
		if err != nil {
			return nil, fmt.Errorf("parse subject template for %s: %w", a, err)
		}
		body, err := template.New(string(a) + "_body").Option("missingkey=error").Parse(t.Body)
		if err != nil {
			return nil, fmt.Errorf("parse body template for %s: %w", a, err)
		}
		r.subjects[a] = subj
		r.bodies[a] = body
	}
	return r, nil
}

// Render produces the message for action addressed to lead.
func (r *Renderer) Render(lead *models.Lead, action models.Action) (models.RenderedMessage, error) {
	subj, ok := r.subjects[action]
	if !ok {
		return models.RenderedMessage{}, fmt.Errorf("no template for action %s", action)
	}
	data := dataFor(lead, r.sender)

	var sb, bb bytes.Buffer
	if err := subj.Execute(&sb, data); err != nil {
		return models.RenderedMessage{}, fmt.Errorf("render subject for %s: %w", action, err)
	}
	if err := r.bodies[action].Execute(&bb, data); err != nil {
		return models.RenderedMessage{}, fmt.Errorf("render body for %s: %w", action, err)
	}
	return models.RenderedMessage{
		To:      strings.TrimSpace(lead.Email),
		Subject: strings.TrimSpace(sb.String()),
		Body:    bb.String(),
	}, nil
}

func dataFor(lead *models.Lead, sender string) Data {
	d := Data{
		Name:    strings.TrimSpace(lead.Name),
		Company: strings.TrimSpace(lead.Company),
		Email:   strings.TrimSpace(lead.Email),
		Country: lead.Country,
		Sender:  sender,
	}
	d.Greeting = "there"
	if fields := strings.Fields(d.Name); len(fields) > 0 {
		d.Greeting = fields[0]
	}
	if d.Company == "" {
		d.Company = "your company"
	}
	return d
}
