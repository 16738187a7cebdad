package models

// Action is the next send the delivery state machine wants for a lead.
type Action string

const (
	ActionNone           Action = "NONE"
	ActionSendInitial    Action = "SEND_INITIAL"
	ActionSendFollowUp5  Action = "SEND_FOLLOWUP_5"
	ActionSendFollowUp10 Action = "SEND_FOLLOWUP_10"
)

// ParseAction validates an action string read from storage or the API.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionNone, ActionSendInitial, ActionSendFollowUp5, ActionSendFollowUp10:
		return a, nil
	default:
		return "", ErrUnknownAction
	}
}

// IsSend reports whether the action results in an outgoing email.
func (a Action) IsSend() bool {
	return a == ActionSendInitial || a == ActionSendFollowUp5 || a == ActionSendFollowUp10
}

// IsFollowUp reports whether the action replies into an existing thread.
func (a Action) IsFollowUp() bool {
	return a == ActionSendFollowUp5 || a == ActionSendFollowUp10
}

// EmailType is the label transports and templates use for the action.
func (a Action) EmailType() string {
	switch a {
	case ActionSendFollowUp5:
		return "followup_5day"
	case ActionSendFollowUp10:
		return "followup_10day"
	default:
		return "initial"
	}
}

// RenderedMessage is a fully rendered email, kept on DLQ records so a retry
// does not need to render again.
type RenderedMessage struct {
	To      string `json:"email_to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
