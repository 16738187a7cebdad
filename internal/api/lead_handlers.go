package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/lifecycle"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/replies"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// maxImportBatch bounds a single lead import request.
const maxImportBatch = 1000

var validate = validator.New(validator.WithRequiredStructEnabled())

// leadRequest is one lead handed over by the lead pool source.
type leadRequest struct {
	Email           string          `json:"email" validate:"required,email,max=320"`
	Name            string          `json:"name" validate:"max=200"`
	Company         string          `json:"company" validate:"max=200"`
	Country         string          `json:"country" validate:"max=100"`
	MailStatus      string          `json:"mail_status" validate:"max=40"`
	InitialSentDate string          `json:"initial_sent_date" validate:"omitempty,datetime=2006-01-02"`
	Payload         json.RawMessage `json:"payload"`
}

func (req leadRequest) toLead() (*models.Lead, error) {
	status, err := models.ParseMailStatus(req.MailStatus)
	if err != nil {
		return nil, fmt.Errorf("mail_status %q: %w", req.MailStatus, err)
	}
	initial, err := models.ParseDate(req.InitialSentDate)
	if err != nil {
		return nil, err
	}
	if status != models.MailStatusNew && status != models.MailStatusReplied && initial.IsZero() {
		return nil, errors.New("initial_sent_date is required for contacted leads")
	}
	lead := &models.Lead{
		Email:      strings.ToLower(strings.TrimSpace(req.Email)),
		Name:       strings.TrimSpace(req.Name),
		Company:    strings.TrimSpace(req.Company),
		Country:    strings.TrimSpace(req.Country),
		MailStatus: status,
	}
	if len(req.Payload) > 0 && !bytes.Equal(req.Payload, []byte("null")) {
		lead.Payload = string(req.Payload)
	}
	if !initial.IsZero() {
		lead.InitialSentDate = initial
		lead.EmailProcessed = true
		lead.FollowUp5Date = initial.AddDays(lifecycle.FollowUp5Days)
		lead.FollowUp10Date = initial.AddDays(lifecycle.FollowUp10Days)
		lead.FollowUp5Sent = status.AtLeast(models.MailStatusFollowUp5Sent) && status != models.MailStatusReplied
		lead.FollowUp10Sent = status == models.MailStatusFollowUp10Sent
	}
	if err := lead.Validate(); err != nil {
		return nil, err
	}
	return lead, nil
}

// importResult reports the outcome of a lead import.
type importResult struct {
	Created    []string          `json:"created"`
	Duplicates []string          `json:"duplicates,omitempty"`
	Rejected   map[string]string `json:"rejected,omitempty"`
}

// createLeadHandler accepts a single lead object or an array of leads.
func (s *Server) createLeadHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		slog.Warn("Server.createLeadHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	var reqs []leadRequest
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	} else {
		var one leadRequest
		if err := json.Unmarshal(trimmed, &one); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		reqs = []leadRequest{one}
	}
	if len(reqs) == 0 || len(reqs) > maxImportBatch {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("expected between 1 and %d leads", maxImportBatch)))
		return
	}

	res := importResult{Created: []string{}, Rejected: map[string]string{}}
	for i, req := range reqs {
		key := req.Email
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		if err := validate.Struct(req); err != nil {
			res.Rejected[key] = validationMessage(err)
			continue
		}
		lead, err := req.toLead()
		if err != nil {
			res.Rejected[key] = err.Error()
			continue
		}
		if err := s.deps.Leads.InsertLead(r.Context(), lead); err != nil {
			if errors.Is(err, store.ErrDuplicateLead) {
				res.Duplicates = append(res.Duplicates, lead.Email)
				continue
			}
			slog.Error("Server.createLeadHandler: insert failed", "error", err, "email", lead.Email)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store lead"))
			return
		}
		res.Created = append(res.Created, lead.ID)
	}

	slog.Info("Server.createLeadHandler: leads imported", "created", len(res.Created),
		"duplicates", len(res.Duplicates), "rejected", len(res.Rejected))
	status := http.StatusCreated
	if len(res.Created) == 0 {
		status = http.StatusBadRequest
		if len(res.Rejected) == 0 {
			status = http.StatusConflict
		}
		writeJSONResponse(w, status, models.APIResponse{Status: string(models.APIStatusError), Message: "No leads imported", Result: res})
		return
	}
	writeJSONResponse(w, status, models.SuccessWithMessage("Leads imported", res))
}

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "max":
			msgs = append(msgs, field+" must be at most "+fe.Param()+" characters")
		case "datetime":
			msgs = append(msgs, field+" must be a YYYY-MM-DD date")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, ", ")
}

func (s *Server) listLeadsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r, 100, 1000)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	f := store.LeadFilter{Limit: limit, Offset: offset}
	if v := r.URL.Query().Get("status"); v != "" {
		if f.Status, err = models.ParseMailStatus(v); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid status"))
			return
		}
	}
	if v := r.URL.Query().Get("priority"); v != "" {
		if f.Priority, err = models.ParsePriority(v); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid priority"))
			return
		}
	}
	leads, err := s.deps.Leads.ListLeads(r.Context(), f)
	if err != nil {
		writeStoreError(w, "listLeadsHandler", err)
		return
	}
	if leads == nil {
		leads = []models.Lead{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(leads))
}

func (s *Server) getLeadHandler(w http.ResponseWriter, r *http.Request) {
	lead, err := s.deps.Leads.GetLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "getLeadHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(lead))
}

// replyRequest is a reply reported by the mail collaborator.
type replyRequest struct {
	Text       string    `json:"text" validate:"required,max=20000"`
	MessageID  string    `json:"message_id" validate:"max=998"`
	ReceivedAt time.Time `json:"received_at"`
}

func (s *Server) replyHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(validationMessage(err)))
		return
	}

	id := chi.URLParam(r, "id")
	res, err := s.deps.Replies.Ingest(r.Context(), replies.Reply{
		LeadID:     id,
		MessageID:  req.MessageID,
		Text:       req.Text,
		ReceivedAt: req.ReceivedAt,
	})
	switch {
	case errors.Is(err, replies.ErrUnknownLead):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	case errors.Is(err, models.ErrEmptyReply):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	case err != nil:
		slog.Error("Server.replyHandler: ingest failed", "error", err, "leadID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record reply"))
		return
	}
	if res.Duplicate {
		writeJSONResponse(w, http.StatusOK, models.RecordedWithMessage("Duplicate reply ignored"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Reply recorded", res.Lead))
}

func (s *Server) leadStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Leads.LeadStats(r.Context())
	if err != nil {
		writeStoreError(w, "leadStatsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}
