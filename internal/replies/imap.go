package replies

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// DefaultPollInterval is how often the inbox is checked.
const DefaultPollInterval = 5 * time.Minute

// IMAPConfig holds mailbox credentials.
type IMAPConfig struct {
	Server   string
	Port     int
	Username string
	Password string
	Mailbox  string
}

// InboundMessage is an unseen message fetched from the mailbox.
type InboundMessage struct {
	UID   imap.UID
	Reply Reply
}

// mailbox is one open session on the reply inbox.
type mailbox interface {
	FetchUnseen(ctx context.Context) ([]InboundMessage, error)
	MarkSeen(ctx context.Context, uids []imap.UID) error
	Close() error
}

// IMAPPoller feeds unseen inbox messages from known leads to an Ingestor.
// Messages from unknown senders are left unseen.
type IMAPPoller struct {
	ingestor *Ingestor
	interval time.Duration
	connect  func(ctx context.Context) (mailbox, error)
}

// NewIMAPPoller creates a poller for cfg.
func NewIMAPPoller(cfg IMAPConfig, ingestor *Ingestor, interval time.Duration) *IMAPPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	return &IMAPPoller{
		ingestor: ingestor,
		interval: interval,
		connect: func(ctx context.Context) (mailbox, error) {
			return dialIMAP(cfg)
		},
	}
}

// Start polls until ctx is cancelled.
func (p *IMAPPoller) Start(ctx context.Context) {
	slog.Info("IMAPPoller.Start: polling inbox", "interval", p.interval)
	p.pollAndLog(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("IMAPPoller.Start: stopped")
			return
		case <-ticker.C:
			p.pollAndLog(ctx)
		}
	}
}

func (p *IMAPPoller) pollAndLog(ctx context.Context) {
	n, err := p.Poll(ctx)
	if err != nil {
		slog.Error("IMAPPoller.Poll: poll failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("IMAPPoller.Poll: replies ingested", "count", n)
	}
}

// Poll runs one pass over the unseen messages and returns how many replies
// were recorded.
func (p *IMAPPoller) Poll(ctx context.Context) (int, error) {
	mb, err := p.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer mb.Close()

	msgs, err := mb.FetchUnseen(ctx)
	if err != nil {
		return 0, err
	}

	recorded := 0
	var seen []imap.UID
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		res, err := p.ingestor.Ingest(ctx, m.Reply)
		switch {
		case errors.Is(err, ErrUnknownLead):
			slog.Debug("IMAPPoller.Poll: message from unknown sender", "from", m.Reply.From)
			continue
		case err != nil:
			slog.Warn("IMAPPoller.Poll: failed to ingest reply", "from", m.Reply.From, "messageID", m.Reply.MessageID, "error", err)
			continue
		}
		if !res.Duplicate {
			recorded++
		}
		seen = append(seen, m.UID)
	}

	if len(seen) > 0 {
		if err := mb.MarkSeen(ctx, seen); err != nil {
			return recorded, err
		}
	}
	return recorded, nil
}

type imapMailbox struct {
	client *imapclient.Client
	name   string
}

func dialIMAP(cfg IMAPConfig) (*imapMailbox, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Server, cfg.Port)
	client, err := imapclient.DialTLS(addr, &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: cfg.Server},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	if _, err := client.Select(cfg.Mailbox, nil).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to select folder %s: %w", cfg.Mailbox, err)
	}
	return &imapMailbox{client: client, name: cfg.Mailbox}, nil
}

func (m *imapMailbox) FetchUnseen(ctx context.Context) ([]InboundMessage, error) {
	data, err := m.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetchCmd := m.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})
	var out []InboundMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			slog.Warn("imapMailbox.FetchUnseen: error collecting message", "error", err)
			continue
		}
		in := InboundMessage{UID: buf.UID}
		if env := buf.Envelope; env != nil {
			in.Reply.MessageID = env.MessageID
			in.Reply.ReceivedAt = env.Date
			if len(env.From) > 0 {
				in.Reply.From = strings.ToLower(env.From[0].Addr())
			}
		}
		for _, section := range buf.BodySection {
			if len(section.Bytes) > 0 {
				in.Reply.Text = ExtractReplyText(section.Bytes)
				break
			}
		}
		out = append(out, in)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	return out, nil
}

func (m *imapMailbox) MarkSeen(ctx context.Context, uids []imap.UID) error {
	cmd := m.client.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagSeen},
		Silent: true,
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("failed to mark as seen: %w", err)
	}
	return nil
}

func (m *imapMailbox) Close() error {
	if err := m.client.Logout().Wait(); err != nil {
		slog.Debug("imapMailbox.Close: logout failed", "error", err)
	}
	return m.client.Close()
}

// quoteHeader matches the attribution line mail clients put above quoted text.
var quoteHeader = regexp.MustCompile(`(?im)^\s*(on .{1,200} wrote:|-{2,}\s*original message\s*-{2,}|from:\s.+)$`)

// ExtractReplyText returns the new text of a raw RFC 5322 message: the first
// inline text/plain part, decoded, with quoted history removed.
func ExtractReplyText(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return stripQuoted(string(raw))
	}
	defer mr.Close()

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return ""
		}
		if err != nil && (p == nil || !message.IsUnknownCharset(err)) {
			slog.Debug("ExtractReplyText: failed to read part", "error", err)
			return ""
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "" && !strings.HasPrefix(contentType, "text/plain") {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			slog.Debug("ExtractReplyText: failed to read body", "error", err)
			return ""
		}
		return stripQuoted(string(b))
	}
}

func stripQuoted(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if loc := quoteHeader.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
