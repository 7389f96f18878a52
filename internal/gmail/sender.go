package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/dropocol/coldjot/internal/models"
)

// OutgoingMessage is one email to deliver.
type OutgoingMessage struct {
	To       string
	Subject  string
	HTML     string
	ThreadID string // reply into this Gmail thread when set
}

// SendResult carries the Gmail identifiers of a delivered message.
type SendResult struct {
	GmailID   string // Gmail's internal message id
	ThreadID  string
	MessageID string // RFC 5322 Message-ID on the wire
}

// Sender delivers messages through the Gmail REST API behind a circuit
// breaker, with a single forced token refresh on 401.
type Sender struct {
	factory *Factory
	breaker *gobreaker.CircuitBreaker

	indexDelay time.Duration // wait before touching a freshly sent message
	retryDelay time.Duration
}

// NewSender creates a sender. The breaker opens after five consecutive
// Gmail failures and probes again after a minute.
func NewSender(factory *Factory) *Sender {
	return &Sender{
		factory: factory,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "gmail-send",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		indexDelay: time.Second,
		retryDelay: time.Second,
	}
}

// SetDelays shrinks the rewrite timing for tests.
func (s *Sender) SetDelays(index, retry time.Duration) {
	s.indexDelay = index
	s.retryDelay = retry
}

// Send delivers one message for the user. A 401 triggers one forced
// token refresh and retry; a second 401 surfaces ErrTokenExpired.
func (s *Sender) Send(ctx context.Context, userID uuid.UUID, msg *OutgoingMessage) (*SendResult, error) {
	svc, acct, err := s.factory.Service(ctx, userID)
	if err != nil {
		return nil, err
	}

	res, err := s.send(ctx, svc, acct, msg)
	if isUnauthorized(err) {
		if _, refreshErr := s.factory.Refresh(ctx, userID, true); refreshErr != nil {
			return nil, refreshErr
		}
		svc, acct, err = s.factory.Service(ctx, userID)
		if err != nil {
			return nil, err
		}
		res, err = s.send(ctx, svc, acct, msg)
		if isUnauthorized(err) {
			return nil, ErrTokenExpired
		}
	}
	return res, err
}

func (s *Sender) send(ctx context.Context, svc *gmailapi.Service, acct *models.OAuthAccount, msg *OutgoingMessage) (*SendResult, error) {
	var headers *threadHeaders
	if msg.ThreadID != "" {
		var err error
		headers, err = s.resolveThreadHeaders(ctx, svc, msg.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("resolve thread %s: %w", msg.ThreadID, err)
		}
	}

	messageID := newMessageID(acct.Email)
	raw := buildMessage(msg, messageID, headers)

	payload := &gmailapi.Message{
		Raw: base64.RawURLEncoding.EncodeToString([]byte(raw)),
	}
	if msg.ThreadID != "" {
		payload.ThreadId = msg.ThreadID
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return svc.Users.Messages.Send("me", payload).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}

	sent := result.(*gmailapi.Message)
	return &SendResult{
		GmailID:   sent.Id,
		ThreadID:  sent.ThreadId,
		MessageID: messageID,
	}, nil
}

type threadHeaders struct {
	messageIDs   []string // in thread order
	firstSubject string
}

// resolveThreadHeaders collects the Message-IDs of every message in the
// thread so In-Reply-To and References can be derived.
func (s *Sender) resolveThreadHeaders(ctx context.Context, svc *gmailapi.Service, threadID string) (*threadHeaders, error) {
	thread, err := svc.Users.Threads.Get("me", threadID).
		Format("metadata").
		MetadataHeaders("Message-ID", "Subject").
		Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	th := &threadHeaders{}
	for i, m := range thread.Messages {
		if m.Payload == nil {
			continue
		}
		for _, h := range m.Payload.Headers {
			switch {
			case strings.EqualFold(h.Name, "Message-ID"):
				th.messageIDs = append(th.messageIDs, h.Value)
			case strings.EqualFold(h.Name, "Subject") && i == 0:
				th.firstSubject = h.Value
			}
		}
	}
	return th, nil
}

// buildMessage assembles the RFC 5322 wire format.
func buildMessage(msg *OutgoingMessage, messageID string, headers *threadHeaders) string {
	subject := msg.Subject
	if headers != nil && headers.firstSubject != "" {
		subject = headers.firstSubject
		if !strings.HasPrefix(strings.ToLower(subject), "re:") {
			subject = "Re: " + subject
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", encodeSubject(subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	if headers != nil && len(headers.messageIDs) > 0 {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", headers.messageIDs[len(headers.messageIDs)-1])
		fmt.Fprintf(&b, "References: %s\r\n", strings.Join(headers.messageIDs, " "))
	}
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)
	return b.String()
}

// encodeSubject applies RFC 2047 encoding when the subject carries
// non-ASCII characters.
func encodeSubject(s string) string {
	for _, r := range s {
		if r > 127 {
			return mime.BEncoding.Encode("UTF-8", s)
		}
	}
	return s
}

func newMessageID(fromEmail string) string {
	domain := "mail.gmail.com"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New(), domain)
}

// FetchMessageID reads the canonical RFC 5322 Message-ID Gmail stamped
// on a sent message, retrying while Gmail indexes it.
func (s *Sender) FetchMessageID(ctx context.Context, userID uuid.UUID, gmailID string) (string, error) {
	svc, _, err := s.factory.Service(ctx, userID)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		m, err := svc.Users.Messages.Get("me", gmailID).
			Format("metadata").MetadataHeaders("Message-ID").
			Context(ctx).Do()
		if err != nil {
			continue
		}
		if m.Payload != nil {
			for _, h := range m.Payload.Headers {
				if strings.EqualFold(h.Name, "Message-ID") {
					return h.Value, nil
				}
			}
		}
	}
	return "", fmt.Errorf("message %s has no Message-ID after retries", gmailID)
}

// RewriteSentCopy replaces the sender's copy of a tracked email with
// the untracked original: fetch raw, swap the body, insert into SENT on
// the same thread, delete the tracked original. Failure is non-fatal to
// the send; callers log and move on.
func (s *Sender) RewriteSentCopy(ctx context.Context, userID uuid.UUID, gmailID, threadID, trackedHTML, originalHTML string) error {
	svc, _, err := s.factory.Service(ctx, userID)
	if err != nil {
		return err
	}

	select {
	case <-time.After(s.indexDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	var raw []byte
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		m, err := svc.Users.Messages.Get("me", gmailID).Format("raw").Context(ctx).Do()
		if err != nil || m.Raw == "" {
			continue
		}
		raw, err = decodeRaw(m.Raw)
		if err == nil {
			break
		}
	}
	if len(raw) == 0 {
		return fmt.Errorf("sent message %s not readable after retries", gmailID)
	}

	rewritten := strings.Replace(string(raw), trackedHTML, originalHTML, 1)
	if rewritten == string(raw) {
		log.Printf("[Gmail] sent copy %s: tracked body not found, skipping rewrite", gmailID)
		return nil
	}

	_, err = svc.Users.Messages.Insert("me", &gmailapi.Message{
		Raw:      base64.RawURLEncoding.EncodeToString([]byte(rewritten)),
		ThreadId: threadID,
		LabelIds: []string{"SENT"},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("insert untracked copy: %w", err)
	}

	if err := svc.Users.Messages.Delete("me", gmailID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete tracked original: %w", err)
	}
	return nil
}

func decodeRaw(raw string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(raw)
}

func isUnauthorized(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 401
}
