// Package inbound receives Gmail push notifications and classifies new
// inbox messages into open, reply and bounce events.
package inbound

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/dropocol/coldjot/internal/gmail"
	"github.com/dropocol/coldjot/internal/models"
	"github.com/dropocol/coldjot/internal/ratelimit"
	"github.com/dropocol/coldjot/internal/store"
)

// Pipeline walks Gmail history from the stored watermark and turns each
// new message into events. Every transition is idempotent: replays of
// the same push are absorbed by the event log's uniqueness key and the
// guarded status updates.
type Pipeline struct {
	store   *store.Store
	factory *gmail.Factory
	limiter *ratelimit.Limiter
}

// NewPipeline wires the inbound pipeline.
func NewPipeline(st *store.Store, factory *gmail.Factory, limiter *ratelimit.Limiter) *Pipeline {
	return &Pipeline{store: st, factory: factory, limiter: limiter}
}

// Process walks history from the account's stored watermark up through
// the notified id and classifies every message it finds.
func (p *Pipeline) Process(ctx context.Context, userID uuid.UUID, notifiedHistoryID uint64) error {
	svc, acct, err := p.factory.Service(ctx, userID)
	if err != nil {
		return fmt.Errorf("gmail service: %w", err)
	}

	// No baseline yet: adopt the notified id and wait for the next push.
	if acct.HistoryID == 0 {
		return p.store.UpdateHistoryID(ctx, userID, notifiedHistoryID)
	}

	ids, err := listHistoryMessages(ctx, svc, acct.HistoryID)
	if err != nil {
		return fmt.Errorf("history list from %d: %w", acct.HistoryID, err)
	}

	for _, id := range ids {
		msg, err := fetchMessage(ctx, svc, id)
		if err != nil {
			log.Printf("[Inbound] message %s: %v", id, err)
			continue
		}
		if err := p.classify(ctx, acct, msg); err != nil {
			log.Printf("[Inbound] classify %s: %v", id, err)
		}
	}

	return p.store.UpdateHistoryID(ctx, userID, notifiedHistoryID)
}

// listHistoryMessages collects the distinct message ids added since the
// watermark, following pagination.
func listHistoryMessages(ctx context.Context, svc *gmailapi.Service, startID uint64) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string

	pageToken := ""
	for {
		call := svc.Users.History.List("me").
			StartHistoryId(startID).
			HistoryTypes("messageAdded", "labelAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Do()
		if err != nil {
			return nil, err
		}

		for _, h := range res.History {
			for _, added := range h.MessagesAdded {
				if added.Message != nil && !seen[added.Message.Id] {
					seen[added.Message.Id] = true
					ids = append(ids, added.Message.Id)
				}
			}
			for _, labeled := range h.LabelsAdded {
				if labeled.Message != nil && !seen[labeled.Message.Id] {
					seen[labeled.Message.Id] = true
					ids = append(ids, labeled.Message.Id)
				}
			}
		}

		if res.NextPageToken == "" {
			return ids, nil
		}
		pageToken = res.NextPageToken
	}
}

// inboundMessage is the header summary classification runs on.
type inboundMessage struct {
	GmailID          string
	ThreadID         string
	Labels           []string
	From             string
	ContentType      string
	FailedRecipients string
	MessageID        string
	InReplyTo        string
	References       []string
}

func fetchMessage(ctx context.Context, svc *gmailapi.Service, id string) (*inboundMessage, error) {
	m, err := svc.Users.Messages.Get("me", id).
		Format("metadata").
		MetadataHeaders("From", "Content-Type", "X-Failed-Recipients",
			"Message-ID", "In-Reply-To", "References").
		Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	msg := &inboundMessage{GmailID: m.Id, ThreadID: m.ThreadId, Labels: m.LabelIds}
	if m.Payload == nil {
		return msg, nil
	}
	for _, h := range m.Payload.Headers {
		switch {
		case strings.EqualFold(h.Name, "From"):
			msg.From = h.Value
		case strings.EqualFold(h.Name, "Content-Type"):
			msg.ContentType = h.Value
		case strings.EqualFold(h.Name, "X-Failed-Recipients"):
			msg.FailedRecipients = h.Value
		case strings.EqualFold(h.Name, "Message-ID"):
			msg.MessageID = h.Value
		case strings.EqualFold(h.Name, "In-Reply-To"):
			msg.InReplyTo = h.Value
		case strings.EqualFold(h.Name, "References"):
			msg.References = strings.Fields(h.Value)
		}
	}
	return msg, nil
}

func (p *Pipeline) classify(ctx context.Context, acct *models.OAuthAccount, msg *inboundMessage) error {
	if err := p.classifyOpen(ctx, acct, msg); err != nil {
		return err
	}
	if isBounce(msg) {
		return p.classifyBounce(ctx, acct, msg)
	}
	return p.classifyReply(ctx, acct, msg)
}

// classifyOpen records a secondary open signal: a message whose last
// References entry points at one of our sent Message-IDs means the
// recipient engaged with the thread.
func (p *Pipeline) classifyOpen(ctx context.Context, acct *models.OAuthAccount, msg *inboundMessage) error {
	if len(msg.References) == 0 {
		return nil
	}
	last := msg.References[len(msg.References)-1]
	tr, err := p.store.GetTrackingByMessageID(ctx, acct.UserID, last)
	if err != nil || tr == nil {
		return err
	}

	inserted, err := p.store.AppendEvent(ctx, &models.EmailEvent{
		TrackingHash: tr.Hash,
		Type:         models.EventOpened,
		Metadata:     map[string]string{"source": "history"},
	})
	if err != nil || !inserted {
		return err
	}
	first, err := p.store.RecordOpen(ctx, tr.Hash, time.Now().UTC())
	if err != nil {
		return err
	}
	return p.store.RecordOpenStat(ctx, tr.Metadata.SequenceID, first)
}

// classifyReply applies the early-return rules and then matches the
// message thread-based first, reference-based second.
func (p *Pipeline) classifyReply(ctx context.Context, acct *models.OAuthAccount, msg *inboundMessage) error {
	for _, l := range msg.Labels {
		if l == "DRAFT" || l == "SENT" {
			return nil
		}
	}
	if msg.From != "" && strings.Contains(strings.ToLower(msg.From), strings.ToLower(acct.Email)) {
		return nil
	}

	// Thread-based match wins over reference-based.
	th, err := p.store.GetThreadByGmailID(ctx, acct.UserID, msg.ThreadID)
	if err != nil {
		return err
	}
	if th != nil {
		tr, err := p.resolveTracking(ctx, acct.UserID, msg, th.FirstMessageID)
		if err != nil || tr == nil {
			return err
		}
		return p.recordReply(ctx, acct, msg, tr)
	}

	for _, ref := range append(msg.References, msg.InReplyTo) {
		if ref == "" {
			continue
		}
		tr, err := p.store.GetTrackingByMessageID(ctx, acct.UserID, ref)
		if err != nil {
			return err
		}
		if tr != nil {
			return p.recordReply(ctx, acct, msg, tr)
		}
	}
	return nil
}

func (p *Pipeline) recordReply(ctx context.Context, acct *models.OAuthAccount, msg *inboundMessage, tr *models.EmailTracking) error {
	already, err := p.store.HasEventForPair(ctx, tr.Metadata.SequenceID, tr.Metadata.ContactID, models.EventReplied)
	if err != nil || already {
		return err
	}

	inserted, err := p.store.AppendEvent(ctx, &models.EmailEvent{
		TrackingHash: tr.Hash,
		Type:         models.EventReplied,
		Metadata: map[string]string{
			"replyMessageId": msg.MessageID,
			"threadId":       msg.ThreadID,
		},
	})
	if err != nil || !inserted {
		return err
	}

	if err := p.store.RecordReplyStat(ctx, tr.Metadata.SequenceID); err != nil {
		return err
	}
	if _, err := p.store.UpdateContactStatus(ctx, tr.Metadata.SequenceID, tr.Metadata.ContactID, models.ContactStatusReplied); err != nil {
		return err
	}
	if err := p.store.StopContactSchedule(ctx, tr.Metadata.SequenceID, tr.Metadata.ContactID); err != nil {
		return err
	}
	log.Printf("[Inbound] reply recorded for pair (%s, %s)", tr.Metadata.SequenceID, tr.Metadata.ContactID)
	return nil
}

func (p *Pipeline) classifyBounce(ctx context.Context, acct *models.OAuthAccount, msg *inboundMessage) error {
	tr, err := p.resolveBounceTracking(ctx, acct.UserID, msg)
	if err != nil || tr == nil {
		return err
	}

	already, err := p.store.HasEventForPair(ctx, tr.Metadata.SequenceID, tr.Metadata.ContactID, models.EventBounced)
	if err != nil || already {
		return err
	}

	inserted, err := p.store.AppendEvent(ctx, &models.EmailEvent{
		TrackingHash: tr.Hash,
		Type:         models.EventBounced,
		Metadata: map[string]string{
			"failedRecipients": msg.FailedRecipients,
		},
	})
	if err != nil || !inserted {
		return err
	}

	if err := p.store.MarkTrackingBounced(ctx, tr.Hash); err != nil {
		return err
	}
	if err := p.store.RecordBounceStat(ctx, tr.Metadata.SequenceID); err != nil {
		return err
	}
	if _, err := p.store.UpdateContactStatus(ctx, tr.Metadata.SequenceID, tr.Metadata.ContactID, models.ContactStatusBounced); err != nil {
		return err
	}
	if err := p.store.StopContactSchedule(ctx, tr.Metadata.SequenceID, tr.Metadata.ContactID); err != nil {
		return err
	}
	if err := p.limiter.SetBounceCooldown(ctx, acct.UserID, tr.Metadata.ContactID); err != nil {
		log.Printf("[Inbound] set bounce cooldown: %v", err)
	}
	log.Printf("[Inbound] bounce recorded for pair (%s, %s)", tr.Metadata.SequenceID, tr.Metadata.ContactID)
	return nil
}

// resolveBounceTracking finds the tracking row a bounce refers to, via
// References first and the thread mapping second.
func (p *Pipeline) resolveBounceTracking(ctx context.Context, userID uuid.UUID, msg *inboundMessage) (*models.EmailTracking, error) {
	firstMessageID := ""
	th, err := p.store.GetThreadByGmailID(ctx, userID, msg.ThreadID)
	if err != nil {
		return nil, err
	}
	if th != nil {
		firstMessageID = th.FirstMessageID
	}
	return p.resolveTracking(ctx, userID, msg, firstMessageID)
}

// resolveTracking matches the message's References and In-Reply-To
// against sent Message-IDs, falling back to the thread's first message.
func (p *Pipeline) resolveTracking(ctx context.Context, userID uuid.UUID, msg *inboundMessage, firstMessageID string) (*models.EmailTracking, error) {
	for _, ref := range append(msg.References, msg.InReplyTo) {
		if ref == "" {
			continue
		}
		tr, err := p.store.GetTrackingByMessageID(ctx, userID, ref)
		if err != nil {
			return nil, err
		}
		if tr != nil {
			return tr, nil
		}
	}
	if firstMessageID == "" {
		return nil, nil
	}
	return p.store.GetTrackingByMessageID(ctx, userID, firstMessageID)
}

// isBounce reports whether the message carries the standard delivery
// failure markers.
func isBounce(msg *inboundMessage) bool {
	if msg.FailedRecipients != "" {
		return true
	}
	if strings.Contains(strings.ToLower(msg.ContentType), "multipart/report") {
		return true
	}
	return strings.Contains(strings.ToLower(msg.From), "mailer-daemon")
}
