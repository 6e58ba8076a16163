package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/skymail-dispatch/internal/errors"
	"github.com/unclebandit/skymail-dispatch/internal/model"
	"github.com/unclebandit/skymail-dispatch/internal/provider"
	"github.com/unclebandit/skymail-dispatch/internal/queue"
	"github.com/unclebandit/skymail-dispatch/internal/repository"
)

// BatchSender renders and sends one chunk of a campaign, keeping exactly one
// delivery-log row per recipient. It never touches campaign status.
type BatchSender struct {
	sessions repository.Sessions
	sender   provider.Sender
	limiter  *rate.Limiter
	settings Settings
	log      *slog.Logger
}

func NewBatchSender(sessions repository.Sessions, sender provider.Sender, limiter *rate.Limiter, settings Settings, log *slog.Logger) *BatchSender {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &BatchSender{
		sessions: sessions,
		sender:   sender,
		limiter:  limiter,
		settings: settings,
		log:      log.With("component", "batch_sender", "provider", sender.Name()),
	}
}

// batchContent is everything loaded once per batch.
type batchContent struct {
	campaign *model.Campaign
	template *model.Template
	company  *model.Company
	assets   []string
	names    map[string]string
}

type batchTally struct {
	sent     int
	failed   int
	skipped  int
	inFlight int
}

func (t batchTally) detail(total int) map[string]any {
	return map[string]any{
		"sent":      t.sent,
		"failed":    t.failed,
		"skipped":   t.skipped,
		"in_flight": t.inFlight,
		"total":     total,
	}
}

// Send is the send_campaign_batch handler.
func (b *BatchSender) Send(ctx context.Context, t queue.Task) queue.Result {
	var p BatchPayload
	if err := t.Decode(&p); err != nil {
		return queue.Fatal(err.Error())
	}
	campaignID := uuid.MustParse(p.CampaignID)
	log := b.log.With("campaign_id", campaignID, "task_id", t.ID, "attempt", t.Attempt)
	log.Info("starting batch", "recipients", len(p.Emails))

	var res queue.Result
	err := b.sessions.WithStore(ctx, func(st *repository.Store) error {
		res = b.run(ctx, st, t, campaignID, p.Emails, log)
		return nil
	})
	if err != nil {
		return queue.RetryErr(err)
	}
	return res
}

func (b *BatchSender) run(ctx context.Context, st *repository.Store, t queue.Task, campaignID uuid.UUID, emails []string, log *slog.Logger) queue.Result {
	content, err := b.load(ctx, st, campaignID, emails)
	if err != nil {
		var campaignMissing *appErrors.ErrCampaignNotFound
		switch {
		case errors.As(err, &campaignMissing):
			log.Error("campaign not found, dropping batch")
			return queue.Fatal(err.Error())
		case errors.Is(err, appErrors.ErrNotFound):
			b.failRemaining(ctx, st, content.campaign, emails, err.Error(), log)
			log.Error("batch content missing", "error", err)
			return queue.Fatal(err.Error())
		}
		if t.FinalAttempt() && content.campaign != nil {
			b.failRemaining(ctx, st, content.campaign, emails, err.Error(), log)
		}
		return queue.RetryErr(fmt.Errorf("load batch content: %w", err))
	}

	if b.settings.MailFrom == "" {
		err := appErrors.ErrSenderNotConfigured
		b.failRemaining(ctx, st, content.campaign, emails, err.Error(), log)
		log.Error("sender address not configured")
		return queue.Fatal(err.Error())
	}

	var tally batchTally
	for i, email := range emails {
		rlog := log.With("recipient", email)

		if ctx.Err() != nil {
			// Soft limit: everything written so far is committed.
			rlog.Warn("batch interrupted, remaining recipients resume on retry", "remaining", len(emails)-i)
			return b.retryOrFail(ctx, st, t, content.campaign, emails[i:], 0, "batch interrupted: "+ctx.Err().Error(), rlog)
		}

		existing, err := st.SendLogs.Get(ctx, campaignID, email)
		if err != nil {
			return b.retryOrFail(ctx, st, t, content.campaign, emails[i:], 0, fmt.Sprintf("load delivery log: %v", err), rlog)
		}
		if existing != nil && existing.Status.Terminal() {
			if existing.Status == model.SendFailed {
				tally.failed++
			} else {
				tally.sent++
			}
			tally.skipped++
			emailsProcessedCounter.WithLabelValues(b.sender.Name(), "skipped").Inc()
			rlog.Debug("recipient already resolved, skipping", "status", existing.Status)
			continue
		}

		key := repository.RecipientKey{CampaignID: campaignID, CompanyID: content.campaign.CompanyID, Email: email}
		claimed, err := st.SendLogs.ClaimRecipient(ctx, key, b.settings.ClaimStaleAfter, model.StringMap{
			"batch_size": strconv.Itoa(len(emails)),
			"attempt":    strconv.Itoa(t.Attempt),
		})
		if err != nil {
			return b.retryOrFail(ctx, st, t, content.campaign, emails[i:], 0, err.Error(), rlog)
		}
		if !claimed {
			tally.inFlight++
			emailsProcessedCounter.WithLabelValues(b.sender.Name(), "in_flight").Inc()
			rlog.Info("recipient claimed by another worker")
			continue
		}

		outcome := b.deliver(ctx, st, key, existing, content, rlog)
		switch outcome.kind {
		case deliverySent:
			tally.sent++
		case deliveryRejected:
			tally.failed++
		case deliveryFatal:
			rest := emails[i+1:]
			if outcome.unrecorded {
				rest = emails[i:]
			}
			b.failRemaining(ctx, st, content.campaign, rest, outcome.reason, rlog)
			return queue.Fatal(outcome.reason)
		case deliveryThrottled:
			log.Warn("provider throttled, retrying remaining recipients", "sent", tally.sent, "remaining", len(emails)-i)
			return b.retryOrFail(ctx, st, t, content.campaign, emails[i:], b.settings.ThrottleRetryDelay, outcome.reason, rlog)
		case deliveryTransient:
			return b.retryOrFail(ctx, st, t, content.campaign, emails[i:], 0, outcome.reason, rlog)
		}
	}

	if tally.inFlight > 0 && !t.FinalAttempt() {
		// Come back once foreign claims have either resolved or gone stale.
		log.Info("batch done apart from recipients held elsewhere", "in_flight", tally.inFlight)
		return queue.Retry(b.settings.ClaimStaleAfter, fmt.Sprintf("%d recipients in flight elsewhere", tally.inFlight))
	}

	log.Info("batch complete", "sent", tally.sent, "failed", tally.failed, "skipped", tally.skipped)
	return queue.CompletedWith(tally.detail(len(emails)))
}

func (b *BatchSender) load(ctx context.Context, st *repository.Store, campaignID uuid.UUID, emails []string) (batchContent, error) {
	var content batchContent
	c, err := st.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return content, err
	}
	content.campaign = c

	if c.TemplateID == nil {
		return content, appErrors.NewTemplateNotFound(uuid.Nil)
	}
	if content.template, err = st.Content.GetTemplate(ctx, *c.TemplateID); err != nil {
		return content, err
	}
	if content.company, err = st.Content.GetCompany(ctx, c.CompanyID); err != nil {
		return content, err
	}
	if content.assets, err = st.Content.ListAssetURLs(ctx, *c.TemplateID, c.CompanyID); err != nil {
		return content, err
	}
	if content.names, err = st.Subscribers.NamesByEmail(ctx, c.CompanyID, emails); err != nil {
		return content, err
	}
	return content, nil
}

type deliveryKind int

const (
	deliverySent deliveryKind = iota
	deliveryRejected
	deliveryThrottled
	deliveryTransient
	deliveryFatal
)

type deliveryOutcome struct {
	kind   deliveryKind
	reason string
	// unrecorded is set when the recipient's own row could not be written.
	unrecorded bool
}

// deliver renders and sends to one claimed recipient and records the
// result. existing is the row as it was before the claim, nil if new.
func (b *BatchSender) deliver(ctx context.Context, st *repository.Store, key repository.RecipientKey, existing *model.SendLog, content batchContent, log *slog.Logger) deliveryOutcome {
	recipient := Recipient{Email: key.Email, Name: content.names[key.Email]}
	data := BuildContext(content.company, content.assets, recipient, content.campaign.Constants)

	subject := content.template.Subject
	if content.campaign.Subject != nil && *content.campaign.Subject != "" {
		subject = *content.campaign.Subject
	}
	email := RenderEmail(subject, content.template.HTMLContent, content.template.TextContent, data)
	if missing := email.Unresolved(); len(missing) > 0 {
		log.Warn("unresolved template placeholders", "placeholders", missing)
	}

	// Writes after this point must land even if the task context ends.
	writeCtx := context.WithoutCancel(ctx)
	attempts := priorAttempts(existing) + 1

	if err := b.limiter.Wait(ctx); err != nil {
		b.release(writeCtx, st, key, existing, "rate limiter: "+err.Error(), log)
		return deliveryOutcome{kind: deliveryTransient, reason: "rate limiter: " + err.Error()}
	}

	timer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(b.sender.Name()))
	messageID, err := b.sender.Send(ctx, provider.Message{
		From:    b.settings.MailFrom,
		To:      key.Email,
		Subject: email.Subject,
		HTML:    email.HTML,
		Text:    email.Text,
	})
	timer.ObserveDuration()

	if err == nil {
		if err := b.recordSent(writeCtx, st, key, existing, messageID, attempts, log); err != nil {
			// The message is out. The row stays claimed and is reclaimed
			// once stale.
			return deliveryOutcome{kind: deliveryTransient, reason: err.Error()}
		}
		emailsProcessedCounter.WithLabelValues(b.sender.Name(), "sent").Inc()
		log.Debug("email sent", "message_id", messageID)
		return deliveryOutcome{kind: deliverySent}
	}

	kind := provider.KindOf(err)
	extra := model.StringMap{"attempts": strconv.Itoa(attempts), "error_kind": string(kind)}
	if code := provider.CodeOf(err); code != "" {
		extra["error_code"] = code
	}

	switch kind {
	case provider.KindRejected:
		log.Warn("provider rejected message", "error", err)
		if werr := st.SendLogs.MarkFailed(writeCtx, key, err.Error(), extra); werr != nil {
			return deliveryOutcome{kind: deliveryTransient, reason: werr.Error()}
		}
		emailsProcessedCounter.WithLabelValues(b.sender.Name(), "failed").Inc()
		return deliveryOutcome{kind: deliveryRejected}

	case provider.KindConfiguration:
		log.Error("provider configuration error", "error", err)
		if werr := st.SendLogs.MarkFailed(writeCtx, key, err.Error(), extra); werr != nil {
			log.Error("could not mark recipient failed", "error", werr)
			return deliveryOutcome{kind: deliveryFatal, reason: err.Error(), unrecorded: true}
		}
		emailsProcessedCounter.WithLabelValues(b.sender.Name(), "failed").Inc()
		return deliveryOutcome{kind: deliveryFatal, reason: err.Error()}

	case provider.KindThrottled:
		emailsProcessedCounter.WithLabelValues(b.sender.Name(), "throttled").Inc()
		b.release(writeCtx, st, key, existing, err.Error(), log)
		return deliveryOutcome{kind: deliveryThrottled, reason: err.Error()}

	default:
		log.Warn("provider error, will retry", "error", err)
		b.release(writeCtx, st, key, existing, err.Error(), log)
		return deliveryOutcome{kind: deliveryTransient, reason: err.Error()}
	}
}

func (b *BatchSender) recordSent(ctx context.Context, st *repository.Store, key repository.RecipientKey, existing *model.SendLog, messageID string, attempts int, log *slog.Logger) error {
	extra := model.StringMap{"attempts": strconv.Itoa(attempts)}
	if existing != nil && existing.Status == model.SendSending {
		extra["reclaimed_stale"] = "true"
	}

	id := &messageID
	if messageID == "" {
		id = nil
	}
	err := st.SendLogs.MarkSent(ctx, key, id, extra)
	if errors.Is(err, appErrors.ErrDuplicateProviderMessage) {
		// Another row already holds this id. Keep the delivery, drop the id.
		log.Error("provider message id already recorded on another row", "message_id", messageID)
		extra["provider_message_id_conflict"] = messageID
		err = st.SendLogs.MarkSent(ctx, key, nil, extra)
	}
	return err
}

// release hands a claimed row back to pending for the next attempt.
func (b *BatchSender) release(ctx context.Context, st *repository.Store, key repository.RecipientKey, existing *model.SendLog, reason string, log *slog.Logger) {
	extra := model.StringMap{"last_error": reason, "attempts": strconv.Itoa(priorAttempts(existing) + 1)}
	if err := st.SendLogs.Release(ctx, key, extra); err != nil {
		log.Error("could not release recipient", "error", err)
	}
}

// retryOrFail asks for a retry of the remaining recipients. On the last
// attempt it marks them failed instead so none is left without a row.
func (b *BatchSender) retryOrFail(ctx context.Context, st *repository.Store, t queue.Task, campaign *model.Campaign, remaining []string, after time.Duration, reason string, log *slog.Logger) queue.Result {
	if t.FinalAttempt() {
		log.Error("out of retries, failing remaining recipients", "remaining", len(remaining), "reason", reason)
		b.failRemaining(ctx, st, campaign, remaining, "retries exhausted: "+reason, log)
	}
	return queue.Retry(after, reason)
}

// failRemaining records failed rows for recipients that are not delivered.
func (b *BatchSender) failRemaining(ctx context.Context, st *repository.Store, campaign *model.Campaign, emails []string, reason string, log *slog.Logger) {
	if campaign == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, email := range emails {
		key := repository.RecipientKey{CampaignID: campaign.ID, CompanyID: campaign.CompanyID, Email: email}
		if err := st.SendLogs.MarkFailed(ctx, key, reason, model.StringMap{"error_kind": "unit_failed"}); err != nil {
			log.Error("could not mark recipient failed", "recipient", email, "error", err)
			continue
		}
		emailsProcessedCounter.WithLabelValues(b.sender.Name(), "failed").Inc()
	}
}

func priorAttempts(existing *model.SendLog) int {
	if existing == nil {
		return 0
	}
	n, err := strconv.Atoi(existing.ExtraData["attempts"])
	if err != nil {
		return 0
	}
	return n
}
