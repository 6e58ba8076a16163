package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/skymail-dispatch/internal/model"
	"github.com/unclebandit/skymail-dispatch/internal/provider"
	"github.com/unclebandit/skymail-dispatch/internal/queue"
)

func batchTask(f *fixture, campaignID uuid.UUID, recipients []string) queue.Task {
	return mustTask(f.tasks.Batch, BatchPayload{CampaignID: campaignID.String(), Emails: recipients})
}

// expectDelivered makes every address succeed with a distinct message id,
// except those listed in skip.
func expectDelivered(s *mockSender, recipients []string, skip ...string) {
	skipped := toSet(skip)
	for _, e := range recipients {
		if !skipped[e] {
			s.On("Send", e, mock.Anything).Return("msg-"+e, nil)
		}
	}
}

func sentMessage(t *testing.T, s *mockSender, to string) provider.Message {
	t.Helper()
	for _, c := range s.Calls {
		if c.Method == "Send" && c.Arguments.String(0) == to {
			return c.Arguments.Get(1).(provider.Message)
		}
	}
	t.Fatalf("no message sent to %s", to)
	return provider.Message{}
}

func TestBatchSender_SendsEveryRecipient(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	recipients := addresses(3)

	s := &mockSender{}
	expectDelivered(s, recipients)

	res := f.batchSender(s).Send(context.Background(), batchTask(f, id, recipients))

	assert.Equal(t, queue.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 3, res.Detail["sent"])
	for _, e := range recipients {
		row := f.db.row(id, e)
		require.NotNil(t, row)
		assert.Equal(t, model.SendSent, row.Status)
		require.NotNil(t, row.ProviderMessageID)
		assert.Equal(t, "msg-"+e, *row.ProviderMessageID)
		assert.NotNil(t, row.SentAt)
		assert.Equal(t, "1", row.ExtraData["attempts"])
	}
	assert.Equal(t, f.sessions.acquired, f.sessions.released, "session must be returned")
}

func TestBatchSender_Idempotent(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	msgID := "earlier"
	f.db.putLog(model.SendLog{ID: uuid.New(), CampaignID: id, CompanyID: f.companyID, SubscriberEmail: "usera@example.com", Status: model.SendSent, ProviderMessageID: &msgID})

	s := &mockSender{}
	s.On("Send", "userb@example.com", mock.Anything).Return("msg-b", nil).Once()
	sender := f.batchSender(s)
	task := batchTask(f, id, addresses(2))

	first := sender.Send(context.Background(), task)
	second := sender.Send(context.Background(), task)

	assert.Equal(t, queue.OutcomeCompleted, first.Outcome)
	assert.Equal(t, queue.OutcomeCompleted, second.Outcome)
	assert.Equal(t, 2, second.Detail["skipped"])
	assert.Equal(t, 1, s.sendCalls(), "each recipient must reach the provider once")
	assert.Equal(t, "earlier", *f.db.row(id, "usera@example.com").ProviderMessageID)

	stats, _ := f.db.CountByStatus(context.Background(), id)
	assert.Equal(t, 2, stats.Total())
}

func TestBatchSender_RejectionFailsOnlyThatRecipient(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	recipients := addresses(10)
	bad := recipients[3]

	s := &mockSender{}
	s.On("Send", bad, mock.Anything).Return("", &provider.SendError{Kind: provider.KindRejected, Code: "MessageRejected", Message: "address blocked"})
	expectDelivered(s, recipients, bad)

	res := f.batchSender(s).Send(context.Background(), batchTask(f, id, recipients))

	assert.Equal(t, queue.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 9, res.Detail["sent"])
	assert.Equal(t, 1, res.Detail["failed"])

	row := f.db.row(id, bad)
	require.NotNil(t, row)
	assert.Equal(t, model.SendFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "address blocked")
	assert.Equal(t, "MessageRejected", row.ExtraData["error_code"])
	assert.Equal(t, "rejected", row.ExtraData["error_kind"])

	stats, _ := f.db.CountByStatus(context.Background(), id)
	assert.Equal(t, 9, stats[model.SendSent])
	assert.Equal(t, 1, stats[model.SendFailed])
	assert.Equal(t, 10, s.sendCalls())
}

func TestBatchSender_FailedRecipientIsNotRetried(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	f.db.putLog(model.SendLog{ID: uuid.New(), CampaignID: id, CompanyID: f.companyID, SubscriberEmail: "usera@example.com", Status: model.SendFailed})

	s := &mockSender{}
	s.On("Send", "userb@example.com", mock.Anything).Return("msg-b", nil)

	res := f.batchSender(s).Send(context.Background(), batchTask(f, id, addresses(2)))

	assert.Equal(t, queue.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, res.Detail["failed"])
	assert.Equal(t, 1, s.sendCalls())
	assert.Equal(t, model.SendFailed, f.db.row(id, "usera@example.com").Status)
}

func TestBatchSender_ThrottleResumesWithoutResending(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	recipients := addresses(10)
	throttled := recipients[3]

	s := &mockSender{}
	s.On("Send", throttled, mock.Anything).Return("", &provider.SendError{Kind: provider.KindThrottled, Code: "TooManyRequestsException", Message: "slow down"}).Once()
	expectDelivered(s, recipients)
	sender := f.batchSender(s)
	task := batchTask(f, id, recipients)

	res := sender.Send(context.Background(), task)

	assert.Equal(t, queue.OutcomeRetry, res.Outcome)
	assert.Equal(t, 30*time.Second, res.After)
	assert.Equal(t, 4, s.sendCalls())
	row := f.db.row(id, throttled)
	require.NotNil(t, row)
	assert.Equal(t, model.SendPending, row.Status, "throttled recipient goes back to pending")
	assert.Contains(t, row.ExtraData["last_error"], "slow down")
	assert.Nil(t, f.db.row(id, recipients[4]), "recipients after the throttle are untouched")

	before := s.sendCalls()
	res = sender.Send(context.Background(), task.Next())

	assert.Equal(t, queue.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 7, s.sendCalls()-before, "only the unsent recipients reach the provider")
	assert.Equal(t, 3, res.Detail["skipped"])
	for _, e := range recipients {
		assert.Equal(t, model.SendSent, f.db.row(id, e).Status, e)
	}
	assert.Equal(t, "2", f.db.row(id, throttled).ExtraData["attempts"])
}

func TestBatchSender_FinalAttemptFailsRemaining(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	recipients := addresses(5)

	s := &mockSender{}
	s.On("Send", recipients[2], mock.Anything).Return("", &provider.SendError{Kind: provider.KindThrottled, Message: "slow down"})
	expectDelivered(s, recipients, recipients[2])

	task := batchTask(f, id, recipients)
	task.Attempt = task.MaxAttempts

	res := f.batchSender(s).Send(context.Background(), task)

	assert.Equal(t, queue.OutcomeRetry, res.Outcome, "runner turns this into exhausted")
	assert.Equal(t, model.SendSent, f.db.row(id, recipients[0]).Status)
	assert.Equal(t, model.SendSent, f.db.row(id, recipients[1]).Status)
	for _, e := range recipients[2:] {
		row := f.db.row(id, e)
		require.NotNil(t, row, e)
		assert.Equal(t, model.SendFailed, row.Status, e)
		assert.Contains(t, *row.ErrorMessage, "retries exhausted")
	}
}

func TestBatchSender_TransientErrorRetriesWithBackoff(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)

	s := &mockSender{}
	s.On("Send", "usera@example.com", mock.Anything).Return("", errors.New("connection reset"))

	res := f.batchSender(s).Send(context.Background(), batchTask(f, id, addresses(2)))

	assert.Equal(t, queue.OutcomeRetry, res.Outcome)
	assert.Zero(t, res.After)
	assert.Equal(t, model.SendPending, f.db.row(id, "usera@example.com").Status)
	assert.Nil(t, f.db.row(id, "userb@example.com"))
}

func TestBatchSender_ConfigurationErrorStopsBatch(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	recipients := addresses(4)

	s := &mockSender{}
	s.On("Send", recipients[1], mock.Anything).Return("", &provider.SendError{Kind: provider.KindConfiguration, Code: "MailFromDomainNotVerifiedException", Message: "domain not verified"})
	expectDelivered(s, recipients, recipients[1])

	res := f.batchSender(s).Send(context.Background(), batchTask(f, id, recipients))

	assert.Equal(t, queue.OutcomeFatal, res.Outcome)
	assert.Equal(t, 2, s.sendCalls())
	assert.Equal(t, model.SendSent, f.db.row(id, recipients[0]).Status)
	for _, e := range recipients[1:] {
		assert.Equal(t, model.SendFailed, f.db.row(id, e).Status, e)
	}
}

func TestBatchSender_ConfigurationErrorFailsUnrecordedRecipient(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	recipients := addresses(3)
	f.db.errsOnce["MarkFailed"] = errors.New("connection reset")

	s := &mockSender{}
	s.On("Send", recipients[0], mock.Anything).Return("", &provider.SendError{Kind: provider.KindConfiguration, Message: "invalid api key"})

	res := f.batchSender(s).Send(context.Background(), batchTask(f, id, recipients))

	assert.Equal(t, queue.OutcomeFatal, res.Outcome)
	assert.Equal(t, 1, s.sendCalls())
	for _, e := range recipients {
		require.NotNil(t, f.db.row(id, e), e)
		assert.Equal(t, model.SendFailed, f.db.row(id, e).Status, e)
	}
}

func TestBatchSender_MissingSenderAddress(t *testing.T) {
	f := newFixture()
	f.settings.MailFrom = ""
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	recipients := addresses(3)
	s := &mockSender{}

	res := f.batchSender(s).Send(context.Background(), batchTask(f, id, recipients))

	assert.Equal(t, queue.OutcomeFatal, res.Outcome)
	assert.Contains(t, res.Reason, "sender email not configured")
	assert.Zero(t, s.sendCalls())
	for _, e := range recipients {
		assert.Equal(t, model.SendFailed, f.db.row(id, e).Status)
	}
}

func TestBatchSender_MissingTemplate(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	delete(f.db.templates, f.templateID)
	recipients := addresses(2)
	s := &mockSender{}

	res := f.batchSender(s).Send(context.Background(), batchTask(f, id, recipients))

	assert.Equal(t, queue.OutcomeFatal, res.Outcome)
	assert.Zero(t, s.sendCalls())
	for _, e := range recipients {
		row := f.db.row(id, e)
		require.NotNil(t, row)
		assert.Equal(t, model.SendFailed, row.Status)
		assert.Contains(t, *row.ErrorMessage, "template")
	}
}

func TestBatchSender_MissingCampaign(t *testing.T) {
	f := newFixture()
	s := &mockSender{}
	id := uuid.New()

	res := f.batchSender(s).Send(context.Background(), batchTask(f, id, addresses(2)))

	assert.Equal(t, queue.OutcomeFatal, res.Outcome)
	assert.Nil(t, f.db.row(id, "usera@example.com"))
}

func TestBatchSender_InvalidPayload(t *testing.T) {
	f := newFixture()
	task := mustTask(f.tasks.Batch, BatchPayload{CampaignID: "not-a-uuid", Emails: []string{"a@b.com"}})

	res := f.batchSender(&mockSender{}).Send(context.Background(), task)

	assert.Equal(t, queue.OutcomeFatal, res.Outcome)
}

func TestBatchSender_RendersPerRecipient(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	f.addSubscribers("usera@example.com")
	f.db.subscribers[0].Name = "Ann"

	s := &mockSender{}
	expectDelivered(s, addresses(2))

	res := f.batchSender(s).Send(context.Background(), batchTask(f, id, addresses(2)))
	require.Equal(t, queue.OutcomeCompleted, res.Outcome)

	ann := sentMessage(t, s, "usera@example.com")
	assert.Equal(t, "news@acme.test", ann.From)
	assert.Equal(t, "News from Acme", ann.Subject)
	assert.Equal(t, "<p>Hi Ann, SPRING25 at https://acme.test</p>", ann.HTML)
	assert.Equal(t, "Hi Ann", ann.Text)

	other := sentMessage(t, s, "userb@example.com")
	assert.Equal(t, "Hi userb", other.Text, "name falls back to the local part")
}

func TestBatchSender_CampaignSubjectOverridesTemplate(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	subject := "Hello {{subscriber_username}}, {{unknown}}"
	f.db.campaigns[id].Subject = &subject

	s := &mockSender{}
	expectDelivered(s, addresses(1))

	res := f.batchSender(s).Send(context.Background(), batchTask(f, id, addresses(1)))
	require.Equal(t, queue.OutcomeCompleted, res.Outcome)

	msg := sentMessage(t, s, "usera@example.com")
	assert.Equal(t, "Hello usera, {{unknown}}", msg.Subject, "unresolved placeholders go out literally")
}

func TestBatchSender_DuplicateProviderMessageID(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)

	s := &mockSender{}
	s.On("Send", mock.Anything, mock.Anything).Return("dup-1", nil)

	res := f.batchSender(s).Send(context.Background(), batchTask(f, id, addresses(2)))

	assert.Equal(t, queue.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, res.Detail["sent"])

	second := f.db.row(id, "userb@example.com")
	assert.Equal(t, model.SendSent, second.Status)
	assert.Nil(t, second.ProviderMessageID)
	assert.Equal(t, "dup-1", second.ExtraData["provider_message_id_conflict"])
}

func TestBatchSender_RecipientClaimedElsewhere(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	f.db.putLog(model.SendLog{ID: uuid.New(), CampaignID: id, CompanyID: f.companyID, SubscriberEmail: "userb@example.com", Status: model.SendSending})
	recipients := addresses(3)

	s := &mockSender{}
	expectDelivered(s, recipients)
	sender := f.batchSender(s)
	task := batchTask(f, id, recipients)

	res := sender.Send(context.Background(), task)

	assert.Equal(t, queue.OutcomeRetry, res.Outcome)
	assert.Equal(t, f.settings.ClaimStaleAfter, res.After)
	assert.Equal(t, 2, s.sendCalls())
	assert.Equal(t, model.SendSending, f.db.row(id, "userb@example.com").Status)

	// The foreign claim goes stale and the retry picks it up.
	f.db.advance(f.settings.ClaimStaleAfter + time.Minute)
	res = sender.Send(context.Background(), task.Next())

	assert.Equal(t, queue.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 3, s.sendCalls())
	row := f.db.row(id, "userb@example.com")
	assert.Equal(t, model.SendSent, row.Status)
	assert.Equal(t, "true", row.ExtraData["reclaimed_stale"])
}

func TestBatchSender_InterruptedBatchRetries(t *testing.T) {
	f := newFixture()
	id := f.addCampaign("spring", model.CampaignSending, -time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &mockSender{}
	res := f.batchSender(s).Send(ctx, batchTask(f, id, addresses(2)))

	assert.Equal(t, queue.OutcomeRetry, res.Outcome)
	assert.Contains(t, res.Reason, "batch interrupted")
	assert.Zero(t, s.sendCalls())
}
