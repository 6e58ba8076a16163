package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	appErrors "github.com/unclebandit/skymail-dispatch/internal/errors"
	"github.com/unclebandit/skymail-dispatch/internal/logger"
	"github.com/unclebandit/skymail-dispatch/internal/model"
	"github.com/unclebandit/skymail-dispatch/internal/provider"
	"github.com/unclebandit/skymail-dispatch/internal/queue"
	"github.com/unclebandit/skymail-dispatch/internal/repository"
)

// ====================== In-memory store ======================

type logKey struct {
	campaignID uuid.UUID
	email      string
}

// memDB mirrors the conditional updates of the SQL repositories.
type memDB struct {
	mu          sync.Mutex
	now         time.Time
	campaigns   map[uuid.UUID]*model.Campaign
	logs        map[logKey]*model.SendLog
	subscribers []model.Subscriber
	templates   map[uuid.UUID]*model.Template
	companies   map[uuid.UUID]*model.Company
	assets      []string
	errs        map[string]error
	// errsOnce fail the next call of an operation only.
	errsOnce map[string]error
}

func newMemDB() *memDB {
	return &memDB{
		now:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		campaigns: make(map[uuid.UUID]*model.Campaign),
		logs:      make(map[logKey]*model.SendLog),
		templates: make(map[uuid.UUID]*model.Template),
		companies: make(map[uuid.UUID]*model.Company),
		errs:      make(map[string]error),
		errsOnce:  make(map[string]error),
	}
}

func (m *memDB) fail(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errsOnce[op]; ok {
		delete(m.errsOnce, op)
		return err
	}
	return m.errs[op]
}

func (m *memDB) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *memDB) store() *repository.Store {
	return &repository.Store{Campaigns: m, SendLogs: m, Subscribers: m, Content: m}
}

func (m *memDB) campaign(id uuid.UUID) model.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.campaigns[id]
}

func (m *memDB) row(campaignID uuid.UUID, email string) *model.SendLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[logKey{campaignID, email}]
	if !ok {
		return nil
	}
	c := *l
	return &c
}

func (m *memDB) putLog(l model.SendLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ExtraData == nil {
		l.ExtraData = model.StringMap{}
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = m.now
	}
	m.logs[logKey{l.CampaignID, l.SubscriberEmail}] = &l
}

// Campaigns

func (m *memDB) GetByID(_ context.Context, id uuid.UUID) (*model.Campaign, error) {
	if err := m.fail("GetByID"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *memDB) ListDue(_ context.Context) ([]model.DueCampaign, error) {
	if err := m.fail("ListDue"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	due := []model.DueCampaign{}
	for _, c := range m.campaigns {
		if m.isDue(c) {
			due = append(due, model.DueCampaign{ID: c.ID, CompanyID: c.CompanyID, Name: c.Name})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	return due, nil
}

func (m *memDB) isDue(c *model.Campaign) bool {
	return c.Status == model.CampaignScheduled && c.ScheduledFor != nil && !c.ScheduledFor.After(m.now)
}

func (m *memDB) Claim(_ context.Context, id uuid.UUID, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || !m.isDue(c) {
		return false, nil
	}
	now := m.now
	c.Status = model.CampaignSending
	c.DispatchTaskID = &taskID
	c.DispatchClaimedAt = &now
	c.UpdatedAt = now
	return true, nil
}

func (m *memDB) ReleaseClaim(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != model.CampaignSending || c.SentAt != nil {
		return false, nil
	}
	c.Status = model.CampaignScheduled
	c.DispatchTaskID = nil
	c.DispatchClaimedAt = nil
	c.UpdatedAt = m.now
	return true, nil
}

func (m *memDB) Complete(_ context.Context, id uuid.UUID, status model.CampaignStatus) (bool, error) {
	if err := m.fail("Complete"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != model.CampaignSending {
		return false, nil
	}
	now := m.now
	c.Status = status
	c.SentAt = &now
	return true, nil
}

func (m *memDB) Reopen(_ context.Context, id uuid.UUID, stuckAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, nil
	}
	claimedAt := c.UpdatedAt
	if c.DispatchClaimedAt != nil {
		claimedAt = *c.DispatchClaimedAt
	}
	stuck := c.Status == model.CampaignSending && claimedAt.Before(m.now.Add(-stuckAfter))
	if !c.Status.Terminal() && !stuck {
		return false, nil
	}
	now := m.now
	c.Status = model.CampaignSending
	c.SentAt = nil
	c.DispatchTaskID = nil
	c.DispatchClaimedAt = &now
	c.UpdatedAt = now
	return true, nil
}

// Send logs

func (m *memDB) Get(_ context.Context, campaignID uuid.UUID, email string) (*model.SendLog, error) {
	if err := m.fail("Get"); err != nil {
		return nil, err
	}
	return m.row(campaignID, email), nil
}

func (m *memDB) upsert(key repository.RecipientKey) (*model.SendLog, bool) {
	k := logKey{key.CampaignID, key.Email}
	l, ok := m.logs[k]
	if !ok {
		l = &model.SendLog{
			ID:              uuid.New(),
			CampaignID:      key.CampaignID,
			CompanyID:       key.CompanyID,
			SubscriberEmail: key.Email,
			ExtraData:       model.StringMap{},
			CreatedAt:       m.now,
		}
		m.logs[k] = l
	}
	return l, ok
}

func merge(l *model.SendLog, extra model.StringMap) {
	l.ExtraData = l.ExtraData.Merge(extra)
}

func (m *memDB) ClaimRecipient(_ context.Context, key repository.RecipientKey, staleAfter time.Duration, extra model.StringMap) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.logs[logKey{key.CampaignID, key.Email}]; ok {
		stale := l.Status == model.SendSending && l.UpdatedAt.Before(m.now.Add(-staleAfter))
		if l.Status != model.SendPending && !stale {
			return false, nil
		}
	}
	l, _ := m.upsert(key)
	l.Status = model.SendSending
	l.ErrorMessage = nil
	l.UpdatedAt = m.now
	merge(l, extra)
	return true, nil
}

func (m *memDB) MarkSent(_ context.Context, key repository.RecipientKey, messageID *string, extra model.StringMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageID != nil {
		for k, other := range m.logs {
			if k != (logKey{key.CampaignID, key.Email}) && other.ProviderMessageID != nil && *other.ProviderMessageID == *messageID {
				return appErrors.ErrDuplicateProviderMessage
			}
		}
	}
	l, _ := m.upsert(key)
	switch l.Status {
	case model.SendSent, model.SendBounced, model.SendComplained:
		return nil
	}
	now := m.now
	l.Status = model.SendSent
	l.ProviderMessageID = messageID
	l.ErrorMessage = nil
	l.SentAt = &now
	l.UpdatedAt = now
	merge(l, extra)
	return nil
}

func (m *memDB) MarkFailed(_ context.Context, key repository.RecipientKey, reason string, extra model.StringMap) error {
	if err := m.fail("MarkFailed"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, existed := m.upsert(key)
	if existed && l.Status != model.SendPending && l.Status != model.SendSending && l.Status != model.SendFailed {
		return nil
	}
	l.Status = model.SendFailed
	l.ErrorMessage = &reason
	l.UpdatedAt = m.now
	merge(l, extra)
	return nil
}

func (m *memDB) Release(_ context.Context, key repository.RecipientKey, extra model.StringMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[logKey{key.CampaignID, key.Email}]
	if !ok || l.Status != model.SendSending {
		return nil
	}
	l.Status = model.SendPending
	l.UpdatedAt = m.now
	merge(l, extra)
	return nil
}

func (m *memDB) ResetFailed(_ context.Context, campaignID uuid.UUID, emails []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range emails {
		if l, ok := m.logs[logKey{campaignID, e}]; ok && l.Status == model.SendFailed {
			l.Status = model.SendPending
			l.ErrorMessage = nil
			n++
		}
	}
	return n, nil
}

func (m *memDB) CountByStatus(_ context.Context, campaignID uuid.UUID) (model.SendStats, error) {
	if err := m.fail("CountByStatus"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := model.SendStats{}
	for _, s := range model.SendStatuses {
		stats[s] = 0
	}
	for k, l := range m.logs {
		if k.campaignID == campaignID {
			stats[l.Status]++
		}
	}
	return stats, nil
}

func (m *memDB) sortedLogs(campaignID uuid.UUID, keep func(*model.SendLog) bool) []model.SendLog {
	out := []model.SendLog{}
	for k, l := range m.logs {
		if k.campaignID == campaignID && keep(l) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriberEmail < out[j].SubscriberEmail })
	return out
}

func (m *memDB) List(_ context.Context, f repository.SendLogFilter) ([]model.SendLog, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedLogs(f.CampaignID, func(l *model.SendLog) bool { return f.Status == "" || l.Status == f.Status })
	start := min(f.Offset, len(all))
	end := min(f.Offset+f.Limit, len(all))
	return all[start:end], len(all), nil
}

func (m *memDB) ListEmails(_ context.Context, campaignID uuid.UUID, statuses ...model.SendStatus) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[model.SendStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	emails := []string{}
	for _, l := range m.sortedLogs(campaignID, func(l *model.SendLog) bool { return len(want) == 0 || want[l.Status] }) {
		emails = append(emails, l.SubscriberEmail)
	}
	return emails, nil
}

// Subscribers

func (m *memDB) ListActive(_ context.Context, companyID uuid.UUID) ([]model.Subscriber, error) {
	if err := m.fail("ListActive"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subscriber{}
	for _, s := range m.subscribers {
		if s.CompanyID == companyID && s.Status == model.SubscriberActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memDB) NamesByEmail(_ context.Context, companyID uuid.UUID, emails []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := toSet(emails)
	names := map[string]string{}
	for _, s := range m.subscribers {
		if s.CompanyID == companyID && want[s.Email] {
			names[s.Email] = s.Name
		}
	}
	return names, nil
}

// Content

func (m *memDB) GetTemplate(_ context.Context, id uuid.UUID) (*model.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, appErrors.NewTemplateNotFound(id)
	}
	return t, nil
}

func (m *memDB) GetCompany(_ context.Context, id uuid.UUID) (*model.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[id]
	if !ok {
		return nil, appErrors.NewCompanyNotFound(id)
	}
	return c, nil
}

func (m *memDB) ListAssetURLs(_ context.Context, _, _ uuid.UUID) ([]string, error) {
	return m.assets, nil
}

type memSessions struct {
	db       *memDB
	acquired int
	released int
	mu       sync.Mutex
}

func (s *memSessions) WithStore(ctx context.Context, fn func(*repository.Store) error) error {
	if err := s.db.fail("WithStore"); err != nil {
		return err
	}
	s.mu.Lock()
	s.acquired++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	}()
	return fn(s.db.store())
}

func (s *memSessions) InTx(ctx context.Context, fn func(*repository.Store) error) error {
	return s.WithStore(ctx, fn)
}

var _ repository.Sessions = (*memSessions)(nil)

// ====================== Publisher ======================

type published struct {
	task  queue.Task
	delay time.Duration
}

type recordingPublisher struct {
	mu     sync.Mutex
	tasks  []published
	failOn map[int]error // 1-based publish call
	calls  int
}

func (p *recordingPublisher) Publish(_ context.Context, t queue.Task, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err := p.failOn[p.calls]; err != nil {
		return err
	}
	p.tasks = append(p.tasks, published{task: t, delay: delay})
	return nil
}

func (p *recordingPublisher) named(name string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []published{}
	for _, t := range p.tasks {
		if t.task.Name == name {
			out = append(out, t)
		}
	}
	return out
}

// ====================== Provider ======================

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Name() string { return "mock" }

func (m *mockSender) Send(_ context.Context, msg provider.Message) (string, error) {
	args := m.Called(msg.To, msg)
	return args.String(0), args.Error(1)
}

func (m *mockSender) sendCalls() int {
	n := 0
	for _, c := range m.Calls {
		if c.Method == "Send" {
			n++
		}
	}
	return n
}

// ====================== Fixture ======================

type fixture struct {
	db         *memDB
	sessions   *memSessions
	publisher  *recordingPublisher
	tasks      TaskDefinitions
	settings   Settings
	companyID  uuid.UUID
	templateID uuid.UUID
}

func newFixture() *fixture {
	db := newMemDB()
	f := &fixture{
		db:         db,
		sessions:   &memSessions{db: db},
		publisher:  &recordingPublisher{},
		tasks:      NewTaskDefinitions(3, 3, 5),
		companyID:  uuid.New(),
		templateID: uuid.New(),
		settings: Settings{
			BatchSize:           3,
			MailFrom:            "news@acme.test",
			SchedulerRetryDelay: 60 * time.Second,
			ThrottleRetryDelay:  30 * time.Second,
			ClaimStaleAfter:     30 * time.Minute,
			FinalizeInterval:    30 * time.Second,
			FinalizeMaxChecks:   5,
		},
	}
	db.companies[f.companyID] = &model.Company{ID: f.companyID, CompanyName: "Acme", WebsiteURL: "https://acme.test"}
	db.templates[f.templateID] = &model.Template{
		ID:          f.templateID,
		Name:        "weekly",
		Subject:     "News from {{company_name}}",
		HTMLContent: "<p>Hi {{subscriber_username}}, {{promo}} at {{company_website}}</p>",
		TextContent: "Hi {{subscriber_username}}",
	}
	return f
}

func (f *fixture) addCampaign(name string, status model.CampaignStatus, dueIn time.Duration) uuid.UUID {
	id := uuid.New()
	due := f.db.now.Add(dueIn)
	tpl := f.templateID
	f.db.campaigns[id] = &model.Campaign{
		ID:           id,
		CompanyID:    f.companyID,
		Name:         name,
		Status:       status,
		TemplateID:   &tpl,
		Constants:    model.StringMap{"promo": "SPRING25"},
		ScheduledFor: &due,
		CreatedAt:    f.db.now,
		UpdatedAt:    f.db.now,
	}
	return id
}

func (f *fixture) addSubscribers(emails ...string) {
	for _, e := range emails {
		f.db.subscribers = append(f.db.subscribers, model.Subscriber{
			ID: uuid.New(), CompanyID: f.companyID, Email: e, Status: model.SubscriberActive,
		})
	}
}

func (f *fixture) scheduler() *Scheduler {
	return NewScheduler(f.sessions, f.publisher, f.tasks, f.settings, logger.Discard())
}

func (f *fixture) orchestrator() *Orchestrator {
	return NewOrchestrator(f.sessions, f.publisher, f.tasks, f.settings, logger.Discard())
}

func (f *fixture) batchSender(s provider.Sender) *BatchSender {
	return NewBatchSender(f.sessions, s, nil, f.settings, logger.Discard())
}

func mustTask(def queue.Definition, payload any) queue.Task {
	t, err := queue.NewTask(def, payload)
	if err != nil {
		panic(err)
	}
	return t
}

func addresses(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "user" + string(rune('a'+i)) + "@example.com"
	}
	return out
}
