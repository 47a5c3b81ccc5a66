package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opensource-finance/loanwatch/internal/bus"
	"github.com/opensource-finance/loanwatch/internal/cache"
	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/errorrate"
	"github.com/opensource-finance/loanwatch/internal/store"
)

var now = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

// fakeAPI records the effects escalation actions have on the host.
type fakeAPI struct {
	mu sync.Mutex

	loans     map[string]*domain.Loan
	failTypes map[string]bool
	extendErr error

	notifications []*domain.Notification
	extensions    map[string]domain.Extension
	cancels       []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		loans:      make(map[string]*domain.Loan),
		failTypes:  make(map[string]bool),
		extensions: make(map[string]domain.Extension),
	}
}

func (f *fakeAPI) GetLoan(ctx context.Context, id string) (*domain.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.loans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return l, nil
}

func (f *fakeAPI) ListLoans(ctx context.Context) ([]*domain.Loan, error)  { return nil, nil }
func (f *fakeAPI) CreateLoan(ctx context.Context, loan *domain.Loan) error { return nil }
func (f *fakeAPI) UpdateLoan(ctx context.Context, id string, u *domain.LoanUpdate) error {
	return nil
}

func (f *fakeAPI) CancelLoan(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeAPI) ExtendLoan(ctx context.Context, id string, ext domain.Extension) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extendErr != nil {
		return f.extendErr
	}
	f.extensions[id] = ext
	return nil
}

func (f *fakeAPI) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeAPI) ListUsers(ctx context.Context) ([]*domain.User, error) { return nil, nil }
func (f *fakeAPI) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeAPI) ListDocuments(ctx context.Context) ([]*domain.Document, error) { return nil, nil }
func (f *fakeAPI) GetUserLoans(ctx context.Context, id string) ([]*domain.Loan, error) {
	return nil, nil
}
func (f *fakeAPI) GetUserActivity(ctx context.Context, id string, limit int) (*domain.UserActivity, error) {
	return nil, nil
}

func (f *fakeAPI) SendNotification(ctx context.Context, n *domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTypes[n.Type] {
		return errors.New("smtp unavailable")
	}
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeAPI) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.notifications {
		out = append(out, n.Recipient)
	}
	return out
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
}

func (a *fakeAudit) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

type fixture struct {
	api       *fakeAPI
	audit     *fakeAudit
	clock     *clockwork.FakeClock
	reminders *cache.LRUCache
	engine    *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		api:   newFakeAPI(),
		audit: &fakeAudit{},
		clock: clockwork.NewFakeClockAt(now),
	}
	f.reminders = cache.NewLRUCacheWithClock(100, f.clock)

	base := []Option{
		WithClock(f.clock),
		WithReminderCounters(f.reminders),
		WithAuditSink(f.audit),
	}
	engine, err := NewEngine(f.api, store.NewMemoryEscalations(100), domain.DefaultEscalationConfig(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	f.engine = engine
	return f
}

func (f *fixture) overdueLoan(id string, days int) {
	f.api.loans[id] = &domain.Loan{
		ID:         id,
		BorrowerID: "user-1",
		DocumentID: "doc-1",
		Status:     domain.LoanStatusOverdue,
		LoanDate:   now.AddDate(0, 0, -days-14),
		ReturnDate: now.AddDate(0, 0, -days),
	}
}

func TestOverdueTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("SevereOverdueReachesManagement", func(t *testing.T) {
		f := newFixture(t)
		f.overdueLoan("loan-1", 40)
		vars := map[string]any{"loanId": "loan-1"}

		out, err := f.engine.Trigger(ctx, domain.TriggerLoanOverdue, vars)
		if err != nil {
			t.Fatalf("Trigger failed: %v", err)
		}
		if !out.Escalated {
			t.Fatalf("expected escalation, reason: %s", out.Reason)
		}

		esc := out.Escalation
		if esc.Level != 3 || esc.LevelName != "Management level" {
			t.Errorf("expected level 3, got %d (%s)", esc.Level, esc.LevelName)
		}
		want := []string{"notify", "force_close", "audit_trail"}
		if !slices.Equal(esc.Actions, want) {
			t.Errorf("expected actions %v, got %v", want, esc.Actions)
		}
		if esc.NextEscalationAt != nil {
			t.Error("final level must not schedule a next escalation")
		}
		if !strings.HasPrefix(esc.ID, "ESC-") {
			t.Errorf("unexpected id %s", esc.ID)
		}
		if vars["daysOverdue"] != 40 || vars["remindersSent"] != 0 {
			t.Errorf("expected derived variables, got %v", vars)
		}
		if !slices.Equal(f.api.cancels, []string{"loan-1"}) {
			t.Errorf("expected loan to be force closed, got %v", f.api.cancels)
		}
		if len(f.audit.entries) != 1 || f.audit.entries[0].EscalationID != esc.ID {
			t.Fatalf("expected one audit entry, got %+v", f.audit.entries)
		}
		if got := f.audit.entries[0].Actions; !slices.Equal(got, []string{"notify", "force_close"}) {
			t.Errorf("audit entry should list prior actions, got %v", got)
		}
	})

	t.Run("FirstLevelSchedulesNext", func(t *testing.T) {
		f := newFixture(t)
		f.overdueLoan("loan-2", 10)

		out, err := f.engine.Trigger(ctx, domain.TriggerLoanOverdue, map[string]any{"loanId": "loan-2"})
		if err != nil {
			t.Fatalf("Trigger failed: %v", err)
		}
		esc := out.Escalation
		if esc.Level != 1 || !slices.Equal(esc.Actions, []string{"notify", "remind"}) {
			t.Errorf("unexpected level %d actions %v", esc.Level, esc.Actions)
		}
		if esc.NextEscalationAt == nil || !esc.NextEscalationAt.Equal(now.Add(48*time.Hour)) {
			t.Errorf("expected next escalation at now+48h, got %v", esc.NextEscalationAt)
		}
		if n, _ := f.reminders.GetCounter(ctx, "reminders:loan-2"); n != 1 {
			t.Errorf("expected one reminder counted, got %d", n)
		}
		if !slices.Equal(f.api.recipients(), []string{"supervisor", "supervisor"}) {
			t.Errorf("unexpected recipients %v", f.api.recipients())
		}
	})

	t.Run("BelowThreshold", func(t *testing.T) {
		f := newFixture(t)
		f.overdueLoan("loan-3", 3)

		out, err := f.engine.Trigger(ctx, domain.TriggerLoanOverdue, map[string]any{"loanId": "loan-3"})
		if err != nil {
			t.Fatalf("Trigger failed: %v", err)
		}
		if out.Escalated || out.Escalation != nil {
			t.Error("3 days overdue must not escalate")
		}
	})

	t.Run("ReminderCapReached", func(t *testing.T) {
		f := newFixture(t)
		f.overdueLoan("loan-4", 10)
		for range 3 {
			f.reminders.IncrementCounter(ctx, "reminders:loan-4", 0)
		}

		out, err := f.engine.Trigger(ctx, domain.TriggerLoanOverdue, map[string]any{"loanId": "loan-4"})
		if err != nil {
			t.Fatalf("Trigger failed: %v", err)
		}
		if out.Escalated {
			t.Error("expected no escalation once the reminder cap is reached")
		}
	})

	t.Run("LoanFromVariables", func(t *testing.T) {
		f := newFixture(t)
		loan := &domain.Loan{ID: "inline", BorrowerID: "u", DocumentID: "d", ReturnDate: now.AddDate(0, 0, -20)}

		out, err := f.engine.Trigger(ctx, domain.TriggerLoanOverdue, map[string]any{"loan": loan})
		if err != nil {
			t.Fatalf("Trigger failed: %v", err)
		}
		if out.Escalation == nil || out.Escalation.Level != 2 || out.Escalation.LoanID() != "inline" {
			t.Fatalf("expected level 2 escalation for inline loan, got %+v", out.Escalation)
		}
		if _, ok := f.api.extensions["inline"]; !ok {
			t.Error("expected auto extension at level 2")
		}
	})

	t.Run("LoanMapFromVariables", func(t *testing.T) {
		tests := map[string]struct {
			returnDate string
			wantDays   int
		}{
			"Timestamp": {now.AddDate(0, 0, -20).Format(time.RFC3339), 20},
			"DateOnly":  {now.AddDate(0, 0, -20).Format("2006-01-02"), 21},
		}
		for name, tt := range tests {
			t.Run(name, func(t *testing.T) {
				f := newFixture(t)
				vars := map[string]any{
					"loan": map[string]any{"id": "L9", "returnDate": tt.returnDate},
				}

				out, err := f.engine.Trigger(ctx, domain.TriggerLoanOverdue, vars)
				if err != nil {
					t.Fatalf("Trigger failed: %v", err)
				}
				if !out.Escalated || out.Escalation.LoanID() != "L9" {
					t.Fatalf("expected escalation for L9, reason: %s", out.Reason)
				}
				if out.Escalation.Level != 2 {
					t.Errorf("expected level 2, got %d", out.Escalation.Level)
				}
				if vars["daysOverdue"] != tt.wantDays || vars["loanId"] != "L9" {
					t.Errorf("unexpected derived variables %v", vars)
				}
			})
		}
	})

	t.Run("LoanMapWithoutReturnDate", func(t *testing.T) {
		f := newFixture(t)
		f.overdueLoan("loan-5", 20)

		out, err := f.engine.Trigger(ctx, domain.TriggerLoanOverdue, map[string]any{
			"loan": map[string]any{"id": "loan-5", "borrowerId": "user-1"},
		})
		if err != nil {
			t.Fatalf("Trigger failed: %v", err)
		}
		if !out.Escalated || out.Escalation.LoanID() != "loan-5" {
			t.Fatalf("expected the host loan to be looked up, reason: %s", out.Reason)
		}
	})

	t.Run("UnknownLoan", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.engine.Trigger(ctx, domain.TriggerLoanOverdue, map[string]any{"loanId": "ghost"}); err == nil {
			t.Error("expected error for unknown loan")
		}
	})
}

func TestActionFailuresDoNotAbort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.failTypes["escalation"] = true
	f.api.extendErr = errors.New("loan locked")
	f.overdueLoan("loan-1", 20)

	out, err := f.engine.Trigger(ctx, domain.TriggerLoanOverdue, map[string]any{"loanId": "loan-1"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	want := []string{"error_notify", "assign", "error_auto_extension"}
	if !slices.Equal(out.Escalation.Actions, want) {
		t.Errorf("expected %v, got %v", want, out.Escalation.Actions)
	}
	if out.Escalation.AssignedTo != "manager" {
		t.Errorf("expected assignment to manager, got %q", out.Escalation.AssignedTo)
	}
}

func TestMissingAuditSink(t *testing.T) {
	f := newFixture(t, WithAuditSink(nil))
	f.overdueLoan("loan-1", 45)

	out, err := f.engine.Trigger(context.Background(), domain.TriggerLoanOverdue, map[string]any{"loanId": "loan-1"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if !slices.Contains(out.Escalation.Actions, "error_audit_trail") {
		t.Errorf("expected error_audit_trail, got %v", out.Escalation.Actions)
	}
}

func TestOtherTriggers(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		trigger   string
		vars      map[string]any
		escalated bool
		level     int
	}{
		{"ApprovalFailed", domain.TriggerApprovalFailed, map[string]any{"failureCount": 3}, true, 1},
		{"ApprovalFailedBelow", domain.TriggerApprovalFailed, map[string]any{"failureCount": "2"}, false, 0},
		{"SystemErrorHigh", domain.TriggerSystemError, map[string]any{"errorRate": 60.0}, true, 3},
		{"SystemErrorMedium", domain.TriggerSystemError, map[string]any{"errorRate": 30}, true, 2},
		{"SystemErrorLow", domain.TriggerSystemError, map[string]any{"errorRate": 5.0}, false, 0},
		{"ComplaintCritical", domain.TriggerUserComplaint, map[string]any{"severity": "critical"}, true, 3},
		{"ComplaintHigh", domain.TriggerUserComplaint, map[string]any{"severity": "high"}, true, 2},
		{"ComplaintLow", domain.TriggerUserComplaint, map[string]any{"severity": "low"}, false, 0},
		{"SlowResponse", domain.TriggerPerformanceIssue, map[string]any{"responseTime": "36h"}, true, 1},
		{"SlowResponseMillis", domain.TriggerPerformanceIssue, map[string]any{"responseTime": 90000000.0}, true, 1},
		{"ManyUsers", domain.TriggerPerformanceIssue, map[string]any{"affectedUsers": 11}, true, 1},
		{"Healthy", domain.TriggerPerformanceIssue, map[string]any{"affectedUsers": 10}, false, 0},
		{"Unknown", "cosmic_rays", map[string]any{}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			out, err := f.engine.Trigger(ctx, tt.trigger, tt.vars)
			if err != nil {
				t.Fatalf("Trigger failed: %v", err)
			}
			if out.Escalated != tt.escalated {
				t.Fatalf("escalated = %v, want %v (%s)", out.Escalated, tt.escalated, out.Reason)
			}
			if tt.escalated && out.Escalation.Level != tt.level {
				t.Errorf("level = %d, want %d", out.Escalation.Level, tt.level)
			}
		})
	}

	t.Run("UnknownReason", func(t *testing.T) {
		f := newFixture(t)
		out, _ := f.engine.Trigger(ctx, "cosmic_rays", nil)
		if out.Reason != "unsupported trigger: cosmic_rays" {
			t.Errorf("unexpected reason %q", out.Reason)
		}
	})
}

func TestSystemErrorFromErrorRates(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(now)
	rates := errorrate.NewService(cache.NewLRUCacheWithClock(100, clock), time.Hour)

	for i := range 4 {
		rates.Record(ctx, errorrate.TaskScope, i < 3)
	}

	f := newFixture(t, WithErrorRates(rates))
	vars := map[string]any{}
	out, err := f.engine.Trigger(ctx, domain.TriggerSystemError, vars)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if !out.Escalated || out.Escalation.Level != 3 {
		t.Fatalf("expected level 3 escalation at 75%% errors, got %+v", out)
	}
	if vars["errorRate"] != 75.0 {
		t.Errorf("expected errorRate written back, got %v", vars["errorRate"])
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.overdueLoan("loan-1", 10)

	out, err := f.engine.Trigger(ctx, domain.TriggerLoanOverdue, map[string]any{"loanId": "loan-1"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	id := out.Escalation.ID

	t.Run("Due", func(t *testing.T) {
		due, _ := f.engine.Due(ctx, f.clock.Now())
		if len(due) != 0 {
			t.Errorf("nothing should be due yet, got %d", len(due))
		}
		f.clock.Advance(49 * time.Hour)
		due, _ = f.engine.Due(ctx, f.clock.Now())
		if len(due) != 1 || due[0].ID != id {
			t.Errorf("expected escalation to be due, got %v", due)
		}
	})

	t.Run("Advance", func(t *testing.T) {
		esc, err := f.engine.Advance(ctx, id)
		if err != nil {
			t.Fatalf("Advance failed: %v", err)
		}
		if esc.Level != 2 {
			t.Errorf("expected level 2, got %d", esc.Level)
		}
		want := []string{"notify", "remind", "notify", "assign", "auto_extension"}
		if !slices.Equal(esc.Actions, want) {
			t.Errorf("expected %v, got %v", want, esc.Actions)
		}
		if ext := f.api.extensions["loan-1"]; ext.Days != 7 {
			t.Errorf("expected 7 day extension, got %+v", ext)
		}

		esc, err = f.engine.Advance(ctx, id)
		if err != nil || esc.Level != 3 || esc.NextEscalationAt != nil {
			t.Fatalf("expected final level, got %+v: %v", esc, err)
		}
		if _, err := f.engine.Advance(ctx, id); !errors.Is(err, ErrFinalLevel) {
			t.Errorf("expected ErrFinalLevel, got %v", err)
		}
	})

	t.Run("Acknowledge", func(t *testing.T) {
		esc, err := f.engine.Acknowledge(ctx, id, "director", "looking into it")
		if err != nil {
			t.Fatalf("Acknowledge failed: %v", err)
		}
		if len(esc.Acknowledgments) != 1 || esc.Acknowledgments[0].By != "director" {
			t.Errorf("unexpected acknowledgments %+v", esc.Acknowledgments)
		}
	})

	t.Run("Resolve", func(t *testing.T) {
		esc, err := f.engine.Resolve(ctx, id, "item returned")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if esc.Status != domain.EscalationResolved || esc.ResolvedAt == nil || *esc.Resolution != "item returned" {
			t.Errorf("unexpected resolved escalation %+v", esc)
		}

		active, _ := f.engine.Active(ctx)
		if len(active) != 0 {
			t.Errorf("resolved escalation must leave the active set, got %d", len(active))
		}
		history, _ := f.engine.History(ctx, domain.EscalationFilter{Status: domain.EscalationResolved})
		if len(history) != 1 || history[0].ID != id {
			t.Errorf("expected resolved escalation in history, got %v", history)
		}

		if _, err := f.engine.Resolve(ctx, id, "again"); !errors.Is(err, ErrResolved) {
			t.Errorf("expected ErrResolved, got %v", err)
		}
		if _, err := f.engine.Advance(ctx, id); !errors.Is(err, ErrResolved) {
			t.Errorf("expected ErrResolved on advance, got %v", err)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		if _, err := f.engine.Resolve(ctx, "ESC-missing", "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestHistoryFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.engine.Trigger(ctx, domain.TriggerUserComplaint, map[string]any{"severity": "high"})
	f.engine.Trigger(ctx, domain.TriggerUserComplaint, map[string]any{"severity": "critical"})
	f.engine.Trigger(ctx, domain.TriggerApprovalFailed, map[string]any{"failureCount": 5})

	complaints, _ := f.engine.History(ctx, domain.EscalationFilter{Trigger: domain.TriggerUserComplaint})
	if len(complaints) != 2 {
		t.Errorf("expected 2 complaints, got %d", len(complaints))
	}
	level3, _ := f.engine.History(ctx, domain.EscalationFilter{Level: 3})
	if len(level3) != 1 || level3[0].Trigger != domain.TriggerUserComplaint {
		t.Errorf("expected one level 3 complaint, got %v", level3)
	}
}

func TestTask(t *testing.T) {
	ctx := context.Background()

	t.Run("TriggeredEscalation", func(t *testing.T) {
		f := newFixture(t)
		f.overdueLoan("loan-1", 40)
		tc := &domain.TaskContext{
			Task:      domain.TaskDescriptor{ID: "t1", Type: domain.TaskTypeEscalation, Params: map[string]any{"trigger": "loan_overdue"}},
			Variables: map[string]any{"loanId": "loan-1"},
		}

		res := NewTask(f.engine).Execute(ctx, tc)
		if res.Status != domain.TaskStatusCompleted {
			t.Fatalf("expected completed, got %s: %s", res.Status, res.Error)
		}
		if !res.Escalation.Escalated || tc.Variables["escalationLevel"] != 3 {
			t.Errorf("unexpected outcome %+v vars %v", res.Escalation, tc.Variables)
		}
	})

	t.Run("CustomEscalation", func(t *testing.T) {
		f := newFixture(t)
		tc := &domain.TaskContext{
			Task: domain.TaskDescriptor{ID: "t2", Params: map[string]any{
				"customEscalation": true,
				"target":           "printer-7",
				"reason":           "paper jam for a week",
				"priority":         "high",
				"escalationData":   map[string]any{"level": 2},
			}},
		}

		res := NewTask(f.engine).Execute(ctx, tc)
		if res.Status != domain.TaskStatusCompleted {
			t.Fatalf("expected completed, got %s: %s", res.Status, res.Error)
		}
		esc := res.Escalation.Escalation
		if esc.Trigger != domain.TriggerCustom || esc.Level != 2 || esc.Priority != "high" {
			t.Errorf("unexpected custom escalation %+v", esc)
		}
		if !slices.Equal(esc.Actions, []string{"notify"}) {
			t.Errorf("expected a single notify, got %v", esc.Actions)
		}
		if !slices.Equal(f.api.recipients(), []string{"manager"}) {
			t.Errorf("expected manager notified, got %v", f.api.recipients())
		}
	})

	t.Run("MissingTrigger", func(t *testing.T) {
		f := newFixture(t)
		res := NewTask(f.engine).Execute(ctx, &domain.TaskContext{Task: domain.TaskDescriptor{ID: "t3"}})
		if res.Status != domain.TaskStatusFailed || !strings.Contains(res.Error, "trigger is required") {
			t.Errorf("expected validation failure, got %s: %s", res.Status, res.Error)
		}
	})

	t.Run("CustomWithoutTarget", func(t *testing.T) {
		f := newFixture(t)
		res := NewTask(f.engine).Execute(ctx, &domain.TaskContext{
			Task: domain.TaskDescriptor{ID: "t4", Params: map[string]any{"customEscalation": true, "reason": "x"}},
		})
		if res.Status != domain.TaskStatusFailed || !strings.Contains(res.Error, "target is required") {
			t.Errorf("expected validation failure, got %s: %s", res.Status, res.Error)
		}
	})
}

func TestPublishesLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	events := make(chan string, 4)
	for _, topic := range []string{domain.TopicEscalationCreated, domain.TopicEscalationResolved} {
		eventBus.Subscribe(ctx, topic, func(ctx context.Context, msg *domain.Message) ([]byte, error) {
			var esc domain.Escalation
			if err := json.Unmarshal(msg.Payload, &esc); err != nil {
				return nil, err
			}
			events <- msg.Topic + ":" + string(esc.Status)
			return nil, nil
		})
	}

	f := newFixture(t, WithEventBus(eventBus))
	out, _ := f.engine.Trigger(ctx, domain.TriggerUserComplaint, map[string]any{"severity": "high"})
	f.engine.Resolve(ctx, out.Escalation.ID, "apologised")

	want := map[string]bool{
		domain.TopicEscalationCreated + ":active":    true,
		domain.TopicEscalationResolved + ":resolved": true,
	}
	for range want {
		select {
		case got := <-events:
			if !want[got] {
				t.Errorf("unexpected event %s", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for escalation events")
		}
	}
}

func TestParseConfig(t *testing.T) {
	t.Run("LevelsWithAliases", func(t *testing.T) {
		cfg, err := ParseConfig(strings.NewReader(`
levels:
  - level: 1
    name: Desk
    timeout: 2h
    recipients: [desk]
    actions: [notification, reminder]
  - level: 2
    name: Head
    timeout: 4h
    recipients: [head]
    actions: [assignment, force_action]
thresholds:
  overdueDays: 3
`))
		if err != nil {
			t.Fatalf("ParseConfig failed: %v", err)
		}
		if len(cfg.Levels) != 2 || cfg.Levels[1].Timeout != 4*time.Hour {
			t.Errorf("unexpected levels %+v", cfg.Levels)
		}
		if cfg.Thresholds.OverdueDays != 3 || cfg.Thresholds.MaxReminders != 3 {
			t.Errorf("thresholds should overlay defaults, got %+v", cfg.Thresholds)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		cfg, err := ParseConfig(strings.NewReader(""))
		if err != nil || len(cfg.Levels) != 3 {
			t.Errorf("empty input should keep defaults, got %d levels: %v", len(cfg.Levels), err)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		inputs := map[string]string{
			"UnknownAction":  "levels:\n  - {level: 1, name: a, actions: [teleport]}\n",
			"DuplicateLevel": "levels:\n  - {level: 1, name: a}\n  - {level: 1, name: b}\n",
			"ZeroLevel":      "levels:\n  - {level: 0, name: a}\n",
		}
		for name, input := range inputs {
			if _, err := ParseConfig(strings.NewReader(input)); err == nil {
				t.Errorf("%s: expected error", name)
			}
		}
	})
}
