package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
)

// Check names reported in a Decision.
const (
	CheckOptOut      = "opt_out"
	CheckRateLimit   = "rate_limit"
	CheckPreferences = "user_preferences"
	CheckHours       = "business_hours"
	CheckContent     = "content"
)

// Store is the data the gate reads and writes.
type Store interface {
	LatestOptOut(ctx context.Context, userID string, channels ...domain.Channel) (*domain.OptOut, error)
	InsertOptOut(ctx context.Context, o *domain.OptOut) error
	CountDeliveriesSince(ctx context.Context, userID string, ch domain.Channel, since time.Time) (int, error)
	GetPreference(ctx context.Context, userID string) (*domain.Preference, error)
	FindContactByPhone(ctx context.Context, phone string) (*domain.Contact, error)
}

// Options configures a Gate.
type Options struct {
	// Bypass allows every send. Demo environments only.
	Bypass   bool
	Location *time.Location
	Now      func() time.Time
}

// Check is a rendered notification awaiting a compliance decision.
type Check struct {
	Notification domain.Notification
	Message      domain.RenderedMessage
}

// CheckResult is the outcome of one rule.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// Decision aggregates every rule. Allowed is true only if all rules passed.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Reason  string        `json:"reason,omitempty"`
	Checks  []CheckResult `json:"checks"`
}

// Gate decides whether a notification may be sent.
type Gate struct {
	store  Store
	logger *slog.Logger
	bypass bool
	loc    *time.Location
	now    func() time.Time
}

func NewGate(store Store, logger *slog.Logger, opts Options) *Gate {
	g := &Gate{
		store:  store,
		logger: logger,
		bypass: opts.Bypass,
		loc:    opts.Location,
		now:    opts.Now,
	}
	if g.loc == nil {
		g.loc = time.UTC
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Evaluate runs every rule and returns the combined decision. Store errors
// fail the affected rule rather than the whole evaluation.
func (g *Gate) Evaluate(ctx context.Context, c Check) (Decision, error) {
	if g.bypass {
		return Decision{Allowed: true, Reason: "compliance bypassed"}, nil
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	n := c.Notification
	checks := []CheckResult{
		g.checkOptOut(ctx, n),
		g.checkRateLimit(ctx, n),
		g.checkPreferences(ctx, n),
		g.checkBusinessHours(n),
		checkContent(n, c.Message),
	}

	d := Decision{Allowed: true, Checks: checks}
	var reasons []string
	for _, r := range checks {
		if !r.Passed {
			d.Allowed = false
			reasons = append(reasons, r.Reason)
		}
	}
	d.Reason = strings.Join(reasons, "; ")

	if !d.Allowed {
		g.logger.Info("notification blocked by compliance",
			"user_id", n.UserID,
			"type", n.Type,
			"template", n.Template,
			"reason", d.Reason,
		)
	}

	return d, nil
}

func pass(name string) CheckResult {
	return CheckResult{Name: name, Passed: true}
}

func fail(name, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Passed: false, Reason: fmt.Sprintf(format, args...)}
}

func (g *Gate) checkOptOut(ctx context.Context, n domain.Notification) CheckResult {
	if n.UserID == "" {
		return pass(CheckOptOut)
	}

	latest, err := g.store.LatestOptOut(ctx, n.UserID, n.Type, domain.ChannelAll)
	if err != nil {
		g.logger.Error("opt-out lookup failed", "error", err, "user_id", n.UserID)
		return fail(CheckOptOut, "opt-out status unavailable")
	}
	if latest.Active() {
		return fail(CheckOptOut, "user opted out of %s notifications", latest.Type)
	}
	return pass(CheckOptOut)
}

func (g *Gate) checkRateLimit(ctx context.Context, n domain.Notification) CheckResult {
	if n.UserID == "" {
		return pass(CheckRateLimit)
	}

	limit := LimitFor(n.Type, n.Template)
	now := g.now()

	hourly, err := g.store.CountDeliveriesSince(ctx, n.UserID, n.Type, now.Add(-time.Hour))
	if err != nil {
		g.logger.Error("rate limit lookup failed", "error", err, "user_id", n.UserID)
		return fail(CheckRateLimit, "rate limit status unavailable")
	}
	if hourly >= limit.Hourly {
		return fail(CheckRateLimit, "hourly %s limit of %d reached", n.Type, limit.Hourly)
	}

	daily, err := g.store.CountDeliveriesSince(ctx, n.UserID, n.Type, now.Add(-24*time.Hour))
	if err != nil {
		g.logger.Error("rate limit lookup failed", "error", err, "user_id", n.UserID)
		return fail(CheckRateLimit, "rate limit status unavailable")
	}
	if daily >= limit.Daily {
		return fail(CheckRateLimit, "daily %s limit of %d reached", n.Type, limit.Daily)
	}

	return pass(CheckRateLimit)
}

func (g *Gate) checkPreferences(ctx context.Context, n domain.Notification) CheckResult {
	if n.UserID == "" {
		return pass(CheckPreferences)
	}

	pref, err := g.store.GetPreference(ctx, n.UserID)
	if err != nil {
		g.logger.Error("preference lookup failed", "error", err, "user_id", n.UserID)
		return fail(CheckPreferences, "user preferences unavailable")
	}
	if pref == nil {
		return pass(CheckPreferences)
	}
	if !pref.Enabled(n.Type) {
		return fail(CheckPreferences, "user disabled %s notifications", n.Type)
	}
	if !pref.Allows(n.Template) {
		return fail(CheckPreferences, "user does not accept %s notifications", n.Template)
	}
	return pass(CheckPreferences)
}

func (g *Gate) checkBusinessHours(n domain.Notification) CheckResult {
	if urgentTemplates[n.Template] {
		return pass(CheckHours)
	}

	hour := g.now().In(g.loc).Hour()

	switch n.Type {
	case domain.ChannelSMS:
		if hour < smsStartHour || hour >= smsEndHour {
			return fail(CheckHours, "sms outside business hours (%02d:00-%02d:00)", smsStartHour, smsEndHour)
		}
	case domain.ChannelEmail:
		if marketingTemplates[n.Template] && (hour < emailStartHour || hour >= emailEndHour) {
			return fail(CheckHours, "marketing email outside business hours (%02d:00-%02d:00)", emailStartHour, emailEndHour)
		}
	}
	return pass(CheckHours)
}

func checkContent(n domain.Notification, msg domain.RenderedMessage) CheckResult {
	var problems []string

	switch n.Type {
	case domain.ChannelEmail:
		if dataString(n.Data, "unsubscribeUrl") == "" {
			problems = append(problems, "email is missing an unsubscribe link")
		}
		if dataString(n.Data, "companyName") == "" || dataString(n.Data, "companyAddress") == "" {
			problems = append(problems, "email is missing sender identification")
		}
		if len([]rune(msg.Subject)) > maxSubjectLength {
			problems = append(problems, fmt.Sprintf("subject exceeds %d characters", maxSubjectLength))
		}
	case domain.ChannelSMS:
		lower := strings.ToLower(msg.Text)
		if !strings.Contains(lower, "stop") && !strings.Contains(lower, "opt out") {
			problems = append(problems, "sms is missing opt-out instructions")
		}
		if len([]rune(msg.Text)) > maxSMSLength {
			problems = append(problems, fmt.Sprintf("sms exceeds %d characters", maxSMSLength))
		}
	}

	if len(problems) > 0 {
		return CheckResult{Name: CheckContent, Reason: strings.Join(problems, ", ")}
	}
	return pass(CheckContent)
}

func dataString(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
