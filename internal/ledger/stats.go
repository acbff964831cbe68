package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
)

// StatsFilter narrows Stats. Zero values match everything.
type StatsFilter struct {
	UserID string
	Type   domain.Channel
	Since  *time.Time
	Until  *time.Time
}

// ChannelStats are the totals and rates for one channel. Rates are
// percentages rounded to two decimals.
type ChannelStats struct {
	Total        int     `json:"total"`
	Accepted     int     `json:"accepted"`
	Delivered    int     `json:"delivered"`
	Opened       int     `json:"opened"`
	Clicked      int     `json:"clicked"`
	Failed       int     `json:"failed"`
	DeliveryRate float64 `json:"delivery_rate"`
	OpenRate     float64 `json:"open_rate,omitempty"`
	ClickRate    float64 `json:"click_rate,omitempty"`
}

// Stats is the ledger summary served to dashboards.
type Stats struct {
	Counts   []domain.StatusCount            `json:"counts"`
	Channels map[domain.Channel]ChannelStats `json:"channels"`
	Daily    []domain.DailyCount             `json:"daily"`
}

// Stats counts records by channel and status, derives rates, and rolls up
// the last 30 days by day.
func (l *Ledger) Stats(ctx context.Context, f StatsFilter) (Stats, error) {
	filter := domain.DeliveryFilter{UserID: f.UserID, Type: f.Type, Since: f.Since, Until: f.Until}

	counts, err := l.store.CountDeliveriesByStatus(ctx, filter)
	if err != nil {
		return Stats{}, fmt.Errorf("counting deliveries: %w", err)
	}

	daily := filter
	rollupStart := l.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -(dailyRollupDays - 1))
	if daily.Since == nil || daily.Since.Before(rollupStart) {
		daily.Since = &rollupStart
	}
	days, err := l.store.DailyDeliveryCounts(ctx, daily)
	if err != nil {
		return Stats{}, fmt.Errorf("rolling up deliveries: %w", err)
	}

	return Stats{
		Counts:   counts,
		Channels: channelStats(counts),
		Daily:    days,
	}, nil
}

func channelStats(counts []domain.StatusCount) map[domain.Channel]ChannelStats {
	out := make(map[domain.Channel]ChannelStats)
	for _, c := range counts {
		cs := out[c.Type]
		cs.Total += c.Count
		if c.Status == domain.StatusFailed {
			cs.Failed += c.Count
		} else {
			cs.Accepted += c.Count
		}
		if impliesDelivery(c.Status) {
			cs.Delivered += c.Count
		}
		if impliesOpen(c.Status) {
			cs.Opened += c.Count
		}
		if c.Status == domain.StatusClicked {
			cs.Clicked += c.Count
		}
		out[c.Type] = cs
	}

	for ch, cs := range out {
		cs.DeliveryRate = percent(cs.Delivered, cs.Accepted)
		if ch == domain.ChannelEmail {
			cs.OpenRate = percent(cs.Opened, cs.Delivered)
			cs.ClickRate = percent(cs.Clicked, cs.Opened)
		}
		out[ch] = cs
	}
	return out
}

func percent(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(d)*10000) / 100
}
