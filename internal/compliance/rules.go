package compliance

import (
	"github.com/Priya8975/hoa-notifier/internal/domain"
)

// Limit is the maximum number of sends per user and channel in a window.
type Limit struct {
	Hourly int `json:"hourly"`
	Daily  int `json:"daily"`
}

// templateLimits override the channel defaults for specific templates.
var templateLimits = map[string]Limit{
	"emergency_alert":        {Hourly: 20, Daily: 100},
	"security_notification":  {Hourly: 15, Daily: 75},
	"community_announcement": {Hourly: 2, Daily: 5},
	"newsletter":             {Hourly: 1, Daily: 2},
	"request_notification":   {Hourly: 8, Daily: 30},
	"board_notification":     {Hourly: 6, Daily: 25},
	"form_reminder":          {Hourly: 3, Daily: 10},
}

var channelLimits = map[domain.Channel]Limit{
	domain.ChannelEmail: {Hourly: 10, Daily: 50},
	domain.ChannelSMS:   {Hourly: 5, Daily: 20},
}

var defaultLimit = Limit{Hourly: 5, Daily: 20}

// LimitFor resolves the rate limit for a template on a channel.
func LimitFor(ch domain.Channel, template string) Limit {
	if l, ok := templateLimits[template]; ok {
		return l
	}
	if l, ok := channelLimits[ch]; ok {
		return l
	}
	return defaultLimit
}

// urgentTemplates ignore quiet hours.
var urgentTemplates = map[string]bool{
	"emergency_alert":       true,
	"security_notification": true,
}

// marketingTemplates are the only emails subject to quiet hours.
var marketingTemplates = map[string]bool{
	"community_announcement": true,
	"newsletter":             true,
}

// Business hours as [start, end) local hours.
const (
	smsStartHour   = 9
	smsEndHour     = 18
	emailStartHour = 8
	emailEndHour   = 20
)

// Content limits.
const (
	maxSubjectLength = 78
	maxSMSLength     = 160
)
