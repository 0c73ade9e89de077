package messaging

import (
	"encoding/json"
	"fmt"
	"log"
)

// ReportEvent is published on <prefix>.report for every recorded report.
type ReportEvent struct {
	ReportedID string `json:"reported_id"`
	ReporterID string `json:"reporter_id"`
	Reason     string `json:"reason"`
	Count      int    `json:"count"` // cumulative reports against ReportedID
	At         int64  `json:"at"`    // unix milliseconds
}

// BanEvent is published on <prefix>.ban whenever the report threshold bans a
// session's address.
type BanEvent struct {
	SessionID string `json:"session_id"`
	Addr      string `json:"addr"`
	Reports   int    `json:"reports"`
	Until     int64  `json:"until"` // unix milliseconds
}

// Publisher is the subset of NATSClient the feed needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber is the subset of NATSClient a feed consumer needs.
type Subscriber interface {
	Subscribe(subject string, handler func(data []byte)) error
}

// ModerationFeed publishes report and ban events under a subject prefix.
type ModerationFeed struct {
	pub    Publisher
	prefix string
}

// NewModerationFeed creates a feed on pub. An empty prefix selects
// DefaultSubjectPrefix.
func NewModerationFeed(pub Publisher, prefix string) *ModerationFeed {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &ModerationFeed{pub: pub, prefix: prefix}
}

// ReportSubject returns the subject report events are published on.
func ReportSubject(prefix string) string { return prefix + ".report" }

// BanSubject returns the subject ban events are published on.
func BanSubject(prefix string) string { return prefix + ".ban" }

// PublishReport emits a report event.
func (f *ModerationFeed) PublishReport(ev ReportEvent) error {
	return f.publish(ReportSubject(f.prefix), ev)
}

// PublishBan emits a ban event.
func (f *ModerationFeed) PublishBan(ev BanEvent) error {
	return f.publish(BanSubject(f.prefix), ev)
}

func (f *ModerationFeed) publish(subject string, ev interface{}) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal %s: %w", subject, err)
	}
	if err := f.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeReports decodes report events from the feed under prefix.
func SubscribeReports(sub Subscriber, prefix string, handler func(ReportEvent)) error {
	return sub.Subscribe(ReportSubject(prefix), func(data []byte) {
		var ev ReportEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[moderation] dropping undecodable report event: %v", err)
			return
		}
		handler(ev)
	})
}

// SubscribeBans decodes ban events from the feed under prefix.
func SubscribeBans(sub Subscriber, prefix string, handler func(BanEvent)) error {
	return sub.Subscribe(BanSubject(prefix), func(data []byte) {
		var ev BanEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[moderation] dropping undecodable ban event: %v", err)
			return
		}
		handler(ev)
	})
}
