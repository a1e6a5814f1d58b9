package triggers

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/servicebus"
)

// QueueTrigger runs a function for every message added to a storage queue.
type QueueTrigger struct {
	QueueName  string
	Connection string
}

// ServiceBusTrigger runs a function for messages of a queue, or of a topic
// subscription when TopicName and SubscriptionName are set.
type ServiceBusTrigger struct {
	QueueName        string
	TopicName        string
	SubscriptionName string
	Connection       string
}

// EntityPath returns the path of the entity the trigger receives from.
func (a ServiceBusTrigger) EntityPath() (string, error) {
	switch {
	case a.QueueName != "" && a.TopicName == "" && a.SubscriptionName == "":
		return servicebus.QueuePath(a.QueueName), nil
	case a.QueueName == "" && a.TopicName != "" && a.SubscriptionName != "":
		return servicebus.SubscriptionPath(a.TopicName, a.SubscriptionName), nil
	}
	return "", errors.WithHint(
		errors.New("service bus trigger needs either a queue name or a topic and subscription name"),
		"set QueueName, or TopicName together with SubscriptionName",
	)
}

// BlobTrigger runs a function for every new or changed blob matching Path
// ("container/{name}.csv"). Placeholders of the blob name become route
// parameters of the function.
type BlobTrigger struct {
	Path       string
	Connection string
}

// TimerTrigger runs a function on a cron schedule. Schedules take five
// fields, or six with leading seconds, or a descriptor such as "@every 5m".
type TimerTrigger struct {
	Schedule     string
	RunOnStartup bool
}

// ScheduleStatus is the persisted state of a timer.
type ScheduleStatus struct {
	Last        time.Time `json:"last"`
	Next        time.Time `json:"next"`
	LastUpdated time.Time `json:"last_updated"`
}

// TimerInfo is the trigger value of a timer-triggered function.
type TimerInfo struct {
	Schedule       string          `json:"schedule"`
	ScheduleStatus *ScheduleStatus `json:"schedule_status,omitempty"`
	IsPastDue      bool            `json:"is_past_due"`
}
