package taskname

const (
	// Event ingestion
	OrderCompleted    = "loyalty:order:completed"
	ReferralConfirmed = "loyalty:referral:confirmed"
	PointsExpire      = "loyalty:points:expire"

	// Notification delivery
	NotificationDeliver = "notification:deliver"

	// Reporting
	HistoryExport = "loyalty:history:export"
)

// Queues
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
