package domain

// Job status constants
const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
)

// HeaderDeliveryCount is the quorum-queue header RabbitMQ increments on each
// redelivery. Absent on the first delivery.
const HeaderDeliveryCount = "x-delivery-count"
