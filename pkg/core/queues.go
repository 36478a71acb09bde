package core

// Queue names. Each queue routes failed deliveries to QueueName + DeadLetterSuffix.
const (
	QueueBulkCollection    = "collection.bulk"
	QueueDailyCollection   = "collection.daily"
	QueueHeavyVerification = "verification.heavy"
	QueueLightVerification = "verification.light"

	DeadLetterSuffix = ".dlq"
)

// AllQueues lists every work queue.
var AllQueues = []string{
	QueueBulkCollection,
	QueueDailyCollection,
	QueueHeavyVerification,
	QueueLightVerification,
}

// DeadLetterQueue returns the dead-letter queue for queue.
func DeadLetterQueue(queue string) string {
	return queue + DeadLetterSuffix
}

// QueueForJobType maps a collection job type to the queue that consumes it.
func QueueForJobType(t JobType) string {
	if t == JobTypeDaily {
		return QueueDailyCollection
	}
	return QueueBulkCollection
}

// QueueForVerificationType maps a verification type to the queue that consumes it.
func QueueForVerificationType(t VerificationType) string {
	if t == VerificationDailyUpdate {
		return QueueLightVerification
	}
	return QueueHeavyVerification
}

// CollectionMessage is the payload for one collection sub-task.
type CollectionMessage struct {
	JobID     string `json:"job_id"`
	TaskKey   string `json:"task_key"`
	StockCode string `json:"stock_code"`
}

// VerificationMessage is the payload for one verification job.
type VerificationMessage struct {
	VJobID    string           `json:"v_job_id"`
	StockCode string           `json:"stock_code"`
	VType     VerificationType `json:"v_type"`
}
