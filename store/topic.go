package store

// TopicStatus is the lifecycle state of a chat thread row.
type TopicStatus string

const (
	TopicActive  TopicStatus = "active"
	TopicClosed  TopicStatus = "closed"
	TopicDeleted TopicStatus = "deleted"
)

// TopicRecord maps a chat thread to its status and owning task so a
// restart does not orphan threads.
type TopicRecord struct {
	ThreadID int64
	Status   TopicStatus
	TaskID   string
}
