package sequence

// OpType discriminates the two sequence operations.
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Op is the flat operation record a document emits for replication and
// accepts from remote replicas. For inserts, AfterID names the predecessor
// character (nil means the document head); deletes carry only the target ID.
type Op struct {
	Type    OpType  `json:"type"`
	ID      CharID  `json:"id"`
	Char    string  `json:"char,omitempty"`
	AfterID *CharID `json:"afterId,omitempty"`
}
