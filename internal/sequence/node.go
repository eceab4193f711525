package sequence

// CharNode holds a single character and its replication metadata. Deleted
// nodes stay in the document as tombstones so late-arriving deletes can still
// find their target; Deleted is never reset once set.
type CharNode struct {
	ID      CharID `json:"id"`
	Char    string `json:"char"`
	Deleted bool   `json:"deleted"`
}
