package models

// FileInfo is one live source file with its fingerprints.
type FileInfo struct {
	Path        string
	DocID       string
	ContentHash string
	Size        int64
}

// Move pairs a live file with the persisted document that held the same
// bytes at another path.
type Move struct {
	OldPath     string
	NewPath     string
	ContentHash string
	OldDocID    string
	NewDocID    string
	Size        int64
}

// ChangeSet partitions the live file set against persisted documents.
type ChangeSet struct {
	New       []FileInfo
	Moved     []Move
	Deleted   []Document
	Unchanged []FileInfo

	// Restored holds live files whose DocID already exists as INACTIVE.
	Restored []FileInfo

	// Duplicates holds live files whose bytes are already claimed this pass.
	Duplicates []FileInfo

	// Skipped holds paths that could not be fingerprinted.
	Skipped []string
}

// Empty reports whether the change set requires no store mutation.
func (c ChangeSet) Empty() bool {
	return len(c.New) == 0 && len(c.Moved) == 0 && len(c.Deleted) == 0 && len(c.Restored) == 0
}
