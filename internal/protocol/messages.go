package protocol

import "time"

// ChapterStatus reports the outcome of one chapter within a generate run.
type ChapterStatus struct {
	RunID        string    `json:"run_id"`
	Chapter      string    `json:"chapter"`
	Output       string    `json:"output,omitempty"`
	Status       string    `json:"status"` // generated, skipped, failed
	Chunks       int       `json:"chunks,omitempty"`
	FailedChunks []int     `json:"failed_chunks,omitempty"`
	Bytes        int64     `json:"bytes,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// RunSummary is published once after the manifest has been written.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Attempted int       `json:"attempted"`
	Produced  int       `json:"produced"`
	Failed    []string  `json:"failed,omitempty"`
	Manifest  string    `json:"manifest"`
	Duration  float64   `json:"duration_seconds"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectChapterSuffix = "chapter"
	SubjectRunDone       = "run.done"
)

// ChapterSubject builds <prefix>.chapter.<status>.
func ChapterSubject(prefix, status string) string {
	return prefix + "." + SubjectChapterSuffix + "." + status
}

// RunDoneSubject builds <prefix>.run.done.
func RunDoneSubject(prefix string) string {
	return prefix + "." + SubjectRunDone
}
