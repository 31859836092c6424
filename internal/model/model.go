// Package model defines the document types stored in the engine's
// collections. JSON field names are camelCase to stay wire-compatible with
// documents written by earlier app versions.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-sortable unique id for a new document.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Task is one task document in the tasks collection.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Done        bool       `json:"done"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Note is one note document in the notes collection.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is one work session. Sessions are stored per-entity because the
// embedded media references make them the largest documents in the store.
type Session struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	StartTime     string         `json:"startTime"`
	EndTime       *string        `json:"endTime,omitempty"`
	Duration      *int64         `json:"duration,omitempty"`
	Category      string         `json:"category,omitempty"`
	Screenshots   []Screenshot   `json:"screenshots,omitempty"`
	AudioSegments []AudioSegment `json:"audioSegments,omitempty"`
	Video         *Video         `json:"video,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	Transcript    string         `json:"transcript,omitempty"`
}

// Screenshot references a captured frame within a session.
type Screenshot struct {
	ID           string   `json:"id"`
	AttachmentID string   `json:"attachmentId"`
	Timestamp    string   `json:"timestamp"`
	RelativeTime *float64 `json:"relativeTime,omitempty"`
}

// AudioSegment references one recorded audio chunk within a session.
type AudioSegment struct {
	ID           string   `json:"id"`
	AttachmentID string   `json:"attachmentId"`
	Timestamp    string   `json:"timestamp"`
	Duration     float64  `json:"duration"`
	StartTime    *float64 `json:"startTime,omitempty"`
}

// Video references a session's full recording.
type Video struct {
	FullVideoAttachmentID string   `json:"fullVideoAttachmentId"`
	Duration              *float64 `json:"duration,omitempty"`
}

// SessionSummary is the list-view projection of a Session. It carries
// counts and presence flags instead of the media arrays themselves.
type SessionSummary struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	StartTime         string  `json:"startTime"`
	EndTime           *string `json:"endTime,omitempty"`
	Duration          *int64  `json:"duration,omitempty"`
	Category          string  `json:"category,omitempty"`
	ScreenshotCount   int     `json:"screenshotCount"`
	AudioSegmentCount int     `json:"audioSegmentCount"`
	HasVideo          bool    `json:"hasVideo"`
	HasNotes          bool    `json:"hasNotes"`
	HasTranscript     bool    `json:"hasTranscript"`
}

// Summary projects a Session into its list-view form.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:                s.ID,
		Name:              s.Name,
		StartTime:         s.StartTime,
		EndTime:           s.EndTime,
		Duration:          s.Duration,
		Category:          s.Category,
		ScreenshotCount:   len(s.Screenshots),
		AudioSegmentCount: len(s.AudioSegments),
		HasVideo:          s.Video != nil,
		HasNotes:          s.Notes != "",
		HasTranscript:     s.Transcript != "",
	}
}

// Settings is the typed view of the reserved settings collection. Unknown
// keys (migration flags among them) are preserved by storing settings as a
// raw key map; this struct only names the fields the app itself reads.
type Settings struct {
	SchemaVersion int    `json:"schemaVersion"`
	Theme         string `json:"theme,omitempty"`
}
