package models

import "time"

// Document represents one distinct ingested document, identified by the
// SHA-256 fingerprint of its raw bytes. At most one Document exists per
// content hash; renamed or re-sent copies map onto the same record.
type Document struct {
	ID           string    `json:"id"`
	ContentHash  string    `json:"contentHash"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	MediaType    string    `json:"mediaType"`
	WorkingPath  string    `json:"workingPath"` // current on-disk location; moves from tmp to processed
	CreatedAt    time.Time `json:"createdAt"`
}
