package models

import "strings"

// DocumentMetadata is the structured classification result produced by the
// language model. Field names follow the classification schema; the German
// field names are part of the wire contract with downstream consumers.
type DocumentMetadata struct {
	Filename                string   `json:"filename"`
	Empfaenger              string   `json:"empfaenger"`
	Absender                string   `json:"absender"`
	Correspondent           string   `json:"correspondent"`
	Kommunikationsart       string   `json:"kommunikationsart"`
	Kommunikationskategorie string   `json:"kommunikationskategorie"`
	DocumentType            string   `json:"document_type"`
	Tags                    []string `json:"tags"`
	Language                string   `json:"language"`
	Title                   string   `json:"title"`
	ConfidenceScore         float64  `json:"confidence_score"`
	ReferenceNumber         string   `json:"reference_number"`
	MonetaryAmounts         []string `json:"monetary_amounts"`
}

// Keywords returns the tag list joined for the PDF keywords slot.
func (m *DocumentMetadata) Keywords() string {
	return strings.Join(m.Tags, ", ")
}

// AuthorOrUnknown returns the sender with the schema's "Unknown" fallback.
func (m *DocumentMetadata) AuthorOrUnknown() string {
	if m.Absender == "" {
		return "Unknown"
	}
	return m.Absender
}

// SubjectOrUnknown returns the document type with the schema's fallback.
func (m *DocumentMetadata) SubjectOrUnknown() string {
	if m.DocumentType == "" {
		return "Unknown"
	}
	return m.DocumentType
}
