package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/docuflow/backend/internal/models"
)

// ErrNoStructuredData is returned when the model reply contains no JSON
// object at all.
var ErrNoStructuredData = errors.New("llm: no JSON object in model response")

const classifySystemPrompt = "You are an intelligent document classifier."

const refineSystemPrompt = "Clean and format the following text. The idea is that the text you see comes from an OCR system and your task is to eliminate OCR errors. Keep the original language when doing so."

const classifyPromptTemplate = `
You are a specialized document analyzer trained to extract structured metadata from documents.
Your task is to analyze the given text and return a well-structured JSON object.

Extract and return the following fields:
1. **filename**: Machine-readable filename (YYYY-MM-DD_DescriptiveTitle, use only letters, numbers, periods, and underscores).
2. **empfaenger**: The recipient, or "Unknown" if not found.
3. **absender**: The sender, or "Unknown" if not found.
4. **correspondent**: The entity or company that issued the document (shortest possible name, e.g., "Amazon" instead of "Amazon EU SARL, German branch").
5. **kommunikationsart**: One of [Behoerdlicher_Brief, Rechnung, Kontoauszug, Vertrag, Quittung, Privater_Brief, Einladung, Gewerbliche_Korrespondenz, Newsletter, Werbung, Sonstiges].
6. **kommunikationskategorie**: One of [Amtliche_Postbehoerdliche_Dokumente, Finanz_und_Vertragsdokumente, Geschaeftliche_Kommunikation, Private_Korrespondenz, Sonstige_Informationen].
7. **document_type**: Precise classification (e.g., Invoice, Contract, Information, Unknown).
8. **tags**: A list of up to 4 relevant thematic keywords.
9. **language**: Detected document language (ISO 639-1 code, e.g., "de" or "en").
10. **title**: A human-readable title summarizing the document content.
11. **confidence_score**: A numeric value (0-100) indicating the confidence level of the extracted metadata.
12. **reference_number**: Extracted invoice/order/reference number if available.
13. **monetary_amounts**: A list of key monetary values detected in the document, each formatted as a string.

### Important Rules:
- **OCR Correction**: Assume the text has been corrected for OCR errors.
- **Tagging**: Max 4 tags, avoiding generic or overly specific terms.
- **Title**: Concise, no addresses, and contains key identifying features.
- **Date Selection**: Use the most relevant date if multiple are found.
- **Output Language**: Maintain the document's original language.

Extracted text:
%s

Return only valid JSON with no additional commentary.
`

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON pulls a JSON object out of a model reply. It prefers a block
// fenced with triple backticks and otherwise falls back to the span from the
// first '{' to the last '}'.
func ExtractJSON(text string) (string, bool) {
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		return m[1], true
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		return text[start : end+1], true
	}

	return "", false
}

// Classify asks the model to extract document metadata from text. The
// request runs at temperature zero. A reply without a parseable JSON object
// fails with ErrNoStructuredData.
func (c *Client) Classify(ctx context.Context, text string) (*models.DocumentMetadata, error) {
	prompt := fmt.Sprintf(classifyPromptTemplate, text)

	zero := 0.0
	reply, err := c.chat(ctx, classifySystemPrompt, prompt, &zero)
	if err != nil {
		return nil, err
	}

	jsonText, ok := ExtractJSON(reply)
	if !ok {
		return nil, ErrNoStructuredData
	}

	var meta models.DocumentMetadata
	if err := json.Unmarshal([]byte(jsonText), &meta); err != nil {
		return nil, fmt.Errorf("llm: decoding metadata: %w", err)
	}

	return &meta, nil
}

// Refine cleans OCR output, fixing recognition mistakes while keeping the
// document's language.
func (c *Client) Refine(ctx context.Context, rawText string) (string, error) {
	return c.Chat(ctx, refineSystemPrompt, rawText)
}
