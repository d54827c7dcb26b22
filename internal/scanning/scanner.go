package scanning

import "context"

// Language is the recognition language passed to every backend
const Language = "eng"

// Recognizer defines the interface for invoice text recognition
type Recognizer interface {
	// RecognizeText reads all text from an invoice image/PDF
	RecognizeText(ctx context.Context, imageData []byte, contentType string) (string, error)
	// Close closes the recognizer and releases resources
	Close() error
}
