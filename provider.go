package florin

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Provider abstracts the conversational LLM backend.
type Provider interface {
	// StreamTurn runs one streamed turn. onEvent, when non-nil, receives
	// incremental updates in stream order; the accumulated turn is returned
	// at the end.
	StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (*TurnResponse, error)

	// CountCost prices a turn's token usage for the given model.
	CountCost(model string, u Usage) decimal.Decimal
}

// Classifier runs small single-shot completions, used by the topic router.
type Classifier interface {
	Classify(ctx context.Context, model, system, prompt string, maxTokens int64) (string, error)
}

// FileUpload is the handle returned by the provider's files API.
type FileUpload struct {
	ID        string
	ExpiresAt time.Time
}

// FileAPI uploads attachments to the provider so turns can reference them
// by id, and downloads them back when no platform copy exists.
type FileAPI interface {
	Upload(ctx context.Context, filename, mime string, data []byte) (FileUpload, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
}

// Transcription is the result of one speech-to-text call.
type Transcription struct {
	Text     string
	Language string
	Duration float64 // seconds
}

// Transcriber converts speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, data []byte) (*Transcription, error)
}

// ImageRequest asks for one generated or edited image.
type ImageRequest struct {
	Prompt       string
	SourceImages []SourceImage
	AspectRatio  string
	Size         string
	UseSearch    bool
}

// SourceImage is one input image for an edit request.
type SourceImage struct {
	MIME string
	Data []byte
}

// ImageResult is one generated image plus any accompanying model text.
type ImageResult struct {
	Data    []byte
	MIME    string
	Text    string
	ModelID string
	Usage   Usage
}

// ImageGenerator produces images from prompts and optional source images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
}
