package florin

import (
	"context"
	"strings"
	"sync"
	"testing"
)

// fakeTranscriber returns a canned transcription.
type fakeTranscriber struct {
	mu     sync.Mutex
	calls  int
	result Transcription
	errs   []error // consumed per call before result is returned
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string, _ []byte) (*Transcription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	r := f.result
	return &r, nil
}

var _ Transcriber = (*fakeTranscriber)(nil)

func inboundWithFile(ct ContentType, filename string) *InboundMessage {
	return &InboundMessage{
		ChatID:      1,
		UserID:      2,
		MessageID:   3,
		ContentType: ct,
		File: &InboundFile{
			TelegramFileID:   "tg-file",
			TelegramUniqueID: "tg-unique",
			Filename:         filename,
		},
	}
}

func TestNormalizer_TextPassesThrough(t *testing.T) {
	n := NewNormalizer(newFakeFrontend(), newFakeFileAPI(), &fakeTranscriber{}, NormalizerConfig{})

	p, err := n.Normalize(context.Background(), &InboundMessage{ContentType: ContentText, Text: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Text != "hi" {
		t.Errorf("text = %q, want %q", p.Text, "hi")
	}
	if p.HasMedia() || p.HasFiles() || p.HasTranscript() {
		t.Error("text message must have no media, files, or transcript")
	}
}

func TestNormalizer_PhotoUploads(t *testing.T) {
	fe := newFakeFrontend()
	// Real JPEG magic so MIME sniffing kicks in.
	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 64)...)
	fe.downloadFn = func(string) ([]byte, string, error) { return jpeg, "photo_1.jpg", nil }
	api := newFakeFileAPI()

	n := NewNormalizer(fe, api, &fakeTranscriber{}, NormalizerConfig{})
	p, err := n.Normalize(context.Background(), inboundWithFile(ContentPhoto, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.HasFiles() {
		t.Fatal("photo produced no files")
	}
	f := p.Files[0]
	if f.ClaudeFileID == "" {
		t.Error("claude file id not set")
	}
	if f.MIME != "image/jpeg" {
		t.Errorf("mime = %q, want image/jpeg", f.MIME)
	}
	if f.Type != FileImage {
		t.Errorf("type = %s, want %s", f.Type, FileImage)
	}
	if f.TelegramUniqueID != "tg-unique" {
		t.Errorf("unique id = %q, want tg-unique", f.TelegramUniqueID)
	}
	if f.ExpiresAt.IsZero() {
		t.Error("expiry not set")
	}
}

func TestNormalizer_PDFDocument(t *testing.T) {
	fe := newFakeFrontend()
	fe.downloadFn = func(string) ([]byte, string, error) {
		return []byte("%PDF-1.7 fake"), "", nil
	}

	n := NewNormalizer(fe, newFakeFileAPI(), &fakeTranscriber{}, NormalizerConfig{})
	p, err := n.Normalize(context.Background(), inboundWithFile(ContentDocument, "report.pdf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f := p.Files[0]
	if f.MIME != "application/pdf" {
		t.Errorf("mime = %q, want application/pdf", f.MIME)
	}
	if f.Type != FilePDF {
		t.Errorf("type = %s, want %s", f.Type, FilePDF)
	}
	if f.Filename != "report.pdf" {
		t.Errorf("filename = %q, want report.pdf", f.Filename)
	}
}

func TestNormalizer_VoiceTranscribes(t *testing.T) {
	fe := newFakeFrontend()
	fe.downloadFn = func(string) ([]byte, string, error) { return []byte("OggS...."), "", nil }
	api := newFakeFileAPI()
	tr := &fakeTranscriber{result: Transcription{Text: "hello there", Language: "en", Duration: 90}}

	n := NewNormalizer(fe, api, tr, NormalizerConfig{TranscriptionPerMin: dec("0.006")})
	p, err := n.Normalize(context.Background(), inboundWithFile(ContentVoice, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.HasTranscript() {
		t.Fatal("voice produced no transcript")
	}
	if p.Transcript.Text != "hello there" {
		t.Errorf("transcript = %q, want %q", p.Transcript.Text, "hello there")
	}
	if p.Transcript.Language != "en" {
		t.Errorf("language = %q, want en", p.Transcript.Language)
	}
	// 90s at 0.006/min = 0.009.
	if got, want := p.Transcript.CostUSD.StringFixed(4), "0.0090"; got != want {
		t.Errorf("cost = %s, want %s", got, want)
	}
	if p.TranscriptionCharged {
		t.Error("transcription must not be marked charged at normalize time")
	}
	// Voice is transcribed, not uploaded.
	if p.HasFiles() {
		t.Error("voice must not produce files")
	}
	if len(api.uploads) != 0 {
		t.Errorf("got %d uploads, want 0", len(api.uploads))
	}
}

func TestNormalizer_AudioUploadsWithoutTranscribing(t *testing.T) {
	fe := newFakeFrontend()
	fe.downloadFn = func(string) ([]byte, string, error) { return []byte("ID3audio"), "track.mp3", nil }
	tr := &fakeTranscriber{}

	n := NewNormalizer(fe, newFakeFileAPI(), tr, NormalizerConfig{})
	p, err := n.Normalize(context.Background(), inboundWithFile(ContentAudio, "track.mp3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.HasFiles() {
		t.Fatal("audio produced no files")
	}
	if p.HasTranscript() {
		t.Error("audio must not auto-transcribe")
	}
	if tr.calls != 0 {
		t.Errorf("transcriber called %d times, want 0", tr.calls)
	}
	if p.Files[0].Type != FileAudio {
		t.Errorf("type = %s, want %s", p.Files[0].Type, FileAudio)
	}
}

func TestNormalizer_RetriesTransientUploadFailure(t *testing.T) {
	fe := newFakeFrontend()
	fe.downloadFn = func(string) ([]byte, string, error) { return []byte("%PDF-1.7"), "", nil }
	api := newFakeFileAPI()
	attempts := 0
	failing := &flakyFileAPI{inner: api, failures: 1, onCall: func() { attempts++ }}

	n := NewNormalizer(fe, failing, &fakeTranscriber{}, NormalizerConfig{RetryBase: 1})
	p, err := n.Normalize(context.Background(), inboundWithFile(ContentDocument, "a.pdf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("got %d upload attempts, want 2", attempts)
	}
	if !p.HasFiles() {
		t.Error("upload did not succeed after retry")
	}
}

func TestDetectMIME(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		filename string
		declared string
		want     string
	}{
		{"pdf magic", []byte("%PDF-1.4"), "x.bin", "", "application/pdf"},
		{"png magic", []byte("\x89PNG\r\n\x1a\n" + strings.Repeat("\x00", 8)), "", "", "image/png"},
		{"extension fallback", []byte("hello world"), "doc.pdf", "", "application/pdf"},
		{"declared fallback", []byte{0x00, 0x01, 0x02, 0x03}, "", "audio/ogg", "audio/ogg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectMIME(tt.data, tt.filename, tt.declared); got != tt.want {
				t.Errorf("DetectMIME = %q, want %q", got, tt.want)
			}
		})
	}
}

// flakyFileAPI fails the first N uploads with a transient error.
type flakyFileAPI struct {
	inner    FileAPI
	failures int
	onCall   func()
}

func (f *flakyFileAPI) Upload(ctx context.Context, filename, mime string, data []byte) (FileUpload, error) {
	if f.onCall != nil {
		f.onCall()
	}
	if f.failures > 0 {
		f.failures--
		return FileUpload{}, &ErrHTTP{Status: 503, Body: "overloaded"}
	}
	return f.inner.Upload(ctx, filename, mime, data)
}

func (f *flakyFileAPI) Download(ctx context.Context, fileID string) ([]byte, error) {
	return f.inner.Download(ctx, fileID)
}
