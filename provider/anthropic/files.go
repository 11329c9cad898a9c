package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/velikov/florin"
)

var filesBeta = []anthropic.AnthropicBeta{anthropic.AnthropicBetaFilesAPI2025_04_14}

// Upload pushes attachment bytes to the Files API and returns the file id
// later turns reference in image and document blocks.
func (c *Client) Upload(ctx context.Context, filename, mime string, data []byte) (florin.FileUpload, error) {
	meta, err := c.api.Beta.Files.Upload(ctx, anthropic.BetaFileUploadParams{
		File:  anthropic.File(bytes.NewReader(data), filename, mime),
		Betas: filesBeta,
	})
	if err != nil {
		return florin.FileUpload{}, fmt.Errorf("files upload %s: %w", filename, wrapErr(err))
	}
	c.log.Debug("file uploaded", "file_id", meta.ID, "filename", filename, "size", len(data))
	return florin.FileUpload{
		ID:        meta.ID,
		ExpiresAt: time.Now().Add(c.fileTTL),
	}, nil
}

// Download fetches the raw bytes of a Files API upload. Used when no
// platform copy of the file exists anymore.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := c.api.Beta.Files.Download(ctx, fileID, anthropic.BetaFileDownloadParams{
		Betas: filesBeta,
	})
	if err != nil {
		return nil, fmt.Errorf("files download %s: %w", fileID, wrapErr(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("files download %s: read body: %w", fileID, err)
	}
	return data, nil
}
