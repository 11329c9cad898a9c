// Package artifacts delivers sandbox-generated files to the user.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/velikov/florin"
)

// Files resolves a file handle to bytes.
type Files interface {
	Fetch(ctx context.Context, fileID string, useCache bool) ([]byte, florin.FileMeta, error)
}

// Tool implements deliver_file.
type Tool struct {
	files Files
}

var _ florin.Tool = (*Tool)(nil)

func New(files Files) *Tool {
	return &Tool{files: files}
}

func (t *Tool) Definitions() []florin.ToolDefinition {
	return []florin.ToolDefinition{{
		Name:        "deliver_file",
		Description: "Send a file generated by execute_python to the user. Takes the temp_id reported in generated_files.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"temp_id":{"type":"string","description":"exec_* id of the generated file"},"caption":{"type":"string","description":"optional caption shown with the file"}},"required":["temp_id"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ florin.ToolScope, _ string, args json.RawMessage) (*florin.ToolResult, error) {
	var params struct {
		TempID  string `json:"temp_id"`
		Caption string `json:"caption"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return florin.ErrorResult("invalid args: %v", err), nil
	}
	if !strings.HasPrefix(params.TempID, "exec_") {
		return florin.ErrorResult("temp_id must be an exec_* id from execute_python"), nil
	}

	data, meta, err := t.files.Fetch(ctx, params.TempID, false)
	if err != nil {
		var nf *florin.ErrFileNotFound
		if errors.As(err, &nf) {
			return florin.ErrorResult("file %s expired or does not exist; run execute_python again", params.TempID), nil
		}
		return nil, fmt.Errorf("deliver_file: %w", err)
	}

	return &florin.ToolResult{
		Content: fmt.Sprintf("file %s (%d bytes) queued for delivery", meta.Filename, len(data)),
		Files: []florin.GeneratedFile{{
			Filename: meta.Filename,
			MIME:     meta.MIME,
			Data:     data,
			Caption:  params.Caption,
		}},
	}, nil
}
