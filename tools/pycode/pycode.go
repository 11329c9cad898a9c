// Package pycode executes model-written Python in the sandbox. Generated
// files are stashed in the shared exec cache and reported as temp ids the
// model can hand to deliver_file.
package pycode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velikov/florin"
	"github.com/velikov/florin/code"
)

const maxInputFiles = 8

// Files moves bytes between the conversation and sandbox executions.
type Files interface {
	Fetch(ctx context.Context, fileID string, useCache bool) ([]byte, florin.FileMeta, error)
	StashArtifact(ctx context.Context, filename, mime string, data []byte) (string, error)
}

// Tool implements execute_python.
type Tool struct {
	runner         code.Runner
	files          Files
	pricePerSecond decimal.Decimal
}

var _ florin.Tool = (*Tool)(nil)

// New creates the execution tool. pricePerSecond may be zero for free
// execution.
func New(runner code.Runner, files Files, pricePerSecond decimal.Decimal) *Tool {
	return &Tool{runner: runner, files: files, pricePerSecond: pricePerSecond}
}

func (t *Tool) Definitions() []florin.ToolDefinition {
	return []florin.ToolDefinition{{
		Name: "execute_python",
		Description: "Run Python code in an isolated sandbox. Files written to the working directory come back as temp ids; " +
			"pass a temp id to deliver_file to send the file to the user. Attach conversation files via file_inputs.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
"code":{"type":"string","description":"Python source to execute"},
"file_inputs":{"type":"array","items":{"type":"string"},"description":"file ids to place in the working directory"},
"requirements":{"type":"array","items":{"type":"string"},"description":"pip packages to install first"},
"timeout":{"type":"integer","description":"seconds, up to 120"}
},"required":["code"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ florin.ToolScope, _ string, args json.RawMessage) (*florin.ToolResult, error) {
	var params struct {
		Code         string   `json:"code"`
		FileInputs   []string `json:"file_inputs"`
		Requirements []string `json:"requirements"`
		Timeout      int      `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return florin.ErrorResult("invalid args: %v", err), nil
	}
	if params.Code == "" {
		return florin.ErrorResult("code is required"), nil
	}
	if len(params.FileInputs) > maxInputFiles {
		return florin.ErrorResult("at most %d file_inputs allowed", maxInputFiles), nil
	}

	req := code.Request{
		Code:         params.Code,
		Requirements: params.Requirements,
	}
	if params.Timeout > 0 {
		if params.Timeout > 120 {
			params.Timeout = 120
		}
		req.Timeout = time.Duration(params.Timeout) * time.Second
	}

	for _, id := range params.FileInputs {
		data, meta, err := t.files.Fetch(ctx, id, true)
		if err != nil {
			var nf *florin.ErrFileNotFound
			if errors.As(err, &nf) {
				return florin.ErrorResult("input file %s is not available: %s", id, nf.Reason), nil
			}
			return nil, fmt.Errorf("execute_python: fetch %s: %w", id, err)
		}
		req.Files = append(req.Files, code.File{Name: meta.Filename, MIME: meta.MIME, Data: data})
	}

	result, err := t.runner.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("execute_python: %w", err)
	}

	type fileMeta struct {
		TempID   string `json:"temp_id"`
		Filename string `json:"filename"`
		MIME     string `json:"mime"`
		Size     int    `json:"size"`
	}
	var generated []fileMeta
	for _, f := range result.Files {
		tempID, err := t.files.StashArtifact(ctx, f.Name, f.MIME, f.Data)
		if err != nil {
			return nil, fmt.Errorf("execute_python: stash %s: %w", f.Name, err)
		}
		generated = append(generated, fileMeta{
			TempID:   tempID,
			Filename: f.Name,
			MIME:     f.MIME,
			Size:     len(f.Data),
		})
	}

	cost := Cost(t.pricePerSecond, result.Duration)
	out, _ := json.Marshal(map[string]any{
		"stdout":          result.Output,
		"stderr":          result.Logs,
		"exit_code":       result.ExitCode,
		"generated_files": generated,
		"execution_time":  result.Duration.Seconds(),
		"cost_usd":        cost,
	})

	return &florin.ToolResult{
		Content: string(out),
		IsError: result.ExitCode != 0,
		CostUSD: cost,
	}, nil
}

// Cost prices sandbox wall time pro rata per second.
func Cost(pricePerSecond decimal.Decimal, d time.Duration) decimal.Decimal {
	if pricePerSecond.IsZero() || d <= 0 {
		return decimal.Zero
	}
	return florin.RoundUSD(pricePerSecond.Mul(decimal.NewFromFloat(d.Seconds())))
}
