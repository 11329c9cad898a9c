// Package latex renders math notation to an image through the Python
// sandbox, using matplotlib's mathtext engine. No TeX installation is
// required on the sandbox side.
package latex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/velikov/florin"
	"github.com/velikov/florin/code"
)

const maxLatexLength = 2000

// renderScript decodes the expression from base64 so no escaping of the
// user's TeX is needed inside the Python source.
const renderScript = `import base64
import matplotlib
matplotlib.use("Agg")
import matplotlib.pyplot as plt

expr = base64.b64decode("%s").decode("utf-8")
fig = plt.figure(figsize=(0.01, 0.01))
fig.text(0, 0, f"${expr}$", fontsize=22)
fig.savefig("formula.png", dpi=220, bbox_inches="tight", pad_inches=0.08,
             facecolor="white")
print("ok")
`

// Tool implements render_latex.
type Tool struct {
	runner code.Runner
}

var _ florin.Tool = (*Tool)(nil)

func New(runner code.Runner) *Tool {
	return &Tool{runner: runner}
}

func (t *Tool) Definitions() []florin.ToolDefinition {
	return []florin.ToolDefinition{{
		Name: "render_latex",
		Description: "Render a LaTeX math expression to an image and send it to the user. " +
			"Pass the expression without surrounding $ signs. Free of charge.",
		Parameters: json.RawMessage(`{"type":"object","properties":{"latex":{"type":"string","description":"math expression, e.g. \\frac{a}{b}"}},"required":["latex"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ florin.ToolScope, _ string, args json.RawMessage) (*florin.ToolResult, error) {
	var params struct {
		Latex string `json:"latex"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return florin.ErrorResult("invalid args: %v", err), nil
	}
	expr := strings.TrimSpace(strings.Trim(params.Latex, "$"))
	if expr == "" {
		return florin.ErrorResult("latex is required"), nil
	}
	if len(expr) > maxLatexLength {
		return florin.ErrorResult("expression too long (max %d chars)", maxLatexLength), nil
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(expr))
	result, err := t.runner.Run(ctx, code.Request{
		Code:    fmt.Sprintf(renderScript, encoded),
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("render_latex: %w", err)
	}
	if result.ExitCode != 0 {
		return florin.ErrorResult("rendering failed: %s", mathtextError(result.Logs)), nil
	}

	for _, f := range result.Files {
		if f.Name == "formula.png" {
			return &florin.ToolResult{
				Content: "formula rendered and queued for delivery",
				Files: []florin.GeneratedFile{{
					Filename: "formula.png",
					MIME:     "image/png",
					Data:     f.Data,
				}},
			}, nil
		}
	}
	return florin.ErrorResult("rendering produced no image"), nil
}

// mathtextError extracts the last meaningful line of a matplotlib parse
// traceback.
func mathtextError(logs string) string {
	lines := strings.Split(strings.TrimSpace(logs), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line
		}
	}
	return "unknown error"
}
