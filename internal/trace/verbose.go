package trace

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/itsmostafa/rlmgo/internal/rlm"
)

var (
	// titleStyle for bold headers
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("160"))

	// dimStyle for muted metadata text
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	// successStyle for final answers
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	// errorStyle for stderr output
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	// headerBoxStyle for the completion header
	headerBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("160")).
			Padding(0, 1)

	// iterBannerStyle for iteration banners
	iterBannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Background(lipgloss.Color("160")).
			Padding(0, 2)

	// codeStyle for executed code
	codeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("81"))
)

// previewLimit bounds how much of any text the printer shows.
const previewLimit = 500

// Printer renders the iteration stream as human-readable terminal
// output. Purely cosmetic.
type Printer struct {
	w io.Writer
}

// NewPrinter writes to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// OnMetadata prints the completion header.
func (p *Printer) OnMetadata(meta *rlm.Metadata) {
	content := fmt.Sprintf("%s %s\n%s %s\n%s %d iterations, depth %d",
		dimStyle.Render("Model:"), titleStyle.Render(meta.RootModel),
		dimStyle.Render("Sandbox:"), meta.SandboxBackend,
		dimStyle.Render("Budget:"), meta.MaxIterations, meta.MaxDepth,
	)
	if len(meta.SubModels) > 0 {
		content += fmt.Sprintf("\n%s %s",
			dimStyle.Render("Sub-models:"), strings.Join(meta.SubModels, ", "))
	}
	fmt.Fprintln(p.w, headerBoxStyle.Render(content))
}

// OnIteration prints one turn: the response preview, each executed code
// block with its output, and the final answer when present.
func (p *Printer) OnIteration(seq int, it *rlm.Iteration) {
	fmt.Fprintln(p.w, iterBannerStyle.Render(fmt.Sprintf("Iteration %d (%.1fs)", seq+1, it.IterationTime)))
	fmt.Fprintln(p.w, preview(it.Response))

	for i, block := range it.CodeBlocks {
		fmt.Fprintf(p.w, "%s\n%s\n",
			dimStyle.Render(fmt.Sprintf("-- block %d --", i+1)),
			codeStyle.Render(preview(block.Code)))
		if block.Result == nil {
			continue
		}
		if out := strings.TrimSpace(block.Result.Stdout); out != "" {
			fmt.Fprintln(p.w, preview(out))
		}
		if errText := strings.TrimSpace(block.Result.Stderr); errText != "" {
			fmt.Fprintln(p.w, errorStyle.Render(preview(errText)))
		}
		if n := len(block.Result.RLMCalls); n > 0 {
			fmt.Fprintln(p.w, dimStyle.Render(fmt.Sprintf("%d sub-LM call(s)", n)))
		}
	}

	if it.FinalAnswer != "" {
		fmt.Fprintf(p.w, "%s %s\n",
			successStyle.Render("Final:"), preview(it.FinalAnswer))
	}
	fmt.Fprintln(p.w)
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > previewLimit {
		return text[:previewLimit] + dimStyle.Render(fmt.Sprintf(" [+%d chars]", len(text)-previewLimit))
	}
	return text
}
