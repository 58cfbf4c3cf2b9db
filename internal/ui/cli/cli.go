// Package cli implements a terminal renderer for the board: a 4x4 grid of
// colored tiles, the running score and a game-over banner, centered on the
// terminal width.
package cli

import (
	"fmt"
	"io"
	"math/bits"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"merge2048/internal/game"
)

const (
	// cellWidth and cellHeight of one rendered tile, borders excluded.
	cellWidth  = 7
	cellHeight = 3
)

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// displayWidth of s removes its color/control sequences and returns the
// length of what is left.
func displayWidth(s string) int {
	return len(ansiFilter.ReplaceAllString(s, ""))
}

// exponentColors maps a tile's power-of-two exponent to its background, from
// pale greys for the small tiles through a warm ramp into purples and blues
// at the top of the scale.
var exponentColors = [game.MaxExponent + 1]lipgloss.Color{
	"236",
	"252", "250", "222", "215", "208", "202", "196", "227", "226",
	"220", "213", "201", "165", "129", "93", "57", "21",
}

// UI renders boards to a terminal.
type UI struct {
	out         io.Writer
	color       bool
	clearScreen bool
}

// New returns a UI writing to out (usually os.Stdout).
func New(out io.Writer, color, clearScreen bool) *UI {
	return &UI{out: out, color: color, clearScreen: clearScreen}
}

// Render draws the board with its score. A game-over board gets a banner
// below the grid.
func (ui *UI) Render(tiles game.TileSet, score int, gameOver bool) {
	if ui.clearScreen {
		fmt.Fprint(ui.out, "\033c")
	}
	var block strings.Builder
	block.WriteString(ui.headerStyle().Render(fmt.Sprintf("Score: %d", score)))
	block.WriteString("\n\n")
	block.WriteString(ui.renderGrid(tiles))
	if gameOver {
		block.WriteString("\n\n")
		block.WriteString(ui.bannerStyle().Render(
			fmt.Sprintf("*** GAME OVER -- final score %d ***", score)))
	}
	block.WriteString("\n")
	printCentered(ui.out, block.String())
}

func (ui *UI) renderGrid(tiles game.TileSet) string {
	rows := make([]string, 0, game.BoardSize)
	for y := int8(0); y < game.BoardSize; y++ {
		cells := make([]string, 0, game.BoardSize)
		for x := int8(0); x < game.BoardSize; x++ {
			cells = append(cells, ui.renderCell(tiles.At(x, y)))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (ui *UI) renderCell(t *game.Tile) string {
	style := lipgloss.NewStyle().
		Width(cellWidth).
		Height(cellHeight).
		Align(lipgloss.Center, lipgloss.Center).
		Border(lipgloss.RoundedBorder())
	if t == nil {
		if ui.color {
			style = style.Foreground(lipgloss.Color("240"))
		}
		return style.Render("·")
	}
	if ui.color {
		exponent := bits.Len(uint(t.Value)) - 1
		if exponent < 1 || exponent > game.MaxExponent {
			exponent = 0
		}
		style = style.
			Background(exponentColors[exponent]).
			Foreground(lipgloss.Color("0")).
			Bold(true)
	}
	return style.Render(strconv.Itoa(t.Value))
}

func (ui *UI) headerStyle() lipgloss.Style {
	style := lipgloss.NewStyle().Bold(true)
	if ui.color {
		style = style.Foreground(lipgloss.Color("15"))
	}
	return style
}

func (ui *UI) bannerStyle() lipgloss.Style {
	style := lipgloss.NewStyle().Padding(0, 2)
	if ui.color {
		style = style.Background(lipgloss.Color("13")).Foreground(lipgloss.Color("0"))
	}
	return style
}

// printCentered writes the block indented so it sits in the middle of the
// terminal. Falls back to no indent when the width is unknown (pipes, tests).
func printCentered(out io.Writer, block string) {
	lines := strings.Split(block, "\n")
	terminalWidth, _, _ := term.GetSize(int(os.Stdout.Fd()))
	blockWidth := 0
	for _, line := range lines {
		if w := displayWidth(line); w > blockWidth {
			blockWidth = w
		}
	}
	indent := (terminalWidth - blockWidth) / 2
	if indent < 0 {
		indent = 0
	}
	pad := strings.Repeat(" ", indent)
	for _, line := range lines {
		if len(line) == 0 {
			fmt.Fprintln(out)
			continue
		}
		fmt.Fprintf(out, "%s%s\n", pad, line)
	}
}
