package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorGreen  = lipgloss.Color("82")
	colorYellow = lipgloss.Color("228")
	colorRed    = lipgloss.Color("196")

	infoStyle  = lipgloss.NewStyle().Foreground(colorGreen)
	warnStyle  = lipgloss.NewStyle().Foreground(colorYellow)
	errorStyle = lipgloss.NewStyle().Foreground(colorRed)
)

// Console prints human-facing status lines prefixed with a tag, e.g.
// "[REACT] Application ready.", colored by severity. It sits beside the
// structured logger and is meant for the developer watching the terminal.
type Console struct {
	mu  sync.Mutex
	tag string
	w   io.Writer
}

// NewConsole returns a Console writing to w (stdout if nil).
func NewConsole(tag string, w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{tag: tag, w: w}
}

func (c *Console) Info(format string, args ...any) {
	c.print(infoStyle, format, args...)
}

func (c *Console) Warn(format string, args ...any) {
	c.print(warnStyle, format, args...)
}

func (c *Console) Error(format string, args ...any) {
	c.print(errorStyle, format, args...)
}

func (c *Console) print(style lipgloss.Style, format string, args ...any) {
	if c == nil {
		return
	}
	line := style.Render(fmt.Sprintf("[%s] %s", c.tag, fmt.Sprintf(format, args...)))
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}
