package notify

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/graduator/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console prints operator reports.
type Console struct {
	out io.Writer
}

// NewConsole writes to stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter writes to w (tests).
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// PrintTasks renders one row per task, oldest first, then a status summary.
func (c *Console) PrintTasks(tasks []*domain.GraduationTask, lastProcessed time.Time) {
	if len(tasks) == 0 {
		fmt.Fprintln(c.out, "No graduation tasks recorded.")
		c.printCursor(lastProcessed)
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Task", "Asset", "Status", "Steps", "Next", "Pool", "Tries", "Updated", "Error")
	counts := make(map[domain.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
		next := string(t.NextStep())
		if t.Status.Terminal() {
			next = "-"
		}
		table.Append(
			short(t.TaskID, 12),
			shortType(t.AssetID),
			string(t.Status),
			steps(t.Steps),
			next,
			short(t.PoolAddress, 12),
			strconv.Itoa(t.Attempts),
			t.UpdatedAt.Local().Format("01-02 15:04"),
			short(t.Error, 40),
		)
	}
	table.Render()

	var parts []string
	for _, s := range []domain.TaskStatus{
		domain.StatusDetected, domain.StatusPayoutsDone, domain.StatusLiquidityExtracted,
		domain.StatusPoolCreated, domain.StatusCompleted, domain.StatusFailed,
	} {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", s, n))
		}
	}
	fmt.Fprintf(c.out, "%d tasks  %s\n", len(tasks), strings.Join(parts, " "))
	c.printCursor(lastProcessed)
}

func (c *Console) printCursor(lastProcessed time.Time) {
	if lastProcessed.IsZero() {
		fmt.Fprintln(c.out, "Poller has not processed any events yet.")
		return
	}
	fmt.Fprintf(c.out, "Last processed: %s\n", lastProcessed.Local().Format(time.DateTime))
}

// steps renders flags as P L C K (payouts, liquidity, pool created, locked).
func steps(f domain.StepFlags) string {
	b := []byte("----")
	if f.Payouts {
		b[0] = 'P'
	}
	if f.Liquidity {
		b[1] = 'L'
	}
	if f.Pool {
		b[2] = 'C'
	}
	if f.Locked {
		b[3] = 'K'
	}
	return string(b)
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// shortType keeps module::Name of a type tag.
func shortType(t string) string {
	parts := strings.Split(t, "::")
	if len(parts) < 3 {
		return t
	}
	return parts[len(parts)-2] + "::" + parts[len(parts)-1]
}
