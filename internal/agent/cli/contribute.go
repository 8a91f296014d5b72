package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cirkelline/localagent/internal/models"
)

// RunContribute dispatches the contribute subcommands.
func (c *Cli) RunContribute(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: localagent contribute enable|disable|status")
	}
	switch args[0] {
	case "enable":
		return c.contributeEnable(ctx)
	case "disable":
		return c.contributeDisable(ctx)
	case "status":
		return c.contributeStatus(ctx)
	default:
		return fmt.Errorf("unknown subcommand %q, want enable, disable or status", args[0])
	}
}

// contributeEnable turns the master flag on after an explicit
// acknowledgement. Every other limit keeps its current value.
func (c *Cli) contributeEnable(ctx context.Context) error {
	settings, err := c.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load contribution settings: %w", err)
	}
	if settings.Enabled {
		fmt.Println("Contribution is already enabled")
		return nil
	}

	fmt.Println("Background contribution lets this device run donated compute")
	fmt.Println("tasks while it is idle, within the limits shown by")
	fmt.Println("'contribute status'. It never runs on battery by default and")
	fmt.Println("stops the moment you use the machine.")
	answer, err := readInput("Enable background contribution? [yes/no]: ")
	if err != nil {
		return fmt.Errorf("failed to read answer: %w", err)
	}
	if strings.ToLower(answer) != "yes" {
		fmt.Println("Contribution left disabled")
		return nil
	}

	updated := models.From(settings).EnableWithAcknowledgement(time.Now()).Build()
	if err := c.store.SaveSettings(ctx, updated); err != nil {
		return fmt.Errorf("failed to save contribution settings: %w", err)
	}
	fmt.Println("Contribution enabled")
	if len(updated.AllowedCategories) == 0 {
		fmt.Println("Note: no task categories are allowed yet, nothing will run")
	}
	if len(updated.AllowedWeekdays) == 0 {
		fmt.Println("Note: no weekdays are allowed yet, nothing will run")
	}
	return nil
}

// contributeDisable turns the master flag off. The scheduler aborts any
// running task on its next tick.
func (c *Cli) contributeDisable(ctx context.Context) error {
	settings, err := c.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load contribution settings: %w", err)
	}
	if !settings.Enabled {
		fmt.Println("Contribution is already disabled")
		return nil
	}

	updated := models.From(settings).Disable().Build()
	if err := c.store.SaveSettings(ctx, updated); err != nil {
		return fmt.Errorf("failed to save contribution settings: %w", err)
	}
	fmt.Println("Contribution disabled, any running task stops on the next check")
	return nil
}

// contributeStatus prints the settings and the recorded usage history.
func (c *Cli) contributeStatus(ctx context.Context) error {
	settings, err := c.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load contribution settings: %w", err)
	}

	state := "disabled"
	if settings.Enabled {
		state = "enabled"
	}
	fmt.Printf("Contribution:      %s\n", state)
	if settings.AcknowledgedAt != nil {
		fmt.Printf("Acknowledged:      %s\n", settings.AcknowledgedAt.Local().Format(time.RFC3339))
	}
	fmt.Printf("CPU ceiling:       %d%%\n", settings.MaxCPUPercent)
	fmt.Printf("RAM ceiling:       %d MB\n", settings.MaxRAMMB)
	if settings.MaxBandwidthKBps > 0 {
		fmt.Printf("Bandwidth ceiling: %d KB/s\n", settings.MaxBandwidthKBps)
	}
	fmt.Printf("Requires idle:     %v (%ds before start)\n",
		settings.RequireSystemIdle, settings.IdleBeforeContributionSeconds)
	fmt.Printf("External power:    required=%v, battery floor %d%%\n",
		settings.RequireExternalPower, settings.MinBatteryPercent)
	fmt.Printf("Allowed window:    %s\n", describeWindow(settings))
	fmt.Printf("Allowed tasks:     %s\n", describeCategories(settings.AllowedCategories))

	if c.history == nil {
		return nil
	}

	totals, err := c.history.ContributionTotals(ctx)
	if err != nil {
		return fmt.Errorf("failed to read contribution totals: %w", err)
	}
	fmt.Printf("Donated so far:    %.1f CPU-seconds, peak %d MB\n",
		totals.CPUSecondsUsed, totals.PeakRAMMB)

	sessions, err := c.history.ListContributions(ctx, 5)
	if err != nil {
		return fmt.Errorf("failed to read contribution history: %w", err)
	}
	if len(sessions) > 0 {
		fmt.Println("Recent sessions:")
		for _, s := range sessions {
			fmt.Printf("  %s  %-16s %-9s %.0f%% done, %.1f CPU-s\n",
				s.StartedAt.Local().Format(time.RFC3339), s.Category, s.Status,
				s.Progress*100, s.Usage.CPUSecondsUsed)
		}
	}
	return nil
}

func describeWindow(s models.ContributionSettings) string {
	if len(s.AllowedWeekdays) == 0 {
		return "none (no weekdays allowed)"
	}
	days := make([]string, 0, len(s.AllowedWeekdays))
	for _, d := range s.AllowedWeekdays {
		days = append(days, d.String()[:3])
	}
	return fmt.Sprintf("%s %02d:00-%02d:00", strings.Join(days, ","), s.AllowedHoursStart, s.AllowedHoursEnd)
}

func describeCategories(cats []models.TaskCategory) string {
	if len(cats) == 0 {
		return "none"
	}
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}
