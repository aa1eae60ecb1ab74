package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewbase/timetrack/internal/domain"
	"github.com/crewbase/timetrack/internal/eventbus"
	"github.com/crewbase/timetrack/internal/presence"
)

var (
	watchServer string
	watchUser   string
)

func init() {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live team activity as a supervisor",
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&watchServer, "server", "http://127.0.0.1:8080", "engine base URL")
	watchCmd.Flags().StringVar(&watchUser, "user", "", "supervisor user id")
	watchCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := setupLogging(cfg)

	wsURL, err := wsEndpoint(watchServer)
	if err != nil {
		return err
	}
	client, err := eventbus.NewClient(eventbus.ClientConfig{
		ServerURL: wsURL,
		UserID:    watchUser,
	}, log.With().Str("component", "bus").Logger())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go client.RunWithReconnect(ctx)
	defer client.Stop()

	base := strings.TrimRight(watchServer, "/")
	agg := presence.New(func(ctx context.Context) ([]domain.AggregatedActivity, error) {
		return fetchActivities(ctx, base)
	}, log.With().Str("component", "presence").Logger())

	go agg.Run(ctx, client.Events())

	render := time.NewTicker(2 * time.Second)
	defer render.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case <-render.C:
			printActivities(agg.CurrentView())
		}
	}
}

func fetchActivities(ctx context.Context, base string) ([]domain.AggregatedActivity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/activities", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("activities poll failed: %s", resp.Status)
	}

	var activities []domain.AggregatedActivity
	if err := json.NewDecoder(resp.Body).Decode(&activities); err != nil {
		return nil, err
	}
	return activities, nil
}

func printActivities(view []domain.AggregatedActivity) {
	writeActivities(os.Stdout, view)
}

func writeActivities(out io.Writer, view []domain.AggregatedActivity) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tSTATUS\tTASK\tELAPSED\tTODAY\tDONE")
	for _, act := range view {
		name := act.UserName
		if name == "" {
			name = act.UserID
		}

		status, task, elapsed := "idle", "-", "-"
		// A paused task stays visible as a freeze-frame even though the
		// collaborator is no longer active.
		if act.CurrentTask != nil {
			switch {
			case act.CurrentTask.IsPaused:
				status = "paused"
			case act.IsActive:
				status = "working"
			}
			task = act.CurrentTask.Title
			if task == "" {
				task = act.CurrentTask.TaskID
			}
			elapsed = formatElapsed(time.Duration(act.CurrentTask.Elapsed) * time.Second)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			name, status, task, elapsed,
			formatElapsed(time.Duration(act.TodayStats.TimeWorked)*time.Second),
			act.TodayStats.Completed)
	}
	w.Flush()
	fmt.Fprintln(out)
}
