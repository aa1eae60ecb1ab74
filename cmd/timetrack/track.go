package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewbase/timetrack/internal/domain"
	"github.com/crewbase/timetrack/internal/eventbus"
	"github.com/crewbase/timetrack/internal/reconcile"
	"github.com/crewbase/timetrack/internal/session"
	"github.com/crewbase/timetrack/internal/timerwire"
	"github.com/crewbase/timetrack/web/api"
)

var (
	trackServer string
	trackUser   string
)

func init() {
	trackCmd := &cobra.Command{
		Use:   "track TASK",
		Short: "Run a work session timer against a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrack,
	}
	trackCmd.Flags().StringVar(&trackServer, "server", "http://127.0.0.1:8080", "engine base URL")
	trackCmd.Flags().StringVar(&trackUser, "user", "", "user id")
	trackCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := setupLogging(cfg)

	wsURL, err := wsEndpoint(trackServer)
	if err != nil {
		return err
	}
	client, err := eventbus.NewClient(eventbus.ClientConfig{
		ServerURL: wsURL,
		UserID:    trackUser,
	}, log.With().Str("component", "bus").Logger())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go client.RunWithReconnect(ctx)
	defer client.Stop()

	base := strings.TrimRight(trackServer, "/")
	rec := reconcile.New(&httpQuerier{base: base})

	// The ledger, not local memory, decides whether a session is already
	// running for this task.
	res, err := rec.Resume(taskID)
	if err != nil {
		return err
	}

	var entry *domain.TimeEntry
	switch {
	case res.Running() && res.Entry.UserID == trackUser:
		entry = res.Entry
		fmt.Printf("Resuming open session at %s\n", formatElapsed(res.Elapsed))
	case res.Running():
		entry = res.Entry
		fmt.Printf("Task already tracked by %s, following that session\n", entry.UserID)
	default:
		entry, err = startTimer(base, taskID, trackUser)
		if err != nil {
			return err
		}
	}

	// Only the session owner emits updates; a follower just displays.
	var pub session.Publisher = client
	if entry.UserID != trackUser {
		pub = noopPublisher{}
	}
	ticker := session.NewTicker(session.SystemClock(), pub, timerwire.TimerEvent{
		UserID: trackUser,
		TaskID: taskID,
	}, entry.StartTime)
	go ticker.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			if entry.UserID != trackUser {
				return nil
			}
			closed, err := pauseTimer(base, entry.ID)
			if err != nil {
				log.Warn().Err(err).Msg("pause failed, session left open")
				return nil
			}
			if closed.Duration != nil {
				fmt.Printf("Paused after %s\n", formatElapsed(time.Duration(*closed.Duration)*time.Second))
			}
			return nil
		case elapsed := <-ticker.Elapsed():
			fmt.Printf("\r%s  %s ", taskID, formatElapsed(elapsed))
		}
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(timerwire.TimerEvent) {}

// httpQuerier answers reconciliation queries over the HTTP API.
type httpQuerier struct {
	base string
}

func (q *httpQuerier) Query(taskID string) (*domain.TimeEntry, error) {
	resp, err := http.Get(q.base + "/api/tasks/" + taskID + "/timer")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timer query failed: %s", resp.Status)
	}

	var body api.ActiveTimerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.ActiveEntry, nil
}

func startTimer(base, taskID, userID string) (*domain.TimeEntry, error) {
	payload, err := json.Marshal(api.StartTimerRequest{UserID: userID})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(base+"/api/tasks/"+taskID+"/timer/start", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		var entry domain.TimeEntry
		if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
			return nil, err
		}
		fmt.Printf("Started session on %s\n", taskID)
		return &entry, nil

	case http.StatusConflict:
		// Someone started between our query and this request: adopt
		// their session instead of fighting over the task.
		var conflict api.ConflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return nil, err
		}
		if conflict.ActiveEntry == nil {
			return nil, fmt.Errorf("timer conflict without active entry")
		}
		fmt.Printf("Task already tracked by %s, following that session\n", conflict.ActiveEntry.UserID)
		return conflict.ActiveEntry, nil

	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("start failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
}

func pauseTimer(base, entryID string) (*domain.TimeEntry, error) {
	resp, err := http.Post(base+"/api/timer/"+entryID+"/pause", "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("pause failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var entry domain.TimeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// wsEndpoint derives the live channel URL from the HTTP base URL
func wsEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}

// formatElapsed renders durations the way the timer widget shows them:
// m:ss under an hour, h:mm:ss beyond.
func formatElapsed(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	if secs >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
	}
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
