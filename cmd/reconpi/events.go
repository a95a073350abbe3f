package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/fentz26/reconpi/internal/models"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the event log",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the newest events",
	RunE:  runEventsTail,
}

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old events from the database",
	RunE:  runEventsPrune,
}

var (
	eventPrefix string
	eventLimit  int
	eventFollow bool

	eventsKeepLast  int
	eventsOlderThan int
)

func init() {
	eventsCmd.AddCommand(eventsTailCmd, eventsPruneCmd)

	eventsTailCmd.Flags().StringVar(&eventPrefix, "prefix", "", "Topic prefix filter (e.g. ai.)")
	eventsTailCmd.Flags().IntVar(&eventLimit, "limit", 20, "Number of events")
	eventsTailCmd.Flags().BoolVarP(&eventFollow, "follow", "f", false, "Keep polling for new events")

	eventsPruneCmd.Flags().IntVar(&eventsKeepLast, "keep-last", 5000, "Events to keep")
	eventsPruneCmd.Flags().IntVar(&eventsOlderThan, "older-than-days", 30, "Delete events older than this")
}

func fetchEvents(limit int) ([]models.Event, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if eventPrefix != "" {
		q.Set("prefix", eventPrefix)
	}
	resp, err := apiGet("/events?" + q.Encode())
	if err != nil {
		return nil, err
	}
	var events []models.Event
	if err := json.Unmarshal(resp, &events); err != nil {
		return nil, err
	}
	// oldest first for display
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func printEvent(e models.Event) {
	payload, _ := json.Marshal(e.Payload)
	fmt.Printf("%6d  %s  %-32s %s\n", e.ID, e.TS.Local().Format("15:04:05"), e.Topic, payload)
}

func runEventsTail(cmd *cobra.Command, args []string) error {
	events, err := fetchEvents(eventLimit)
	if err != nil {
		return err
	}
	var last int64
	for _, e := range events {
		printEvent(e)
		last = e.ID
	}
	if !eventFollow {
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			return nil
		case <-ticker.C:
			events, err := fetchEvents(200)
			if err != nil {
				return err
			}
			for _, e := range events {
				if e.ID > last {
					printEvent(e)
					last = e.ID
				}
			}
		}
	}
}

func runEventsPrune(cmd *cobra.Command, args []string) error {
	s, _, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.PruneEvents(eventsKeepLast, eventsOlderThan)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d events\n", n)
	return nil
}
