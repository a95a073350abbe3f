package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fentz26/reconpi/internal/controlplane"
	"github.com/fentz26/reconpi/internal/core"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/spf13/cobra"
)

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Ask the core to hand the radio from WiFi observation to LAN operations",
	RunE:  runHandoff,
}

var handoffTag string

func init() {
	handoffCmd.Flags().StringVar(&handoffTag, "tag", "", "Authorization tag checked against policy allowed_tags (required)")
	handoffCmd.MarkFlagRequired("tag")
}

func runHandoff(cmd *cobra.Command, args []string) error {
	hostname, _ := os.Hostname()
	body := controlplane.PublishRequest{
		Topic:   core.TopicHandoffRequest,
		Payload: map[string]interface{}{"tag": handoffTag, "by": fmt.Sprintf("cli@%s", hostname)},
	}
	resp, err := apiPost("/events", body)
	if err != nil {
		return err
	}
	var ev models.Event
	if err := json.Unmarshal(resp, &ev); err != nil {
		return err
	}
	fmt.Printf("Published %s (event %d); watch core.state.changed for the result\n", ev.Topic, ev.ID)
	return nil
}
