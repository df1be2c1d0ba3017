package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/inventory_backend/config"
	"github.com/mmdatafocus/inventory_backend/models"
)

// Requeues DEAD outbox events so the dispatcher retries them, after the
// underlying publish failure has been remediated. The dead-letter archive
// rows are kept for audit.
func main() {
	businessID := flag.String("business-id", "", "Limit to one tenant (optional)")
	eventID := flag.Int("event-id", 0, "Limit to one outbox event id (optional)")
	dryRun := flag.Bool("dry-run", true, "List matching events only (no writes)")
	confirm := flag.String("confirm", "", "Type REQUEUE to proceed when dry-run=false")
	flag.Parse()

	if !*dryRun && strings.TrimSpace(*confirm) != "REQUEUE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REQUEUE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	query := db.Model(&models.OutboxEvent{}).Where("status = ?", models.OutboxStatusDead)
	if strings.TrimSpace(*businessID) != "" {
		query = query.Where("business_id = ?", strings.TrimSpace(*businessID))
	}
	if *eventID > 0 {
		query = query.Where("id = ?", *eventID)
	}

	if *dryRun {
		var events []models.OutboxEvent
		if err := query.Order("id ASC").Find(&events).Error; err != nil {
			fmt.Fprintln(os.Stderr, "query failed:", err)
			os.Exit(1)
		}
		fmt.Printf("%d dead event(s) would be requeued\n", len(events))
		for _, e := range events {
			lastError := ""
			if e.LastError != nil {
				lastError = *e.LastError
			}
			fmt.Printf("  id=%d business=%s seq=%d type=%s attempts=%d last_error=%q\n",
				e.ID, e.BusinessId, e.Sequence, e.EventType, e.Attempts, lastError)
		}
		return
	}

	result := query.Updates(map[string]interface{}{
		"status":          models.OutboxStatusPending,
		"attempts":        0,
		"next_attempt_at": nil,
		"last_error":      nil,
		"locked_at":       nil,
		"locked_by":       nil,
	})
	if result.Error != nil {
		fmt.Fprintln(os.Stderr, "requeue failed:", result.Error)
		os.Exit(1)
	}
	fmt.Printf("requeued %d event(s)\n", result.RowsAffected)
}
