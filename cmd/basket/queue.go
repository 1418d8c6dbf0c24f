package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/basket/internal/queue"
)

var (
	queueListStatus string
	queueListEmail  string
	queueListLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Confirmation queue management commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List confirmation messages in the queue",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show message details",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <message_id>",
	Short: "Move a failed message back to the pending queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete <message_id>",
	Short: "Delete a message from the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDelete,
}

var queueDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List messages in the dead letter queue",
	RunE:  runQueueDLQ,
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply retention settings once",
	RunE:  runQueueCleanup,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (pending, sending, delivered, failed, deferred)")
	queueListCmd.Flags().StringVar(&queueListEmail, "email", "", "Filter by recipient")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of messages to show")
	queueDLQCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of messages to show")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueStatsCmd, queueRetryCmd, queueDeleteCmd, queueDLQCmd, queueCleanupCmd)
	rootCmd.AddCommand(queueCmd)
}

func openQueueStorage() (*queue.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}

	return storage, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	filter := queue.ListFilter{
		Status: queue.MessageStatus(queueListStatus),
		Email:  queueListEmail,
		Limit:  queueListLimit,
	}

	messages, err := storage.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	printMessages(messages)
	fmt.Printf("\nTotal: %d messages\n", len(messages))

	return nil
}

func runQueueDLQ(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	messages, err := storage.ListDLQ(context.Background(), queueListLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list DLQ: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("Dead letter queue is empty")
		return nil
	}

	printMessages(messages)
	fmt.Printf("\nTotal: %d messages\n", len(messages))

	return nil
}

func printMessages(messages []*queue.Message) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tEMAIL\tVARIANT\tLANG\tCREATED\tRETRIES")
	fmt.Fprintln(w, "--\t------\t-----\t-------\t----\t-------\t-------")

	for _, msg := range messages {
		email := msg.Email
		if len(email) > 40 {
			email = email[:37] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			truncateID(msg.ID),
			msg.Status,
			email,
			msg.Variant,
			msg.Lang,
			msg.CreatedAt.Format("2006-01-02 15:04"),
			msg.RetryCount,
		)
	}

	w.Flush()
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]

	msg, err := storage.Get(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}

	if msg == nil {
		return fmt.Errorf("message not found: %s", id)
	}

	fmt.Printf("Message: %s\n\n", msg.ID)
	fmt.Printf("Status:      %s\n", msg.Status)
	fmt.Printf("Email:       %s\n", msg.Email)
	fmt.Printf("Token:       %s\n", msg.Token)
	fmt.Printf("Variant:     %s\n", msg.Variant)
	fmt.Printf("Lang:        %s\n", msg.Lang)
	fmt.Printf("Created:     %s\n", msg.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", msg.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("Retry Count: %d\n", msg.RetryCount)

	if !msg.NextRetryAt.IsZero() {
		fmt.Printf("Next Retry:  %s\n", msg.NextRetryAt.Format(time.RFC3339))
	}

	if msg.MessageID != "" {
		fmt.Printf("Message-ID:  %s\n", msg.MessageID)
	}

	if msg.LastError != "" {
		fmt.Printf("\nLast Error:\n  %s\n", msg.LastError)
	}

	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()

	stats, err := storage.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	fmt.Println("Queue Statistics")
	fmt.Println("================")
	fmt.Printf("Total:     %d\n", stats.Total)
	fmt.Printf("Pending:   %d\n", stats.Pending)
	fmt.Printf("Sending:   %d\n", stats.Sending)
	fmt.Printf("Deferred:  %d\n", stats.Deferred)
	fmt.Printf("Delivered: %d\n", stats.Delivered)
	fmt.Printf("Failed:    %d\n", stats.Failed)

	dlqStats, err := storage.DLQStats(ctx)
	if err == nil && dlqStats.Total > 0 {
		fmt.Println("\nDead Letter Queue")
		fmt.Println("-----------------")
		fmt.Printf("Total:     %d\n", dlqStats.Total)
		fmt.Printf("Oldest:    %s\n", dlqStats.OldestAt.Format(time.RFC3339))
	}

	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	if err := storage.Retry(context.Background(), id); err != nil {
		return fmt.Errorf("failed to retry message: %w", err)
	}

	fmt.Printf("Message %s moved to pending queue\n", id)
	return nil
}

func runQueueDelete(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()
	id := args[0]

	msg, err := storage.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message not found: %s", id)
	}

	if err := storage.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	fmt.Printf("Message %s deleted from queue\n", id)
	return nil
}

func runQueueCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open queue storage: %w", err)
	}
	defer storage.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cleaner := queue.NewCleaner(storage, queue.CleanerConfig{
		DeliveredMaxAge: cfg.Queue.DeliveredMaxAge,
		DLQMaxAge:       cfg.Queue.DLQMaxAge,
		DLQMaxCount:     cfg.Queue.DLQMaxCount,
	}, logger)
	cleaner.RunOnce(context.Background())

	return nil
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
