package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/basket/internal/news"
)

var subscribeReq news.Request

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Add newsletters to a user's subscriptions",
	RunE:  runUpsert(news.Subscribe),
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe",
	Short: "Remove newsletters from a user's subscriptions",
	RunE:  runUpsert(news.Unsubscribe),
}

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace a user's subscriptions with the given newsletters",
	Long: `Replace a user's subscriptions with the given newsletters.
Newsletters not listed are unsubscribed; an empty list unsubscribes from all.`,
	RunE: runUpsert(news.Set),
}

func init() {
	for _, cmd := range []*cobra.Command{subscribeCmd, unsubscribeCmd, setCmd} {
		f := cmd.Flags()
		f.StringVar(&subscribeReq.Email, "email", "", "User email address")
		f.StringVar(&subscribeReq.Token, "token", "", "User token")
		f.StringSliceVar(&subscribeReq.Newsletters, "newsletters", nil, "Newsletter slugs, comma-separated")
		f.StringVar(&subscribeReq.Lang, "lang", "", "Preferred language")
		f.StringVar(&subscribeReq.Country, "country", "", "Country code")
		f.StringVar(&subscribeReq.Format, "format", "", "Email format (H or T)")
		f.StringVar(&subscribeReq.FirstName, "first-name", "", "First name")
		f.StringVar(&subscribeReq.LastName, "last-name", "", "Last name")
		f.StringVar(&subscribeReq.SourceURL, "source-url", "", "Signup page URL")
		f.BoolVar(&subscribeReq.Optin, "optin", false, "Mark the user as opted in")
		f.BoolVar(&subscribeReq.Optout, "optout", false, "Mark the user as opted out")
		rootCmd.AddCommand(cmd)
	}
}

func runUpsert(kind news.Kind) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if subscribeReq.Email == "" && subscribeReq.Token == "" {
			return fmt.Errorf("--email or --token is required")
		}

		application, err := openApp()
		if err != nil {
			return err
		}
		defer application.Close()

		result, err := application.Upserter().UpsertUser(context.Background(), kind, &subscribeReq)
		if err != nil {
			return fmt.Errorf("failed to apply %s: %w", kind, err)
		}

		if result.ConfirmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: confirmation not queued: %v\n", result.ConfirmErr)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
}
