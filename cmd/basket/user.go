package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Contact commands",
}

var userShowCmd = &cobra.Command{
	Use:   "show <email|token>",
	Short: "Show a contact and its subscriptions",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserShow,
}

func init() {
	userCmd.AddCommand(userShowCmd)
	rootCmd.AddCommand(userCmd)
}

func runUserShow(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	ctx := context.Background()
	contacts := application.Contacts()

	token := args[0]
	if strings.Contains(args[0], "@") {
		user, err := contacts.Lookup(ctx, args[0], "")
		if err != nil {
			return fmt.Errorf("failed to look up contact: %w", err)
		}
		if user == nil {
			return fmt.Errorf("contact not found: %s", args[0])
		}
		token = user.Token
	}

	contact, err := contacts.Get(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to get contact: %w", err)
	}
	if contact == nil {
		return fmt.Errorf("contact not found: %s", args[0])
	}

	fmt.Printf("Contact: %s\n\n", contact.Token)
	fmt.Printf("Email:       %s\n", contact.Email)
	fmt.Printf("Format:      %s\n", contact.Format)
	fmt.Printf("Lang:        %s\n", contact.Lang)
	fmt.Printf("Country:     %s\n", contact.Country)
	if contact.FirstName != "" || contact.LastName != "" {
		fmt.Printf("Name:        %s\n", strings.TrimSpace(contact.FirstName+" "+contact.LastName))
	}
	if contact.SourceURL != "" {
		fmt.Printf("Source URL:  %s\n", contact.SourceURL)
	}
	fmt.Printf("Optin:       %t\n", contact.Optin)
	fmt.Printf("Optout:      %t\n", contact.Optout)
	fmt.Printf("Created:     %s\n", contact.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", contact.UpdatedAt.Format(time.RFC3339))

	fmt.Println("\nNewsletters:")
	if len(contact.Newsletters) == 0 {
		fmt.Println("  (none)")
	}
	for _, slug := range contact.Newsletters {
		fmt.Printf("  %s\n", slug)
	}

	return nil
}
