package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var newslettersCmd = &cobra.Command{
	Use:   "newsletters",
	Short: "Newsletter catalog commands",
}

var newslettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List newsletters in the catalog",
	RunE:  runNewslettersList,
}

func init() {
	newslettersCmd.AddCommand(newslettersListCmd)
	rootCmd.AddCommand(newslettersCmd)
}

func runNewslettersList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	list, err := application.Catalog().List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list newsletters: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("Catalog is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tACTIVE\tDOI\tCONFIRM\tLANGUAGES\tVENDOR ID")
	fmt.Fprintln(w, "----\t------\t---\t-------\t---------\t---------")

	for _, nl := range list {
		confirm := "moz"
		if nl.FirefoxConfirm {
			confirm = "fx"
		}
		fmt.Fprintf(w, "%s\t%t\t%t\t%s\t%s\t%s\n",
			nl.Slug,
			nl.Active,
			nl.RequiresDoubleOptin,
			confirm,
			strings.Join(nl.Languages, ","),
			nl.VendorID,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d newsletters\n", len(list))

	return nil
}
