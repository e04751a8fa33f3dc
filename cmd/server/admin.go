package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"learnova.app/backend/internal/quota"
	"learnova.app/backend/internal/store"
)

func newPremiumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "premium",
		Short: "Manage premium access",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "grant <email>",
		Short: "Grant lifetime premium to a user (support refunds, manual payments)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			user, err := lookupUser(cmd, s, args[0])
			if err != nil {
				return err
			}
			if _, err := s.GrantPremium(cmd.Context(), user.ID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Granted premium to %s\n", user.ExternalUserID)
			return nil
		},
	})
	return cmd
}

func newQuotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect daily allowances",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <email>",
		Short: "Show a user's settings as they apply today",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			user, err := lookupUser(cmd, s, args[0])
			if err != nil {
				return err
			}
			st, err := s.GetEntitlement(cmd.Context(), user.ID)
			if err != nil {
				return err
			}
			st, _ = quota.Rollover(st, s.Today(), s.Limits())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				quota.State
				User                string `json:"user"`
				PDFExportsRemaining int    `json:"pdf_exports_remaining"`
			}{
				User:                user.ExternalUserID,
				State:               st,
				PDFExportsRemaining: quota.ExportsRemaining(st, s.Limits()),
			})
		},
	})
	return cmd
}

func lookupUser(cmd *cobra.Command, s *store.SQLiteStore, email string) (*store.User, error) {
	user, err := s.GetUserByExternalID(cmd.Context(), strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %q not found", email)
	}
	return user, nil
}
