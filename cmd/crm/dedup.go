package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clinicops/crm/internal/domain/dedup"
)

func dedupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Find and merge duplicate patients and visits",
	}

	patients := &cobra.Command{
		Use:   "patients",
		Short: "Duplicate patient records",
	}
	patients.AddCommand(findPatientsCmd(), mergePatientsCmd())

	cmd.AddCommand(patients, dedupVisitsCmd())
	return cmd
}

func findPatientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find",
		Short: "List patients sharing a national ID, with their related record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.svc.FindDuplicatePatients(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func mergePatientsCmd() *cobra.Command {
	var (
		origin     string
		duplicates []string
		actor      string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge duplicate patients into the origin patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildMergeRequest(origin, duplicates, dryRun)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.svc.MergePatients(cmd.Context(), actor, req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "", "Patient ID that survives the merge")
	cmd.Flags().StringSliceVar(&duplicates, "duplicates", nil, "Comma-separated patient IDs to merge into the origin")
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "Name recorded in the audit log")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute the merge and roll it back")
	_ = cmd.MarkFlagRequired("origin")
	_ = cmd.MarkFlagRequired("duplicates")
	return cmd
}

func dedupVisitsCmd() *cobra.Command {
	var (
		actor  string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "visits",
		Short: "Merge same-day visits of a patient at a hospital",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.svc.DeduplicateVisits(cmd.Context(), actor, dryRun)
			var partial *dedup.PartialRunError
			if errors.As(err, &partial) {
				// Print what was committed before reporting the failure.
				if werr := writeJSON(cmd.OutOrStdout(), partial.Result); werr != nil {
					return werr
				}
				return err
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "Name recorded in the audit log")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute the run and roll every group back")
	return cmd
}

func buildMergeRequest(origin string, duplicates []string, dryRun bool) (dedup.MergeRequest, error) {
	originID, err := uuid.Parse(strings.TrimSpace(origin))
	if err != nil {
		return dedup.MergeRequest{}, fmt.Errorf("--origin: %w", err)
	}
	ids, err := parseIDs(duplicates)
	if err != nil {
		return dedup.MergeRequest{}, fmt.Errorf("--duplicates: %w", err)
	}
	return dedup.MergeRequest{OriginPatientID: originID, DuplicatePatientIDs: ids, DryRun: dryRun}, nil
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
