package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewpipe/internal/producer"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
	"github.com/spf13/cobra"
)

func submitCmd(open opener) *cobra.Command {
	var (
		guest    string
		user     string
		language string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Submit a file for review on behalf of a user or guest",
		Long:  "Submit a file for review. Use - to read the code from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerFromFlags(guest, user)
			if err != nil {
				return err
			}

			code, filename, err := readSource(cmd, args[0])
			if err != nil {
				return err
			}

			return withBackends(cmd, open, func(b *backends) error {
				p := producer.New(b.store, b.queue, b.priorityThreshold)
				resp, err := p.Submit(cmd.Context(), producer.SubmitRequest{
					Owner:    owner,
					Code:     code,
					Filename: filename,
					Language: language,
					Priority: priority,
				})
				var verr *producer.ValidationError
				if errors.As(err, &verr) {
					for _, v := range verr.Violations {
						printf(cmd.ErrOrStderr(), "  - %s\n", v)
					}
					return errors.New("submission rejected")
				}
				if err != nil {
					return err
				}

				printf(cmd.OutOrStdout(), "Job %s %s (estimated %ds).\n", resp.JobID, resp.Status, resp.EstimatedTime)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&guest, "guest", "", "Submit as this guest ID")
	cmd.Flags().StringVar(&user, "user", "", "Submit as this user ID")
	cmd.Flags().StringVar(&language, "language", "", "Language override; detected from the file extension when empty")
	cmd.Flags().IntVar(&priority, "priority", models.DefaultPriority, "Priority from 1 to 10")
	cmd.MarkFlagsMutuallyExclusive("guest", "user")
	cmd.MarkFlagsOneRequired("guest", "user")
	return cmd
}

func ownerFromFlags(guest, user string) (models.OwnerRef, error) {
	if user != "" {
		id, err := uuid.Parse(user)
		if err != nil {
			return models.OwnerRef{}, fmt.Errorf("invalid --user %q: %w", user, err)
		}
		return models.UserOwner(id), nil
	}
	owner := models.GuestOwner(guest)
	if err := owner.Validate(); err != nil {
		return models.OwnerRef{}, fmt.Errorf("invalid --guest: %w", err)
	}
	return owner, nil
}

func readSource(cmd *cobra.Command, path string) (code, filename string, err error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return "", "", fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
		filename = filepath.Base(path)
	}

	data, err := io.ReadAll(io.LimitReader(r, producer.MaxCodeBytes+1))
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), filename, nil
}
