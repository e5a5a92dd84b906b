package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the config file and create the private zone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			if err := cfg.Save(cfg.Path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			a, err := newApp(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "FolioSync initialized")
			fmt.Fprintf(out, "Config Path: %s\n", green.Render(cfg.Path))
			fmt.Fprintf(out, "Principal:   %s\n", cyan.Render(cfg.Principal))
			fmt.Fprintf(out, "Backend:     %s\n", cyan.Render(cfg.Backend))
			fmt.Fprintf(out, "Zone:        %s\n", cyan.Render(cfg.ZoneName))
			return nil
		},
	}
}

func (c *cli) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Sync and list private and shared folios",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWithApp(cmd, nil, func(ctx context.Context, a *app) error {
				loaded, err := a.refresh(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printFolios(out, "Private", loaded.Private)
				printFolios(out, "Shared", loaded.Shared)
				return nil
			})
		},
	}
}

func (c *cli) newAddCmd() *cobra.Command {
	var title, desc string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a folio to the private zone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWithApp(cmd, nil, func(ctx context.Context, a *app) error {
				f, err := a.engine.AddFolio(ctx, title, desc)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", cyan.Render(f.Title), f.ID.Name)
				return nil
			})
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&title, "title", "t", "", "folio title")
	cmd.Flags().StringVar(&desc, "desc", "", "folio description")
	_ = cmd.MarkFlagRequired("title")

	return cmd
}

func (c *cli) newShareCmd() *cobra.Command {
	var invite []string

	cmd := &cobra.Command{
		Use:   "share <title>",
		Short: "Share a private folio, optionally inviting principals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWithApp(cmd, nil, func(ctx context.Context, a *app) error {
				f, err := a.findPrivate(ctx, args[0])
				if err != nil {
					return err
				}

				grant, err := a.engine.FetchOrCreateShare(ctx, f)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Shared %s as %s (%s)\n", cyan.Render(f.Title), green.Render(grant.Title), grant.ID.Name)

				for _, principal := range invite {
					if err := a.engine.AddParticipant(ctx, grant, principal); err != nil {
						return err
					}
					fmt.Fprintf(out, "Invited %s\n", cyan.Render(principal))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&invite, "invite", "i", nil, "principal to invite (repeatable)")

	return cmd
}

func (c *cli) newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <title>",
		Aliases: []string{"rm"},
		Short:   "Delete a private folio and its share",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWithApp(cmd, nil, func(ctx context.Context, a *app) error {
				f, err := a.findPrivate(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.engine.DeleteFolio(ctx, f); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", cyan.Render(f.Title))
				return nil
			})
		},
	}
}

func (c *cli) newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop tombstones of deleted folios from the private zone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWithApp(cmd, nil, func(ctx context.Context, a *app) error {
				purged, err := a.purge(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d tombstones from %s\n", purged, cyan.Render(a.cfg.ZoneName))
				return nil
			})
		},
	}
}
