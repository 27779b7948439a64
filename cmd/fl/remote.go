package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgeline/internal/server"
	forgelinesdk "forgeline/sdk/go"
)

func remoteCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "remote",
		Short: "Drive a forgeline server over HTTP",
	}
	c.PersistentFlags().String("url", "http://127.0.0.1:8080/", "server URL (without base path)")
	c.PersistentFlags().String("token", "", "bearer token")
	c.PersistentFlags().String("jwt-secret", "", "mint a token for --user-id with this secret")
	_ = viper.BindPFlag("url", c.PersistentFlags().Lookup("url"))
	_ = viper.BindPFlag("token", c.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("jwt-secret", c.PersistentFlags().Lookup("jwt-secret"))
	c.AddCommand(remoteStartCmd())
	c.AddCommand(remoteStatusCmd())
	c.AddCommand(remoteCancelCmd())
	c.AddCommand(remoteTicketsCmd())
	return c
}

func remoteClient() (*forgelinesdk.Client, error) {
	project := viper.GetString("project")
	c := forgelinesdk.New(viper.GetString("url"), project)
	c.BearerToken = viper.GetString("token")
	if c.BearerToken == "" {
		if secret := viper.GetString("jwt-secret"); secret != "" {
			token, err := server.IssueToken(secret, viper.GetString("user-id"))
			if err != nil {
				return nil, err
			}
			c.BearerToken = token
		}
	}
	return c, nil
}

func remoteStartCmd() *cobra.Command {
	var req forgelinesdk.StartRunRequest
	var wait bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("project") == "" {
				return fmt.Errorf("--project required")
			}
			c, err := remoteClient()
			if err != nil {
				return err
			}
			started, err := c.StartRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !wait {
				if viper.GetBool("json") {
					return printJSON(started)
				}
				fmt.Printf("run %s %s\n", started.RunID, started.State)
				return nil
			}
			run, err := c.WaitRun(cmd.Context(), started.RunID, interval)
			if err != nil {
				return err
			}
			return printRemoteRun(run)
		},
	}
	cmd.Flags().StringVar(&req.Request, "request", "", "feature request text")
	cmd.Flags().StringVar(&req.Repository, "repository", "", "repository URL")
	cmd.Flags().StringVar(&req.Ref, "ref", "", "base branch or commit")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the run finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --wait")
	_ = cmd.MarkFlagRequired("request")
	_ = cmd.MarkFlagRequired("repository")
	return cmd
}

func remoteStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run from the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remoteClient()
			if err != nil {
				return err
			}
			run, err := c.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRemoteRun(run)
		},
	}
}

func remoteCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remoteClient()
			if err != nil {
				return err
			}
			run, err := c.CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRemoteRun(run)
		},
	}
}

func remoteTicketsCmd() *cobra.Command {
	var q forgelinesdk.TicketQuery
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List tickets from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("project") == "" {
				return fmt.Errorf("--project required")
			}
			c, err := remoteClient()
			if err != nil {
				return err
			}
			list, err := c.ListTickets(cmd.Context(), q)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(list)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Key", "Type", "Status", "Title"})
			for _, t := range list {
				tw.AppendRow(table.Row{t.Key, t.Type, t.Status, truncate(t.Title, 60)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&q.RunID, "run", "", "run id filter")
	cmd.Flags().StringVar(&q.ParentID, "parent", "", "parent ticket id")
	cmd.Flags().StringVar(&q.Type, "type", "", "type filter")
	cmd.Flags().StringSliceVar(&q.Statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum tickets")
	return cmd
}

func printRemoteRun(run forgelinesdk.Run) error {
	if viper.GetBool("json") {
		return printJSON(run)
	}
	fmt.Printf("run %s  %s", run.ID, run.State)
	if run.Outcome != "" {
		fmt.Printf(" (%s)", run.Outcome)
	}
	fmt.Println()
	if run.Error != "" {
		fmt.Printf("error: %s\n", run.Error)
	}
	if len(run.StalledTickets) > 0 {
		fmt.Printf("stalled tickets: %s\n", strings.Join(run.StalledTickets, ", "))
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Time", "Phase", "State", "Level", "Message"})
	for _, e := range run.Timeline {
		tw.AppendRow(table.Row{e.Seq, e.Timestamp, e.Phase, e.State, e.Level, truncate(e.Message, 70)})
	}
	tw.Render()
	return nil
}
