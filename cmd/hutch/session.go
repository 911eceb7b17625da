package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions on a running server",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create PROJECT",
	Short: "Create a session from a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		wait, _ := cmd.Flags().GetDuration("wait")
		c := newClient(server)

		var sess sessionView
		if err := c.do("POST", "/api/v1/projects/"+args[0]+"/sessions", nil, &sess); err != nil {
			return err
		}
		fmt.Printf("✓ Session created: %s\n", sess.ID)

		if wait > 0 {
			if err := waitRunning(c, sess.ID, wait); err != nil {
				return err
			}
			if err := c.do("GET", "/api/v1/sessions/"+sess.ID, nil, &sess); err != nil {
				return err
			}
		}
		printSession(&sess)
		return nil
	},
}

var sessionGetCmd = &cobra.Command{
	Use:   "inspect SESSION",
	Short: "Show a session and its containers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		c := newClient(server)

		var sess sessionView
		if err := c.do("GET", "/api/v1/sessions/"+args[0], nil, &sess); err != nil {
			return err
		}
		printSession(&sess)

		var containers []containerView
		if err := c.do("GET", "/api/v1/sessions/"+args[0]+"/containers", nil, &containers); err != nil {
			return err
		}
		fmt.Println("Containers:")
		for _, ctr := range containers {
			fmt.Printf("  %-16s %-10s %s\n", ctr.ID, ctr.Status, ctr.Hostname)
			if ctr.Error != "" {
				fmt.Printf("    error: %s\n", ctr.Error)
			}
		}
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete SESSION",
	Short: "Tear a session down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		if err := newClient(server).do("DELETE", "/api/v1/sessions/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Session deleted: %s\n", args[0])
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile PROJECT",
	Short: "Converge a project's session pool and wait for the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")

		var result struct {
			Outcome  string `json:"outcome"`
			Pooled   int    `json:"pooled"`
			Created  int    `json:"created"`
			Drained  int    `json:"drained"`
			Failures int    `json:"failures"`
		}
		if err := newClient(server).do("POST", "/api/v1/projects/"+args[0]+"/pool/reconcile", nil, &result); err != nil {
			return err
		}
		fmt.Printf("✓ Pool %s: %d pooled (%d created, %d drained, %d failures)\n",
			result.Outcome, result.Pooled, result.Created, result.Drained, result.Failures)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{sessionCreateCmd, sessionGetCmd, sessionDeleteCmd, reconcileCmd} {
		c.Flags().String("server", defaultServer, "Admin API address")
	}
	sessionCreateCmd.Flags().Duration("wait", 0, "Wait until every container runs")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(reconcileCmd)
}

type sessionView struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	Routes    []struct {
		ContainerID   string `json:"container_id"`
		ContainerPort int    `json:"container_port"`
		URL           string `json:"url"`
	} `json:"routes"`
}

type containerView struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Status   string `json:"status"`
	Error    string `json:"error"`
}

func printSession(s *sessionView) {
	fmt.Printf("Session: %s\n", s.ID)
	fmt.Printf("  Project: %s\n", s.ProjectID)
	fmt.Printf("  Status: %s\n", s.Status)
	if s.Error != "" {
		fmt.Printf("  Error: %s\n", s.Error)
	}
	for _, r := range s.Routes {
		fmt.Printf("  %s:%d -> %s\n", r.ContainerID, r.ContainerPort, r.URL)
	}
}

// waitRunning polls until every container of the session runs
func waitRunning(c *client, sessionID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var containers []containerView
		if err := c.do("GET", "/api/v1/sessions/"+sessionID+"/containers", nil, &containers); err != nil {
			return err
		}

		running := len(containers) > 0
		for _, ctr := range containers {
			if ctr.Status == "error" {
				return fmt.Errorf("container %s failed: %s", ctr.ID, ctr.Error)
			}
			if ctr.Status != "running" {
				running = false
			}
		}
		if running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("session %s not running after %s", sessionID, timeout)
		}
		time.Sleep(time.Second)
	}
}
