package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/hutch/pkg/project"
	"github.com/cuemby/hutch/pkg/resolver"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a project manifest",
	Long: `Apply project manifests from a YAML file to a running hutch server.

Manifests are validated locally first; a dependency cycle is reported
without contacting the server.

Examples:
  # Apply a project
  hutch apply -f project.yaml

  # Apply several projects to a remote server
  hutch apply -f projects.yaml --server http://10.0.0.5:8080`,
	RunE: runApply,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a project manifest and print its start levels",
	RunE:  runValidate,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("server", defaultServer, "Admin API address")
	_ = applyCmd.MarkFlagRequired("file")

	validateCmd.Flags().StringP("file", "f", "", "YAML file to validate (required)")
	_ = validateCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(validateCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	server, _ := cmd.Flags().GetString("server")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	if _, err := checkManifests(data); err != nil {
		return err
	}

	var applied []struct {
		ID string `json:"id"`
	}
	if err := newClient(server).do("PUT", "/api/v1/projects", data, &applied); err != nil {
		return err
	}
	for _, p := range applied {
		fmt.Printf("✓ Project applied: %s\n", p.ID)
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	manifests, err := checkManifests(data)
	if err != nil {
		return err
	}

	for _, m := range manifests {
		levels, _ := m.Levels()
		fmt.Printf("✓ %s: %d containers, %d levels\n", m.Metadata.Name, len(m.Spec.Containers), len(levels))
		for i, level := range levels {
			fmt.Printf("  level %d: %s\n", i, strings.Join(level, ", "))
		}
	}
	return nil
}

// checkManifests parses, validates and resolves every manifest in data
func checkManifests(data []byte) ([]*project.Manifest, error) {
	manifests, err := project.Parse(data)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, fmt.Errorf("no project documents found")
	}

	for _, m := range manifests {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", m.Metadata.Name, err)
		}
		if _, err := m.Levels(); err != nil {
			var cycle *resolver.CircularDependencyError
			if errors.As(err, &cycle) {
				return nil, fmt.Errorf("%s: containers %s form a dependency cycle", m.Metadata.Name, strings.Join(cycle.Members(), ", "))
			}
			return nil, fmt.Errorf("%s: %w", m.Metadata.Name, err)
		}
	}
	return manifests, nil
}
