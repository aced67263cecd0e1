// Package scaffold creates a starter swarm project: configuration, an example
// proto run and run request, and an example trainer.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/internal/config"
	"github.com/dyluth/swarm/pkg/wire"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Template    string
	Permissions os.FileMode
}

// Files lists what Initialize creates, relative to the project directory.
var Files = []FileInfo{
	{Path: config.DefaultPath, Template: "swarm.yml.tmpl", Permissions: 0644},
	{Path: filepath.Join("protoruns", "example.yml"), Template: "protorun.yml.tmpl", Permissions: 0644},
	{Path: filepath.Join("requests", "example.yml"), Template: "request.yml.tmpl", Permissions: 0644},
	{Path: filepath.Join("trainers", "example.sh"), Template: "train.sh.tmpl", Permissions: 0755},
}

// Initialize creates the project structure in dir.
// If force is true, existing files are overwritten.
func Initialize(dir string, force bool) error {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return err
		}
	}

	for _, f := range Files {
		content, err := templatesFS.ReadFile("templates/" + f.Template)
		if err != nil {
			return fmt.Errorf("failed to read %s template: %w", f.Template, err)
		}
		path := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, content, f.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}

	return validateCreatedFiles(dir)
}

// validateCreatedFiles checks the written files decode the way the node and
// the CLI will read them.
func validateCreatedFiles(dir string) error {
	if _, err := config.Load(filepath.Join(dir, config.DefaultPath)); err != nil {
		return fmt.Errorf("created %s is invalid: %w", config.DefaultPath, err)
	}

	var proto compute.ProtoRun
	if err := decodeFile(filepath.Join(dir, Files[1].Path), &proto); err != nil {
		return err
	}
	if err := proto.Validate(); err != nil {
		return fmt.Errorf("created %s is invalid: %w", Files[1].Path, err)
	}

	var req wire.MasterRequest
	if err := decodeFile(filepath.Join(dir, Files[2].Path), &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("created %s is invalid: %w", Files[2].Path, err)
	}
	return nil
}

func decodeFile(path string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read created %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, out); err != nil {
		return fmt.Errorf("created %s is not valid YAML: %w", path, err)
	}
	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess() {
	fmt.Println("\n✅ Successfully initialized swarm project!")
	fmt.Println("\nCreated:")
	for _, f := range Files {
		fmt.Printf("  ✓ %s\n", f.Path)
	}
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point broker.url in swarm.yml at your Redis")
	fmt.Println("  2. Replace trainers/example.sh with your training kernel")
	fmt.Println("  3. Run 'swarm node' on every machine, then 'swarm start'")
	fmt.Println("  4. Store the proto run and submit a run:")
	fmt.Println("       swarm protorun put protoruns/example.yml")
	fmt.Println("       swarm run requests/example.yml --watch")
}
