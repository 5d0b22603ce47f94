// Package initcmd scaffolds a new project directory.
package initcmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/forge/internal/command"
	"github.com/orizon-lang/forge/internal/exception"
)

// PackageName is the registry package that provides this command.
const PackageName = "@forge-cli/init"

// TemplateDir is copied from the package root into the new project.
const TemplateDir = "template"

const initialVersion = "1.0.0"

// InitCommand creates a project directory from the package template.
type InitCommand struct {
	*command.BaseCommand

	// WorkDir returns the directory projects are created in.
	WorkDir func() (string, error)

	projectName string
	targetDir   string
	force       bool
}

// New returns an init command working in the process's current directory.
func New() *InitCommand {
	return &InitCommand{
		BaseCommand: command.NewBaseCommand(
			"Create a new project",
			"usage: forge init [projectName] [--force]",
		),
		WorkDir: os.Getwd,
	}
}

// Init reads the project name and the force flag.
func (c *InitCommand) Init(_ context.Context, b *command.Base) error {
	cwd, err := c.WorkDir()
	if err != nil {
		return exception.Wrap(exception.KindConfiguration, err, "cannot determine working directory")
	}

	c.force = b.Options.Bool("force")

	if len(b.Args) > 0 && strings.TrimSpace(b.Args[0]) != "" {
		c.projectName = strings.TrimSpace(b.Args[0])
		c.targetDir = filepath.Join(cwd, c.projectName)
	} else {
		// Without a name the project is created in place.
		c.projectName = filepath.Base(cwd)
		c.targetDir = cwd
	}

	if c.projectName == "." || c.projectName == ".." || strings.ContainsAny(c.projectName, `/\`) {
		return exception.New(exception.KindArgument, "invalid project name %q", c.projectName)
	}

	return nil
}

// Exec creates the project.
func (c *InitCommand) Exec(_ context.Context, b *command.Base) error {
	log := b.Logger.WithFields(logrus.Fields{"project": c.projectName, "dir": c.targetDir})

	empty, err := isEmptyDir(c.targetDir)
	if err != nil {
		return exception.Wrap(exception.KindExecution, err, "cannot inspect %s", c.targetDir)
	}

	if !empty && !c.force {
		return exception.New(exception.KindArgument, "directory %s is not empty, use --force to overwrite", c.targetDir)
	}

	if err := os.MkdirAll(c.targetDir, 0o755); err != nil {
		return exception.Wrap(exception.KindExecution, err, "cannot create %s", c.targetDir)
	}

	if b.Root != "" {
		n, err := copyTemplate(filepath.Join(b.Root, TemplateDir), c.targetDir, c.force)
		if err != nil {
			return exception.Wrap(exception.KindExecution, err, "cannot copy template")
		}

		log.WithField("files", n).Debug("template copied")
	}

	if err := writeManifest(c.targetDir, c.projectName); err != nil {
		return exception.Wrap(exception.KindExecution, err, "cannot write package.json")
	}

	log.Info("project created")

	return nil
}

// isEmptyDir reports true for a missing or empty directory.
func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}

		return false, err
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}

	return false, err
}

// copyTemplate copies src into dst. Existing files are only replaced with
// overwrite set. A missing template is not an error.
func copyTemplate(src, dst string, overwrite bool) (int, error) {
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		return 0, nil
	}

	copied := 0

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		if !d.Type().IsRegular() {
			return nil
		}

		if _, err := os.Stat(target); err == nil && !overwrite {
			return nil
		}

		if err := copyFile(p, target); err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}

		copied++

		return nil
	})

	return copied, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0o200)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}

// writeManifest sets name in dir/package.json, creating the file when
// needed. Other fields of an existing manifest are preserved.
func writeManifest(dir, name string) error {
	path := filepath.Join(dir, "package.json")
	manifest := map[string]any{}

	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		if err := json.Unmarshal(data, &manifest); err != nil {
			return fmt.Errorf("parse existing package.json: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	manifest["name"] = name
	if v, ok := manifest["version"].(string); !ok || v == "" {
		manifest["version"] = initialVersion
	}

	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(out, '\n'), 0o644)
}
