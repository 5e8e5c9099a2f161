// Copyright 2025 James Ross
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/autoweave/autoweaved/internal/manifest"
)

// autoweavectl is a read-only companion to autoweaved: it walks a plugin
// directory tree the same way the Loader does, but only parses, validates,
// and reports — it never spawns a worker or touches the bus.
func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "list":
		err = runList(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "autoweavectl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: autoweavectl <command> [flags]

commands:
  list -dir <plugins>              list every discovered plugin directory
  inspect -dir <plugins> <name>    print one plugin's parsed manifest as JSON
  validate -dir <plugins>          parse, validate, and verify every plugin`)
}

type pluginEntry struct {
	Dir      string
	Manifest *manifest.Manifest
	Err      error
}

func discover(dir string) ([]pluginEntry, error) {
	dirs, err := discoverPluginDirs(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]pluginEntry, 0, len(dirs))
	for _, d := range dirs {
		entries = append(entries, load(d))
	}
	return entries, nil
}

func load(dir string) pluginEntry {
	raw, err := os.ReadFile(filepath.Join(dir, "autoweave.plugin.json"))
	if err != nil {
		return pluginEntry{Dir: dir, Err: err}
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return pluginEntry{Dir: dir, Err: err}
	}
	if err := manifest.Validate(m, dir); err != nil {
		return pluginEntry{Dir: dir, Manifest: m, Err: err}
	}
	if err := manifest.VerifySignature(m, raw, dir, nil); err != nil {
		return pluginEntry{Dir: dir, Manifest: m, Err: err}
	}
	return pluginEntry{Dir: dir, Manifest: m}
}

// discoverPluginDirs mirrors internal/loader's unexported walk: every
// directory directly containing autoweave.plugin.json under root.
func discoverPluginDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == "autoweave.plugin.json" {
			dirs = append(dirs, filepath.Dir(path))
		}
		return nil
	})
	return dirs, err
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dir := fs.String("dir", "./plugins", "plugin root directory")
	_ = fs.Parse(args)

	entries, err := discover(*dir)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "NAME\tVERSION\tDIR\tSTATUS")
	for _, e := range entries {
		if e.Err != nil {
			fmt.Fprintf(w, "%s\t-\t%s\t%s\n", filepath.Base(e.Dir), e.Dir, e.Err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\tok\n", e.Manifest.Name, e.Manifest.Version, e.Dir)
	}
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dir := fs.String("dir", "./plugins", "plugin root directory")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("inspect requires a plugin name")
	}
	name := fs.Arg(0)

	entries, err := discover(*dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Manifest != nil && e.Manifest.Name == name {
			if e.Err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", e.Err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(e.Manifest)
		}
	}
	return fmt.Errorf("no plugin named %q found under %s", name, *dir)
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	dir := fs.String("dir", "./plugins", "plugin root directory")
	_ = fs.Parse(args)

	entries, err := discover(*dir)
	if err != nil {
		return err
	}

	failed := 0
	for _, e := range entries {
		if e.Err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", e.Dir, e.Err)
			continue
		}
		fmt.Printf("OK   %s (%s@%s)\n", e.Dir, e.Manifest.Name, e.Manifest.Version)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d plugins failed validation", failed, len(entries))
	}
	return nil
}
