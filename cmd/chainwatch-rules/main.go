// Command chainwatch-rules checks config and registry files offline and
// lists the built-in detection rules.
package main

import (
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chainwatch/internal/config"
	"chainwatch/internal/detection"
	"chainwatch/internal/detection/rules"
	"chainwatch/internal/registry"
	"chainwatch/internal/secrets"
)

var version = "dev"

// secretPlaceholder stands in for env: and file: references during validation.
const secretPlaceholder = "https://secret.invalid"

type command struct {
	usage string
	run   func(args []string) int
}

var commands = map[string]command{
	"validate": {"[-verbose] <path>...  check config files, including their rules sections", cmdValidate},
	"registry": {"[<path>...]           check protocol registry files", cmdRegistry},
	"list":     {"[-config <path>]      list built-in rules as a config would run them", cmdList},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "-version" || name == "--version" || name == "-v" {
		fmt.Printf("chainwatch-rules %s\n", version)
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "chainwatch-rules: unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}
	os.Exit(cmd.run(os.Args[2:]))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: chainwatch-rules <command> [flags]")
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", n, commands[n].usage)
	}
}

func cmdValidate(args []string) int {
	flags := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := flags.Bool("verbose", false, "print the rules each config enables")
	flags.Parse(args)
	if flags.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "validate: at least one path is required")
		return 2
	}
	return runChecks(os.Stdout, flags.Args(), func(w io.Writer, path string) bool {
		return validateConfig(w, path, *verbose)
	})
}

func cmdRegistry(args []string) int {
	flags := flag.NewFlagSet("registry", flag.ExitOnError)
	flags.Parse(args)
	paths := flags.Args()
	if len(paths) == 0 {
		paths = []string{"configs/registry.yaml"}
	}
	return runChecks(os.Stdout, paths, validateRegistry)
}

func cmdList(args []string) int {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := flags.String("config", "", "config file whose rules section applies")
	flags.Parse(args)
	return runList(os.Stdout, *configPath)
}

// runChecks runs check over every YAML file named by or found under
// paths, then prints a tally. It returns the process exit code.
func runChecks(w io.Writer, paths []string, check func(io.Writer, string) bool) int {
	var checked, valid, failed int
	for _, root := range paths {
		files, err := yamlFiles(root)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", root, err)
			failed++
			continue
		}
		for _, f := range files {
			checked++
			if check(w, f) {
				valid++
			} else {
				failed++
			}
		}
	}
	fmt.Fprintf(w, "\nResults: %d files checked, %d valid, %d invalid\n", checked, valid, failed)
	if failed > 0 {
		return 1
	}
	return 0
}

func validateConfig(w io.Writer, path string, verbose bool) bool {
	cfg, err := config.LoadFile(path)
	if err != nil {
		fmt.Fprintf(w, "  FAIL  %s: %v\n", path, err)
		return false
	}
	// References are checked for syntax only; their targets may not exist here.
	cfg.ResolveSecrets(func(ref string) (string, error) {
		if _, _, ok := secrets.ParseSecretRef(ref); ok {
			return secretPlaceholder, nil
		}
		return ref, nil
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "  FAIL  %s: %v\n", path, err)
		return false
	}
	built, err := rules.Build(cfg.Rules)
	if err != nil {
		fmt.Fprintf(w, "  FAIL  %s: %v\n", path, err)
		return false
	}

	disabled := rules.Disabled(cfg.Rules)
	fmt.Fprintf(w, "  OK    %s (%d rule(s), %d disabled)\n", path, len(built), len(disabled))

	if verbose {
		for _, r := range built {
			fmt.Fprintf(w, "        - %s\n", describe(r, cfg.Rules[r.ID()]))
		}
	}
	return true
}

func validateRegistry(w io.Writer, path string) bool {
	snap, err := registry.LoadFile(path)
	if err != nil {
		fmt.Fprintf(w, "  FAIL  %s: %v\n", path, err)
		return false
	}
	fmt.Fprintf(w, "  OK    %s (%d protocol(s), %d address(es))\n", path, len(snap.Protocols()), snap.Len())
	return true
}

func runList(w io.Writer, configPath string) int {
	cfgs := map[string]config.RuleConfig{}
	if configPath != "" {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		cfgs = cfg.Rules
	}

	built, err := rules.Build(cfgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	for _, r := range built {
		fmt.Fprintln(w, describe(r, cfgs[r.ID()]))
	}
	return 0
}

func describe(r detection.Rule, cfg config.RuleConfig) string {
	state := "enabled"
	if !cfg.IsEnabled() {
		state = "disabled"
	}
	severity, desc := "-", ""
	if d, ok := r.(detection.Describer); ok {
		severity = d.DefaultSeverity().String()
		desc = d.Description()
	}
	return fmt.Sprintf("%-24s  %-8s  %-8s  %s", r.ID(), state, severity, desc)
}

// yamlFiles returns root itself when it is a file, or every .yaml and
// .yml file beneath it.
func yamlFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
