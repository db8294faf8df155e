package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/danmuck/worldsync/internal/config"
	"github.com/spf13/pflag"
)

var defaultPaths = map[string]string{
	"world":       "cmd/worldd/world.toml",
	"worldd":      "cmd/worldd/config.toml",
	"worldclient": "cmd/worldclient/config.toml",
}

func main() {
	flags := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	kind := flags.String("kind", "worldd", "config kind: "+strings.Join(config.Kinds, "|"))
	output := flags.StringP("output", "o", "", "output path for config template")
	validate := flags.Bool("validate", false, "validate an existing config file")
	input := flags.StringP("input", "i", "", "config path for validation (defaults to per-kind cmd path)")
	force := flags.BoolP("force", "f", false, "overwrite existing config file")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}

	path, ok := defaultPaths[*kind]
	if !ok {
		log.Fatalf("unknown kind: %s", *kind)
	}

	if *validate {
		if *input != "" {
			path = *input
		}
		if err := validateFile(*kind, path); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	if *output != "" {
		path = *output
	}
	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, path)
}

// validateFile checks world files fully. Service configs are checked for TOML
// syntax here; the binaries resolve them.
func validateFile(kind, path string) error {
	if kind == "world" {
		wf, err := config.LoadWorld(path)
		if err != nil {
			return err
		}
		if _, err := wf.Registry(); err != nil {
			return fmt.Errorf("world types: %w", err)
		}
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return config.CheckTOML(data)
}
