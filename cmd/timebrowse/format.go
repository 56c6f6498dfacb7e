package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatAuto  OutputFormat = "auto"
	FormatHuman OutputFormat = "human"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ParseOutputFormat validates a format name
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatAuto, FormatHuman, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatAuto, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

// resolveFormat turns auto into human on a terminal and json otherwise
func resolveFormat(f OutputFormat, isTerminal bool) OutputFormat {
	if f != FormatAuto {
		return f
	}
	if isTerminal {
		return FormatHuman
	}
	return FormatJSON
}

// outputFormat returns the effective format: --format, then the config
func outputFormat() (OutputFormat, error) {
	name := formatFlag
	if name == "" && cfg != nil {
		name = cfg.Output.Format
	}
	f, err := ParseOutputFormat(name)
	if err != nil {
		return "", err
	}
	return resolveFormat(f, term.IsTerminal(int(os.Stdout.Fd()))), nil
}

// FormatResponse renders resp. human uses the humanFn; json and yaml encode resp.
func FormatResponse(w io.Writer, resp interface{}, format OutputFormat, humanFn func(io.Writer) error) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(resp); err != nil {
			return err
		}
		return enc.Close()
	case FormatHuman:
		if humanFn == nil {
			return FormatResponse(w, resp, FormatYAML, nil)
		}
		return humanFn(w)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// printResponse writes resp to stdout in the effective format
func printResponse(resp interface{}, humanFn func(io.Writer) error) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}
	return FormatResponse(os.Stdout, resp, format, humanFn)
}
