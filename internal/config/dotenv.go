package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadDotEnv applies KEY=VALUE files in order and returns the ones it found.
// Variables already present in the process environment are never replaced,
// so earlier files win over later ones too.
func LoadDotEnv(paths ...string) ([]string, error) {
	loaded := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		file, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return loaded, fmt.Errorf("open %s: %w", path, err)
		}
		values, err := ParseDotEnv(file)
		file.Close()
		if err != nil {
			return loaded, fmt.Errorf("parse %s: %w", path, err)
		}
		for _, entry := range values {
			if _, exists := os.LookupEnv(entry.Key); exists {
				continue
			}
			if err := os.Setenv(entry.Key, entry.Value); err != nil {
				return loaded, fmt.Errorf("set %s: %w", entry.Key, err)
			}
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}

type EnvEntry struct {
	Key   string
	Value string
}

// ParseDotEnv reads entries in file order. Blank lines, comments and lines
// without "=" are skipped; an "export " prefix is accepted.
func ParseDotEnv(r io.Reader) ([]EnvEntry, error) {
	var entries []EnvEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		entries = append(entries, EnvEntry{Key: key, Value: dotEnvValue(raw)})
	}
	return entries, scanner.Err()
}

var doubleQuoteEscapes = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\t`, "\t", `\"`, `"`)

func dotEnvValue(raw string) string {
	value := strings.TrimSpace(raw)
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		switch {
		case first == '"' && last == '"':
			return doubleQuoteEscapes.Replace(value[1 : len(value)-1])
		case first == '\'' && last == '\'':
			return value[1 : len(value)-1]
		}
	}
	// VALUE # comment
	if before, _, found := strings.Cut(value, " #"); found {
		return strings.TrimSpace(before)
	}
	return value
}
