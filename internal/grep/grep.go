package grep

import (
	"bufio"
	"fmt"
	"os"
	"regexp"

	"DistMR/internal/types"
)

// Grep is a mapper that counts lines matching a regular expression. The
// key is the matched line itself, so the reduced result tells how often
// each matching line occurs across all inputs.
type Grep struct {
	pattern string
	regex   *regexp.Regexp
}

// New compiles pattern.
func New(pattern string) (*Grep, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty grep pattern")
	}

	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}

	return &Grep{
		pattern: pattern,
		regex:   regex,
	}, nil
}

func (g *Grep) Pattern() string {
	return g.pattern
}

// Map emits (line, 1) for every line of location that matches.
func (g *Grep) Map(location string) ([]types.KeyValue, error) {
	file, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", location, err)
	}
	defer file.Close()

	var results []types.KeyValue
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if g.regex.MatchString(line) {
			results = append(results, types.KeyValue{Key: line, Value: 1})
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error on file %s: %w", location, err)
	}

	return results, nil
}
