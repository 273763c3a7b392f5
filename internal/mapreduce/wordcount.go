package mapreduce

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/encoding/charmap"

	"DistMR/internal/types"
)

// WordCount emits (word, 1) for every word of a Latin-1 text file. Words are
// runs of letters, digits and underscores, lowercased.
type WordCount struct{}

func (WordCount) Map(location string) ([]types.KeyValue, error) {
	file, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", location, err)
	}
	defer file.Close()

	var kvs []types.KeyValue
	scanner := bufio.NewScanner(charmap.ISO8859_1.NewDecoder().Reader(file))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		for _, word := range Words(scanner.Text()) {
			kvs = append(kvs, types.KeyValue{Key: word, Value: 1})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", location, err)
	}
	return kvs, nil
}

// Words splits line on non-word characters and lowercases each word.
func Words(line string) []string {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}
