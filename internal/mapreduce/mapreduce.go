package mapreduce

import (
	"fmt"
	"sort"
	"sync"

	"DistMR/internal/types"
)

// Mapper turns one input location into intermediate pairs.
type Mapper interface {
	Map(location string) ([]types.KeyValue, error)
}

// MapperFunc adapts a function to Mapper.
type MapperFunc func(location string) ([]types.KeyValue, error)

func (f MapperFunc) Map(location string) ([]types.KeyValue, error) {
	return f(location)
}

// Combine sums the values of each key produced by a single map call.
func Combine(kvs []types.KeyValue) types.Occurrences {
	combined := make(types.Occurrences)
	for _, kv := range kvs {
		combined[kv.Key] += kv.Value
	}
	return combined
}

// Reduce sums counts per key across every map result.
func Reduce(results []types.Occurrences) types.Occurrences {
	reduced := make(types.Occurrences)
	for _, r := range results {
		for k, v := range r {
			reduced[k] += v
		}
	}
	return reduced
}

// SortedKeys returns the keys of o in lexical order.
func SortedKeys(o types.Occurrences) []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Engine runs a whole job inside one process. It is the reference the
// distributed run is checked against.
type Engine struct {
	parallelism int
}

// NewEngine creates an engine that runs at most parallelism mappers at once.
func NewEngine(parallelism int) *Engine {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Engine{parallelism: parallelism}
}

// Execute maps every location, combines each result and reduces them.
func (e *Engine) Execute(locations []string, mapper Mapper) (types.Occurrences, error) {
	results, err := e.mapPhase(locations, mapper)
	if err != nil {
		return nil, err
	}
	return Reduce(results), nil
}

func (e *Engine) mapPhase(locations []string, mapper Mapper) ([]types.Occurrences, error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]types.Occurrences, len(locations))
	var firstErr error

	sem := make(chan struct{}, e.parallelism)

	for i, location := range locations {
		wg.Add(1)
		go func(i int, loc string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			kvs, err := mapper.Map(loc)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to map %s: %w", loc, err)
				}
				mu.Unlock()
				return
			}
			results[i] = Combine(kvs)
		}(i, location)
	}

	wg.Wait()
	return results, firstErr
}
