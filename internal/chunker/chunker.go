// Package chunker splits episode transcripts into embedding-sized chunks on
// log boundaries.
package chunker

import (
	"strings"
)

const (
	DefaultTargetSize = 800
	DefaultMaxSize    = 1200
)

// Options configures chunking behavior.
type Options struct {
	TargetSize int
	MaxSize    int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MaxSize:    DefaultMaxSize,
	}
}

// Block is one rendered log of a transcript.
type Block struct {
	LogID string
	Text  string
}

// ChunkResult is a run of consecutive blocks joined into one text.
type ChunkResult struct {
	Text   string
	LogIDs []string
}

// Chunk merges consecutive blocks up to the target size. A block larger than
// the max size is split on line boundaries into several chunks that all carry
// its log id.
func Chunk(blocks []Block, opts Options) []ChunkResult {
	if opts.TargetSize <= 0 {
		opts = DefaultOptions()
	}
	if opts.MaxSize < opts.TargetSize {
		opts.MaxSize = opts.TargetSize
	}

	var results []ChunkResult
	var accum ChunkResult

	flush := func() {
		if accum.Text != "" {
			results = append(results, accum)
		}
		accum = ChunkResult{}
	}

	for _, b := range blocks {
		t := strings.TrimSpace(b.Text)
		if t == "" {
			continue
		}
		if len(t) > opts.MaxSize {
			flush()
			for _, part := range hardSplit(t, opts.TargetSize) {
				results = append(results, ChunkResult{Text: part, LogIDs: []string{b.LogID}})
			}
			continue
		}
		if accum.Text == "" {
			accum = ChunkResult{Text: t, LogIDs: []string{b.LogID}}
			continue
		}
		combined := accum.Text + "\n\n" + t
		if len(combined) <= opts.TargetSize {
			accum.Text = combined
			accum.LogIDs = append(accum.LogIDs, b.LogID)
			continue
		}
		flush()
		accum = ChunkResult{Text: t, LogIDs: []string{b.LogID}}
	}
	flush()

	return results
}

// hardSplit breaks text on line boundaries into pieces of roughly size bytes.
// Single lines longer than size are cut at size.
func hardSplit(text string, size int) []string {
	var out []string
	var current strings.Builder

	emit := func() {
		if t := strings.TrimSpace(current.String()); t != "" {
			out = append(out, t)
		}
		current.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		for len(line) > size {
			emit()
			out = append(out, line[:size])
			line = line[size:]
		}
		if current.Len()+len(line) > size && current.Len() > 0 {
			emit()
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	emit()

	return out
}
