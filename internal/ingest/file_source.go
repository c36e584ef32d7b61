package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/metrics"
	"chainwatch/internal/pipeline"
)

const maxLineSize = 4 * 1024 * 1024

// FileSource replays raw logs from a JSON Lines stream, one log per line.
// Blank lines are skipped and undecodable lines are logged and skipped.
type FileSource struct {
	scanner *bufio.Scanner
	name    string
	logger  *slog.Logger
	line    int
}

// NewFileSource creates a replay source reading from r. name labels log
// output, usually the file path.
func NewFileSource(r io.Reader, name string, logger *slog.Logger) *FileSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &FileSource{
		scanner: scanner,
		name:    name,
		logger:  logger.With("component", "file_source", "file", name),
	}
}

// Next returns the next log, or io.EOF at the end of the stream.
func (s *FileSource) Next(ctx context.Context) (pipeline.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pipeline.Delivery{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return pipeline.Delivery{}, fmt.Errorf("read %s line %d: %w", s.name, s.line+1, err)
			}
			return pipeline.Delivery{}, io.EOF
		}
		s.line++

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var raw chainlog.RawLog
		if err := json.Unmarshal(line, &raw); err != nil {
			metrics.DecodeErrors.WithLabelValues("json").Inc()
			s.logger.Warn("skipping undecodable line", "line", s.line, "error", err)
			continue
		}
		return pipeline.Delivery{Log: raw}, nil
	}
}

// ReadAll drains src. Replay uses it to publish a file instead of
// evaluating it.
func ReadAll(ctx context.Context, src pipeline.Source) ([]chainlog.RawLog, error) {
	var logs []chainlog.RawLog
	for {
		d, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return logs, nil
		}
		if err != nil {
			return logs, err
		}
		logs = append(logs, d.Log)
	}
}

// Concat reads each source to io.EOF in turn.
func Concat(sources ...pipeline.Source) pipeline.Source {
	return pipeline.SourceFunc(func(ctx context.Context) (pipeline.Delivery, error) {
		for len(sources) > 0 {
			d, err := sources[0].Next(ctx)
			if errors.Is(err, io.EOF) {
				sources = sources[1:]
				continue
			}
			return d, err
		}
		return pipeline.Delivery{}, io.EOF
	})
}
