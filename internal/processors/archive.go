package processors

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/tagflow/internal/expressions"
	"github.com/rendis/tagflow/internal/logging"
	"github.com/rendis/tagflow/pkg/schema"
)

// ArchivePathEnv names the environment variable holding the archive.file path.
const ArchivePathEnv = "ARCHIVE_LOG_PATH"

// DefaultArchivePath is used when neither a path param nor ArchivePathEnv is set.
const DefaultArchivePath = "logs/archive.log"

// Archiver persists archived lines under a stream name.
type Archiver interface {
	Append(ctx context.Context, stream string, lines []string) error
}

// ArchiveDefinitions returns the sink types that persist lines.
func ArchiveDefinitions(deps Deps) []Definition {
	return []Definition{
		{
			Name:        "archive.file",
			Description: "Appends lines to a file and emits nothing; params: path (default $ARCHIVE_LOG_PATH or logs/archive.log)",
			Factory: func(params map[string]any) (Processor, error) {
				path, err := stringParam(params, "path", "")
				if err != nil {
					return nil, err
				}
				if path == "" {
					path = deps.Getenv(ArchivePathEnv)
				}
				if path == "" {
					path = DefaultArchivePath
				}
				return &FileArchive{path: path, logger: deps.Logger}, nil
			},
		},
		{
			Name:        "archive.libsql",
			Description: "Inserts lines into the archive database and emits nothing; params: stream (default node tag)",
			Factory: func(params map[string]any) (Processor, error) {
				if deps.Archive == nil {
					return nil, schema.NewError(schema.ErrCodeConfiguration, "archive.libsql requires an archive database")
				}
				stream, err := stringParam(params, "stream", "")
				if err != nil {
					return nil, err
				}
				return &DBArchive{archive: deps.Archive, stream: stream}, nil
			},
		},
	}
}

// drainLines collects the text form of every payload in batch.
func drainLines(batch Batch) []string {
	var lines []string
	for payload := range batch {
		lines = append(lines, expressions.Stringify(payload))
	}
	return lines
}

// FileArchive appends each line to a file, creating parent directories.
type FileArchive struct {
	path   string
	logger *slog.Logger
}

// Path returns the destination file.
func (a *FileArchive) Path() string { return a.path }

// Process writes the whole batch in one append.
func (a *FileArchive) Process(ctx context.Context, batch Batch, _ Emit) error {
	lines := drainLines(batch)
	if len(lines) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", a.path, err)
	}
	defer f.Close()

	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("write archive %s: %w", a.path, err)
		}
	}

	logging.LogWith(ctx, a.logger).Debug("archived lines",
		slog.String("path", a.path),
		slog.Int("count", len(lines)),
	)
	return nil
}

// Emits declares that the sink emits nothing.
func (a *FileArchive) Emits() []string { return []string{} }

// DBArchive writes lines through an Archiver.
type DBArchive struct {
	archive Archiver
	stream  string
}

// Process appends the whole batch under the configured stream, or the node tag.
func (a *DBArchive) Process(ctx context.Context, batch Batch, _ Emit) error {
	lines := drainLines(batch)
	if len(lines) == 0 {
		return nil
	}
	stream := a.stream
	if stream == "" {
		stream = logging.Stage(ctx)
	}
	return a.archive.Append(ctx, stream, lines)
}

// Emits declares that the sink emits nothing.
func (a *DBArchive) Emits() []string { return []string{} }
