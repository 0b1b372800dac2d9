package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/tagflow/internal/expressions"
	"github.com/rendis/tagflow/internal/observe"
	"github.com/rendis/tagflow/internal/processors"
)

// Default stage names.
const (
	StageParse    = "parse"
	StageEnrich   = "enrich"
	StageClassify = "classify"
	StageSink     = "sink"
)

// ErrUnclassifiable is recorded for records carrying type=bad.
var ErrUnclassifiable = errors.New("unclassifiable type=bad")

// StageDeps injects the nondeterministic parts of the default stages.
type StageDeps struct {
	// Now stamps enriched_at. Defaults to time.Now.
	Now func() time.Time
	// Score draws the enrichment score in [0, 1). Defaults to rand.Float64.
	Score func() float64
	// Delay simulates sink latency. Defaults to 0.5-2ms with a 1% 50ms outlier.
	Delay func() time.Duration
	// Archive, when set, receives every sunk record as one JSON line.
	Archive processors.Archiver
}

func (d StageDeps) defaults() StageDeps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Score == nil {
		d.Score = rand.Float64
	}
	if d.Delay == nil {
		d.Delay = sinkDelay
	}
	return d
}

// DefaultStages returns parse, enrich, classify and sink.
func DefaultStages(deps StageDeps) []Stage {
	deps = deps.defaults()
	return []Stage{
		ParseStage(),
		EnrichStage(deps.Now, deps.Score),
		ClassifyStage(),
		SinkStage(deps.Delay, deps.Archive),
	}
}

// ParseStage splits "k=v,k=v" into a record map. A token without '=' fails
// the record.
func ParseStage() Stage {
	return NewStage(StageParse, func(_ context.Context, id string, value any, store *observe.Store) (any, error) {
		line := strings.TrimSpace(expressions.Stringify(value))
		record := make(map[string]any)
		for _, part := range strings.Split(line, ",") {
			if part == "" {
				continue
			}
			k, v, ok := strings.Cut(part, "=")
			if !ok {
				return nil, fmt.Errorf("malformed token: %s", part)
			}
			record[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		store.AddTrace(id, StageParse, "parsed")
		return record, nil
	})
}

// EnrichStage stamps enriched_at (unix seconds) and a score.
func EnrichStage(now func() time.Time, score func() float64) Stage {
	return NewStage(StageEnrich, func(_ context.Context, id string, value any, store *observe.Store) (any, error) {
		record, err := asRecord(value)
		if err != nil {
			return nil, err
		}
		record["enriched_at"] = float64(now().UnixNano()) / float64(time.Second)
		record["score"] = score()
		store.AddTrace(id, StageEnrich, "enriched")
		return record, nil
	})
}

// ClassifyStage labels records "error" when score > 0.9 and "ok" otherwise.
// A type=bad record is recorded as an error but continues labeled "unknown".
func ClassifyStage() Stage {
	return NewStage(StageClassify, func(_ context.Context, id string, value any, store *observe.Store) (any, error) {
		record, err := asRecord(value)
		if err != nil {
			return nil, err
		}
		if record["type"] == "bad" {
			store.RecordError(StageClassify, id, ErrUnclassifiable, record)
			store.AddTrace(id, StageClassify, "error:"+ErrUnclassifiable.Error())
			record["label"] = "unknown"
			return record, nil
		}
		label := "ok"
		if scoreOf(record) > 0.9 {
			label = "error"
		}
		record["label"] = label
		store.AddTrace(id, StageClassify, "label="+label)
		return record, nil
	})
}

// SinkStage waits delay() and hands the record to archive when set.
func SinkStage(delay func() time.Duration, archive processors.Archiver) Stage {
	return NewStage(StageSink, func(ctx context.Context, id string, value any, store *observe.Store) (any, error) {
		if d := delay(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}
		}
		if archive != nil {
			line, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("encode record: %w", err)
			}
			if err := archive.Append(ctx, StageSink, []string{string(line)}); err != nil {
				return nil, err
			}
		}
		store.AddTrace(id, StageSink, "emitted")
		return value, nil
	})
}

func sinkDelay() time.Duration {
	if rand.Float64() < 0.01 {
		return 50 * time.Millisecond
	}
	return 500*time.Microsecond + rand.N(1500*time.Microsecond)
}

func asRecord(value any) (map[string]any, error) {
	record, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected record map, got %T", value)
	}
	return record, nil
}

func scoreOf(record map[string]any) float64 {
	switch v := record["score"].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
