package docgraph

import (
	"errors"

	"github.com/brunobiangulo/docgraph/executor"
	"github.com/brunobiangulo/docgraph/llm"
	"github.com/brunobiangulo/docgraph/parser"
	"github.com/brunobiangulo/docgraph/recovery"
)

var (
	// ErrMalformedOutput is returned when no recovery strategy could turn
	// the model response into a document, after all retries.
	ErrMalformedOutput = recovery.ErrMalformedOutput

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = parser.ErrUnsupportedFormat

	// ErrVisionRequired is returned when a document needs a vision model
	// but none is configured.
	ErrVisionRequired = parser.ErrVisionRequired

	// ErrNoText is returned when a document yields no text at all.
	ErrNoText = parser.ErrNoText

	// ErrModelTimeout is returned when a model call exceeds ModelTimeout.
	ErrModelTimeout = errors.New("docgraph: model call timed out")

	// ErrModelUnavailable is returned while the model's circuit breaker
	// is open.
	ErrModelUnavailable = llm.ErrUnavailable

	// ErrApplyTimeout is returned when applying a batch exceeds ApplyTimeout.
	ErrApplyTimeout = executor.ErrApplyTimeout

	// ErrBatchAborted is returned when a connection or authorisation
	// failure stopped a batch.
	ErrBatchAborted = executor.ErrBatchAborted

	// ErrStoreUnavailable is returned when the graph store cannot be reached.
	ErrStoreUnavailable = executor.ErrUnavailable

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("docgraph: invalid configuration")

	// ErrClosed is returned when using a closed Pipeline.
	ErrClosed = errors.New("docgraph: pipeline is closed")

	// ErrNotQueryable is returned by Describe when the store cannot answer
	// read queries, as in dry runs.
	ErrNotQueryable = errors.New("docgraph: store does not support queries")
)
