// Package pipeline runs one conversion through the engine: stage the
// input file, load it, save it in the target format, read the output
// back, and clean up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/woxQAQ/docbridge/internal/bridge"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// Guest directories for staged files.
const (
	InputDir  = "/tmp/input"
	OutputDir = "/tmp/output"
)

// Stage is a step of a conversion run.
type Stage string

const (
	StageIdle          Stage = "idle"
	StageStagingInput  Stage = "staging_input"
	StageLoading       Stage = "loading"
	StageSaving        Stage = "saving"
	StageReadingOutput Stage = "reading_output"
	StageCleaningUp    Stage = "cleaning_up"
	StageDone          Stage = "done"
)

// StageError is the terminal state of a failed run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("conversion failed while %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Job describes one conversion.
type Job struct {
	Input         []byte
	SourceExt     string
	TargetFormat  string
	TargetExt     string
	FilterOptions string
	LoadOptions   string
}

// Pipeline runs jobs against one initialized engine. It is not safe for
// concurrent use.
type Pipeline struct {
	engine   bridge.ForeignEngine
	handle   bridge.EngineHandle
	fs       afero.Fs
	logger   *zap.Logger
	observer func(Stage)
}

// New creates a pipeline. fs is the host view of the guest filesystem
// rooted at the guest's "/".
func New(engine bridge.ForeignEngine, handle bridge.EngineHandle, fs afero.Fs, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		engine: engine,
		handle: handle,
		fs:     fs,
		logger: logger.With(zap.String("component", "pipeline")),
	}
}

// Observe registers fn to be called on every stage transition.
func (p *Pipeline) Observe(fn func(Stage)) {
	p.observer = fn
}

// Run converts job.Input and returns the output bytes.
// Staged files are removed and the document destroyed on every path.
func (p *Pipeline) Run(ctx context.Context, job Job) (out []byte, err error) {
	p.enter(StageIdle)

	if len(job.Input) == 0 {
		return nil, &StageError{Stage: StageIdle, Err: protocol.NewError(protocol.KindInvalidInput, "input is empty")}
	}
	if job.TargetFormat == "" {
		return nil, &StageError{Stage: StageIdle, Err: protocol.NewError(protocol.KindInvalidInput, "target format is required")}
	}

	inPath := path.Join(InputDir, "input."+normalizeExt(job.SourceExt))
	targetExt := job.TargetExt
	if targetExt == "" {
		targetExt = job.TargetFormat
	}
	outPath := path.Join(OutputDir, "output."+normalizeExt(targetExt))

	var doc bridge.DocumentHandle
	defer func() {
		p.enter(StageCleaningUp)
		if cleanupErr := p.cleanup(context.WithoutCancel(ctx), doc, inPath, outPath); cleanupErr != nil {
			if err == nil {
				out = nil
				err = &StageError{Stage: StageCleaningUp, Err: cleanupErr}
			} else {
				p.logger.Warn("Cleanup failed after error", zap.Error(cleanupErr))
			}
		}
		if err == nil {
			p.enter(StageDone)
		}
	}()

	p.enter(StageStagingInput)
	if err := p.stage(inPath, job.Input); err != nil {
		return nil, &StageError{Stage: StageStagingInput, Err: protocol.NewError(protocol.KindInternal, "%v", err)}
	}

	p.enter(StageLoading)
	doc, err = p.engine.LoadDocument(ctx, p.handle, inPath, job.LoadOptions)
	if err != nil {
		return nil, &StageError{Stage: StageLoading, Err: err}
	}

	p.enter(StageSaving)
	if err := p.engine.SaveDocumentAs(ctx, doc, outPath, job.TargetFormat, job.FilterOptions); err != nil {
		return nil, &StageError{Stage: StageSaving, Err: err}
	}

	p.enter(StageReadingOutput)
	data, err := afero.ReadFile(p.fs, outPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = protocol.NewError(protocol.KindDocumentSaveFailed, "engine produced no output file")
		} else {
			err = protocol.NewError(protocol.KindDocumentSaveFailed, "failed to read output: %v", err)
		}
		return nil, &StageError{Stage: StageReadingOutput, Err: err}
	}
	if len(data) == 0 {
		return nil, &StageError{Stage: StageReadingOutput, Err: protocol.NewError(protocol.KindDocumentSaveFailed, "engine produced an empty file")}
	}

	p.logger.Debug("Conversion finished",
		zap.String("target", job.TargetFormat),
		zap.Int("input_bytes", len(job.Input)),
		zap.Int("output_bytes", len(data)),
	)
	return data, nil
}

func (p *Pipeline) stage(name string, data []byte) error {
	for _, dir := range []string{InputDir, OutputDir} {
		if err := p.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return afero.WriteFile(p.fs, name, data, 0o644)
}

// cleanup unlinks staged files and destroys doc. A trap while destroying
// is returned; file removal errors are only logged.
func (p *Pipeline) cleanup(ctx context.Context, doc bridge.DocumentHandle, files ...string) error {
	for _, f := range files {
		if err := p.fs.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("Failed to remove staged file", zap.String("path", f), zap.Error(err))
		}
	}
	if doc == 0 {
		return nil
	}
	return p.engine.DestroyDocument(ctx, doc)
}

func (p *Pipeline) enter(s Stage) {
	if p.observer != nil {
		p.observer(s)
	}
}

// ToProtocolError flattens a run error into the wire error, carrying the
// failed stage.
func ToProtocolError(err error) *protocol.Error {
	pe := *protocol.AsError(err)
	var se *StageError
	if errors.As(err, &se) {
		pe.Stage = string(se.Stage)
	}
	return &pe
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return "bin"
	}
	return ext
}
