// Package recipe assembles the per-job Task pipeline: slice, an optional
// G-code post-process pass, then either a device Print, a device
// PrintToFile, or (profile-only, no attached device) a plain slice-to-file.
// Each stage is a task.Step so the composed pipeline inherits task.Task's
// cancel-forwarding and failure-propagation semantics uniformly.
package recipe

import (
	"context"
	"log/slog"
	"os"

	"github.com/conveyor-project/conveyord/domain"
	"github.com/conveyor-project/conveyord/event"
	"github.com/conveyor-project/conveyord/task"
)

// Slicer is the narrow slicing collaborator a recipe drives; satisfied by
// *slicer.ExecSlicer in production and a fake in tests.
type Slicer interface {
	Slice(ctx context.Context, inputPath, outputPath string, settings domain.SlicerConfiguration, heartbeat func(progress int)) error
}

// PostProcessor rewrites a sliced G-code file in place — start/end
// sequence injection, or another gcode-processor pass a Job may request via
// its GCodeProcessor flag. Non-goal per spec.md §1 to implement the
// rewriting itself; this is the seam a real implementation plugs into.
type PostProcessor interface {
	Process(ctx context.Context, gcodePath string) error
}

// Printer is the narrow device collaborator a recipe drives for the print
// and printtofile recipes; satisfied by *device.Worker.
type Printer interface {
	Print(gcodePath string) *task.Task
	PrintToFile(gcodePath, outputPath string) *task.Task
}

// Builder assembles Task pipelines from a Slicer and an optional
// PostProcessor, bound once at construction and shared across jobs.
type Builder struct {
	bus       *event.Bus
	log       *slog.Logger
	slicer    Slicer
	processor PostProcessor
}

// NewBuilder creates a Builder. processor may be nil, in which case jobs
// with GCodeProcessor set simply skip the post-process step — spec.md
// leaves actual G-code rewriting out of scope, so a nil processor is a
// supported configuration, not an error.
func NewBuilder(bus *event.Bus, logger *slog.Logger, s Slicer, processor PostProcessor) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{bus: bus, log: logger, slicer: s, processor: processor}
}

func (b *Builder) sliceStep(ctx context.Context, inputPath, outputPath string, settings domain.SlicerConfiguration) task.Step {
	return task.Step{
		Name: "slice",
		Run: func(parent *task.Task) *task.Task {
			t := task.New(b.bus, b.log)
			t.Start()
			go func() {
				err := b.slicer.Slice(ctx, inputPath, outputPath, settings, func(p int) { t.Heartbeat(p) })
				if err != nil {
					t.Fail(domain.ToFailure("SlicerFailure", err))
					return
				}
				t.End(outputPath)
			}()
			return t
		},
	}
}

func (b *Builder) postProcessStep(ctx context.Context, gcodePath string) task.Step {
	return task.Step{
		Name: "postprocess",
		Run: func(parent *task.Task) *task.Task {
			t := task.New(b.bus, b.log)
			t.Start()
			go func() {
				if err := b.processor.Process(ctx, gcodePath); err != nil {
					t.Fail(domain.ToFailure("PostProcessFailure", err))
					return
				}
				t.End(gcodePath)
			}()
			return t
		},
	}
}

func (b *Builder) printStep(printer Printer, gcodePath string) task.Step {
	return task.Step{
		Name: "print",
		Run: func(parent *task.Task) *task.Task {
			return printer.Print(gcodePath)
		},
	}
}

func (b *Builder) printToFileStep(printer Printer, gcodePath, outputPath string) task.Step {
	return task.Step{
		Name: "printtofile",
		Run: func(parent *task.Task) *task.Task {
			return printer.PrintToFile(gcodePath, outputPath)
		},
	}
}

// gcodeStagingPath is where an intermediate slice result lands before the
// post-process and/or device steps consume it.
func gcodeStagingPath(inputPath string) string {
	return inputPath + ".gcode"
}

// Slice builds the bare slice recipe: slicer invocation (+ optional
// post-process) writing directly to outputPath, with no device involved —
// the slice RPC method.
func (b *Builder) Slice(ctx context.Context, inputPath, outputPath string, settings domain.SlicerConfiguration, withStartEnd bool) *task.Task {
	steps := []task.Step{b.sliceStep(ctx, inputPath, outputPath, settings)}
	if withStartEnd && b.processor != nil {
		steps = append(steps, b.postProcessStep(ctx, outputPath))
	}
	return task.NewPipeline(b.bus, b.log, steps)
}

// Print builds the print recipe: slice to a staging file, optionally
// post-process, then drive printer.Print on the result — the print RPC
// method.
func (b *Builder) Print(ctx context.Context, inputPath string, settings domain.SlicerConfiguration, skipStartEnd bool, printer Printer) *task.Task {
	staged := gcodeStagingPath(inputPath)
	steps := []task.Step{b.sliceStep(ctx, inputPath, staged, settings)}
	if !skipStartEnd && b.processor != nil {
		steps = append(steps, b.postProcessStep(ctx, staged))
	}
	steps = append(steps, b.printStep(printer, staged))
	return task.NewPipeline(b.bus, b.log, steps)
}

// PrintToFile builds the printtofile recipe: slice to a staging file,
// optionally post-process, then either hand the result to a Printer's
// PrintToFile (when a device is attached) or copy it straight to
// outputPath (profile-only, no device) — the printtofile RPC method.
func (b *Builder) PrintToFile(ctx context.Context, inputPath, outputPath string, settings domain.SlicerConfiguration, skipStartEnd bool, printer Printer) *task.Task {
	staged := gcodeStagingPath(inputPath)
	steps := []task.Step{b.sliceStep(ctx, inputPath, staged, settings)}
	if !skipStartEnd && b.processor != nil {
		steps = append(steps, b.postProcessStep(ctx, staged))
	}
	if printer != nil {
		steps = append(steps, b.printToFileStep(printer, staged, outputPath))
	} else {
		steps = append(steps, b.copyStep(staged, outputPath))
	}
	return task.NewPipeline(b.bus, b.log, steps)
}

func (b *Builder) copyStep(srcPath, destPath string) task.Step {
	return task.Step{
		Name: "writeoutput",
		Run: func(parent *task.Task) *task.Task {
			t := task.New(b.bus, b.log)
			t.Start()
			go func() {
				if err := copyFile(srcPath, destPath); err != nil {
					t.Fail(domain.ToFailure("IOError", err))
					return
				}
				t.End(destPath)
			}()
			return t
		},
	}
}

// VerifyS3G runs a structural sanity check on a binary s3g/x3g build file —
// the verifys3g RPC method. The original daemon delegated this to
// makerbot_driver's full command-stream parser, which is out of scope per
// spec.md §1; this is the simplified existence-and-non-empty check that's
// achievable without vendoring that parser.
func (b *Builder) VerifyS3G(ctx context.Context, path string) *task.Task {
	t := task.New(b.bus, b.log)
	t.Start()
	go func() {
		info, err := os.Stat(path)
		if err != nil {
			t.Fail(domain.ToFailure("IOError", err))
			return
		}
		if info.Size() == 0 {
			t.Fail(task.NewFailure("InvalidS3G", "s3g file is empty"))
			return
		}
		t.End(map[string]any{"valid": true, "size": info.Size()})
	}()
	return t
}

func copyFile(srcPath, destPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0o644)
}
