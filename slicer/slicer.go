// Package slicer adapts the external slicing engines (MiracleGrue,
// Skeinforge) the recipe layer drives: each is a child process invoked with
// the job's input path and slicer settings, reporting progress on stdout
// and producing either G-code or an .s3g file.
package slicer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/armon/circbuf"

	"github.com/conveyor-project/conveyord/domain"
)

// maxStderrCapture bounds how much of a failed slicer's stderr is retained
// for the Failure payload — slicers can be chatty on fatal errors, and an
// unbounded buffer would let one bad input exhaust memory.
const maxStderrCapture = 16 * 1024

// Slicer drives one slicing engine invocation. Slice writes the artifact
// to the outputPath the caller supplies and returns only an error; the
// caller already knows where the output is.
type Slicer interface {
	Slice(ctx context.Context, inputPath, outputPath string, settings domain.SlicerConfiguration, heartbeat func(progress int)) error
}

// ExecSlicer drives an external slicer binary via os/exec, parsing
// "PROGRESS:<percent>" lines from its stdout and capturing a bounded tail
// of stderr for failure diagnostics.
type ExecSlicer struct {
	log        *slog.Logger
	binaryPath string
	configPath string
	argsFor    func(inputPath, outputPath string, settings domain.SlicerConfiguration, configPath string) []string
}

// NewExecSlicer creates an ExecSlicer. argsFor builds the engine-specific
// argument list (MiracleGrue and Skeinforge take different flags for the
// same settings); configPath is the engine's static profile/config file.
func NewExecSlicer(logger *slog.Logger, binaryPath, configPath string, argsFor func(inputPath, outputPath string, settings domain.SlicerConfiguration, configPath string) []string) *ExecSlicer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSlicer{
		log:        logger,
		binaryPath: binaryPath,
		configPath: configPath,
		argsFor:    argsFor,
	}
}

// Slice runs the slicer to completion or until ctx is canceled (cancellation
// kills the child process, mirroring recipe cancel forwarding to the active
// step). Progress lines of the form "PROGRESS:<percent>" on stdout invoke
// heartbeat; anything else on stdout is logged at debug.
func (s *ExecSlicer) Slice(ctx context.Context, inputPath, outputPath string, settings domain.SlicerConfiguration, heartbeat func(progress int)) error {
	args := s.argsFor(inputPath, outputPath, settings, s.configPath)
	cmd := exec.CommandContext(ctx, s.binaryPath, args...)

	stderrBuf, err := circbuf.NewBuffer(maxStderrCapture)
	if err != nil {
		return fmt.Errorf("allocate stderr capture buffer: %w", err)
	}
	cmd.Stderr = stderrBuf

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attach slicer stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start slicer: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.scanProgress(stdout, heartbeat)
	}()

	waitErr := cmd.Wait()
	wg.Wait()

	if waitErr != nil {
		tail := strings.TrimSpace(stderrBuf.String())
		if tail != "" {
			return fmt.Errorf("%w: %s", waitErr, tail)
		}
		return waitErr
	}
	return nil
}

func (s *ExecSlicer) scanProgress(stdout io.Reader, heartbeat func(progress int)) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		percent, ok := parseProgressLine(line)
		if !ok {
			s.log.Debug("slicer output", slog.String("line", line))
			continue
		}
		heartbeat(percent)
	}
}

func parseProgressLine(line string) (int, bool) {
	const prefix = "PROGRESS:"
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[len(prefix):]))
	if err != nil {
		return 0, false
	}
	return n, true
}
