package slicer

import (
	"strconv"

	"github.com/conveyor-project/conveyord/domain"
)

// MiracleGrueArgs builds the argument list for MiracleGrue's CLI, the
// slicing engine the original daemon drove by default. Flags mirror the
// subset of domain.SlicerConfiguration MiracleGrue's own config file
// schema exposes as command-line overrides.
func MiracleGrueArgs(inputPath, outputPath string, settings domain.SlicerConfiguration, configPath string) []string {
	args := []string{
		"-c", configPath,
		"-o", outputPath,
	}
	if settings.LayerHeight > 0 {
		args = append(args, "--layerHeight", strconv.FormatFloat(settings.LayerHeight, 'f', -1, 64))
	}
	if settings.Infill > 0 {
		args = append(args, "--infillDensity", strconv.FormatFloat(settings.Infill, 'f', -1, 64))
	}
	if settings.ShellsCount > 0 {
		args = append(args, "--numberOfShells", strconv.Itoa(settings.ShellsCount))
	}
	if settings.Raft {
		args = append(args, "--doRaft")
	}
	if settings.Supports {
		args = append(args, "--doSupport")
	}
	args = append(args, inputPath)
	return args
}
