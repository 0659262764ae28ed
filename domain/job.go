// Package domain holds the plain data model spec.md §3 describes: Job,
// Printer, and Profile. These types carry no behavior beyond what's needed
// to render themselves for RPC clients — the behavior lives in task,
// server, device, and recipe.
package domain

import (
	"sync"

	"github.com/conveyor-project/conveyord/task"
)

// SlicerConfiguration mirrors the settings blob the original daemon's
// recipe layer threads through every slice/print/printtofile call.
type SlicerConfiguration struct {
	Slicer       string         `json:"slicer"`
	ExtruderName string         `json:"extruder_name,omitempty"`
	Raft         bool           `json:"raft"`
	Supports     bool           `json:"supports"`
	Infill       float64        `json:"infill"`
	LayerHeight  float64        `json:"layer_height"`
	ShellsCount  int            `json:"shells_count"`
	ExtruderTemp map[string]int `json:"extruder_temperature,omitempty"`
	PlatformTemp int            `json:"platform_temperature,omitempty"`
	PrintSpeed   float64        `json:"print_speed,omitempty"`
	TravelSpeed  float64        `json:"travel_speed,omitempty"`
}

// Job is the user-visible unit of work: identity plus the attached
// pipeline Task whose lifecycle the Job mirrors.
type Job struct {
	ID int `json:"id"`

	BuildName       string              `json:"build_name"`
	InputPath       string              `json:"input_path"`
	PrinterID       *string             `json:"printer_id,omitempty"`
	GCodeProcessor  bool                `json:"gcode_processor"`
	SkipStartEnd    bool                `json:"skip_start_end"`
	WithStartEnd    bool                `json:"with_start_end"`
	SlicerSettings  SlicerConfiguration `json:"slicer_settings"`
	PrintToFileType string              `json:"print_to_file_type,omitempty"`
	Material        string              `json:"material,omitempty"`

	mu          sync.Mutex
	process     *task.Task
	state       task.State
	conclusion  task.Conclusion
	currentStep any
	failure     *task.Failure
}

// NewJob constructs a Job with no attached process yet. Server.CreateJob
// uses this; the caller is responsible for calling SetProcess once the
// pipeline Task exists, then Process().Start().
func NewJob(id int, buildName, inputPath string, printerID *string, gcodeProcessor, skipStartEnd, withStartEnd bool, settings SlicerConfiguration, printToFileType, material string) *Job {
	return &Job{
		ID:              id,
		BuildName:       buildName,
		InputPath:       inputPath,
		PrinterID:       printerID,
		GCodeProcessor:  gcodeProcessor,
		SkipStartEnd:    skipStartEnd,
		WithStartEnd:    withStartEnd,
		SlicerSettings:  settings,
		PrintToFileType: printToFileType,
		Material:        material,
	}
}

// SetProcess attaches the pipeline Task that drives this Job's lifecycle.
func (j *Job) SetProcess(t *task.Task) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.process = t
}

// Process returns the attached pipeline Task, or nil before SetProcess.
func (j *Job) Process() *task.Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.process
}

// SyncFromTask mirrors the Job's mutable state fields from its process
// Task. Called only by server.Server, from callbacks observing Task
// events — the single-writer discipline spec.md §5 requires.
func (j *Job) SyncFromTask(state task.State, conclusion task.Conclusion, currentStep any, failure *task.Failure) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = state
	j.conclusion = conclusion
	j.currentStep = currentStep
	j.failure = failure
}

// JobView is the JSON-renderable snapshot an RPC response returns for
// getjob/getjobs/jobadded/jobchanged.
type JobView struct {
	ID              int                 `json:"id"`
	BuildName       string              `json:"build_name"`
	InputPath       string              `json:"input_path"`
	PrinterID       *string             `json:"printer_id,omitempty"`
	SlicerSettings  SlicerConfiguration `json:"slicer_settings"`
	PrintToFileType string              `json:"print_to_file_type,omitempty"`
	Material        string              `json:"material,omitempty"`
	State           string              `json:"state"`
	Conclusion      string              `json:"conclusion"`
	CurrentStep     any                 `json:"currentstep,omitempty"`
	Failure         *task.Failure       `json:"failure,omitempty"`
}

// View renders the current snapshot for wire transmission.
func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobView{
		ID:              j.ID,
		BuildName:       j.BuildName,
		InputPath:       j.InputPath,
		PrinterID:       j.PrinterID,
		SlicerSettings:  j.SlicerSettings,
		PrintToFileType: j.PrintToFileType,
		Material:        j.Material,
		State:           j.state.String(),
		Conclusion:      j.conclusion.String(),
		CurrentStep:     j.currentStep,
		Failure:         j.failure,
	}
}
