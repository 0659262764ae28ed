// Package server implements the Server Core: the job and printer
// registries, the broadcast fan-out to every connected Client Session, and
// the device-eviction wiring that connects a Device Worker's I/O-error hook
// to the printer-removed broadcast and detector blacklist.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyor-project/conveyord/domain"
	"github.com/conveyor-project/conveyord/observability"
	"github.com/conveyor-project/conveyord/task"
)

// Observability event types this package emits through an attached
// observability.Observer (logging, Prometheus counters, or both via
// observability.MultiObserver).
const (
	EventJobOutcome     observability.EventType = "conveyord.job.outcome"
	EventPrinterEvicted observability.EventType = "conveyord.printer.evicted"
)

// ErrUnknownPrinter is returned by FindPrinter when name does not match any
// attached device's printer ID or port name.
var ErrUnknownPrinter = errors.New("unknown printer")

// ErrNoPrinterConnected is returned by FindPrinter("") when no device
// is currently attached — the default-printer lookup spec.md's
// _findprinter_default names.
var ErrNoPrinterConnected = errors.New("no printer connected")

// ErrUnknownJob is returned by GetJob/CancelJob for an unregistered job ID.
var ErrUnknownJob = errors.New("unknown job")

// Printer is the narrow device-worker surface the Server drives for
// registry bookkeeping and broadcast rendering; satisfied by *device.Worker.
type Printer interface {
	PrinterID() string
	PortName() string
	Profile() domain.Profile
}

// Broadcaster is the narrow per-session surface the Server fans notifications
// out to; satisfied by a Client Session's RPC transport wrapper.
type Broadcaster interface {
	PrinterAdded(p domain.Printer)
	PrinterChanged(p domain.Printer)
	PrinterRemoved(printerID string)
	JobAdded(j domain.JobView)
	JobChanged(j domain.JobView)
	// Close tears the session down — called when a broadcast send fails,
	// mirroring the original's stop-on-ConnectionWriteException behavior.
	Close()
}

// Server is the central registry: attached printers, outstanding jobs, and
// connected client sessions. All mutation methods are safe for concurrent
// use.
type Server struct {
	log *slog.Logger

	mu        sync.Mutex
	printers  map[string]Printer // keyed by port name
	jobs      map[int]*domain.Job
	jobSeq    int
	clients   []Broadcaster

	onEvict  func(portName string) // detector.Blacklist, wired at construction
	observer observability.Observer
}

// SetObserver attaches an observability.Observer to receive job-outcome and
// printer-eviction events. Nil (the default) disables emission entirely.
func (s *Server) SetObserver(o observability.Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

func (s *Server) emit(eventType observability.EventType, level observability.Level, data map[string]any) {
	s.mu.Lock()
	obs := s.observer
	s.mu.Unlock()
	if obs == nil {
		return
	}
	obs.OnEvent(context.Background(), observability.Event{
		Type:      eventType,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "server",
		Data:      data,
	})
}

// New creates an empty Server. onEvict is invoked (in addition to the
// printerremoved broadcast) whenever a printer is removed due to an
// I/O error, so the Device Detector can withhold it from re-attachment —
// spec.md §7's DeviceIOError row.
func New(logger *slog.Logger, onEvict func(portName string)) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:      logger,
		printers: make(map[string]Printer),
		jobs:     make(map[int]*domain.Job),
		onEvict:  onEvict,
	}
}

// invokeClients snapshots the client list under lock, then calls fn against
// each client outside the lock — so a slow or blocking client send never
// holds up registry mutation, mirroring orchestrate/hub.Hub's broadcast
// fan-out and the original Server._invokeclients's copy-then-iterate.
func (s *Server) invokeClients(fn func(Broadcaster)) {
	s.mu.Lock()
	clients := make([]Broadcaster, len(s.clients))
	copy(clients, s.clients)
	s.mu.Unlock()

	for _, c := range clients {
		s.safeInvoke(c, fn)
	}
}

func (s *Server) safeInvoke(c Broadcaster, fn func(Broadcaster)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("client notification panicked", slog.Any("recovered", r))
		}
	}()
	fn(c)
}

// AppendClient registers a newly connected session for broadcast fan-out.
func (s *Server) AppendClient(c Broadcaster) {
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
}

// RemoveClient unregisters a disconnected session.
func (s *Server) RemoveClient(c Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.clients {
		if existing == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
}

// AppendPrinter registers a newly attached device and broadcasts
// printeradded to every client. A Printer with an OnIOError hook (a
// *device.Worker) has it wired to RemovePrinter(port, true).
func (s *Server) AppendPrinter(p Printer) {
	s.log.Info("printer connected", slog.String("port", p.PortName()))
	s.mu.Lock()
	s.printers[p.PortName()] = p
	s.mu.Unlock()

	if w, ok := p.(interface{ OnIOError(func(portName string)) }); ok {
		w.OnIOError(func(portName string) { s.RemovePrinter(portName, true) })
	}

	view := domain.FromProfile(p.Profile(), p.PrinterID(), true, nil)
	s.invokeClients(func(c Broadcaster) { c.PrinterAdded(view) })
}

// ChangePrinter broadcasts printerchanged with a refreshed temperature
// reading for an already-attached device.
func (s *Server) ChangePrinter(portName string, temperature map[string]float64) error {
	s.mu.Lock()
	p, ok := s.printers[portName]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrinter, portName)
	}

	view := domain.FromProfile(p.Profile(), p.PrinterID(), true, temperature)
	s.invokeClients(func(c Broadcaster) { c.PrinterChanged(view) })
	return nil
}

// RemovePrinter unregisters a detached device and broadcasts
// printerremoved. evicted is true when the removal was triggered by a
// hardware I/O error rather than a clean detach; in that case the
// configured onEvict hook also fires so the port is blacklisted. A Printer
// with a Stop method (a *device.Worker) is stopped in either case.
func (s *Server) RemovePrinter(portName string, evicted bool) {
	s.mu.Lock()
	p, ok := s.printers[portName]
	if ok {
		delete(s.printers, portName)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug("disconnected unconnected printer", slog.String("port", portName))
		return
	}

	if st, ok := p.(interface{ Stop() error }); ok {
		if err := st.Stop(); err != nil {
			s.log.Warn("printer stop failed", slog.String("port", portName), slog.String("error", err.Error()))
		}
	}

	if evicted {
		s.log.Info("printer evicted due to error", slog.String("port", portName))
		s.emit(EventPrinterEvicted, observability.LevelWarning, map[string]any{"port": portName})
		if s.onEvict != nil {
			s.onEvict(portName)
		}
	} else {
		s.log.Info("printer disconnected", slog.String("port", portName))
	}

	printerID := p.PrinterID()
	s.invokeClients(func(c Broadcaster) { c.PrinterRemoved(printerID) })
}

// FindPrinter resolves name to an attached Printer, mirroring
// _ClientThread._findprinter's lookup order: empty name picks whichever
// device is attached (arbitrarily, if more than one — ErrNoPrinterConnected
// if none); a non-empty name matches printer ID first, then port name.
func (s *Server) FindPrinter(name string) (Printer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		for _, p := range s.printers {
			return p, nil
		}
		return nil, ErrNoPrinterConnected
	}

	for _, p := range s.printers {
		if p.PrinterID() == name {
			return p, nil
		}
	}
	for _, p := range s.printers {
		if p.PortName() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPrinter, name)
}

// Printers returns a snapshot of every attached device's rendered view.
func (s *Server) Printers() []domain.Printer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Printer, 0, len(s.printers))
	for _, p := range s.printers {
		out = append(out, domain.FromProfile(p.Profile(), p.PrinterID(), true, nil))
	}
	return out
}

// CreateJob allocates a job ID and constructs a Job with no attached
// process yet. The Job is not in the registry until AddJob; WatchJob
// attaches the process and calls AddJob when that process starts,
// mirroring the original's createjob/addjob split.
func (s *Server) CreateJob(buildName, inputPath string, printerID *string, gcodeProcessor, skipStartEnd, withStartEnd bool, settings domain.SlicerConfiguration, printToFileType, material string) *domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.jobSeq
	s.jobSeq++
	job := domain.NewJob(id, buildName, inputPath, printerID, gcodeProcessor, skipStartEnd, withStartEnd, settings, printToFileType, material)
	return job
}

// AddJob registers job (which must already have its process Task attached)
// and broadcasts jobadded.
func (s *Server) AddJob(job *domain.Job) {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	view := job.View()
	s.invokeClients(func(c Broadcaster) { c.JobAdded(view) })
}

// ChangeJob broadcasts jobchanged for job's current state — called from the
// pipeline's heartbeat/stopped callbacks after SyncFromTask.
func (s *Server) ChangeJob(job *domain.Job) {
	view := job.View()
	s.invokeClients(func(c Broadcaster) { c.JobChanged(view) })
}

// CancelJob cancels the named job's process if it hasn't already stopped.
func (s *Server) CancelJob(id int) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownJob, id)
	}

	process := job.Process()
	if process != nil && process.State() != task.Stopped {
		process.Cancel()
	}
	return nil
}

// GetJob returns the current view of job id.
func (s *Server) GetJob(id int) (domain.JobView, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return domain.JobView{}, fmt.Errorf("%w: %d", ErrUnknownJob, id)
	}
	return job.View(), nil
}

// GetJobs returns every registered job's current view.
func (s *Server) GetJobs() []domain.JobView {
	s.mu.Lock()
	jobs := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	views := make([]domain.JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	return views
}

// WatchJob attaches heartbeat/stopped callbacks to job's process so Server
// state mirrors Task progress and every transition is broadcast —
// equivalent to the original's per-recipe heartbeatcallback/_stoppedcallback
// wiring, generalized across slice/print/printtofile.
func (s *Server) WatchJob(job *domain.Job, process *task.Task) {
	job.SetProcess(process)

	process.StartEvent().Attach(func(...any) {
		s.AddJob(job)
	})
	process.HeartbeatEvent().Attach(func(...any) {
		job.SyncFromTask(process.State(), process.Conclusion(), currentStep(process), process.Failure())
		s.ChangeJob(job)
	})
	process.StoppedEvent().Attach(func(...any) {
		job.SyncFromTask(process.State(), process.Conclusion(), currentStep(process), process.Failure())
		s.logJobOutcome(job)
		s.ChangeJob(job)
	})
}

// currentStep renders process's progress for wire transmission. A pipeline
// Task's Progress() is the currently-running child *task.Task itself (see
// task.NewPipeline's heartbeat forwarding) — that pointer carries no
// exported fields a JSON encoder can serialize, so unwrap one level to the
// child's own Progress() value, which is the scalar/string a step actually
// reports.
func currentStep(process *task.Task) any {
	progress := process.Progress()
	if child, ok := progress.(*task.Task); ok {
		return child.Progress()
	}
	return progress
}

func (s *Server) logJobOutcome(job *domain.Job) {
	view := job.View()
	level := observability.LevelInfo
	switch view.Conclusion {
	case "ended":
		s.log.Info("job ended", slog.Int("job_id", job.ID))
	case "failed":
		s.log.Info("job failed", slog.Int("job_id", job.ID), slog.Any("failure", view.Failure))
		level = observability.LevelError
	case "canceled":
		s.log.Info("job canceled", slog.Int("job_id", job.ID))
		level = observability.LevelWarning
	}
	s.emit(EventJobOutcome, level, map[string]any{"job_id": job.ID, "conclusion": view.Conclusion})
}
