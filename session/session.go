// Package session implements the Client Session: one instance per connected
// RPC client, holding the static method dispatch table spec.md §4.G names
// (hello, print, printtofile, slice, canceljob, getprinters, getjobs,
// getjob, readeeprom, writeeeprom, uploadfirmware, resettofactory,
// compatiblefirmware, getmachineversions, downloadfirmware) and forwarding
// Server broadcasts to the RPC connection as notifications.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	hashiversion "github.com/hashicorp/go-version"
	"github.com/google/uuid"

	"github.com/conveyor-project/conveyord/domain"
	"github.com/conveyor-project/conveyord/firmware"
	"github.com/conveyor-project/conveyord/recipe"
	"github.com/conveyor-project/conveyord/rpc"
	"github.com/conveyor-project/conveyord/server"
	"github.com/conveyor-project/conveyord/task"
)

// Device is the full device surface a Session drives, beyond the identity
// fields server.Printer exposes — satisfied by *device.Worker. Session
// recovers this richer view from server.Server.FindPrinter's narrower
// server.Printer via a type assertion, since the concrete value is always
// a *device.Worker in production.
type Device interface {
	server.Printer
	Print(gcodePath string) *task.Task
	PrintToFile(gcodePath, outputPath string) *task.Task
	ReadEEPROM() *task.Task
	WriteEEPROM(values map[string]any) *task.Task
	UploadFirmware(machineType, filePath string) *task.Task
	ResetToFactory() *task.Task
}

// ProfileLookup resolves a profile name to its static descriptor for the
// profile-only recipes (slice, printtofile with no attached device).
// Loading Profiles from disk is out of scope per spec.md §1; a real
// deployment backs this with the profile directory scan the original
// daemon's makerbot_driver.Profile performed.
type ProfileLookup func(name string) (domain.Profile, error)

// Session is one connected RPC client: a unique ID (assigned the same way
// the kernel's in-memory conversation sessions were — a UUIDv7, sortable by
// creation time), its wire connection, a reference to the shared Server
// Core, and the subsystems (recipe builder, firmware catalog, profile
// lookup) its RPC methods need.
type Session struct {
	id       string
	log      *slog.Logger
	conn     *rpc.Conn
	srv      *server.Server
	recipes  *recipe.Builder
	catalog  firmware.Catalog
	profiles ProfileLookup
	cfg      Config

	methods map[string]rpc.Handler
}

// New creates a Session bound to conn and registers it with srv for
// broadcast fan-out. The caller must drive conn.Serve(sess.Handle) to begin
// processing requests, and sess.Close when the connection ends.
func New(logger *slog.Logger, cfg Config, conn *rpc.Conn, srv *server.Server, recipes *recipe.Builder, catalog firmware.Catalog, profiles ProfileLookup) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:       uuid.Must(uuid.NewV7()).String(),
		log:      logger,
		conn:     conn,
		srv:      srv,
		recipes:  recipes,
		catalog:  catalog,
		profiles: profiles,
		cfg:      cfg,
	}
	s.methods = s.buildMethods()
	srv.AppendClient(s)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Handle is the rpc.Handler Conn.Serve dispatches every inbound Request to.
func (s *Session) Handle(req rpc.Request) (any, error) {
	method, ok := s.methods[req.Method]
	if !ok {
		return nil, fmt.Errorf("unknown method: %s", req.Method)
	}
	return method(req)
}

// Close unregisters the session from broadcast fan-out and tears down its
// connection — called on a failed broadcast send or on client disconnect.
func (s *Session) Close() {
	s.srv.RemoveClient(s)
	s.conn.Close()
}

// PrinterAdded, PrinterChanged, PrinterRemoved, JobAdded, JobChanged
// implement server.Broadcaster by forwarding each event as a notification
// on the wire connection.
func (s *Session) PrinterAdded(p domain.Printer)   { s.notify("printeradded", p) }
func (s *Session) PrinterChanged(p domain.Printer) { s.notify("printerchanged", p) }
func (s *Session) PrinterRemoved(id string)        { s.notify("printerremoved", map[string]string{"id": id}) }
func (s *Session) JobAdded(j domain.JobView)       { s.notify("jobadded", j) }
func (s *Session) JobChanged(j domain.JobView)     { s.notify("jobchanged", j) }

func (s *Session) notify(method string, params any) {
	if err := s.conn.SendNotification(method, params); err != nil {
		s.log.Debug("broadcast delivery failed, closing session", slog.String("session_id", s.id), slog.String("method", method))
		s.Close()
	}
}

func (s *Session) buildMethods() map[string]rpc.Handler {
	return map[string]rpc.Handler{
		"hello":                 s.hello,
		"dir":                   s.dir,
		"print":                 s.print,
		"printtofile":           s.printToFile,
		"slice":                 s.slice,
		"canceljob":             s.cancelJob,
		"getprinters":           s.getPrinters,
		"getjob":                s.getJob,
		"getjobs":               s.getJobs,
		"readeeprom":            s.readEEPROM,
		"writeeeprom":           s.writeEEPROM,
		"uploadfirmware":        s.uploadFirmware,
		"resettofactory":        s.resetToFactory,
		"compatiblefirmware":    s.compatibleFirmware,
		"getmachineversions":    s.getMachineVersions,
		"downloadfirmware":      s.downloadFirmware,
		"getuploadablemachines": s.getUploadableMachines,
		"verifys3g":             s.verifyS3G,
	}
}

// methodDocs mirrors the per-method docstrings the original daemon's
// addmethod calls carried, returned verbatim by dir() per spec.md §4.G.
var methodDocs = map[string]string{
	"hello":                 "no params. Returns 'world'",
	"dir":                   "takes no params",
	"print":                 "takes (thing-filename, gcodeprocessor, skip_start_end_bool, [endpoint)",
	"printtofile":           "takes (inputfile, outputfile) pair",
	"slice":                 "takes (inputfile, outputfile) pair",
	"canceljob":             "takes {'port':string(port) 'job_id':jobid}; if Job is None, cancels by port. If port is None, cancels first bot",
	"getprinters":           "takes no params",
	"getjob":                "takes (id)",
	"getjobs":               "takes no params",
	"readeeprom":            ": takes a printerthread",
	"writeeeprom":           ": takes a printerthread and json eeprommap",
	"uploadfirmware":        ": takes (printername, machine_type, version)",
	"resettofactory":        ": takes no params",
	"compatiblefirmware":    ": takes firmware_version",
	"getmachineversions":    ": takes (machine_type)",
	"downloadfirmware":      "takes (machine, version)",
	"getuploadablemachines": ":takes no params",
	"verifys3g":             ": takes a path to the s3g file",
}

func (s *Session) hello(rpc.Request) (any, error) { return "world", nil }

// dir reports every exported method's docstring, plus __version__, so a
// client can introspect the RPC surface before calling it — spec.md §4.G.
func (s *Session) dir(rpc.Request) (any, error) {
	out := make(map[string]string, len(s.methods)+1)
	for name := range s.methods {
		doc, ok := methodDocs[name]
		if !ok {
			doc = "no documentation available"
		}
		out[name] = doc
	}
	out["__version__"] = s.cfg.Version
	return out, nil
}

// findPrinter resolves name via the Server's registry and asserts the
// richer Device surface session RPC methods need.
func (s *Session) findPrinter(name string) (Device, error) {
	p, err := s.srv.FindPrinter(name)
	if err != nil {
		return nil, err
	}
	dev, ok := p.(Device)
	if !ok {
		return nil, fmt.Errorf("printer %s does not support this operation", name)
	}
	return dev, nil
}

func buildName(inputPath string) string {
	base := filepath.Base(inputPath)
	return base[:len(base)-len(filepath.Ext(base))]
}

type printParams struct {
	PrinterName    string                     `json:"printername"`
	InputPath      string                     `json:"inputpath"`
	GCodeProcessor bool                       `json:"gcodeprocessor"`
	SkipStartEnd   bool                       `json:"skip_start_end"`
	SlicerSettings domain.SlicerConfiguration `json:"slicer_settings"`
	Material       string                     `json:"material"`
}

func (s *Session) print(req rpc.Request) (any, error) {
	var p printParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	dev, err := s.findPrinter(p.PrinterName)
	if err != nil {
		return nil, err
	}

	printerID := dev.PrinterID()
	printToFileType := ""
	if types := dev.Profile().PrintToFileTypes; len(types) > 0 {
		printToFileType = types[0]
	}
	job := s.srv.CreateJob(buildName(p.InputPath), p.InputPath, &printerID, p.GCodeProcessor, p.SkipStartEnd, false, p.SlicerSettings, printToFileType, p.Material)
	ctx, cancel := context.WithCancel(context.Background())
	process := s.recipes.Print(ctx, p.InputPath, p.SlicerSettings, p.SkipStartEnd, dev)
	attachCancelFunc(process, cancel)
	s.srv.WatchJob(job, process)
	process.Start()

	return job.View(), nil
}

type printToFileParams struct {
	ProfileName     string                     `json:"profilename"`
	InputPath       string                     `json:"inputpath"`
	OutputPath      string                     `json:"outputpath"`
	GCodeProcessor  bool                       `json:"gcodeprocessor"`
	SkipStartEnd    bool                       `json:"skip_start_end"`
	SlicerSettings  domain.SlicerConfiguration `json:"slicer_settings"`
	PrintToFileType string                     `json:"print_to_file_type"`
	Material        string                     `json:"material"`
}

func (s *Session) printToFile(req rpc.Request) (any, error) {
	var p printToFileParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	if _, err := s.profiles(p.ProfileName); err != nil {
		return nil, err
	}

	job := s.srv.CreateJob(buildName(p.InputPath), p.InputPath, nil, p.GCodeProcessor, p.SkipStartEnd, false, p.SlicerSettings, p.PrintToFileType, p.Material)
	ctx, cancel := context.WithCancel(context.Background())
	process := s.recipes.PrintToFile(ctx, p.InputPath, p.OutputPath, p.SlicerSettings, p.SkipStartEnd, nil)
	attachCancelFunc(process, cancel)
	s.srv.WatchJob(job, process)
	process.Start()

	return job.View(), nil
}

type sliceParams struct {
	ProfileName    string                     `json:"profilename"`
	InputPath      string                     `json:"inputpath"`
	OutputPath     string                     `json:"outputpath"`
	GCodeProcessor bool                       `json:"gcodeprocessor"`
	WithStartEnd   bool                       `json:"with_start_end"`
	SlicerSettings domain.SlicerConfiguration `json:"slicer_settings"`
	Material       string                     `json:"material"`
}

func (s *Session) slice(req rpc.Request) (any, error) {
	var p sliceParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	if _, err := s.profiles(p.ProfileName); err != nil {
		return nil, err
	}

	job := s.srv.CreateJob(buildName(p.InputPath), p.InputPath, nil, p.GCodeProcessor, false, p.WithStartEnd, p.SlicerSettings, "", p.Material)
	ctx, cancel := context.WithCancel(context.Background())
	process := s.recipes.Slice(ctx, p.InputPath, p.OutputPath, p.SlicerSettings, p.WithStartEnd)
	attachCancelFunc(process, cancel)
	s.srv.WatchJob(job, process)
	process.Start()

	return job.View(), nil
}

type jobIDParams struct {
	ID int `json:"id"`
}

func (s *Session) cancelJob(req rpc.Request) (any, error) {
	var p jobIDParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return nil, s.srv.CancelJob(p.ID)
}

func (s *Session) getJob(req rpc.Request) (any, error) {
	var p jobIDParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return s.srv.GetJob(p.ID)
}

func (s *Session) getJobs(rpc.Request) (any, error) {
	return s.srv.GetJobs(), nil
}

func (s *Session) getPrinters(rpc.Request) (any, error) {
	return s.srv.Printers(), nil
}

type printerNameParams struct {
	PrinterName string `json:"printername"`
}

func (s *Session) readEEPROM(req rpc.Request) (any, error) {
	var p printerNameParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	dev, err := s.findPrinter(p.PrinterName)
	if err != nil {
		return nil, err
	}

	t := dev.ReadEEPROM()
	return awaitResult(t), nil
}

type writeEEPROMParams struct {
	PrinterName string         `json:"printername"`
	EEPROMMap   map[string]any `json:"eeprommap"`
}

func (s *Session) writeEEPROM(req rpc.Request) (any, error) {
	var p writeEEPROMParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	dev, err := s.findPrinter(p.PrinterName)
	if err != nil {
		return nil, err
	}

	t := dev.WriteEEPROM(p.EEPROMMap)
	return awaitResult(t), nil
}

func (s *Session) resetToFactory(req rpc.Request) (any, error) {
	var p printerNameParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	dev, err := s.findPrinter(p.PrinterName)
	if err != nil {
		return nil, err
	}

	t := dev.ResetToFactory()
	return awaitResult(t), nil
}

type uploadFirmwareParams struct {
	PrinterName string `json:"printername"`
	MachineType string `json:"machine_type"`
	Version     string `json:"version"`
}

func (s *Session) uploadFirmware(req rpc.Request) (any, error) {
	var p uploadFirmwareParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	dev, err := s.findPrinter(p.PrinterName)
	if err != nil {
		return nil, err
	}

	v, err := hashiversion.NewVersion(p.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid firmware version: %w", err)
	}
	path, err := s.catalog.Download(context.Background(), p.MachineType, v, s.cfg.FirmwareDownloadDir)
	if err != nil {
		return nil, err
	}

	t := dev.UploadFirmware(p.MachineType, path)
	return awaitResult(t), nil
}

type machineTypeParams struct {
	MachineType string `json:"machine_type"`
}

func (s *Session) getMachineVersions(req rpc.Request) (any, error) {
	var p machineTypeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	versions, err := s.catalog.ListVersions(context.Background(), p.MachineType)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.String()
	}
	return out, nil
}

type downloadFirmwareParams struct {
	MachineType string `json:"machine_type"`
	Version     string `json:"version"`
}

func (s *Session) downloadFirmware(req rpc.Request) (any, error) {
	var p downloadFirmwareParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	v, err := hashiversion.NewVersion(p.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid firmware version: %w", err)
	}
	return s.catalog.Download(context.Background(), p.MachineType, v, s.cfg.FirmwareDownloadDir)
}

// getUploadableMachines reports every machine type the firmware Catalog
// has at least one published image for — the getuploadablemachines RPC
// method, restored per spec.md §4.G.
func (s *Session) getUploadableMachines(rpc.Request) (any, error) {
	return s.catalog.ListMachineTypes(context.Background())
}

type verifyS3GParams struct {
	S3GPath string `json:"s3gpath"`
}

// verifyS3G runs a structural check on a binary s3g/x3g build file via the
// recipe Builder — the verifys3g RPC method, restored per spec.md §4.G.
func (s *Session) verifyS3G(req rpc.Request) (any, error) {
	var p verifyS3GParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	t := s.recipes.VerifyS3G(context.Background(), p.S3GPath)
	return awaitResult(t), nil
}

type compatibleFirmwareParams struct {
	FirmwareVersion string `json:"firmware_version"`
}

func (s *Session) compatibleFirmware(req rpc.Request) (any, error) {
	var p compatibleFirmwareParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return firmware.CompatibleFirmware(p.FirmwareVersion)
}

// attachCancelFunc wires process's CancelEvent to cancel, so a canceljob
// RPC actually unwinds the pipeline's slicer subprocess and device driver
// call instead of only flipping the pipeline Task's own bookkeeping.
// StoppedEvent also calls cancel, so a pipeline that finishes on its own
// doesn't leak the context.
func attachCancelFunc(process *task.Task, cancel context.CancelFunc) {
	process.CancelEvent().Attach(func(...any) { cancel() })
	process.StoppedEvent().Attach(func(...any) { cancel() })
}

// awaitResult blocks for a Task to reach STOPPED and renders its outcome as
// a plain result-or-error — the read-modify operations (readeeprom,
// writeeeprom, resettofactory, uploadfirmware) are synchronous from the RPC
// caller's perspective in the original daemon's task-factory wiring.
func awaitResult(t *task.Task) any {
	done := make(chan struct{})
	t.StoppedEvent().Attach(func(...any) { close(done) })
	<-done

	if t.Conclusion() == task.Failed {
		return t.Failure()
	}
	return t.Result()
}
