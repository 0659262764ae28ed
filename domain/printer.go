package domain

// Profile is the static, on-disk description of a printer model: its
// extruder count, build volume, and the file types it accepts. Loading
// Profiles from disk is explicitly out of scope per spec.md §1; this
// struct is just the opaque shape the core passes around.
type Profile struct {
	Name               string   `json:"name"`
	ExtruderCount      int      `json:"extruder_count"`
	BuildVolumeXYZ     [3]float64 `json:"build_volume_xyz"`
	AcceptedFileTypes  []string `json:"accepted_file_types"`
	PrintToFileTypes   []string `json:"print_to_file_type"`
	DefaultMaterial    string   `json:"default_material,omitempty"`
}

// Printer is the descriptor broadcast on printeradded/printerchanged and
// returned from getprinters — for known profiles that currently have no
// attached device, CanPrint is false and Temperature is nil.
type Printer struct {
	Profile     Profile            `json:"profile"`
	PrinterID   string             `json:"printer_id"`
	PortName    string             `json:"portname,omitempty"`
	CanPrint    bool               `json:"can_print"`
	Temperature map[string]float64 `json:"temperature,omitempty"`
}

// FromProfile builds the printer descriptor that appendprinter/
// changeprinter/getprinters render, mirroring
// conveyor.domain.Printer.fromprofile. canPrint is false for a catalog
// entry with no attached device, true for an attached Device Worker.
func FromProfile(profile Profile, printerID string, canPrint bool, temperature map[string]float64) Printer {
	return Printer{
		Profile:     profile,
		PrinterID:   printerID,
		CanPrint:    canPrint,
		Temperature: temperature,
	}
}
