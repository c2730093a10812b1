package firmware

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/box"
	"github.com/sensemap/sensemap-core/internal/catalog"
	"github.com/sensemap/sensemap-core/internal/fileutil"
)

// Marker lines recognised in templates. Matching is by substring.
const (
	BoxIDMarker    = "//SenseBox ID"
	SensorIDMarker = "//Sensor IDs"
)

// BoxIDMacro receives the box id.
const BoxIDMacro = "SENSEBOX_ID"

// fileExtension is appended to the box id to name the output file.
const fileExtension = ".ino"

// filePermissions is the mode of rendered firmware files.
const filePermissions = 0644

//go:embed templates/*.ino
var embedded embed.FS

// Templates returns the built-in template filesystem.
func Templates() fs.FS {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		panic(err) // embed pattern guarantees the directory
	}
	return sub
}

// Logger defines the logging interface used by the Provisioner.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Provisioner renders firmware sources for boxes and stores them under
// an output directory, one file per box.
type Provisioner struct {
	templates fs.FS
	outputDir string
	logger    Logger
}

// New creates a provisioner reading templates from templates (nil means
// the built-in set) and writing into outputDir.
func New(templates fs.FS, outputDir string) *Provisioner {
	if templates == nil {
		templates = Templates()
	}
	return &Provisioner{templates: templates, outputDir: outputDir, logger: noopLogger{}}
}

// SetLogger sets the logger for the provisioner.
func (p *Provisioner) SetLogger(logger Logger) {
	p.logger = logger
}

// Path returns the output path for a box.
func (p *Provisioner) Path(boxID string) string {
	return filepath.Join(p.outputDir, boxID+fileExtension)
}

// Provision renders the firmware for b and stores it atomically. An
// existing file is replaced only once the new one is complete.
func (p *Provisioner) Provision(ctx context.Context, b *box.Box) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.DeadlineExceeded, "firmware.provision", err, "operation deadline exceeded")
	}

	err := fileutil.WriteAtomic(p.Path(b.ID), filePermissions, func(w io.Writer) error {
		return p.Render(b, w)
	})
	if err != nil {
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			err = apperr.Wrap(apperr.OutputWrite, "firmware.provision", err, "could not write firmware file")
		}
		p.logger.Error("firmware provisioning failed", "box_id", b.ID, "model", b.Model, "error", err)
		return err
	}

	p.logger.Info("firmware rendered", "box_id", b.ID, "model", b.Model, "path", p.Path(b.ID))
	return nil
}

// Render writes the firmware source for b to w. Template lines are copied
// verbatim; the box id definition follows the id marker and one
// definition per recognised sensor follows the sensor marker, in the
// box's sensor order. Sensors with unrecognised titles are skipped.
func (p *Provisioner) Render(b *box.Box, w io.Writer) error {
	name, ok := catalog.TemplateFor(b.Model)
	if !ok {
		return apperr.Newf(apperr.UnknownModel, "no firmware template for model %q", b.Model)
	}

	f, err := p.templates.Open(name)
	if err != nil {
		return apperr.Wrap(apperr.TemplateRead, "firmware.render", err, "could not read firmware template")
	}
	defer f.Close()

	out := &errWriter{w: bufio.NewWriter(w)}
	var seenID, seenSensors int

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		out.line(line)
		switch {
		case strings.Contains(line, BoxIDMarker):
			seenID++
			out.define(BoxIDMacro, b.ID)
		case strings.Contains(line, SensorIDMarker):
			seenSensors++
			for _, s := range b.Sensors {
				if macro, ok := catalog.SensorMacro(s.Title); ok {
					out.define(macro, s.ID)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return apperr.Wrap(apperr.TemplateRead, "firmware.render", err, "could not read firmware template")
	}
	if seenID != 1 || seenSensors != 1 {
		return apperr.Newf(apperr.TemplateRead,
			"template %s must contain each marker once (id: %d, sensors: %d)", name, seenID, seenSensors)
	}

	if out.err == nil {
		out.err = out.w.Flush()
	}
	if out.err != nil {
		return apperr.Wrap(apperr.OutputWrite, "firmware.render", out.err, "could not write firmware file")
	}
	return nil
}

// Open returns the stored firmware file of a box.
func (p *Provisioner) Open(boxID string) (*os.File, error) {
	f, err := os.Open(p.Path(boxID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Newf(apperr.NotFound, "no firmware for box %s", boxID)
		}
		return nil, apperr.Wrap(apperr.TemplateRead, "firmware.open", err, "could not read firmware file")
	}
	return f, nil
}

// Exists reports whether a firmware file is stored for the box.
func (p *Provisioner) Exists(boxID string) bool {
	info, err := os.Stat(p.Path(boxID))
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes the firmware file of a box if present.
func (p *Provisioner) Remove(boxID string) error {
	return fileutil.RemoveIfExists(p.Path(boxID))
}

// errWriter keeps the first write error so the render loop stays linear.
type errWriter struct {
	w   *bufio.Writer
	err error
}

func (e *errWriter) line(s string) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.WriteString(s + "\n")
}

func (e *errWriter) define(macro, value string) {
	e.line(fmt.Sprintf("#define %s %q", macro, value))
}
