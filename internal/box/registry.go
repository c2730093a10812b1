package box

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/catalog"
	"github.com/sensemap/sensemap-core/internal/fileutil"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Provisioner renders and stores firmware for a box.
type Provisioner interface {
	Provision(ctx context.Context, b *Box) error
	Exists(boxID string) bool
	Remove(boxID string) error
}

// AuditRecorder records state-changing actions. Implementations must not
// fail the caller; errors are theirs to log.
type AuditRecorder interface {
	Record(ctx context.Context, action, entityType, entityID string, details map[string]any)
}

// Notifier sends operator notifications.
type Notifier interface {
	Notify(ctx context.Context, title, message string)
}

// Metrics receives registry counters.
type Metrics interface {
	BoxCreated(model string)
	FirmwareRendered(ok bool)
}

// Audit actions written by the registry.
const (
	ActionBoxCreate      = "box.create"
	ActionBoxUpdate      = "box.update"
	ActionBoxDelete      = "box.delete"
	ActionUserCreate     = "user.create"
	ActionUserLink       = "user.link"
	ActionFirmwareRender = "firmware.render"
	ActionFirmwareFail   = "firmware.fail"
)

// NotifyTitle titles every notification sent by the service.
const NotifyTitle = "sensemap"

// Provisioning step names, used in logs and error ops.
const (
	stepEnsureUser     = "ensure_user"
	stepInsertBox      = "insert_box"
	stepLinkBox        = "link_box"
	stepRenderFirmware = "render_firmware"
	stepMarkReady      = "mark_firmware_ready"
)

// maxIDAttempts bounds retries when a generated box id is already taken.
const maxIDAttempts = 3

// maxUpdateAttempts bounds re-reads when concurrent writers keep changing
// the same box.
const maxUpdateAttempts = 32

// Deps bundles the registry's collaborators. Nil members get no-op
// implementations.
type Deps struct {
	Firmware Provisioner
	Audit    AuditRecorder
	Notifier Notifier
	Metrics  Metrics
	Images   *ImageStore
	Logger   Logger
}

// Registry owns boxes, sensors and users and runs the provisioning
// sequence for new boxes.
//
// All public methods are safe for concurrent use; the registry keeps no
// mutable state of its own and relies on the repository's conditional
// writes.
type Registry struct {
	repo     Repository
	firmware Provisioner
	audit    AuditRecorder
	notifier Notifier
	metrics  Metrics
	images   *ImageStore
	logger   Logger

	now   func() time.Time
	newID func() string
}

// NewRegistry creates a registry over repo.
func NewRegistry(repo Repository, deps Deps) *Registry {
	r := &Registry{
		repo:     repo,
		firmware: deps.Firmware,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		images:   deps.Images,
		logger:   deps.Logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	if r.firmware == nil {
		r.firmware = noopProvisioner{}
	}
	if r.audit == nil {
		r.audit = noopAudit{}
	}
	if r.notifier == nil {
		r.notifier = noopNotifier{}
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	return r
}

// CreateUser registers a user holding apikey. The apikey is checked
// explicitly first; the storage UNIQUE constraint catches the remaining race.
func (r *Registry) CreateUser(ctx context.Context, profile Profile, apikey string) (*User, error) {
	if strings.TrimSpace(apikey) == "" {
		return nil, apperr.Invalid(apperr.CodeInvalidBody, "apikey is required")
	}

	switch _, err := r.repo.GetUserByAPIKey(ctx, apikey); {
	case err == nil:
		return nil, apperr.Wrap(apperr.Duplicate, "user.create", ErrDuplicateAPIKey, "apikey already in use")
	case !errors.Is(err, apperr.NotFound):
		return nil, err
	}

	u := &User{
		ID:        r.newID(),
		Firstname: profile.Firstname,
		Lastname:  profile.Lastname,
		Email:     profile.Email,
		APIKey:    apikey,
		BoxIDs:    []string{},
		CreatedAt: r.now(),
	}
	if err := r.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	r.audit.Record(ctx, ActionUserCreate, "user", u.ID, map[string]any{"email": u.Email})
	r.logger.Info("user created", "user_id", u.ID)
	return u, nil
}

// CreateBox provisions a box for the user holding req.APIKey, creating
// that user when absent. The sequence is:
//
//  1. ensure_user: find or create the user
//  2. insert_box: persist box and sensors with firmware_ready unset
//  3. link_box: attach the box id to the user
//  4. render_firmware: write the firmware file (known models only)
//  5. mark_firmware_ready
//
// Each step is idempotent. A failure aborts the remaining steps; the box
// stays without firmware and EnsureFirmware can resume it later.
func (r *Registry) CreateBox(ctx context.Context, req CreateRequest) (*User, *Box, error) {
	b, err := r.buildBox(req)
	if err != nil {
		return nil, nil, err
	}

	if req.APIKey == "" {
		req.APIKey = r.newID()
	}

	u, err := r.ensureUser(ctx, req.User, req.APIKey)
	if err != nil {
		return nil, nil, r.stepFailed(stepEnsureUser, "", err)
	}

	if err := r.insertBox(ctx, b); err != nil {
		return nil, nil, r.stepFailed(stepInsertBox, b.ID, err)
	}

	if err := r.repo.LinkBox(ctx, u.ID, b.ID); err != nil {
		return nil, nil, r.stepFailed(stepLinkBox, b.ID, err)
	}
	if !u.Owns(b.ID) {
		u.BoxIDs = append(u.BoxIDs, b.ID)
	}
	r.audit.Record(ctx, ActionUserLink, "user", u.ID, map[string]any{"box_id": b.ID})

	if catalog.Known(b.Model) {
		if err := r.provision(ctx, b); err != nil {
			return u, b, err
		}
	}

	r.metrics.BoxCreated(b.Model)
	r.audit.Record(ctx, ActionBoxCreate, "box", b.ID, map[string]any{
		"name":    b.Name,
		"model":   b.Model,
		"user_id": u.ID,
	})
	r.notifier.Notify(ctx, NotifyTitle, "New box "+b.Name+" ("+b.ID+") created")
	r.logger.Info("box created", "box_id", b.ID, "model", b.Model, "sensors", len(b.Sensors))
	return u, b, nil
}

// EnsureFirmware returns the box after making sure its firmware file
// exists, rendering it again when the box is not marked ready or the file
// is gone.
func (r *Registry) EnsureFirmware(ctx context.Context, boxID string) (*Box, error) {
	b, err := r.repo.GetBox(ctx, boxID)
	if err != nil {
		return nil, err
	}
	if !catalog.Known(b.Model) {
		return nil, apperr.Newf(apperr.UnknownModel, "box %s has no firmware template for model %q", b.ID, b.Model)
	}
	if b.FirmwareReady && r.firmware.Exists(b.ID) {
		return b, nil
	}

	if b.FirmwareReady {
		// The file disappeared; never claim readiness without it.
		if err := r.repo.SetFirmwareReady(ctx, b.ID, false); err != nil {
			return nil, err
		}
		b.FirmwareReady = false
	}
	if err := r.provision(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// FindBox returns the box with id.
func (r *Registry) FindBox(ctx context.Context, id string) (*Box, error) {
	return r.repo.GetBox(ctx, id)
}

// FindAllBoxes returns all boxes matching f.
func (r *Registry) FindAllBoxes(ctx context.Context, f Filter) ([]Box, error) {
	if f.BBox != nil {
		if err := f.BBox.Validate(); err != nil {
			return nil, err
		}
	}
	return r.repo.ListBoxes(ctx, f)
}

// BoxWithSensors returns the box with each sensor's latest reading.
func (r *Registry) BoxWithSensors(ctx context.Context, id string) (*Box, error) {
	b, err := r.repo.GetBox(ctx, id)
	if err != nil {
		return nil, err
	}
	sensors, err := r.repo.SensorsWithLatest(ctx, id)
	if err != nil {
		return nil, err
	}
	b.Sensors = sensors
	return b, nil
}

// UpdateBox applies patch to the box with id and returns the result.
//
// The box is re-read and the patch re-applied whenever another writer
// updates it in between, so concurrent location appends are all kept. A
// new image is staged first and only replaces the old file once the box
// row is stored.
func (r *Registry) UpdateBox(ctx context.Context, id string, patch Patch) (*Box, error) {
	if err := validatePatch(&patch, r.now()); err != nil {
		return nil, err
	}

	var staged *fileutil.Staged
	if patch.Image != nil {
		if r.images == nil {
			return nil, apperr.New(apperr.Internal, "image storage is not configured")
		}
		if *patch.Image != "" {
			var err error
			if staged, err = r.images.Stage(id, *patch.Image); err != nil {
				return nil, err
			}
			defer staged.Discard() //nolint:errcheck // no-op after commit
		}
	}

	var (
		b       *Box
		changed []string
	)
	for attempt := 1; ; attempt++ {
		var err error
		if b, err = r.repo.GetBox(ctx, id); err != nil {
			return nil, err
		}
		changed = applyPatch(b, patch)
		b.UpdatedAt = r.now()

		err = r.repo.UpdateBox(ctx, b)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrBoxChanged) || attempt == maxUpdateAttempts {
			return nil, err
		}
		r.logger.Debug("box changed during update, retrying", "box_id", id, "attempt", attempt)
	}

	if patch.Image != nil {
		if err := r.finishImage(id, staged); err != nil {
			return nil, err
		}
	}

	r.audit.Record(ctx, ActionBoxUpdate, "box", b.ID, map[string]any{"fields": changed})
	r.logger.Info("box updated", "box_id", b.ID, "fields", changed)
	return b, nil
}

// validatePatch checks the fields that do not depend on the stored box and
// stamps a location without a timestamp with now.
func validatePatch(patch *Patch, now time.Time) error {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return apperr.Invalid(apperr.CodeInvalidBody, "name must not be empty")
	}
	if patch.BoxType != nil && strings.TrimSpace(*patch.BoxType) == "" {
		return apperr.Invalid(apperr.CodeInvalidBody, "boxType must not be empty")
	}
	if err := validateExtra(patch.Extra); err != nil {
		return err
	}
	if patch.Location != nil {
		loc := *patch.Location
		if loc.Timestamp.IsZero() {
			loc.Timestamp = now
		}
		if err := loc.Validate(); err != nil {
			return err
		}
		patch.Location = &loc
	}
	return nil
}

// locationKeys carry the current location in GeoJSON properties, so no
// extra field may use them.
var locationKeys = []string{"lat", "lng", "height"}

func validateExtra(extra map[string]any) error {
	for _, k := range locationKeys {
		if _, ok := extra[k]; ok {
			return apperr.Invalid(apperr.CodeInvalidBody, "field %q is reserved for the current location", k)
		}
	}
	return nil
}

// applyPatch writes patch into b and lists the changed fields.
func applyPatch(b *Box, patch Patch) []string {
	changed := []string{}
	if patch.Name != nil {
		b.Name = *patch.Name
		changed = append(changed, "name")
	}
	if patch.BoxType != nil {
		b.BoxType = *patch.BoxType
		changed = append(changed, "boxType")
	}
	if patch.Exposure != nil {
		b.Exposure = *patch.Exposure
		changed = append(changed, "exposure")
	}
	if patch.Grouptag != nil {
		b.Grouptag = *patch.Grouptag
		changed = append(changed, "grouptag")
	}
	if patch.Location != nil {
		b.Locations = append(b.Locations, *patch.Location)
		changed = append(changed, "location")
	}
	if len(patch.Extra) > 0 {
		if b.Extra == nil {
			b.Extra = map[string]any{}
		}
		for k, v := range patch.Extra {
			if v == nil {
				delete(b.Extra, k)
				continue
			}
			b.Extra[k] = v
		}
		changed = append(changed, "extra")
	}
	if patch.Image != nil {
		b.Image = ""
		if *patch.Image != "" {
			b.Image = FileName(b.ID)
		}
		changed = append(changed, "image")
	}
	return changed
}

// finishImage replaces the image file with staged, or removes it when
// staged is nil. It runs after the row is stored.
func (r *Registry) finishImage(boxID string, staged *fileutil.Staged) error {
	if staged == nil {
		if err := r.images.Remove(boxID); err != nil {
			return apperr.Wrap(apperr.OutputWrite, "box.remove_image", err, "could not remove image")
		}
		return nil
	}
	if err := staged.Commit(); err != nil {
		return apperr.Wrap(apperr.OutputWrite, "box.save_image", err, "could not store image")
	}
	return nil
}

// DeleteBox removes the box, its sensors and its files. Measurements are
// kept.
func (r *Registry) DeleteBox(ctx context.Context, id string) error {
	if err := r.repo.DeleteBox(ctx, id); err != nil {
		return err
	}

	if err := r.firmware.Remove(id); err != nil {
		r.logger.Warn("removing firmware file", "box_id", id, "error", err)
	}
	if r.images != nil {
		if err := r.images.Remove(id); err != nil {
			r.logger.Warn("removing box image", "box_id", id, "error", err)
		}
	}

	r.audit.Record(ctx, ActionBoxDelete, "box", id, nil)
	r.logger.Info("box deleted", "box_id", id)
	return nil
}

// ValidateAPIKey reports whether a user holds apikey and owns boxID.
func (r *Registry) ValidateAPIKey(ctx context.Context, apikey, boxID string) (bool, error) {
	if apikey == "" {
		return false, nil
	}
	u, err := r.repo.GetUserByAPIKey(ctx, apikey)
	if err != nil {
		if errors.Is(err, apperr.NotFound) {
			return false, nil
		}
		return false, err
	}
	return u.Owns(boxID), nil
}

// Authorize is ValidateAPIKey returning an Auth error on mismatch.
func (r *Registry) Authorize(ctx context.Context, apikey, boxID string) error {
	ok, err := r.ValidateAPIKey(ctx, apikey, boxID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.Auth, "ApiKey not valid for this box")
	}
	return nil
}

// GetSensor returns one sensor with its owning box id.
func (r *Registry) GetSensor(ctx context.Context, id string) (*Sensor, error) {
	return r.repo.GetSensor(ctx, id)
}

// AdvanceLastMeasurement moves the sensor's latest-measurement pointer
// forward in time.
func (r *Registry) AdvanceLastMeasurement(ctx context.Context, sensorID, measurementID string, at time.Time) (bool, error) {
	return r.repo.AdvanceLastMeasurement(ctx, sensorID, measurementID, at)
}

// CountBoxes returns the number of registered boxes.
func (r *Registry) CountBoxes(ctx context.Context) (int, error) {
	return r.repo.CountBoxes(ctx)
}

func (r *Registry) buildBox(req CreateRequest) (*Box, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperr.Invalid(apperr.CodeInvalidBody, "name is required")
	}
	if strings.TrimSpace(req.BoxType) == "" {
		return nil, apperr.Invalid(apperr.CodeInvalidBody, "boxType is required")
	}
	if err := validateExtra(req.Extra); err != nil {
		return nil, err
	}
	loc := req.Location
	if loc.Timestamp.IsZero() {
		loc.Timestamp = r.now()
	}
	loc.Type = "Feature"
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	var specs []SensorInput
	if defaults, ok := catalog.SensorsFor(req.Model); ok {
		for _, s := range defaults {
			specs = append(specs, SensorInput{Title: s.Title, Unit: s.Unit, SensorType: s.SensorType})
		}
	} else {
		if len(req.Sensors) == 0 {
			return nil, apperr.Invalid(apperr.CodeInvalidBody, "model %q is unknown and no sensors were supplied", req.Model)
		}
		specs = req.Sensors
	}

	now := r.now()
	b := &Box{
		ID:        r.newID(),
		Name:      req.Name,
		BoxType:   req.BoxType,
		Exposure:  req.Exposure,
		Grouptag:  req.Grouptag,
		Model:     req.Model,
		Locations: []Location{loc},
		Sensors:   make([]Sensor, 0, len(specs)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(req.Extra) > 0 {
		b.Extra = maps.Clone(req.Extra)
	}
	for i, s := range specs {
		if strings.TrimSpace(s.Title) == "" || strings.TrimSpace(s.Unit) == "" {
			return nil, apperr.Invalid(apperr.CodeInvalidBody, "sensor %d needs a title and a unit", i)
		}
		b.Sensors = append(b.Sensors, Sensor{
			ID:         r.newID(),
			Title:      s.Title,
			Unit:       s.Unit,
			SensorType: s.SensorType,
			BoxID:      b.ID,
		})
	}
	return b, nil
}

// ensureUser returns the user holding apikey, creating it when absent.
// A concurrent creator winning the UNIQUE race is resolved by re-reading.
func (r *Registry) ensureUser(ctx context.Context, profile Profile, apikey string) (*User, error) {
	u, err := r.repo.GetUserByAPIKey(ctx, apikey)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, apperr.NotFound) {
		return nil, err
	}

	u, err = r.CreateUser(ctx, profile, apikey)
	if errors.Is(err, apperr.Duplicate) {
		return r.repo.GetUserByAPIKey(ctx, apikey)
	}
	return u, err
}

// insertBox persists b, choosing fresh ids if the generated one is taken.
func (r *Registry) insertBox(ctx context.Context, b *Box) error {
	for attempt := 1; ; attempt++ {
		err := r.repo.CreateBox(ctx, b)
		if !errors.Is(err, ErrBoxExists) {
			return err
		}
		if attempt == maxIDAttempts {
			return apperr.Wrap(apperr.Internal, stepInsertBox, err, "could not allocate a box id")
		}
		b.ID = r.newID()
		for i := range b.Sensors {
			b.Sensors[i].BoxID = b.ID
		}
	}
}

// provision writes the firmware file and marks the box ready. Failures
// are audited and reported; the box is never marked ready without a file.
func (r *Registry) provision(ctx context.Context, b *Box) error {
	if err := r.firmware.Provision(ctx, b); err != nil {
		r.metrics.FirmwareRendered(false)
		r.audit.Record(ctx, ActionFirmwareFail, "box", b.ID, map[string]any{
			"model": b.Model,
			"error": apperr.MessageOf(err),
		})
		r.notifier.Notify(ctx, NotifyTitle, "Provisioning failed for box "+b.ID+": "+string(apperr.KindOf(err)))
		return r.stepFailed(stepRenderFirmware, b.ID, err)
	}
	if err := r.repo.SetFirmwareReady(ctx, b.ID, true); err != nil {
		return r.stepFailed(stepMarkReady, b.ID, err)
	}
	b.FirmwareReady = true

	r.metrics.FirmwareRendered(true)
	r.audit.Record(ctx, ActionFirmwareRender, "box", b.ID, map[string]any{"model": b.Model})
	return nil
}

func (r *Registry) stepFailed(step, boxID string, err error) error {
	r.logger.Error("box provisioning step failed", "step", step, "box_id", boxID, "error", err)
	return err
}

type noopProvisioner struct{}

func (noopProvisioner) Provision(context.Context, *Box) error {
	return apperr.New(apperr.TemplateRead, "firmware provisioning is not configured")
}
func (noopProvisioner) Exists(string) bool  { return false }
func (noopProvisioner) Remove(string) error { return nil }

type noopAudit struct{}

func (noopAudit) Record(context.Context, string, string, string, map[string]any) {}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, string) {}

type noopMetrics struct{}

func (noopMetrics) BoxCreated(string)     {}
func (noopMetrics) FirmwareRendered(bool) {}
