package box

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/catalog"
)

// fakeProvisioner stores rendered boxes in memory.
type fakeProvisioner struct {
	mu      sync.Mutex
	files   map[string]bool
	fail    error
	renders int
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{files: map[string]bool{}}
}

func (p *fakeProvisioner) Provision(_ context.Context, b *Box) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renders++
	if p.fail != nil {
		return p.fail
	}
	p.files[b.ID] = true
	return nil
}

func (p *fakeProvisioner) Exists(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files[id]
}

func (p *fakeProvisioner) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.files, id)
	return nil
}

// recordingAudit keeps recorded actions in order.
type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAudit) Record(_ context.Context, action, _, _ string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

func (a *recordingAudit) has(action string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Contains(a.actions, action)
}

type testRegistry struct {
	*Registry
	repo  *SQLiteRepository
	prov  *fakeProvisioner
	audit *recordingAudit
}

func setupRegistry(t *testing.T) *testRegistry {
	t.Helper()
	repo := setupRepo(t)
	prov := newFakeProvisioner()
	audit := &recordingAudit{}
	reg := NewRegistry(repo, Deps{
		Firmware: prov,
		Audit:    audit,
		Images:   NewImageStore(t.TempDir(), 1<<20),
	})

	var n int
	reg.newID = func() string {
		n++
		return fmt.Sprintf("id%03d", n)
	}
	reg.now = func() time.Time { return testTime }
	return &testRegistry{Registry: reg, repo: repo, prov: prov, audit: audit}
}

func createRequest(apikey, model string) CreateRequest {
	return CreateRequest{
		Name:     "Garden",
		BoxType:  "fixed",
		Exposure: "outdoor",
		Location: NewLocation(7.62, 51.96, time.Time{}),
		Model:    model,
		APIKey:   apikey,
		User:     Profile{Firstname: "Ada", Lastname: "Lovelace", Email: "ada@example.com"},
	}
}

func TestRegistry_CreateBox_CatalogSensors(t *testing.T) {
	for _, model := range catalog.Models() {
		t.Run(string(model), func(t *testing.T) {
			r := setupRegistry(t)
			ctx := context.Background()

			u, b, err := r.CreateBox(ctx, createRequest("key", string(model)))
			if err != nil {
				t.Fatalf("CreateBox() error = %v", err)
			}

			want, _ := catalog.SensorsFor(string(model))
			if len(b.Sensors) != len(want) {
				t.Fatalf("got %d sensors, want %d", len(b.Sensors), len(want))
			}
			for i, s := range b.Sensors {
				if s.Title != want[i].Title || s.Unit != want[i].Unit || s.SensorType != want[i].SensorType {
					t.Errorf("sensor %d = %+v, want %+v", i, s, want[i])
				}
			}

			if !b.FirmwareReady || !r.prov.Exists(b.ID) {
				t.Error("firmware should be rendered and marked ready")
			}
			if !u.Owns(b.ID) {
				t.Errorf("user boxes = %v, want to include %s", u.BoxIDs, b.ID)
			}

			stored, err := r.FindBox(ctx, b.ID)
			if err != nil {
				t.Fatalf("FindBox() error = %v", err)
			}
			if !stored.FirmwareReady {
				t.Error("stored box should be firmware ready")
			}
			if !stored.Locations[0].Timestamp.Equal(testTime) {
				t.Errorf("location timestamp = %v, want defaulted to now", stored.Locations[0].Timestamp)
			}
		})
	}
}

func TestRegistry_CreateBox_ExplicitSensors(t *testing.T) {
	r := setupRegistry(t)

	req := createRequest("key", "custom")
	req.Sensors = []SensorInput{
		{Title: "PM10", Unit: "µg/m³", SensorType: "SDS011"},
		{Title: "PM2.5", Unit: "µg/m³", SensorType: "SDS011"},
	}
	_, b, err := r.CreateBox(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}
	if len(b.Sensors) != 2 || b.Sensors[0].Title != "PM10" || b.Sensors[1].Title != "PM2.5" {
		t.Errorf("Sensors = %+v, want the explicit list", b.Sensors)
	}
	// No template for custom models, so provisioning is skipped.
	if r.prov.renders != 0 || b.FirmwareReady {
		t.Errorf("renders = %d, ready = %v; want no provisioning", r.prov.renders, b.FirmwareReady)
	}
}

func TestRegistry_CreateBox_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing name", func(r *CreateRequest) { r.Name = " " }},
		{"missing box type", func(r *CreateRequest) { r.BoxType = "" }},
		{"bad location", func(r *CreateRequest) { r.Location = NewLocation(200, 0, time.Time{}) }},
		{"unknown model without sensors", func(r *CreateRequest) { r.Model = "toaster" }},
		{"sensor without unit", func(r *CreateRequest) {
			r.Model = ""
			r.Sensors = []SensorInput{{Title: "x"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setupRegistry(t)
			req := createRequest("key", "senseboxhome2015")
			tt.mutate(&req)

			_, _, err := r.CreateBox(context.Background(), req)
			if !errors.Is(err, apperr.Validation) {
				t.Fatalf("CreateBox() error = %v, want Validation", err)
			}
			if n, _ := r.CountBoxes(context.Background()); n != 0 {
				t.Errorf("CountBoxes() = %d, want nothing stored", n)
			}
		})
	}
}

func TestRegistry_CreateBox_ExistingUserGetsBoxAttached(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	_, first, err := r.CreateBox(ctx, createRequest("shared", "senseboxhome2014"))
	if err != nil {
		t.Fatalf("first CreateBox() error = %v", err)
	}
	u, second, err := r.CreateBox(ctx, createRequest("shared", "senseboxhome2015"))
	if err != nil {
		t.Fatalf("second CreateBox() error = %v", err)
	}

	if !u.Owns(first.ID) || !u.Owns(second.ID) {
		t.Errorf("user boxes = %v, want both %s and %s", u.BoxIDs, first.ID, second.ID)
	}
	for _, id := range []string{first.ID, second.ID} {
		ok, err := r.ValidateAPIKey(ctx, "shared", id)
		if err != nil || !ok {
			t.Errorf("ValidateAPIKey(shared, %s) = %v, %v; want true", id, ok, err)
		}
	}
}

func TestRegistry_CreateBox_FirmwareFailure(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()
	r.prov.fail = apperr.New(apperr.TemplateRead, "template missing")

	_, b, err := r.CreateBox(ctx, createRequest("key", "senseboxhome2015"))
	if !errors.Is(err, apperr.TemplateRead) {
		t.Fatalf("CreateBox() error = %v, want TemplateRead", err)
	}
	if b == nil {
		t.Fatal("CreateBox() should return the partially provisioned box")
	}

	stored, err := r.FindBox(ctx, b.ID)
	if err != nil {
		t.Fatalf("FindBox() error = %v", err)
	}
	if stored.FirmwareReady {
		t.Error("box must not be marked firmware ready after a failed render")
	}
	if !r.audit.has(ActionFirmwareFail) || r.audit.has(ActionBoxCreate) {
		t.Errorf("audit actions = %v", r.audit.actions)
	}

	// Provisioning resumes once the template is available.
	r.prov.fail = nil
	resumed, err := r.EnsureFirmware(ctx, b.ID)
	if err != nil {
		t.Fatalf("EnsureFirmware() error = %v", err)
	}
	if !resumed.FirmwareReady || !r.prov.Exists(b.ID) {
		t.Error("EnsureFirmware() should render and mark ready")
	}
}

func TestRegistry_EnsureFirmware(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	_, b, err := r.CreateBox(ctx, createRequest("key", "senseboxhome2014"))
	if err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}
	renders := r.prov.renders

	if _, err := r.EnsureFirmware(ctx, b.ID); err != nil {
		t.Fatalf("EnsureFirmware() error = %v", err)
	}
	if r.prov.renders != renders {
		t.Error("EnsureFirmware() re-rendered an existing file")
	}

	// A vanished file is rendered again.
	r.prov.Remove(b.ID) //nolint:errcheck // fake never fails
	if _, err := r.EnsureFirmware(ctx, b.ID); err != nil {
		t.Fatalf("EnsureFirmware() error = %v", err)
	}
	if r.prov.renders != renders+1 {
		t.Errorf("renders = %d, want %d", r.prov.renders, renders+1)
	}

	req := createRequest("key", "")
	req.Sensors = []SensorInput{{Title: "x", Unit: "y"}}
	_, custom, err := r.CreateBox(ctx, req)
	if err != nil {
		t.Fatalf("CreateBox(custom) error = %v", err)
	}
	if _, err := r.EnsureFirmware(ctx, custom.ID); !errors.Is(err, apperr.UnknownModel) {
		t.Errorf("EnsureFirmware(custom) error = %v, want UnknownModel", err)
	}
	if _, err := r.EnsureFirmware(ctx, "missing"); !errors.Is(err, apperr.NotFound) {
		t.Errorf("EnsureFirmware(missing) error = %v, want NotFound", err)
	}
}

func TestRegistry_CreateUser_Duplicate(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	if _, err := r.CreateUser(ctx, Profile{Email: "a@example.com"}, "k1"); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	_, err := r.CreateUser(ctx, Profile{Email: "b@example.com"}, "k1")
	if !errors.Is(err, apperr.Duplicate) {
		t.Fatalf("CreateUser(dup) error = %v, want Duplicate", err)
	}

	var count int
	if err := r.repo.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE apikey = 'k1'`).Scan(&count); err != nil {
		t.Fatalf("counting users: %v", err)
	}
	if count != 1 {
		t.Errorf("users with apikey = %d, want 1", count)
	}

	if _, err := r.CreateUser(ctx, Profile{}, ""); !errors.Is(err, apperr.Validation) {
		t.Errorf("CreateUser(empty key) error = %v, want Validation", err)
	}
}

func TestRegistry_UpdateBox(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	_, b, err := r.CreateBox(ctx, createRequest("key", "senseboxhome2015"))
	if err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}

	name := "Balcony"
	loc := NewLocation(13.4, 52.5, testTime.Add(time.Hour))
	image := "data:image/jpeg;base64,/9j/4AAQ"
	updated, err := r.UpdateBox(ctx, b.ID, Patch{
		Name:     &name,
		Location: &loc,
		Image:    &image,
		Extra:    map[string]any{"weblink": "https://example.com"},
	})
	if err != nil {
		t.Fatalf("UpdateBox() error = %v", err)
	}
	if updated.Name != "Balcony" {
		t.Errorf("Name = %q", updated.Name)
	}
	if cur, _ := updated.CurrentLocation(); cur.Lng() != 13.4 || len(updated.Locations) != 2 {
		t.Errorf("Locations = %+v, want new location appended", updated.Locations)
	}
	if updated.Image != FileName(b.ID) || !r.images.Exists(b.ID) {
		t.Errorf("Image = %q, file exists = %v", updated.Image, r.images.Exists(b.ID))
	}
	if updated.Extra["weblink"] != "https://example.com" {
		t.Errorf("Extra = %v", updated.Extra)
	}

	empty := ""
	if _, err := r.UpdateBox(ctx, b.ID, Patch{Name: &empty}); !errors.Is(err, apperr.Validation) {
		t.Errorf("UpdateBox(empty name) error = %v, want Validation", err)
	}
	bad := NewLocation(0, 95, testTime)
	if _, err := r.UpdateBox(ctx, b.ID, Patch{Location: &bad}); !errors.Is(err, apperr.Validation) {
		t.Errorf("UpdateBox(bad location) error = %v, want Validation", err)
	}
	if _, err := r.UpdateBox(ctx, b.ID, Patch{Image: &empty}); err != nil {
		t.Errorf("UpdateBox(remove image) error = %v", err)
	}
	if r.images.Exists(b.ID) {
		t.Error("image should be removed")
	}
	if !r.audit.has(ActionBoxUpdate) {
		t.Error("update not audited")
	}
}

// slowBoxReads widens the window between reading and writing a box.
type slowBoxReads struct {
	*SQLiteRepository
	delay time.Duration
}

func (s *slowBoxReads) GetBox(ctx context.Context, id string) (*Box, error) {
	b, err := s.SQLiteRepository.GetBox(ctx, id)
	time.Sleep(s.delay)
	return b, err
}

// failingBoxUpdates rejects every box update.
type failingBoxUpdates struct {
	*SQLiteRepository
}

func (failingBoxUpdates) UpdateBox(context.Context, *Box) error {
	return apperr.FromStorage("box.update", errors.New("disk I/O error"))
}

func TestRegistry_UpdateBox_ConcurrentLocationsKept(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	_, b, err := r.CreateBox(ctx, createRequest("key", "senseboxhome2015"))
	if err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}
	slow := NewRegistry(&slowBoxReads{SQLiteRepository: r.repo, delay: 5 * time.Millisecond}, Deps{})

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loc := NewLocation(7+float64(i)/10, 51, testTime.Add(time.Duration(i+1)*time.Minute))
			if _, err := slow.UpdateBox(ctx, b.ID, Patch{Location: &loc}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("UpdateBox() error = %v", err)
	}

	got, err := r.FindBox(ctx, b.ID)
	if err != nil {
		t.Fatalf("FindBox() error = %v", err)
	}
	if len(got.Locations) != writers+1 {
		t.Errorf("len(Locations) = %d, want %d", len(got.Locations), writers+1)
	}
	if got.Revision != writers {
		t.Errorf("Revision = %d, want %d", got.Revision, writers)
	}
}

func TestRegistry_UpdateBox_FailedUpdateKeepsImage(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	_, b, err := r.CreateBox(ctx, createRequest("key", "senseboxhome2015"))
	if err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}
	old := "data:image/jpeg;base64,b2xk"
	if _, err := r.UpdateBox(ctx, b.ID, Patch{Image: &old}); err != nil {
		t.Fatalf("UpdateBox(image) error = %v", err)
	}

	failing := NewRegistry(failingBoxUpdates{r.repo}, Deps{Images: r.images})
	replacement := "data:image/jpeg;base64,bmV3"
	if _, err := failing.UpdateBox(ctx, b.ID, Patch{Image: &replacement}); !errors.Is(err, apperr.StorageUnavailable) {
		t.Fatalf("UpdateBox() error = %v, want StorageUnavailable", err)
	}

	data, err := os.ReadFile(r.images.Path(b.ID))
	if err != nil {
		t.Fatalf("reading image: %v", err)
	}
	if string(data) != "old" {
		t.Errorf("image = %q, want the previous image", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(r.images.Path(b.ID)))
	if len(entries) != 1 {
		t.Errorf("image dir has %d entries, want only the committed image", len(entries))
	}
}

func TestRegistry_ReservedExtraKeys(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	_, b, err := r.CreateBox(ctx, createRequest("key", "senseboxhome2015"))
	if err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}

	for _, key := range []string{"lat", "lng", "height"} {
		t.Run(key, func(t *testing.T) {
			req := createRequest("key-"+key, "senseboxhome2015")
			req.Extra = map[string]any{key: 1.5}
			if _, _, err := r.CreateBox(ctx, req); !errors.Is(err, apperr.Validation) {
				t.Errorf("CreateBox(extra %s) error = %v, want Validation", key, err)
			}
			if _, err := r.UpdateBox(ctx, b.ID, Patch{Extra: map[string]any{key: 1.5}}); !errors.Is(err, apperr.Validation) {
				t.Errorf("UpdateBox(extra %s) error = %v, want Validation", key, err)
			}
		})
	}

	if _, err := r.UpdateBox(ctx, b.ID, Patch{Extra: map[string]any{"latitude_note": "ok"}}); err != nil {
		t.Errorf("UpdateBox(unreserved extra) error = %v", err)
	}
}

func TestRegistry_DeleteBox(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	_, b, err := r.CreateBox(ctx, createRequest("key", "senseboxhome2015"))
	if err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}
	if err := r.DeleteBox(ctx, b.ID); err != nil {
		t.Fatalf("DeleteBox() error = %v", err)
	}

	if _, err := r.FindBox(ctx, b.ID); !errors.Is(err, apperr.NotFound) {
		t.Errorf("FindBox() after delete error = %v", err)
	}
	if _, err := r.GetSensor(ctx, b.Sensors[0].ID); !errors.Is(err, apperr.NotFound) {
		t.Errorf("GetSensor() after delete error = %v, want NotFound", err)
	}
	if r.prov.Exists(b.ID) {
		t.Error("firmware file should be removed")
	}
	if ok, _ := r.ValidateAPIKey(ctx, "key", b.ID); ok {
		t.Error("deleted box should no longer validate")
	}
	if err := r.DeleteBox(ctx, b.ID); !errors.Is(err, apperr.NotFound) {
		t.Errorf("DeleteBox() twice error = %v, want NotFound", err)
	}
}

func TestRegistry_ValidateAPIKey(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	_, b, err := r.CreateBox(ctx, createRequest("owner", "senseboxhome2015"))
	if err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}
	if _, err := r.CreateUser(ctx, Profile{}, "stranger"); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	tests := []struct {
		name   string
		apikey string
		boxID  string
		want   bool
	}{
		{"owner", "owner", b.ID, true},
		{"other user", "stranger", b.ID, false},
		{"unknown key", "nobody", b.ID, false},
		{"empty key", "", b.ID, false},
		{"other box", "owner", "elsewhere", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ValidateAPIKey(ctx, tt.apikey, tt.boxID)
			if err != nil {
				t.Fatalf("ValidateAPIKey() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ValidateAPIKey() = %v, want %v", got, tt.want)
			}
			if err := r.Authorize(ctx, tt.apikey, tt.boxID); (err == nil) != tt.want {
				t.Errorf("Authorize() error = %v, want ok=%v", err, tt.want)
			}
		})
	}
}

func TestRegistry_FindAllBoxes_InvalidBBox(t *testing.T) {
	r := setupRegistry(t)
	_, err := r.FindAllBoxes(context.Background(), Filter{BBox: ptr(NewBBox(1, 1, 1, 2))})
	if !errors.Is(err, apperr.Validation) || apperr.CodeOf(err) != apperr.CodeInvalidBBox {
		t.Errorf("FindAllBoxes() error = %v, want invalid_bbox", err)
	}
}
