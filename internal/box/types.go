package box

import (
	"encoding/json"
	"slices"
	"time"
)

// Box is a sensing station. It exclusively owns its sensors and its
// location history; the last entry of Locations is the current location.
type Box struct {
	ID        string     `json:"_id"`
	Name      string     `json:"name"`
	BoxType   string     `json:"boxType"`
	Exposure  string     `json:"exposure,omitempty"`
	Grouptag  string     `json:"grouptag,omitempty"`
	Image     string     `json:"image,omitempty"`
	Model     string     `json:"model,omitempty"`
	Locations []Location `json:"locations"`
	Sensors   []Sensor   `json:"sensors"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`

	// Extra holds client-supplied fields the core does not interpret.
	// They are stored and emitted untouched.
	Extra map[string]any `json:"-"`

	// FirmwareReady is set only after a firmware file has been written.
	FirmwareReady bool `json:"-"`

	// Revision is the stored revision this value was read at.
	Revision int64 `json:"-"`
}

// Sensor is one measured phenomenon of a box.
type Sensor struct {
	ID         string `json:"_id"`
	Title      string `json:"title"`
	Unit       string `json:"unit"`
	SensorType string `json:"sensorType,omitempty"`

	// LastMeasurementID references the newest measurement by createdAt.
	// It is a back-reference, not ownership.
	LastMeasurementID string `json:"lastMeasurementId,omitempty"`

	// LastMeasurement is populated by views that join the latest reading.
	LastMeasurement *Reading `json:"lastMeasurement,omitempty"`

	BoxID             string     `json:"-"`
	LastMeasurementAt *time.Time `json:"-"`
}

// Reading is the subset of a measurement embedded in sensor views.
type Reading struct {
	ID        string    `json:"_id"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

// User holds the shared secret for a set of boxes.
type User struct {
	ID        string    `json:"_id"`
	Firstname string    `json:"firstname"`
	Lastname  string    `json:"lastname"`
	Email     string    `json:"email"`
	APIKey    string    `json:"apikey"`
	BoxIDs    []string  `json:"boxes"`
	CreatedAt time.Time `json:"createdAt"`
}

// Profile is the personal part of a user record.
type Profile struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Email     string `json:"email"`
}

// Owns reports whether boxID is linked to the user.
func (u *User) Owns(boxID string) bool {
	return slices.Contains(u.BoxIDs, boxID)
}

// CurrentLocation returns the most recent location.
func (b *Box) CurrentLocation() (Location, bool) {
	if len(b.Locations) == 0 {
		return Location{}, false
	}
	return b.Locations[len(b.Locations)-1], true
}

// Sensor returns the sensor with the given id.
func (b *Box) Sensor(id string) (*Sensor, bool) {
	for i := range b.Sensors {
		if b.Sensors[i].ID == id {
			return &b.Sensors[i], true
		}
	}
	return nil, false
}

// SensorIDs lists the box's sensor ids in order.
func (b *Box) SensorIDs() []string {
	ids := make([]string, len(b.Sensors))
	for i, s := range b.Sensors {
		ids[i] = s.ID
	}
	return ids
}

// MarshalJSON emits the known fields plus any Extra fields that do not
// collide with them.
func (b Box) MarshalJSON() ([]byte, error) {
	type plain Box
	data, err := json.Marshal(plain(b))
	if err != nil || len(b.Extra) == 0 {
		return data, err
	}

	var merged map[string]any
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range b.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// boxFields are the JSON keys of the known Box fields.
var boxFields = []string{
	"_id", "name", "boxType", "exposure", "grouptag", "image", "model",
	"locations", "sensors", "createdAt", "updatedAt",
}

// UnmarshalJSON decodes the known fields and collects the rest into Extra.
func (b *Box) UnmarshalJSON(data []byte) error {
	type plain Box
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range boxFields {
		delete(all, k)
	}
	if len(all) > 0 {
		p.Extra = all
	}
	*b = Box(p)
	return nil
}

// Filter narrows FindAll. Zero fields match everything.
type Filter struct {
	Exposure   string
	Grouptag   string
	BoxType    string
	Phenomenon string
	BBox       *BBox
}

// SensorInput is a caller-supplied sensor definition.
type SensorInput struct {
	Title      string `json:"title"`
	Unit       string `json:"unit"`
	SensorType string `json:"sensorType,omitempty"`
}

// CreateRequest carries everything needed to provision a box.
type CreateRequest struct {
	Name     string
	BoxType  string
	Exposure string
	Grouptag string
	Location Location
	// Model selects a catalog entry. When it is not a known model,
	// Sensors must be supplied.
	Model   string
	Sensors []SensorInput
	APIKey  string
	User    Profile
	Extra   map[string]any
}

// Patch lists the fields an update may change. Nil means unchanged.
type Patch struct {
	Name     *string
	BoxType  *string
	Exposure *string
	Grouptag *string
	// Image is a data URL, or the empty string to remove the image.
	Image *string
	// Location is appended to the history and becomes current.
	Location *Location
	Extra    map[string]any
}
