// Package catalog holds the fixed table of sensebox hardware models.
//
// Each model maps to its default sensor set and to the firmware template
// used when provisioning a box of that model. The Registry reads sensor
// sets from here and the firmware provisioner reads templates and sensor
// macro names, so there is exactly one place a model is described.
package catalog

import "slices"

// Model identifies a hardware product line.
type Model string

// Known models.
const (
	SenseboxHome2014         Model = "senseboxhome2014"
	SenseboxHome2015         Model = "senseboxhome2015"
	SenseboxPhotonikWifi     Model = "senseboxphotonikwifi"
	SenseboxPhotonikEthernet Model = "senseboxphotonikethernet"
)

// SensorSpec describes one default sensor of a model.
type SensorSpec struct {
	Title      string `json:"title"`
	Unit       string `json:"unit"`
	SensorType string `json:"sensorType,omitempty"`
}

// Entry is one row of the catalog.
type Entry struct {
	Model    Model
	Sensors  []SensorSpec
	Template string
}

// Sensor titles recognised by the firmware templates.
const (
	TitleTemperature = "Temperatur"
	TitleHumidity    = "rel. Luftfeuchte"
	TitlePressure    = "Luftdruck"
	TitleNoise       = "Lautstärke"
	TitleLight       = "Helligkeit"
	TitleLux         = "Beleuchtungsstärke"
	TitleUV          = "UV"
)

var home2015Sensors = []SensorSpec{
	{Title: TitleTemperature, Unit: "°C", SensorType: "HDC1008"},
	{Title: TitleHumidity, Unit: "%", SensorType: "HDC1008"},
	{Title: TitlePressure, Unit: "hPa", SensorType: "BMP280"},
	{Title: TitleLux, Unit: "lx", SensorType: "TSL45315"},
	{Title: TitleUV, Unit: "μW/cm²", SensorType: "VEML6070"},
}

var entries = []Entry{
	{
		Model: SenseboxHome2014,
		Sensors: []SensorSpec{
			{Title: TitleTemperature, Unit: "°C", SensorType: "HDC1008"},
			{Title: TitleHumidity, Unit: "%", SensorType: "HDC1008"},
			{Title: TitlePressure, Unit: "hPa", SensorType: "BMP085"},
			{Title: TitleNoise, Unit: "Pegel", SensorType: "LM386"},
			{Title: TitleLight, Unit: "Pegel", SensorType: "GL5528"},
			{Title: TitleUV, Unit: "UV-Index", SensorType: "GUVA-S12D"},
		},
		Template: "template_home_2014.ino",
	},
	{
		Model:    SenseboxHome2015,
		Sensors:  home2015Sensors,
		Template: "template_home_2015.ino",
	},
	{
		Model:    SenseboxPhotonikWifi,
		Sensors:  home2015Sensors,
		Template: "template_photonik_wifi.ino",
	},
	{
		Model:    SenseboxPhotonikEthernet,
		Sensors:  home2015Sensors,
		Template: "template_photonik_ethernet.ino",
	},
}

// sensorMacros maps an exact sensor title to the firmware macro that
// receives that sensor's id. Matching is case-sensitive.
var sensorMacros = map[string]string{
	TitleTemperature: "TEMPERATURESENSOR_ID",
	TitleHumidity:    "HUMIDITYSENSOR_ID",
	TitlePressure:    "PRESSURESENSOR_ID",
	TitleNoise:       "NOISESENSOR_ID",
	TitleLight:       "LIGHTSENSOR_ID",
	TitleLux:         "LUXSENSOR_ID",
	TitleUV:          "UVSENSOR_ID",
}

// Lookup returns the entry for model.
func Lookup(model string) (Entry, bool) {
	for _, e := range entries {
		if string(e.Model) == model {
			return Entry{Model: e.Model, Sensors: slices.Clone(e.Sensors), Template: e.Template}, true
		}
	}
	return Entry{}, false
}

// SensorsFor returns a copy of the default sensor set of model, in order.
func SensorsFor(model string) ([]SensorSpec, bool) {
	e, ok := Lookup(model)
	if !ok {
		return nil, false
	}
	return e.Sensors, true
}

// TemplateFor returns the firmware template name of model.
func TemplateFor(model string) (string, bool) {
	e, ok := Lookup(model)
	if !ok {
		return "", false
	}
	return e.Template, true
}

// Known reports whether model is in the catalog.
func Known(model string) bool {
	_, ok := Lookup(model)
	return ok
}

// Models lists the catalog's model identifiers in table order.
func Models() []Model {
	out := make([]Model, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Model)
	}
	return out
}

// SensorMacro returns the firmware macro name for a sensor title.
func SensorMacro(title string) (string, bool) {
	m, ok := sensorMacros[title]
	return m, ok
}
