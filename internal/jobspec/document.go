package jobspec

import (
	"bytes"
	"errors"
	"io"
	"math"
	"oprlmbatch/internal/artifact"
	"oprlmbatch/internal/layout"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied to keys absent from a document.
const (
	DefaultCholesterol    = 20.0
	DefaultIonConc        = 0.15
	DefaultTemperature    = 303.15
	DefaultWaterThickness = 22.5
	DefaultPadding        = 20
)

// Accepted ranges.
const (
	minCholesterol, maxCholesterol = 0.0, 100.0
	minIonConc, maxIonConc         = 0.0, 2.0
	minTemperature, maxTemperature = 270.0, 400.0
	minWater, maxWater             = 10.0, 50.0
	minPadding, maxPadding         = 1, 100
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// document mirrors the on-disk schema. Pointers distinguish absent keys.
type document struct {
	PdbID                *string      `yaml:"pdb_id"`
	FileInputMode        *string      `yaml:"file_input_mode"`
	FilePath             *string      `yaml:"file_path"`
	OutputPath           *string      `yaml:"output_path"`
	Email                *string      `yaml:"email"`
	Membrane             *membraneDoc `yaml:"membrane_config"`
	Ions                 *ionDoc      `yaml:"ion_configuration"`
	MDInput              *mdInputDoc  `yaml:"md_input_options"`
	InputProteinSizePlus *int         `yaml:"input_protein_size_plus"`
	WaterThicknessZ      *float64     `yaml:"water_thickness_z"`
	Temperature          *float64     `yaml:"temperature"`
	Minimization         *bool        `yaml:"perform_charmm_minimization"`
}

type membraneDoc struct {
	Type     *string  `yaml:"membrane_type"`
	POPC     *bool    `yaml:"popc"`
	DOPC     *bool    `yaml:"dopc"`
	DSPC     *bool    `yaml:"dspc"`
	DMPC     *bool    `yaml:"dmpc"`
	DPPC     *bool    `yaml:"dppc"`
	Chol     *float64 `yaml:"chol_value"`
	Topology *string  `yaml:"protein_topology"`
}

type ionDoc struct {
	Type          *string  `yaml:"ion_type"`
	Concentration *float64 `yaml:"ion_concentration"`
}

type mdInputDoc struct {
	NAMD    *bool `yaml:"namd_enabled"`
	GROMACS *bool `yaml:"gromacs_enabled"`
	OpenMM  *bool `yaml:"openmm_enabled"`
}

// ParseFile reads and validates one job document. The returned Spec carries the
// job id whenever one could be read, even if validation failed.
func ParseFile(path string) (Spec, *ValidationError) {
	data, err := os.ReadFile(path)
	if err != nil {
		verr := &ValidationError{File: path}
		verr.add(MalformedDocument, "", "read %s: %v", filepath.Base(path), err)
		return Spec{}, verr
	}
	spec, verr := Parse(data, filepath.Dir(path))
	if verr != nil {
		verr.File = path
	}
	return spec, verr
}

// Parse decodes a YAML or JSON document and validates it. Relative upload and
// output paths resolve against baseDir.
func Parse(data []byte, baseDir string) (Spec, *ValidationError) {
	verr := &ValidationError{}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			verr.add(MalformedDocument, "", "empty document")
		} else {
			verr.add(MalformedDocument, "", "decode: %v", err)
		}
		return Spec{}, verr
	}

	spec := doc.toSpec(verr, baseDir)
	verr.JobID = spec.ID
	return spec, verr.orNil()
}

func (d *document) toSpec(verr *ValidationError, baseDir string) Spec {
	spec := Spec{
		Membrane: MembraneConfig{
			Type:               MembraneCustom,
			Lipids:             Lipids{POPC: true},
			CholesterolPercent: DefaultCholesterol,
			Topology:           TopologyIn,
		},
		Ion:                 IonConfig{Type: IonKCl, Concentration: DefaultIonConc},
		Thermal:             ThermalConfig{TemperatureK: DefaultTemperature},
		Geometry:            GeometryConfig{WaterThickness: DefaultWaterThickness, ProteinPadding: DefaultPadding},
		MinimizationEnabled: true,
		OutputFormats:       OutputFormats{GROMACS: true, OpenMM: true},
	}

	switch id := strings.TrimSpace(deref(d.PdbID)); {
	case id == "":
		verr.add(MissingRequiredField, "pdb_id", "pdb_id is required")
	case !idPattern.MatchString(id):
		spec.ID = id
		verr.add(MalformedDocument, "pdb_id", "pdb_id %q may only contain letters, digits, '_' and '-'", id)
	case strings.EqualFold(id, layout.LogsDirName):
		spec.ID = id
		verr.add(MalformedDocument, "pdb_id", "pdb_id %q is reserved for the run logs", id)
	default:
		spec.ID = id
	}

	if d.FileInputMode == nil || *d.FileInputMode == "" {
		verr.add(MissingRequiredField, "file_input_mode", "file_input_mode is required")
	} else if mode := InputMode(*d.FileInputMode); !mode.Valid() {
		verr.add(InvalidEnumValue, "file_input_mode", "file_input_mode %q must be one of %v", mode, inputModes)
	} else {
		spec.InputMode = mode
	}

	if p := deref(d.FilePath); p != "" {
		spec.SourcePath = resolve(baseDir, p)
	}
	if spec.InputMode == InputUpload {
		checkUpload(verr, spec.SourcePath)
	}
	if p := deref(d.OutputPath); p != "" {
		spec.OutputPathOverride = p
		checkOutputPath(verr, p)
	}
	spec.Email = deref(d.Email)

	if m := d.Membrane; m != nil {
		if m.Type != nil {
			spec.Membrane.Type = MembraneType(*m.Type)
			if !spec.Membrane.Type.Valid() {
				verr.add(InvalidEnumValue, "membrane_config.membrane_type", "membrane_type %q is not a known membrane", *m.Type)
			}
		}
		setBool(&spec.Membrane.Lipids.POPC, m.POPC)
		setBool(&spec.Membrane.Lipids.DOPC, m.DOPC)
		setBool(&spec.Membrane.Lipids.DSPC, m.DSPC)
		setBool(&spec.Membrane.Lipids.DMPC, m.DMPC)
		setBool(&spec.Membrane.Lipids.DPPC, m.DPPC)
		setFloat(&spec.Membrane.CholesterolPercent, m.Chol)
		if m.Topology != nil {
			spec.Membrane.Topology = Topology(*m.Topology)
			if !spec.Membrane.Topology.Valid() {
				verr.add(InvalidEnumValue, "membrane_config.protein_topology", "protein_topology %q must be in or out", *m.Topology)
			}
		}
	}
	checkRange(verr, "membrane_config.chol_value", spec.Membrane.CholesterolPercent, minCholesterol, maxCholesterol)

	if ion := d.Ions; ion != nil {
		if ion.Type != nil {
			spec.Ion.Type = IonType(*ion.Type)
			if !spec.Ion.Type.Valid() {
				verr.add(InvalidEnumValue, "ion_configuration.ion_type", "ion_type %q must be KCl, NaCl, CaCl2 or MgCl2", *ion.Type)
			}
		}
		setFloat(&spec.Ion.Concentration, ion.Concentration)
	}
	checkRange(verr, "ion_configuration.ion_concentration", spec.Ion.Concentration, minIonConc, maxIonConc)

	setFloat(&spec.Thermal.TemperatureK, d.Temperature)
	checkRange(verr, "temperature", spec.Thermal.TemperatureK, minTemperature, maxTemperature)

	setFloat(&spec.Geometry.WaterThickness, d.WaterThicknessZ)
	checkRange(verr, "water_thickness_z", spec.Geometry.WaterThickness, minWater, maxWater)

	if d.InputProteinSizePlus != nil {
		spec.Geometry.ProteinPadding = *d.InputProteinSizePlus
	}
	if p := spec.Geometry.ProteinPadding; p < minPadding || p > maxPadding {
		verr.add(OutOfRange, "input_protein_size_plus", "input_protein_size_plus %d outside %d-%d", p, minPadding, maxPadding)
	}

	setBool(&spec.MinimizationEnabled, d.Minimization)
	if md := d.MDInput; md != nil {
		setBool(&spec.OutputFormats.NAMD, md.NAMD)
		setBool(&spec.OutputFormats.GROMACS, md.GROMACS)
		setBool(&spec.OutputFormats.OpenMM, md.OpenMM)
	}

	return spec
}

func checkUpload(verr *ValidationError, path string) {
	if path == "" {
		verr.add(MissingRequiredField, "file_path", "file_path is required when file_input_mode is upload")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		verr.add(FileNotFound, "file_path", "file_path %s is not readable: %v", path, err)
		return
	}
	defer f.Close()
	if info, err := f.Stat(); err != nil || info.IsDir() {
		verr.add(FileNotFound, "file_path", "file_path %s is not a regular file", path)
	}
}

// checkOutputPath keeps relative overrides inside the run root and out of logs/.
func checkOutputPath(verr *ValidationError, p string) {
	if filepath.IsAbs(p) {
		return
	}
	if _, err := artifact.SafeJoin(".", p); err != nil {
		verr.add(InvalidOutputPath, "output_path", "output_path %q must stay inside the run directory", p)
		return
	}
	first, _, _ := strings.Cut(filepath.ToSlash(filepath.Clean(p)), "/")
	switch {
	case first == ".":
		verr.add(InvalidOutputPath, "output_path", "output_path %q resolves to the run directory itself", p)
	case strings.EqualFold(first, layout.LogsDirName):
		verr.add(InvalidOutputPath, "output_path", "output_path %q is reserved for the run logs", p)
	}
}

func checkRange(verr *ValidationError, field string, v, lo, hi float64) {
	if math.IsNaN(v) || v < lo || v > hi {
		verr.add(OutOfRange, field, "%s %g outside %g-%g", field, v, lo, hi)
	}
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}
