// Package jobspec loads and validates declarative OPRLM job specifications.
package jobspec

import "slices"

// InputMode selects where the protein structure comes from.
type InputMode string

const (
	InputRCSB     InputMode = "searchPDB" // fetched from RCSB by id
	InputRemoteDB InputMode = "searchOPM" // fetched from the OPM database by id
	InputUpload   InputMode = "upload"    // local file sent with the submission
)

var inputModes = []InputMode{InputRCSB, InputRemoteDB, InputUpload}

// Valid reports whether m is a known input mode.
func (m InputMode) Valid() bool { return slices.Contains(inputModes, m) }

// MembraneType is an OPRLM membrane model code.
type MembraneType string

const (
	MembraneCustom           MembraneType = "custom"
	MembranePMMammalian      MembraneType = "PMm"
	MembranePMPlants         MembraneType = "PMp"
	MembranePMFungi          MembraneType = "PMf"
	MembraneERFungi          MembraneType = "ERf"
	MembraneERMammalian      MembraneType = "ERm"
	MembraneGolgiMammalian   MembraneType = "GOLm"
	MembraneGolgiFungi       MembraneType = "GOLf"
	MembraneEndosome         MembraneType = "ENDm"
	MembraneLysosome         MembraneType = "LYSm"
	MembraneMitoOuter        MembraneType = "MOM"
	MembraneMitoInner        MembraneType = "MIM"
	MembraneVacuole          MembraneType = "VACp"
	MembraneThylakoidPlants  MembraneType = "THYp"
	MembraneThylakoidCyano   MembraneType = "THYc"
	MembraneBactOuter        MembraneType = "BOUT"
	MembraneBactInner        MembraneType = "BIN"
	MembraneBactPositive     MembraneType = "BPM"
	MembraneArchaea          MembraneType = "APM"
	MembraneGramNegOuter     MembraneType = "G-OM"
	MembraneGramNegInner     MembraneType = "G-IM"
	MembraneGramPositivePlas MembraneType = "G-PM"
)

var membraneTypes = []MembraneType{
	MembraneCustom, MembranePMMammalian, MembranePMPlants, MembranePMFungi,
	MembraneERFungi, MembraneERMammalian, MembraneGolgiMammalian, MembraneGolgiFungi,
	MembraneEndosome, MembraneLysosome, MembraneMitoOuter, MembraneMitoInner,
	MembraneVacuole, MembraneThylakoidPlants, MembraneThylakoidCyano,
	MembraneBactOuter, MembraneBactInner, MembraneBactPositive, MembraneArchaea,
	MembraneGramNegOuter, MembraneGramNegInner, MembraneGramPositivePlas,
}

// Valid reports whether t is a known membrane code.
func (t MembraneType) Valid() bool { return slices.Contains(membraneTypes, t) }

// Topology is the protein N-terminus side relative to the membrane.
type Topology string

const (
	TopologyIn  Topology = "in"
	TopologyOut Topology = "out"
)

// Valid reports whether t is in or out.
func (t Topology) Valid() bool { return t == TopologyIn || t == TopologyOut }

// IonType is the salt used to neutralize the system.
type IonType string

const (
	IonKCl   IonType = "KCl"
	IonNaCl  IonType = "NaCl"
	IonCaCl2 IonType = "CaCl2"
	IonMgCl2 IonType = "MgCl2"
)

// Valid reports whether t is a supported salt.
func (t IonType) Valid() bool {
	switch t {
	case IonKCl, IonNaCl, IonCaCl2, IonMgCl2:
		return true
	}
	return false
}

// OutputFormat is an MD engine input bundle.
type OutputFormat string

const (
	FormatNAMD    OutputFormat = "namd"
	FormatGROMACS OutputFormat = "gromacs"
	FormatOpenMM  OutputFormat = "openmm"
)

// Lipids is the per-lipid composition of a custom membrane.
type Lipids struct {
	POPC bool `json:"popc"`
	DOPC bool `json:"dopc"`
	DSPC bool `json:"dspc"`
	DMPC bool `json:"dmpc"`
	DPPC bool `json:"dppc"`
}

// MembraneConfig describes the membrane model.
type MembraneConfig struct {
	Type               MembraneType `json:"type"`
	Lipids             Lipids       `json:"lipids"`
	CholesterolPercent float64      `json:"cholesterolPercent"`
	Topology           Topology     `json:"topology"`
}

// IonConfig is the solvent salt.
type IonConfig struct {
	Type          IonType `json:"type"`
	Concentration float64 `json:"concentration"` // molar
}

// ThermalConfig is the simulation temperature.
type ThermalConfig struct {
	TemperatureK float64 `json:"temperatureK"`
}

// GeometryConfig sizes the simulation box.
type GeometryConfig struct {
	WaterThickness float64 `json:"waterThickness"` // Å
	ProteinPadding int     `json:"proteinPadding"` // Å
}

// OutputFormats is the set of requested MD input bundles.
type OutputFormats struct {
	NAMD    bool `json:"namd"`
	GROMACS bool `json:"gromacs"`
	OpenMM  bool `json:"openmm"`
}

// Enabled lists the requested formats in a fixed order.
func (f OutputFormats) Enabled() []OutputFormat {
	var out []OutputFormat
	if f.NAMD {
		out = append(out, FormatNAMD)
	}
	if f.GROMACS {
		out = append(out, FormatGROMACS)
	}
	if f.OpenMM {
		out = append(out, FormatOpenMM)
	}
	return out
}

// Spec is one validated job. It holds no references, so copies are independent.
type Spec struct {
	ID                  string         `json:"id"`
	InputMode           InputMode      `json:"inputMode"`
	SourcePath          string         `json:"sourcePath,omitempty"`
	Email               string         `json:"email,omitempty"`
	Membrane            MembraneConfig `json:"membrane"`
	Ion                 IonConfig      `json:"ion"`
	Thermal             ThermalConfig  `json:"thermal"`
	Geometry            GeometryConfig `json:"geometry"`
	MinimizationEnabled bool           `json:"minimizationEnabled"`
	OutputFormats       OutputFormats  `json:"outputFormats"`
	OutputPathOverride  string         `json:"outputPathOverride,omitempty"`
}
