package oprlm

import "oprlmbatch/internal/jobspec"

// wireOptions is the options payload in the server's field names.
type wireOptions struct {
	MembraneConfig struct {
		MembraneType    string  `json:"membrane_type"`
		POPC            bool    `json:"popc"`
		DOPC            bool    `json:"dopc"`
		DSPC            bool    `json:"dspc"`
		DMPC            bool    `json:"dmpc"`
		DPPC            bool    `json:"dppc"`
		CholValue       float64 `json:"chol_value"`
		ProteinTopology string  `json:"protein_topology"`
	} `json:"membrane_config"`
	IonConfiguration struct {
		IonType          string  `json:"ion_type"`
		IonConcentration float64 `json:"ion_concentration"`
	} `json:"ion_configuration"`
	MDInputOptions struct {
		NAMD    bool `json:"namd_enabled"`
		GROMACS bool `json:"gromacs_enabled"`
		OpenMM  bool `json:"openmm_enabled"`
	} `json:"md_input_options"`
	InputProteinSizePlus int     `json:"input_protein_size_plus"`
	WaterThicknessZ      float64 `json:"water_thickness_z"`
	Temperature          float64 `json:"temperature"`
	PerformMinimization  bool    `json:"perform_charmm_minimization"`
}

func requestOptions(spec jobspec.Spec) wireOptions {
	var o wireOptions
	m := spec.Membrane
	o.MembraneConfig.MembraneType = string(m.Type)
	o.MembraneConfig.POPC = m.Lipids.POPC
	o.MembraneConfig.DOPC = m.Lipids.DOPC
	o.MembraneConfig.DSPC = m.Lipids.DSPC
	o.MembraneConfig.DMPC = m.Lipids.DMPC
	o.MembraneConfig.DPPC = m.Lipids.DPPC
	o.MembraneConfig.CholValue = m.CholesterolPercent
	o.MembraneConfig.ProteinTopology = string(m.Topology)
	o.IonConfiguration.IonType = string(spec.Ion.Type)
	o.IonConfiguration.IonConcentration = spec.Ion.Concentration
	o.MDInputOptions.NAMD = spec.OutputFormats.NAMD
	o.MDInputOptions.GROMACS = spec.OutputFormats.GROMACS
	o.MDInputOptions.OpenMM = spec.OutputFormats.OpenMM
	o.InputProteinSizePlus = spec.Geometry.ProteinPadding
	o.WaterThicknessZ = spec.Geometry.WaterThickness
	o.Temperature = spec.Thermal.TemperatureK
	o.PerformMinimization = spec.MinimizationEnabled
	return o
}
