package core

import "github.com/3cpo-dev/qeapp/internal/params"

// Structure is a periodic atomic structure.
type Structure struct {
	Label string        `yaml:"label,omitempty" json:"label,omitempty"`
	Cell  [3][3]float64 `yaml:"cell" json:"cell"`
	PBC   [3]bool       `yaml:"pbc" json:"pbc"`
	Sites []Site        `yaml:"sites" json:"sites"`
}

// Site is one atom of a Structure, positions in Angstrom.
type Site struct {
	Symbol   string     `yaml:"symbol" json:"symbol"`
	Position [3]float64 `yaml:"position" json:"position"`
}

// KpointMesh is an explicit Monkhorst-Pack mesh.
type KpointMesh struct {
	Mesh   [3]int     `yaml:"mesh" json:"mesh"`
	Offset [3]float64 `yaml:"offset,omitempty" json:"offset,omitempty"`
}

// RemoteData points at a working directory on a remote host.
type RemoteData struct {
	Host string `yaml:"host" json:"host"`
	Path string `yaml:"path" json:"path"`
}

func (r RemoteData) String() string { return r.Host + ":" + r.Path }

// BandStructure holds band energies along a k-point path.
type BandStructure struct {
	Kpoints [][3]float64 `yaml:"kpoints" json:"kpoints"`
	Labels  []KpointTick `yaml:"labels,omitempty" json:"labels,omitempty"`
	Bands   [][]float64  `yaml:"bands" json:"bands"`
	Units   string       `yaml:"units,omitempty" json:"units,omitempty"`
}

// KpointTick labels a special point on a band path.
type KpointTick struct {
	Index int    `yaml:"index" json:"index"`
	Label string `yaml:"label" json:"label"`
}

// XYData is a sampled curve with one x array and named y arrays.
type XYData struct {
	XName  string      `yaml:"x_name" json:"x_name"`
	XUnits string      `yaml:"x_units,omitempty" json:"x_units,omitempty"`
	X      []float64   `yaml:"x" json:"x"`
	YNames []string    `yaml:"y_names" json:"y_names"`
	YUnits []string    `yaml:"y_units,omitempty" json:"y_units,omitempty"`
	Y      [][]float64 `yaml:"y" json:"y"`
}

// Projections are orbital-resolved densities of states.
type Projections struct {
	Energy   []float64        `yaml:"energy" json:"energy"`
	Orbitals []OrbitalWeights `yaml:"orbitals" json:"orbitals"`
	Extra    params.Map       `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// OrbitalWeights is the projected density of one orbital.
type OrbitalWeights struct {
	Site    int       `yaml:"site" json:"site"`
	Kind    string    `yaml:"kind" json:"kind"`
	Orbital string    `yaml:"orbital" json:"orbital"`
	PDOS    []float64 `yaml:"pdos" json:"pdos"`
}
