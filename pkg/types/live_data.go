package types

type LiveData struct {
	Epoch         int64       `json:"epoch"`
	ISO           string      `json:"iso"`
	Voltage       Measurement `json:"voltage"`
	Current       Measurement `json:"current"`
	Power         Measurement `json:"power"`
	EnergyWh      float64     `json:"energy_Wh"`
	CalV          float64     `json:"cal_v"`
	CalI          float64     `json:"cal_i"`
	SourceVoltage Measurement `json:"source_voltage"`
	ShuntMV       Measurement `json:"shunt_mV"`
	ChipPower     Measurement `json:"chip_power"`
	Period        int         `json:"period"`
	Calibrated    bool        `json:"calibrated"`
}

// Series is one chart: Labels and Values always have the same length.
type Series struct {
	Title  string    `json:"title"`
	Unit   string    `json:"unit"`
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

func NewSeries(title, unit string, size int) Series {
	return Series{
		Title:  title,
		Unit:   unit,
		Labels: make([]string, 0, size),
		Values: make([]float64, 0, size),
	}
}

func (s *Series) Add(label string, value float64) {
	s.Labels = append(s.Labels, label)
	s.Values = append(s.Values, value)
}
