package domain

// ChartData is the birth-chart snapshot prompts are rendered from. Every
// field is optional; prompt builders render placeholders for missing data.
type ChartData struct {
	Lagna        *Lagna                `json:"lagna,omitempty"`
	Planets      map[string]PlanetInfo `json:"planets,omitempty"`
	Houses       map[string]HouseInfo  `json:"houses,omitempty"`
	Dashas       *DashaInfo            `json:"dashas,omitempty"`
	Yogas        []Yoga                `json:"yogas,omitempty"`
	Ashtakavarga map[string][]int      `json:"ashtakavarga,omitempty"`
	Numerology   *Numerology           `json:"numerology,omitempty"`
}

type Lagna struct {
	Sign    string   `json:"sign"`
	SignNum int      `json:"sign_num,omitempty"`
	Degrees *float64 `json:"degrees,omitempty"`
	Lord    string   `json:"lord,omitempty"`
}

type PlanetInfo struct {
	Sign       string   `json:"sign"`
	Degrees    *float64 `json:"degrees,omitempty"`
	House      int      `json:"house"`
	Nakshatra  string   `json:"nakshatra,omitempty"`
	Pada       int      `json:"pada,omitempty"`
	Lord       string   `json:"lord,omitempty"`
	Retrograde bool     `json:"retrograde,omitempty"`
	Combust    bool     `json:"combust,omitempty"`
}

type HouseInfo struct {
	Sign    string   `json:"sign"`
	Lord    string   `json:"lord"`
	Planets []string `json:"planets,omitempty"`
}

type DashaInfo struct {
	BalanceAtBirth *DashaBalance `json:"balance_at_birth,omitempty"`
	Current        *CurrentDasha `json:"current,omitempty"`
	Sequence       []DashaPeriod `json:"sequence,omitempty"`
}

type DashaBalance struct {
	Planet string `json:"planet"`
	Years  int    `json:"years"`
	Months int    `json:"months"`
	Days   int    `json:"days"`
}

type CurrentDasha struct {
	Mahadasha       string `json:"mahadasha"`
	Antardasha      string `json:"antardasha"`
	MahadashaStart  string `json:"mahadasha_start,omitempty"`
	MahadashaEnd    string `json:"mahadasha_end,omitempty"`
	AntardashaStart string `json:"antardasha_start,omitempty"`
	AntardashaEnd   string `json:"antardasha_end,omitempty"`
}

type DashaPeriod struct {
	Planet string `json:"planet"`
	Start  string `json:"start"`
	End    string `json:"end"`
}

type Yoga struct {
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Strength    string   `json:"strength,omitempty"`
	Description string   `json:"description,omitempty"`
	Planets     []string `json:"planets,omitempty"`
	Effect      string   `json:"effect,omitempty"`
}

type Numerology struct {
	BirthNumber   *int `json:"birth_number,omitempty"`
	DestinyNumber *int `json:"destiny_number,omitempty"`
	NameNumber    *int `json:"name_number,omitempty"`
}
