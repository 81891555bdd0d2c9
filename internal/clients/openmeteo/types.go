package openmeteo

// geocodingResponse is the raw shape of the geocoding search endpoint.
type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Country   string  `json:"country"`
	} `json:"results"`
}

// archiveResponse is the raw shape of the daily archive endpoint.
type archiveResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Daily     struct {
		Time             []string  `json:"time"`
		TemperatureMax   []float64 `json:"temperature_2m_max"`
		TemperatureMin   []float64 `json:"temperature_2m_min"`
		TemperatureMean  []float64 `json:"temperature_2m_mean"`
		PrecipitationSum []float64 `json:"precipitation_sum"`
		SunshineDuration []float64 `json:"sunshine_duration"` // seconds
	} `json:"daily"`
}

// Confidence tiers the completeness of the underlying daily series.
type Confidence string

const (
	ConfidenceLow    Confidence = "Low"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceHigh   Confidence = "High"
)

// Analysis is the processed growing-season weather payload for one
// (region, year). It is what gets cached, persisted and consumed by
// vintage intelligence.
type Analysis struct {
	Region            string  `json:"region"`
	Year              int     `json:"year"`
	VineyardAlias     string  `json:"vineyard_alias,omitempty"`
	MeanTempC         float64 `json:"mean_temp_c"`
	MaxTempC          float64 `json:"max_temp_c"`
	MinTempC          float64 `json:"min_temp_c"`
	GDD               float64 `json:"gdd"` // growing degree days, base 10C
	TotalRainfallMM   float64 `json:"total_rainfall_mm"`
	HeatwaveDays      int     `json:"heatwave_days"`       // daily max >= 35C
	SustainedHeatDays int     `json:"sustained_heat_days"` // 7-day smoothed max >= 35C
	FrostDays         int     `json:"frost_days"`          // daily min <= 0C
	SunshineHours     float64 `json:"sunshine_hours"`
	DiurnalRangeC     float64 `json:"diurnal_range_c"` // mean daily max-min

	// Derived viticultural factors on a 0..5 scale.
	RipenessScore float64 `json:"ripeness_score"`
	AcidityScore  float64 `json:"acidity_score"`
	DiseaseScore  float64 `json:"disease_score"` // higher is healthier

	OverallScore float64    `json:"overall_score"` // 0..100 composite
	Confidence   Confidence `json:"confidence"`
	SampleDays   int        `json:"sample_days"`
}
