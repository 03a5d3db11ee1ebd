package index

import "fmt"

// Scorer turns one plugin's normalized observation into a sub-index on the
// composite scale. Implementations are registered at startup keyed by
// PluginKind; there is no runtime class lookup.
type Scorer interface {
	Kind() PluginKind
	// SubIndex returns a value in [ScoreMin, ScoreMax]. The plugin's
	// Config map supplies internal component weights.
	SubIndex(p *FeaturePlugin, obs *NormalizedObservation) (float64, error)
}

// Telemetry feature names expected from the roadway sensor collectors.
const (
	FeatureVehicleRisk    = "vehicle_risk"
	FeaturePedestrianRisk = "pedestrian_risk"
)

// Weather feature names expected from the weather collector.
const (
	FeaturePrecipitation = "precipitation"
	FeatureVisibility    = "visibility"
	FeatureWind          = "wind"
	FeatureTemperature   = "temperature"
)

// TelemetryScorer combines vehicle- and pedestrian-risk components into
// the telemetry sub-index. Component weights come from the plugin config
// keys "vehicle_weight" and "pedestrian_weight" (default 0.5 each).
type TelemetryScorer struct{}

func (TelemetryScorer) Kind() PluginKind { return KindTelemetry }

func (TelemetryScorer) SubIndex(p *FeaturePlugin, obs *NormalizedObservation) (float64, error) {
	vw := configWeight(p, "vehicle_weight", 0.5)
	pw := configWeight(p, "pedestrian_weight", 0.5)
	if vw < 0 || pw < 0 || vw+pw == 0 {
		return 0, fmt.Errorf("telemetry plugin %q: invalid component weights vehicle=%v pedestrian=%v", p.Name, vw, pw)
	}

	vr, err := feature(obs, FeatureVehicleRisk)
	if err != nil {
		return 0, err
	}
	pr, err := feature(obs, FeaturePedestrianRisk)
	if err != nil {
		return 0, err
	}

	// Normalize the internal weights so partial configs still produce a
	// bounded sub-index.
	sub := (vw*vr + pw*pr) / (vw + pw)
	return clampScore(sub * ScoreMax), nil
}

// VehicleComponent returns the vehicle risk component on the composite
// scale, or 0 when the feature is absent.
func (TelemetryScorer) VehicleComponent(obs *NormalizedObservation) float64 {
	if obs == nil {
		return 0
	}
	return clampScore(obs.Features[FeatureVehicleRisk] * ScoreMax)
}

// VRUComponent returns the pedestrian (vulnerable road user) risk component
// on the composite scale, or 0 when the feature is absent.
func (TelemetryScorer) VRUComponent(obs *NormalizedObservation) float64 {
	if obs == nil {
		return 0
	}
	return clampScore(obs.Features[FeaturePedestrianRisk] * ScoreMax)
}

// WeatherScorer combines precipitation, visibility, wind and temperature
// risk components into the weather sub-index. Component weights come from
// the plugin config keys "<feature>_weight" (default: equal shares).
type WeatherScorer struct{}

func (WeatherScorer) Kind() PluginKind { return KindWeather }

func (WeatherScorer) SubIndex(p *FeaturePlugin, obs *NormalizedObservation) (float64, error) {
	names := []string{FeaturePrecipitation, FeatureVisibility, FeatureWind, FeatureTemperature}

	var weighted, total float64
	for _, name := range names {
		w := configWeight(p, name+"_weight", 0.25)
		if w < 0 {
			return 0, fmt.Errorf("weather plugin %q: negative weight for %s", p.Name, name)
		}
		v, err := feature(obs, name)
		if err != nil {
			return 0, err
		}
		weighted += w * v
		total += w
	}
	if total == 0 {
		return 0, fmt.Errorf("weather plugin %q: all component weights are zero", p.Name)
	}
	return clampScore(weighted / total * ScoreMax), nil
}

// configWeight reads a component weight from the plugin config, falling
// back to def when the key is absent.
func configWeight(p *FeaturePlugin, key string, def float64) float64 {
	if p == nil || p.Config == nil {
		return def
	}
	if v, ok := p.Config[key]; ok {
		return v
	}
	return def
}

func feature(obs *NormalizedObservation, name string) (float64, error) {
	v, ok := obs.Features[name]
	if !ok {
		// Absent sub-feature contributes zero risk rather than failing
		// the whole plugin.
		return 0, nil
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("feature %s=%v outside normalized range [0,1]", name, v)
	}
	return v, nil
}
