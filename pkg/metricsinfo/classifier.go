package metricsinfo

// MetricField describes a field that holds a metric.
type MetricField struct {
	Name       string `mapstructure:"name"`
	Unit       string `mapstructure:"unit"`
	FieldType  string `mapstructure:"field_type"`
	MetricType string `mapstructure:"metric_type"`
}

// FieldClassifier decides whether a field of a data stream is a metric.
// Implementations must be pure and goroutine-safe.
type FieldClassifier interface {
	Classify(group, fieldPath string) (MetricField, bool)
}

// AnyGroup registers a MappingClassifier entry for every data stream.
const AnyGroup = "*"

// MappingClassifier classifies from a fixed map of group -> field path ->
// metric. Entries under AnyGroup apply to every group unless the group has
// its own entry for the path.
type MappingClassifier map[string]map[string]MetricField

// Classify implements FieldClassifier.
func (m MappingClassifier) Classify(group, fieldPath string) (MetricField, bool) {
	if fields, ok := m[group]; ok {
		if f, ok := fields[fieldPath]; ok {
			return withName(f, fieldPath), true
		}
	}
	if f, ok := m[AnyGroup][fieldPath]; ok {
		return withName(f, fieldPath), true
	}
	return MetricField{}, false
}

func withName(f MetricField, path string) MetricField {
	if f.Name == "" {
		f.Name = path
	}
	return f
}

// ClassifierFunc adapts a function to FieldClassifier.
type ClassifierFunc func(group, fieldPath string) (MetricField, bool)

// Classify implements FieldClassifier.
func (f ClassifierFunc) Classify(group, fieldPath string) (MetricField, bool) {
	return f(group, fieldPath)
}
