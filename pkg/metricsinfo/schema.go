// Package metricsinfo extracts which metrics exist in time-series documents
// and merges the findings of many nodes into one listing.
//
// It runs in two phases. Local operators on each data node walk raw
// documents and emit one row per (metric, data stream). The coordinator
// operator folds the rows of every node together. Both phases drain the
// same way: rows describing the same metric with the same unit, metric type
// and field type sets collapse into one, with the union of their data
// streams and dimension fields.
package metricsinfo

import (
	"regexp"

	"github.com/apache/arrow-go/v18/arrow"
)

// Output column names, in order.
const (
	ColMetricName      = "metric_name"
	ColDataStream      = "data_stream"
	ColUnit            = "unit"
	ColMetricType      = "metric_type"
	ColFieldType       = "field_type"
	ColDimensionFields = "dimension_fields"
)

// Input columns read by the local phase.
const (
	ColIndex  = "_index"
	ColSource = "_source"
)

var listOfStrings = arrow.ListOf(arrow.BinaryTypes.String)

// Schema is the six-column schema both phases emit.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: ColMetricName, Type: arrow.BinaryTypes.String},
	{Name: ColDataStream, Type: listOfStrings, Nullable: true},
	{Name: ColUnit, Type: listOfStrings, Nullable: true},
	{Name: ColMetricType, Type: listOfStrings, Nullable: true},
	{Name: ColFieldType, Type: listOfStrings, Nullable: true},
	{Name: ColDimensionFields, Type: listOfStrings, Nullable: true},
}, nil)

var backingIndex = regexp.MustCompile(`^\.ds-(.+)-\d{4}\.\d{2}\.\d{2}-\d{6}$`)

// ResolveGroup maps a backing index name such as
// ".ds-metrics-cpu-2024.01.15-000001" to its data stream "metrics-cpu".
// Other names resolve to themselves.
func ResolveGroup(index string) string {
	if m := backingIndex.FindStringSubmatch(index); m != nil {
		return m[1]
	}
	return index
}
