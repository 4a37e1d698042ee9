package sdpapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c Criterion) Criterion {
	t.Helper()
	wire := Serialize(c)
	require.NotNil(t, wire)

	raw, err := json.Marshal(wire)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	return Parse(decoded)
}

func TestSearchCriteriaRoundTripLeaf(t *testing.T) {
	c := Criterion{Field: "status.name", Condition: ConditionIs, Value: "Open"}
	require.Equal(t, c, roundTrip(t, c))
}

func TestSearchCriteriaRoundTripBetween(t *testing.T) {
	c := Criterion{Field: "created_time", Condition: ConditionBetween, Values: []string{"1000", "2000"}}
	require.Equal(t, c, roundTrip(t, c))
}

func TestSearchCriteriaRoundTripNestedTree(t *testing.T) {
	c := Criterion{
		LogicalOperator: LogicalAND,
		Children: []Criterion{
			{Field: "status.name", Condition: ConditionIs, Value: "Open"},
			{
				LogicalOperator: LogicalOR,
				Children: []Criterion{
					{Field: "priority.name", Condition: ConditionIs, Value: "High"},
					{Field: "priority.name", Condition: ConditionIs, Value: "Urgent"},
				},
			},
		},
	}
	require.Equal(t, c, roundTrip(t, c))
}

func TestSearchCriteriaEmptySerializesToNil(t *testing.T) {
	require.Nil(t, Serialize(Criterion{}))
}

func TestListFilterClampsRowCountAndStartIndex(t *testing.T) {
	f := ListFilter{RowCount: 500, StartIndex: 0}
	li := f.listInfo()
	require.Equal(t, 100, li["row_count"])
	require.Equal(t, 1, li["start_index"])
}

func TestListFilterDefaultsWhenZero(t *testing.T) {
	f := ListFilter{}
	li := f.listInfo()
	require.Equal(t, 100, li["row_count"])
	require.Equal(t, 1, li["start_index"])
	require.NotContains(t, li, "search_criteria")
}

func TestListFilterPreservesValidValues(t *testing.T) {
	f := ListFilter{RowCount: 25, StartIndex: 51}
	li := f.listInfo()
	require.Equal(t, 25, li["row_count"])
	require.Equal(t, 51, li["start_index"])
}
