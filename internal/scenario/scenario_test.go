package scenario

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamjoin/internal/operator"
)

const scenario1TOML = `
[scenario]
name = "basic_equi_inner"
join_type = "inner"

[left]
ddl = "CREATE TABLE orders (k INT, a INT, PRIMARY KEY (k))"
join_key_columns = ["k"]
null_matched = [false]

[right]
ddl = "CREATE TABLE items (k INT, b VARCHAR(8), PRIMARY KEY (k, b))"
join_key_columns = ["k"]
null_matched = [false]

[[chunks]]
side = "right"
op = "insert"
rows = [[10, "x"], [20, "y"], [10, "z"]]

[[chunks]]
side = "left"
op = "insert"
rows = [[10, 1], [10, 2], [20, 3]]

[[barriers]]
next_epoch = 1
`

func TestLoad_ParsesScenario(t *testing.T) {
	l := NewLoader()
	sc, err := l.Load(strings.NewReader(scenario1TOML))
	require.NoError(t, err)

	assert.Equal(t, "basic_equi_inner", sc.Name)
	assert.Equal(t, operator.Inner, sc.JoinType)
	assert.NotEmpty(t, sc.RunID)

	require.Len(t, sc.LeftSchema.PKColumns, 1)
	assert.Equal(t, "k", sc.LeftSchema.PKColumns[0].Name)
	assert.Equal(t, []int{0}, sc.LeftKeyIdx)

	require.Len(t, sc.RightSchema.PKColumns, 2)
	assert.Equal(t, []int{0}, sc.RightKeyIdx)

	require.Len(t, sc.Chunks, 2)
	assert.Equal(t, operator.Right, sc.Chunks[0].Side)
	assert.Equal(t, operator.RecordInsert, sc.Chunks[0].Op)
	require.Len(t, sc.Chunks[0].Rows, 3)
	assert.Equal(t, 2, sc.Chunks[0].Rows[0].Len())

	require.Len(t, sc.Barriers, 1)
	assert.Equal(t, uint64(1), sc.Barriers[0].NextEpoch)
}

func TestLoad_UnknownSideErrors(t *testing.T) {
	const bad = `
[scenario]
name = "x"

[left]
ddl = "CREATE TABLE t (k INT, PRIMARY KEY (k))"
join_key_columns = ["k"]

[right]
ddl = "CREATE TABLE t2 (k INT, PRIMARY KEY (k))"
join_key_columns = ["k"]

[[chunks]]
side = "middle"
op = "insert"
rows = [[1]]
`
	l := NewLoader()
	_, err := l.Load(strings.NewReader(bad))
	require.Error(t, err)
}

func TestLoad_UnknownJoinKeyColumnErrors(t *testing.T) {
	const bad = `
[scenario]
name = "x"

[left]
ddl = "CREATE TABLE t (k INT, PRIMARY KEY (k))"
join_key_columns = ["nope"]

[right]
ddl = "CREATE TABLE t2 (k INT, PRIMARY KEY (k))"
join_key_columns = ["k"]
`
	l := NewLoader()
	_, err := l.Load(strings.NewReader(bad))
	require.Error(t, err)
}
