package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/protocol"
)

func TestExtractSpecsFencedBlocks(t *testing.T) {
	out := "Here is the plan.\n\n" +
		"```subtask\n{\"objective\": \"fetch the dataset\", \"complexity\": \"normal\"}\n```\n" +
		"```subtask\n{\"objective\": \"summarize findings\", \"complexity\": \"complex\"}\n```\n"
	specs := ExtractSpecs(out)
	require.Len(t, specs, 2)
	assert.Equal(t, "fetch the dataset", specs[0].Objective)
	assert.Equal(t, protocol.ComplexityComplex, specs[1].Complexity)
}

func TestExtractSpecsLooseFence(t *testing.T) {
	out := "``` subtask\n{\"objective\": \"run the benchmark\"}\n```"
	specs := ExtractSpecs(out)
	require.Len(t, specs, 1)
	assert.Equal(t, "run the benchmark", specs[0].Objective)
	assert.Equal(t, protocol.ComplexityNormal, specs[0].Complexity)
}

func TestExtractSpecsBareJSON(t *testing.T) {
	out := `I suggest two steps. {"objective": "collect the logs"} and later {"objective": "grep for panics"}`
	specs := ExtractSpecs(out)
	require.Len(t, specs, 2)
	assert.Equal(t, "collect the logs", specs[0].Objective)
}

func TestExtractSpecsLegacyLines(t *testing.T) {
	out := "- TASK: implement the parser\n" +
		"  COMPLEXITY: complex\n" +
		"* TASK: write docs\n"
	specs := ExtractSpecs(out)
	require.Len(t, specs, 2)
	assert.Equal(t, "implement the parser", specs[0].Objective)
	assert.Equal(t, protocol.ComplexityComplex, specs[0].Complexity)
	assert.Equal(t, "write docs", specs[1].Objective)
}

func TestExtractSpecsLegacySimpleUpgraded(t *testing.T) {
	out := "TASK: anything at all\nCOMPLEXITY: simple\n"
	specs := ExtractSpecs(out)
	require.Len(t, specs, 1)
	assert.Equal(t, protocol.ComplexityNormal, specs[0].Complexity)
}

func TestExtractSpecsNone(t *testing.T) {
	assert.Empty(t, ExtractSpecs("I could not decompose this request."))
}

func TestRepairJSONQuotes(t *testing.T) {
	raw := `{"objective": "标题: "内容""}`
	fixed, ok := RepairJSONQuotes(raw)
	require.True(t, ok)
	spec, err := protocol.ParseSubTaskSpec(fixed)
	require.NoError(t, err)
	assert.Contains(t, spec.Objective, "标题")

	_, ok = RepairJSONQuotes("not json at all")
	assert.False(t, ok)
}

func TestExtractSpecsRepairsFencedJSON(t *testing.T) {
	out := "```subtask\n{\"objective\": \"report on \"acme\" launch\"}\n```"
	specs := ExtractSpecs(out)
	require.Len(t, specs, 1)
	assert.Contains(t, specs[0].Objective, "acme")
}

func TestInferRole(t *testing.T) {
	assert.Equal(t, "review", InferRole("Review the generated code"))
	assert.Equal(t, "review", InferRole("verify the output matches"))
	assert.Equal(t, "planner", InferRole("outline the migration"))
	assert.Equal(t, "planner", InferRole("总结 all findings"))
	assert.Equal(t, "implement", InferRole("build the scraper"))
}

func TestInferComplexity(t *testing.T) {
	assert.Equal(t, protocol.ComplexityComplex, InferComplexity("analyze the traffic patterns"))
	assert.Equal(t, protocol.ComplexitySimple, InferComplexity("echo the current date"))
	assert.Equal(t, protocol.ComplexityNormal, InferComplexity("build a parser"))
	assert.Equal(t, protocol.ComplexitySimple, InferComplexity("do it, COMPLEXITY: simple"))
}

func TestCreateSubtasksCapsWithMergeNote(t *testing.T) {
	ctx := context.Background()
	b, err := board.Open(t.TempDir(), board.DefaultOptions())
	require.NoError(t, err)
	parent, err := b.Create(ctx, board.CreateRequest{Description: "root", RequiredRole: "planner"})
	require.NoError(t, err)

	specs := []*protocol.SubTaskSpec{
		{Objective: "one"}, {Objective: "two"}, {Objective: "three"},
		{Objective: "four"}, {Objective: "five"},
	}
	ids, err := CreateSubtasks(ctx, b, parent, specs, 3)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	first, err := b.Get(ids[0])
	require.NoError(t, err)
	assert.Contains(t, first.Description, "MERGE_NOTE")
	assert.Contains(t, first.Description, "four")
	assert.Contains(t, first.Description, "five")
	assert.Equal(t, parent.ID, first.ParentID)

	spec, err := protocol.ParseSubTaskSpec(first.Spec)
	require.NoError(t, err)
	assert.Equal(t, "root", spec.ParentIntent)
}

func TestCreateSubtasksInfersRoles(t *testing.T) {
	ctx := context.Background()
	b, err := board.Open(t.TempDir(), board.DefaultOptions())
	require.NoError(t, err)
	parent, err := b.Create(ctx, board.CreateRequest{Description: "root"})
	require.NoError(t, err)

	ids, err := CreateSubtasks(ctx, b, parent, []*protocol.SubTaskSpec{
		{Objective: "review the report"},
		{Objective: "write the report"},
	}, 3)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	reviewTask, _ := b.Get(ids[0])
	implTask, _ := b.Get(ids[1])
	assert.Equal(t, "review", reviewTask.RequiredRole)
	assert.Equal(t, "implement", implTask.RequiredRole)
}

func TestStripToolBlocks(t *testing.T) {
	in := "<think>reasoning</think>Answer.\n\n```tool\n{\"tool\":\"exec\"}\n```\n\n\n\nDone."
	assert.Equal(t, "Answer.\n\nDone.", StripToolBlocks(in))
}
