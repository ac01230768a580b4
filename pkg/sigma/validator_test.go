package sigma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRule = `
title: Suspicious Regsvr32 Execution
status: experimental
logsource:
  product: windows
  category: process_creation
detection:
  selection:
    Image|endswith: '\regsvr32.exe'
    CommandLine|contains: 'scrobj.dll'
  condition: selection
level: high
`

func TestValidateAcceptsWellFormedRule(t *testing.T) {
	res := Validate(validRule)
	assert.True(t, res.OK, "errors: %v", res.Errors)
	assert.Empty(t, res.Errors)
}

func TestValidateRejectsEmptyInput(t *testing.T) {
	res := Validate("   \n")
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, "rule is empty")
}

func TestValidateMissingFields(t *testing.T) {
	res := Validate(`
status: experimental
detection:
  selection:
    Image: foo.exe
  condition: selection
`)
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, "missing required field: title")
	assert.Contains(t, res.Errors, "missing required field: logsource")
}

func TestValidateLogsourceNeedsScope(t *testing.T) {
	res := Validate(`
title: Test
logsource:
  definition: some text
detection:
  selection:
    Image: foo.exe
  condition: selection
`)
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, "logsource must set at least one of category, product, service")
}

func TestValidateDetectionErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no condition",
			yaml: `
title: Test
logsource: {product: windows}
detection:
  selection:
    Image: foo.exe
`,
			want: "detection must contain a condition",
		},
		{
			name: "no search identifiers",
			yaml: `
title: Test
logsource: {product: windows}
detection:
  condition: selection
`,
			want: "detection must contain at least one search identifier",
		},
		{
			name: "condition references unknown identifier",
			yaml: `
title: Test
logsource: {product: windows}
detection:
  selection:
    Image: foo.exe
  condition: selection and filter
`,
			want: `condition references unknown identifier "filter"`,
		},
		{
			name: "empty search mapping",
			yaml: `
title: Test
logsource: {product: windows}
detection:
  selection: {}
  condition: selection
`,
			want: `search "selection" is an empty mapping`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(tt.yaml)
			assert.False(t, res.OK)
			assert.Contains(t, res.Errors, tt.want)
		})
	}
}

func TestValidateInvalidStatusAndLevel(t *testing.T) {
	res := Validate(`
title: Test
status: draft
level: urgent
logsource: {product: windows}
detection:
  selection:
    Image: foo.exe
  condition: selection
`)
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, `invalid status "draft"`)
	assert.Contains(t, res.Errors, `invalid level "urgent"`)
}

func TestValidateWildcardConditionReference(t *testing.T) {
	res := Validate(`
title: Test
logsource: {product: windows}
detection:
  selection_img:
    Image: foo.exe
  selection_cmd:
    CommandLine: bar
  condition: 1 of selection_*
`)
	assert.True(t, res.OK, "errors: %v", res.Errors)
}

func TestValidateIsDeterministic(t *testing.T) {
	first := Validate(validRule)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Validate(validRule))
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse("title: [unclosed")
	require.Error(t, err)
}
