package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verdant/internal/domain"
)

const sampleDiagnosis = `{
  "plantName": "Ficus lyrata",
  "confidence": 0.88,
  "issues": [
    {"name": "Brown edges", "severity": "medium", "description": "Leaf edges browning", "causes": ["Low humidity"]}
  ],
  "recommendations": [
    {"action": "Mist leaves", "timeline": "Daily", "priority": 1}
  ],
  "careTips": [
    {"icon": "humidity", "title": "Humidity", "description": "Keep above 40%"}
  ]
}`

func TestExtractJSONUnwrapped(t *testing.T) {
	var out domain.DiagnosisResult
	require.NoError(t, extractJSON(sampleDiagnosis, &out))
	assert.Equal(t, "Ficus lyrata", out.PlantName)
	assert.Equal(t, 0.88, out.Confidence)
	require.Len(t, out.Issues, 1)
	assert.Equal(t, "medium", out.Issues[0].Severity)
}

func TestExtractJSONFenced(t *testing.T) {
	fenced := "```json\n" + sampleDiagnosis + "\n```"
	var fromFence domain.DiagnosisResult
	require.NoError(t, extractJSON(fenced, &fromFence))

	var fromPlain domain.DiagnosisResult
	require.NoError(t, extractJSON(sampleDiagnosis, &fromPlain))

	assert.Equal(t, fromPlain, fromFence)
}

func TestExtractJSONLeadingProse(t *testing.T) {
	noisy := "Here is the diagnosis you asked for:\n" + sampleDiagnosis + "\nLet me know if you need more."
	var out domain.DiagnosisResult
	require.NoError(t, extractJSON(noisy, &out))
	assert.Equal(t, "Ficus lyrata", out.PlantName)
}

func TestExtractJSONBracesInsideStrings(t *testing.T) {
	payload := `{"plantName": "Weird {plant}", "confidence": 0.5, "issues": [], "recommendations": []}`
	var out domain.DiagnosisResult
	require.NoError(t, extractJSON(payload, &out))
	assert.Equal(t, "Weird {plant}", out.PlantName)
}

func TestExtractJSONNoObject(t *testing.T) {
	var out domain.DiagnosisResult
	err := extractJSON("I could not identify the plant, sorry.", &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidOutput)
}

func TestExtractJSONTruncated(t *testing.T) {
	var out domain.DiagnosisResult
	err := extractJSON(`{"plantName": "Ficus", "confidence":`, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidOutput)
}
