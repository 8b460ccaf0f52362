package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"result": "success"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONFailureKeepsData(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Failure(CodeScenarioFailed, "1 scenario(s) failed", Summary{Failed: 1, Total: 1}))

	resp := decode[Summary](t, buf.String())
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeScenarioFailed, resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Failed)
}

func TestOutputFormatter_TextFailureIsSilent(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Failure(CodeInvalid, "validation failed", nil))
	assert.Empty(t, buf.String())
}

func TestOutputFormatter_Error(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, formatter.Error(CodeInvalid, "bad file", map[string]string{"line": "3"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "bad file", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)

	buf.Reset()
	text := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}
	require.NoError(t, text.Error(CodeInvalid, "bad file", "line 3"))
	assert.Contains(t, buf.String(), "Error [E_INVALID]: bad file")
	assert.Contains(t, buf.String(), "Details: line 3")
}

func TestOutputFormatter_PrintfOnlyInText(t *testing.T) {
	buf := &bytes.Buffer{}
	(&OutputFormatter{Format: "json", Writer: buf}).Printf("hello %s", "world")
	assert.Empty(t, buf.String())

	(&OutputFormatter{Format: "text", Writer: buf}).Printf("hello %s", "world")
	assert.Equal(t, "hello world\n", buf.String())
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut}

	formatter.VerboseLog("quiet")
	assert.Empty(t, errOut.String())

	formatter.Verbose = true
	formatter.VerboseLog("digest %s", "abc")
	assert.Empty(t, out.String(), "verbose output stays off stdout")
	assert.Equal(t, "digest abc\n", errOut.String())

	noErr := &OutputFormatter{Writer: out, Verbose: true}
	assert.Equal(t, out, noErr.GetErrWriter())
}
