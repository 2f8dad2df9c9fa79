package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioDir = "../scenario/testdata"

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestSimulateDirectoryPasses(t *testing.T) {
	out, err := executeRoot(t, "simulate", "-f", scenarioDir)
	require.NoError(t, err)
	assert.Contains(t, out, "PASS add-and-activate")
	assert.Contains(t, out, "PASS write-failure-recovery")
	assert.Contains(t, out, "0 failed")
}

func TestSimulateJSON(t *testing.T) {
	out, err := executeRoot(t, "simulate", "-f", filepath.Join(scenarioDir, "add_and_activate.yaml"), "--format", "json")
	require.NoError(t, err)

	var report SimulateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Passed)
	require.Len(t, report.Scenarios, 1)
	assert.Equal(t, "add-and-activate", report.Scenarios[0].Name)
}

func TestSimulateFailingScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: failing
order: order-1
seed:
  priceLists:
    - id: standard
      entries:
        - entryId: P1
          productName: Widget
          unitPrice: "10"
  orders:
    - orderId: order-1
      priceListId: standard
steps:
  - select: P1
    expect:
      lines: {P1: 3}
`), 0o644))

	out, err := executeRoot(t, "simulate", "-f", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL failing")
	assert.Contains(t, out, "lines = map[P1:1], want map[P1:3]")
}

func TestSimulateCommandErrors(t *testing.T) {
	_, err := executeRoot(t, "simulate", "-f", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("name: no-order\nsteps:\n  - select: P1\n"), 0o644))
	_, err = executeRoot(t, "simulate", "-f", invalid)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "order is required")

	_, err = executeRoot(t, "simulate", "-f", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scenario files found")

	_, err = executeRoot(t, "simulate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
